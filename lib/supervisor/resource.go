// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sys/unix"
)

// Cause names the resource that prevented a worker from starting.
type Cause string

const (
	CauseOutOfMemory       Cause = "out of memory"
	CauseTooManyFiles      Cause = "too many open files"
	CauseNoDiskSpace       Cause = "no disk space"
	CauseExecutableMissing Cause = "executable missing"
)

// ResourceError reports a spawn failure caused by resource
// exhaustion or a missing executable.
type ResourceError struct {
	Module string
	Cause  Cause
	Err    error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("starting module %s: %s: %v", e.Module, e.Cause, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// classify wraps err in a ResourceError when it matches a known
// resource errno. Other errors are returned unchanged.
func classify(module string, err error) error {
	if err == nil {
		return nil
	}
	cause, ok := causeOf(err)
	if !ok {
		return err
	}
	return &ResourceError{Module: module, Cause: cause, Err: err}
}

func causeOf(err error) (Cause, bool) {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, unix.ENOENT):
		return CauseExecutableMissing, true
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EAGAIN):
		return CauseOutOfMemory, true
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
		return CauseTooManyFiles, true
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT):
		return CauseNoDiskSpace, true
	}
	return "", false
}

// availableMemory reports the memory the kernel estimates is
// available for new processes.
func availableMemory(ctx context.Context) (uint64, error) {
	stats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading memory statistics: %w", err)
	}
	return stats.Available, nil
}
