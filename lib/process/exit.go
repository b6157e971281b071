// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ErrUsage marks errors caused by bad command-line input. Fatal exits
// with status 2 for them.
var ErrUsage = errors.New("usage error")

// Fatal prints err to stderr and exits. Binaries call it from main
// with the error returned by run, before or instead of structured
// logging.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, ErrUsage) {
		os.Exit(2)
	}
	os.Exit(1)
}
