// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/registry"
	"github.com/consolegate/consolegate/lib/worker"
)

// launched is what a successful spawn hands back to the event loop.
type launched struct {
	process   *os.Process
	transport *http.Transport
}

// launch spawns the worker process and waits for its socket. It runs
// outside the event loop and reports through a startedEvent. The loop
// adds to s.archives before starting it; the count is released when
// the process has exited and its log is archived, or at once when no
// process was started.
func (s *Supervisor) launch(w *Worker, module *registry.Module, locale string) {
	result, err := s.spawn(w, module, locale)
	s.post(startedEvent{worker: w, result: result, err: err})
}

func (s *Supervisor) spawn(w *Worker, module *registry.Module, locale string) (launched, error) {
	closeDone := func() {
		close(w.done)
		s.archives.Done()
	}

	if s.config.MinAvailableMemory > 0 {
		available, err := s.config.AvailableMemory(context.Background())
		if err != nil {
			s.logger.Warn("memory preflight failed", "module", module.ID, "error", err)
		} else if available < s.config.MinAvailableMemory {
			closeDone()
			return launched{}, &ResourceError{
				Module: module.ID,
				Cause:  CauseOutOfMemory,
				Err:    fmt.Errorf("%d bytes available, %d required", available, s.config.MinAvailableMemory),
			}
		}
	}

	executable, args := s.config.DefaultExecutable, s.config.DefaultArgs
	if module.Executable != "" {
		executable, args = module.Executable, module.Args
	}
	if executable == "" {
		closeDone()
		return launched{}, fmt.Errorf("module %s: no worker executable configured", module.ID)
	}

	_ = os.Remove(w.socket)
	logFile, err := s.openLog(w.logPath)
	if err != nil {
		closeDone()
		return launched{}, classify(module.ID, err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = s.environment(module.ID, w.socket, locale)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		_ = os.Remove(w.logPath)
		closeDone()
		return launched{}, classify(module.ID, fmt.Errorf("starting %s: %w", executable, err))
	}
	logFile.Close()

	go func() {
		defer s.archives.Done()
		waitErr := cmd.Wait()
		w.exitErr = waitErr
		close(w.done)
		s.post(exitedEvent{worker: w, err: waitErr})
		s.archiveLog(module.ID, w.logPath)
	}()

	if err := s.waitReady(w.socket, w.done); err != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-w.done
		_ = os.Remove(w.socket)
		return launched{}, fmt.Errorf("%w: module %s: %v", ErrConnect, module.ID, err)
	}
	return launched{process: cmd.Process, transport: newTransport(unixDialer(w.socket))}, nil
}

// waitReady dials socket with exponential backoff until it accepts a
// connection, the process exits, or the attempt ceiling is reached.
func (s *Supervisor) waitReady(socket string, processDone <-chan struct{}) error {
	delay := s.config.ReadyInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.config.ReadyAttempts; attempt++ {
		conn, err := net.DialTimeout("unix", socket, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		timer := time.NewTimer(delay)
		select {
		case <-processDone:
			timer.Stop()
			return errors.New("process exited before accepting connections")
		case <-timer.C:
		}
		delay *= 2
		if delay > s.config.ReadyMaxBackoff {
			delay = s.config.ReadyMaxBackoff
		}
	}
	return fmt.Errorf("not connectable after %d attempts: %w", s.config.ReadyAttempts, lastErr)
}

func (s *Supervisor) openLog(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening worker log: %w", err)
	}
	return file, nil
}

func (s *Supervisor) environment(module, socket, locale string) []string {
	env := append(os.Environ(), s.config.Env...)
	env = append(env,
		worker.EnvModule+"="+module,
		worker.EnvSocket+"="+socket,
		worker.EnvLocale+"="+locale,
	)
	if s.config.AssertionKey != nil {
		env = append(env, worker.EnvAssertionKey+"="+identity.EncodePublicKey(s.config.AssertionKey))
	}
	if lang := posixLocale(locale); lang != "" {
		env = append(env, "LANG="+lang)
	}
	return env
}

// posixLocale turns a language tag such as "de-de" into "de_DE.UTF-8".
func posixLocale(tag string) string {
	if tag == "" {
		return ""
	}
	language, region, found := strings.Cut(strings.ReplaceAll(tag, "_", "-"), "-")
	if !found {
		return strings.ToLower(language) + ".UTF-8"
	}
	return strings.ToLower(language) + "_" + strings.ToUpper(region) + ".UTF-8"
}

// signalGroup signals the worker's process group.
func signalGroup(process *os.Process, signal syscall.Signal) error {
	if process == nil {
		return nil
	}
	err := unix.Kill(-process.Pid, signal)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// describeExit renders a Wait error for logs.
func describeExit(err error) string {
	if err == nil {
		return "clean exit"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return "killed by signal " + unix.SignalName(status.Signal())
		}
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	return err.Error()
}
