// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/registry"
)

var (
	// ErrConnect reports a worker that never accepted connections.
	ErrConnect = errors.New("could not connect to worker")

	// ErrUnknownModule reports a module missing from the catalogue.
	ErrUnknownModule = errors.New("unknown module")

	// ErrClosed is returned after StopAll.
	ErrClosed = errors.New("supervisor is shutting down")
)

// CatalogSource supplies the current module catalogue.
type CatalogSource interface {
	Current() *registry.Catalog
}

// Config configures a Supervisor.
type Config struct {
	Catalog CatalogSource

	// RunDirectory holds worker sockets. Created with mode 0700.
	RunDirectory string

	// LogDirectory receives one log file per worker launch. Defaults
	// to RunDirectory.
	LogDirectory string

	// LogRetain is how many LZ4-compressed logs of exited workers are
	// kept per module. Zero means 10; negative keeps logs
	// uncompressed and never prunes them.
	LogRetain int

	// DefaultExecutable and DefaultArgs start modules without an
	// executable override. The module id reaches the worker through
	// CONSOLEGATE_MODULE.
	DefaultExecutable string
	DefaultArgs       []string

	// Env is appended to the inherited environment of every worker.
	Env []string

	// AssertionKey is published to workers so they can verify the
	// identity assertions the gateway attaches to requests.
	AssertionKey ed25519.PublicKey

	// IdleTimeout is how long a worker may sit without leases before
	// it is reclaimed. Zero disables reclamation.
	IdleTimeout time.Duration

	// GracePeriod separates SIGTERM from SIGKILL. Defaults to 5s.
	GracePeriod time.Duration

	// Readiness polling. Defaults: 10ms doubling to 500ms, 40 attempts.
	ReadyInitialBackoff time.Duration
	ReadyMaxBackoff     time.Duration
	ReadyAttempts       int

	// MinAvailableMemory refuses to spawn when less memory than this
	// is available. Zero disables the check.
	MinAvailableMemory uint64

	// AvailableMemory overrides the memory probe.
	AvailableMemory func(context.Context) (uint64, error)

	// Observer, if set, sees every state transition. It runs on the
	// event loop and must not block.
	Observer func(Transition)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor owns the worker table. Create with New; stop with StopAll.
type Supervisor struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	events  chan event
	stopped chan struct{}

	// archives tracks log compression still running for exited
	// workers. StopAll waits for it.
	archives sync.WaitGroup

	// Loop-owned.
	table    map[Key]*Worker
	detached map[*Worker]struct{}
	sequence uint64
	closing  bool
}

// New validates config, creates the run directory and starts the
// event loop.
func New(config Config) (*Supervisor, error) {
	if config.Catalog == nil {
		return nil, errors.New("supervisor: no catalogue configured")
	}
	if config.RunDirectory == "" {
		return nil, errors.New("supervisor: no run directory configured")
	}
	if err := os.MkdirAll(config.RunDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("supervisor: creating run directory: %w", err)
	}
	if err := os.Chmod(config.RunDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("supervisor: securing run directory: %w", err)
	}
	if config.LogDirectory == "" {
		config.LogDirectory = config.RunDirectory
	}
	if err := os.MkdirAll(config.LogDirectory, 0o750); err != nil {
		return nil, fmt.Errorf("supervisor: creating log directory: %w", err)
	}
	if config.LogRetain == 0 {
		config.LogRetain = 10
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}
	if config.ReadyInitialBackoff <= 0 {
		config.ReadyInitialBackoff = 10 * time.Millisecond
	}
	if config.ReadyMaxBackoff < config.ReadyInitialBackoff {
		config.ReadyMaxBackoff = max(500*time.Millisecond, config.ReadyInitialBackoff)
	}
	if config.ReadyAttempts <= 0 {
		config.ReadyAttempts = 40
	}
	if config.AvailableMemory == nil {
		config.AvailableMemory = availableMemory
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Supervisor{
		config:   config,
		logger:   logger,
		clock:    config.Clock,
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		table:    make(map[Key]*Worker),
		detached: make(map[*Worker]struct{}),
	}
	go s.loop()
	return s, nil
}

// Lease is one outstanding use of a worker. The worker is not
// reclaimed while leases are outstanding.
type Lease struct {
	Worker *Worker

	supervisor *Supervisor
	once       sync.Once
}

// Release returns the lease. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.supervisor.post(releaseEvent{worker: l.Worker})
	})
}

type acquired struct {
	worker *Worker
	err    error
}

// Acquire returns a leased worker for (scope, module), starting one if
// none is live. Singleton and proxy modules ignore scope. If ctx ends
// before the worker is ready the call returns ctx.Err() and the
// eventual lease is released on the caller's behalf.
func (s *Supervisor) Acquire(ctx context.Context, scope, module, locale string) (*Lease, error) {
	worker, err := s.request(ctx, scope, module, locale, true)
	if err != nil {
		return nil, err
	}
	return &Lease{Worker: worker, supervisor: s}, nil
}

// GetOrStart returns the live worker for (scope, module) without
// leasing it, starting one if needed, and restarts its idle timer.
func (s *Supervisor) GetOrStart(ctx context.Context, scope, module, locale string) (*Worker, error) {
	return s.request(ctx, scope, module, locale, false)
}

func (s *Supervisor) request(ctx context.Context, scope, module, locale string, lease bool) (*Worker, error) {
	reply := make(chan acquired, 1)
	if !s.post(acquireEvent{scope: scope, module: module, locale: locale, lease: lease, reply: reply}) {
		return nil, ErrClosed
	}
	select {
	case result := <-reply:
		return result.worker, result.err
	case <-s.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		if lease {
			go func() {
				select {
				case result := <-reply:
					if result.err == nil {
						s.post(releaseEvent{worker: result.worker})
					}
				case <-s.stopped:
				}
			}()
		}
		return nil, ctx.Err()
	}
}

// Evict removes w from the table and kills it. Used when a worker is
// known to be broken, such as after a failed forward.
func (s *Supervisor) Evict(w *Worker, reason string) {
	s.post(evictEvent{worker: w, reason: reason})
}

// StopScope retires every worker owned by scope. Workers with
// outstanding leases stop when the last lease is released.
func (s *Supervisor) StopScope(scope string) {
	if scope == "" {
		return
	}
	s.post(retireEvent{match: func(k Key) bool { return k.Scope == scope }, reason: "scope closed"})
}

// Retire stops the workers of the given modules once idle. New
// requests for those modules start fresh workers immediately.
func (s *Supervisor) Retire(modules ...string) {
	if len(modules) == 0 {
		return
	}
	set := make(map[string]bool, len(modules))
	for _, module := range modules {
		set[module] = true
	}
	s.post(retireEvent{match: func(k Key) bool { return set[k.Module] }, reason: "module definition changed"})
}

// Workers returns a snapshot of every worker not yet stopped.
func (s *Supervisor) Workers() []Info {
	reply := make(chan []Info, 1)
	if !s.post(snapshotEvent{reply: reply}) {
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-s.stopped:
		return nil
	}
}

// StopAll refuses new work, asks every worker to stop, and waits for
// them to exit. When ctx ends first the remaining workers are killed.
// After StopAll the event loop is gone and every method is a no-op or
// returns ErrClosed.
func (s *Supervisor) StopAll(ctx context.Context) error {
	reply := make(chan []*Worker, 1)
	if !s.post(stopAllEvent{reply: reply}) {
		return nil
	}
	var workers []*Worker
	select {
	case workers = <-reply:
	case <-s.stopped:
		return nil
	}

	var result error
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			result = ctx.Err()
		}
		if result != nil {
			break
		}
	}
	if result != nil {
		s.post(killAllEvent{})
		deadline := time.NewTimer(5 * time.Second)
		defer deadline.Stop()
		for _, w := range workers {
			select {
			case <-w.Done():
			case <-deadline.C:
			}
		}
	}
	s.post(quitEvent{})
	<-s.stopped
	s.archives.Wait()
	return result
}

// post delivers an event to the loop. It returns false once the loop
// has exited.
func (s *Supervisor) post(e event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Supervisor) loop() {
	defer close(s.stopped)
	for e := range s.events {
		switch e := e.(type) {
		case acquireEvent:
			s.handleAcquire(e)
		case startedEvent:
			s.handleStarted(e)
		case exitedEvent:
			s.handleExited(e)
		case releaseEvent:
			s.handleRelease(e.worker)
		case idleEvent:
			s.handleIdle(e)
		case graceEvent:
			s.handleGrace(e.worker)
		case evictEvent:
			s.handleEvict(e)
		case retireEvent:
			s.handleRetire(e)
		case snapshotEvent:
			e.reply <- s.snapshot()
		case stopAllEvent:
			e.reply <- s.handleStopAll()
		case killAllEvent:
			s.handleKillAll()
		case quitEvent:
			return
		}
	}
}

func (s *Supervisor) handleAcquire(e acquireEvent) {
	if s.closing {
		e.reply <- acquired{err: ErrClosed}
		return
	}
	catalog := s.config.Catalog.Current()
	module, ok := catalog.Module(e.module)
	if !ok {
		e.reply <- acquired{err: fmt.Errorf("%w: %s", ErrUnknownModule, e.module)}
		return
	}
	key := Key{Scope: e.scope, Module: module.ID}
	if module.Singleton || module.IsProxy() {
		key.Scope = ""
	}

	if w, live := s.table[key]; live {
		switch w.state {
		case StateStarting:
			w.waiters = append(w.waiters, waiter{reply: e.reply, lease: e.lease})
		case StateReady:
			s.handOut(w, waiter{reply: e.reply, lease: e.lease})
		}
		return
	}

	s.sequence++
	w := &Worker{
		id:    fmt.Sprintf("%s-%d", module.ID, s.sequence),
		key:   key,
		proxy: module.IsProxy(),
		done:  make(chan struct{}),
	}
	s.table[key] = w

	if w.proxy {
		base, transport, plaintext, err := proxyEndpoint(module.ProxyAddress)
		if err != nil {
			delete(s.table, key)
			close(w.done)
			e.reply <- acquired{err: err}
			return
		}
		w.base, w.transport, w.plaintext = base, transport, plaintext
		w.startedAt = s.clock.Now()
		s.setState(w, StateReady)
		s.handOut(w, waiter{reply: e.reply, lease: e.lease})
		return
	}

	w.socket = filepath.Join(s.config.RunDirectory, w.id+".sock")
	w.logPath = s.workerLogPath(w)
	w.base = "http://worker"
	w.waiters = []waiter{{reply: e.reply, lease: e.lease}}
	s.setState(w, StateStarting)
	s.logger.Info("starting worker", "worker", w.id, "module", module.ID, "shared", key.Scope == "")
	s.archives.Add(1)
	go s.launch(w, module, e.locale)
}

// handOut gives a Ready worker to one waiter. An unleased lookup
// restarts the inactivity deadline.
func (s *Supervisor) handOut(w *Worker, wt waiter) {
	if wt.lease {
		w.outstanding++
	} else if !w.idleDeferred {
		s.armIdle(w)
	}
	wt.reply <- acquired{worker: w}
}

func (s *Supervisor) handleStarted(e startedEvent) {
	w := e.worker
	waiters := w.waiters
	w.waiters = nil

	err := e.err
	if err == nil && w.exited {
		err = fmt.Errorf("%w: module %s: process exited during startup", ErrConnect, w.key.Module)
	}
	if err == nil && s.closing {
		err = ErrClosed
	}
	if err != nil {
		s.forget(w)
		delete(s.detached, w)
		if e.result.process != nil && !w.exited {
			// Started but unwanted: kill it and let the exit event
			// finish the transition.
			w.process = e.result.process
			w.pid = e.result.process.Pid
			s.detached[w] = struct{}{}
			s.setState(w, StateDraining)
			_ = signalGroup(w.process, syscall.SIGKILL)
		} else {
			s.setState(w, StateStopped)
		}
		s.logger.Warn("worker failed to start", "worker", w.id, "module", w.key.Module, "error", err)
		for _, wt := range waiters {
			wt.reply <- acquired{err: err}
		}
		return
	}

	w.process = e.result.process
	w.pid = e.result.process.Pid
	w.transport = e.result.transport
	w.startedAt = s.clock.Now()
	s.setState(w, StateReady)
	s.logger.Info("worker ready", "worker", w.id, "module", w.key.Module, "pid", w.pid)

	s.armIdle(w)
	for _, wt := range waiters {
		s.handOut(w, wt)
	}
	if w.retiring && w.outstanding == 0 {
		s.reclaim(w, false)
	}
}

func (s *Supervisor) handleExited(e exitedEvent) {
	w := e.worker
	w.exited = true
	if w.state == StateStarting {
		// The launch goroutine notices through Done and reports.
		return
	}
	if w.state == StateStopped {
		return
	}
	s.logger.Info("worker exited", "worker", w.id, "module", w.key.Module, "pid", w.pid,
		"reason", describeExit(e.err), "outstanding", w.outstanding)
	s.forget(w)
	delete(s.detached, w)
	s.stopTimers(w)
	if w.transport != nil {
		w.transport.CloseIdleConnections()
	}
	_ = os.Remove(w.socket)
	s.setState(w, StateStopped)
}

// handleRelease ends one lease. Each completed request restarts the
// inactivity deadline unless it already expired, in which case the
// last release reclaims the worker.
func (s *Supervisor) handleRelease(w *Worker) {
	if w.outstanding == 0 {
		return
	}
	w.outstanding--
	if w.state != StateReady {
		return
	}
	if w.outstanding == 0 && (w.retiring || w.idleDeferred) {
		s.reclaim(w, false)
		return
	}
	if !w.idleDeferred {
		s.armIdle(w)
	}
}

func (s *Supervisor) handleIdle(e idleEvent) {
	w := e.worker
	if w.state != StateReady || e.sequence != w.idleSeq {
		return
	}
	if w.outstanding > 0 {
		w.idleDeferred = true
		return
	}
	s.logger.Info("reclaiming idle worker", "worker", w.id, "module", w.key.Module)
	s.reclaim(w, false)
}

func (s *Supervisor) handleGrace(w *Worker) {
	if w.state != StateDraining || w.exited {
		return
	}
	s.logger.Warn("worker ignored SIGTERM, killing", "worker", w.id, "pid", w.pid)
	_ = signalGroup(w.process, syscall.SIGKILL)
}

func (s *Supervisor) handleEvict(e evictEvent) {
	w := e.worker
	if w.state == StateStopped || w.state == StateDraining {
		return
	}
	s.logger.Warn("evicting worker", "worker", w.id, "module", w.key.Module, "reason", e.reason)
	s.forget(w)
	if w.state == StateStarting {
		w.retiring = true
		s.detached[w] = struct{}{}
		return
	}
	s.reclaim(w, true)
}

func (s *Supervisor) handleRetire(e retireEvent) {
	for key, w := range s.table {
		if !e.match(key) {
			continue
		}
		s.logger.Info("retiring worker", "worker", w.id, "module", key.Module, "reason", e.reason)
		s.forget(w)
		w.retiring = true
		s.detached[w] = struct{}{}
		if w.state == StateReady && w.outstanding == 0 {
			s.reclaim(w, false)
		}
	}
}

func (s *Supervisor) handleStopAll() []*Worker {
	s.closing = true
	var workers []*Worker
	for _, w := range s.table {
		workers = append(workers, w)
	}
	for w := range s.detached {
		workers = append(workers, w)
	}
	for _, w := range workers {
		s.forget(w)
		w.retiring = true
		s.detached[w] = struct{}{}
		if w.state == StateReady {
			s.reclaim(w, false)
		}
	}
	return workers
}

func (s *Supervisor) handleKillAll() {
	for w := range s.detached {
		if !w.exited {
			_ = signalGroup(w.process, syscall.SIGKILL)
		}
	}
}

// reclaim moves a Ready worker to Draining and signals it. force skips
// straight to SIGKILL. Reclaiming a worker that is already draining or
// stopped does nothing.
func (s *Supervisor) reclaim(w *Worker, force bool) {
	if w.state != StateReady {
		return
	}
	s.forget(w)
	s.stopTimers(w)
	if w.proxy {
		delete(s.detached, w)
		s.setState(w, StateStopped)
		w.transport.CloseIdleConnections()
		close(w.done)
		return
	}
	s.detached[w] = struct{}{}
	s.setState(w, StateDraining)
	signal := syscall.SIGTERM
	if force {
		signal = syscall.SIGKILL
	}
	if err := signalGroup(w.process, signal); err != nil {
		s.logger.Warn("signalling worker failed", "worker", w.id, "error", err)
	}
	if !force {
		w.graceTimer = s.clock.AfterFunc(s.config.GracePeriod, func() {
			s.post(graceEvent{worker: w})
		})
	}
}

// forget removes w from the table if it still occupies its key.
func (s *Supervisor) forget(w *Worker) {
	if current, ok := s.table[w.key]; ok && current == w {
		delete(s.table, w.key)
	}
}

func (s *Supervisor) armIdle(w *Worker) {
	if s.config.IdleTimeout <= 0 || w.proxy || w.state != StateReady {
		return
	}
	s.disarmIdle(w)
	sequence := w.idleSeq
	w.idleTimer = s.clock.AfterFunc(s.config.IdleTimeout, func() {
		s.post(idleEvent{worker: w, sequence: sequence})
	})
}

func (s *Supervisor) disarmIdle(w *Worker) {
	w.idleSeq++
	w.idleDeferred = false
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

func (s *Supervisor) stopTimers(w *Worker) {
	s.disarmIdle(w)
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
}

func (s *Supervisor) setState(w *Worker, to State) {
	from := w.state
	w.state = to
	if s.config.Observer != nil && from != to {
		s.config.Observer(Transition{Worker: w.info(), From: from, To: to, At: s.clock.Now()})
	}
}

func (s *Supervisor) snapshot() []Info {
	infos := make([]Info, 0, len(s.table)+len(s.detached))
	for _, w := range s.table {
		infos = append(infos, w.info())
	}
	for w := range s.detached {
		if w.state != StateStopped {
			infos = append(infos, w.info())
		}
	}
	return infos
}
