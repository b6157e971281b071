// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/registry"
	"github.com/consolegate/consolegate/lib/testutil"
	"github.com/consolegate/consolegate/lib/worker"
)

const helperEnv = "CONSOLEGATE_SUPERVISOR_HELPER"

// TestMain doubles as the worker executable. The module id selects the
// behaviour: "crash" exits at once, "hang" never listens, "stubborn"
// ignores SIGTERM, anything else serves a ping method.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper())
	}
	os.Exit(m.Run())
}

func runHelper() int {
	module := os.Getenv(worker.EnvModule)
	ctx := context.Background()
	switch {
	case strings.HasPrefix(module, "crash"):
		fmt.Fprintln(os.Stderr, "crashing on purpose")
		return 3
	case strings.HasPrefix(module, "hang"):
		time.Sleep(time.Hour)
		return 0
	case strings.HasPrefix(module, "stubborn"):
		// Serves until SIGKILL.
		signal.Ignore(syscall.SIGTERM)
	default:
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGTERM)
		defer stop()
	}

	server, err := worker.FromEnvironment(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	server.Handle("ping", func(ctx context.Context, request *worker.Request) (any, error) {
		return map[string]any{"pid": os.Getpid(), "module": module, "locale": request.Locale}, nil
	})
	if err := server.Serve(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type fixedCatalog struct{ catalog *registry.Catalog }

func (f fixedCatalog) Current() *registry.Catalog { return f.catalog }

func testCatalog(t *testing.T, modules ...registry.Module) CatalogSource {
	t.Helper()
	for index := range modules {
		if len(modules[index].Commands) == 0 {
			modules[index].Commands = []registry.Command{{Name: modules[index].ID + "/ping", Method: "ping"}}
		}
	}
	catalog, err := registry.New(modules)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return fixedCatalog{catalog}
}

func newTestSupervisor(t *testing.T, catalog CatalogSource, mutate func(*Config)) *Supervisor {
	t.Helper()
	config := Config{
		Catalog:             catalog,
		RunDirectory:        testutil.SocketDir(t),
		DefaultExecutable:   os.Args[0],
		Env:                 []string{helperEnv + "=1"},
		GracePeriod:         time.Second,
		ReadyInitialBackoff: 5 * time.Millisecond,
		ReadyMaxBackoff:     50 * time.Millisecond,
		ReadyAttempts:       100,
	}
	if mutate != nil {
		mutate(&config)
	}
	s, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.StopAll(ctx); err != nil {
			t.Errorf("StopAll: %v", err)
		}
	})
	return s
}

func acquire(t *testing.T, s *Supervisor, scope, module string) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lease, err := s.Acquire(ctx, scope, module, "en-us")
	if err != nil {
		t.Fatalf("Acquire(%q, %q): %v", scope, module, err)
	}
	return lease
}

// ping forwards a ping command through the worker's transport and
// returns the reported pid.
func ping(t *testing.T, w *Worker) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, w.URL(envelope.CommandPath+w.Module()+"/ping"), strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	request.Header.Set(envelope.HeaderRequestID, testutil.UniqueID("req"))
	request.Header.Set(envelope.HeaderMethod, "ping")
	client := &http.Client{Transport: w.Transport(), Timeout: 10 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("forwarding to %s: %v", w.ID(), err)
	}
	defer response.Body.Close()

	var body envelope.Response
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != http.StatusOK {
		t.Fatalf("ping status = %d (%s)", body.Status, body.Message)
	}
	var result struct {
		Pid int `json:"pid"`
	}
	if err := json.Unmarshal(body.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return result.Pid
}

func findWorker(infos []Info, id string) (Info, bool) {
	for _, info := range infos {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}

func TestScopedAndSharedWorkers(t *testing.T) {
	catalog := testCatalog(t,
		registry.Module{ID: "echo"},
		registry.Module{ID: "shared", Singleton: true},
	)
	s := newTestSupervisor(t, catalog, nil)

	first := acquire(t, s, "session-a", "echo")
	defer first.Release()
	second := acquire(t, s, "session-b", "echo")
	defer second.Release()
	again := acquire(t, s, "session-a", "echo")
	defer again.Release()

	if first.Worker == second.Worker {
		t.Fatal("different scopes share a scoped worker")
	}
	if first.Worker != again.Worker {
		t.Fatal("same scope started a second worker")
	}
	if ping(t, first.Worker) == ping(t, second.Worker) {
		t.Fatal("scoped workers report the same pid")
	}
	if pid := ping(t, first.Worker); pid != first.Worker.Pid() {
		t.Errorf("worker reports pid %d, supervisor recorded %d", pid, first.Worker.Pid())
	}

	sharedA := acquire(t, s, "session-a", "shared")
	defer sharedA.Release()
	sharedB := acquire(t, s, "session-b", "shared")
	defer sharedB.Release()
	if sharedA.Worker != sharedB.Worker {
		t.Fatal("singleton module started one worker per scope")
	}
	if sharedA.Worker.Scope() != "" {
		t.Errorf("singleton worker scope = %q, want empty", sharedA.Worker.Scope())
	}

	if logs, _ := filepath.Glob(filepath.Join(s.config.LogDirectory, "echo-*.log")); len(logs) != 2 {
		t.Errorf("echo worker logs = %v, want one per worker", logs)
	}
	if got := len(s.Workers()); got != 3 {
		t.Errorf("Workers() has %d entries, want 3", got)
	}
}

func TestConcurrentAcquireStartsOneWorker(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), nil)

	var wg sync.WaitGroup
	leases := make([]*Lease, 8)
	errs := make([]error, 8)
	for index := range leases {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases[index], errs[index] = s.Acquire(context.Background(), "scope", "echo", "")
		}()
	}
	wg.Wait()
	for index, err := range errs {
		if err != nil {
			t.Fatalf("Acquire %d: %v", index, err)
		}
		defer leases[index].Release()
		if leases[index].Worker != leases[0].Worker {
			t.Fatal("concurrent acquires started more than one worker")
		}
	}
}

func TestIdleReclaimDefersWhileLeased(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), func(c *Config) {
		c.Clock = fake
		c.IdleTimeout = time.Minute
	})

	lease := acquire(t, s, "scope", "echo")
	w := lease.Worker
	fake.BlockUntil(1)

	fake.Advance(time.Minute)
	info, ok := findWorker(s.Workers(), w.ID())
	if !ok || info.State != StateReady.String() {
		t.Fatalf("leased worker was reclaimed: %+v, %v", info, ok)
	}
	testutil.RequireOpen(t, w.Done(), 50*time.Millisecond, "leased worker exited")

	lease.Release()
	testutil.RequireClosed(t, w.Done(), 10*time.Second, "worker not reclaimed after last release")
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, listed := findWorker(s.Workers(), w.ID())
		return !listed
	}, "reclaimed worker still listed")

	next := acquire(t, s, "scope", "echo")
	defer next.Release()
	if next.Worker == w {
		t.Fatal("acquire returned the reclaimed worker")
	}
}

func TestActivityRestartsIdleTimer(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), func(c *Config) {
		c.Clock = fake
		c.IdleTimeout = time.Minute
	})

	lease := acquire(t, s, "scope", "echo")
	w := lease.Worker
	fake.BlockUntil(1)
	fake.Advance(40 * time.Second)
	lease.Release()
	s.Workers()

	fake.Advance(40 * time.Second)
	s.Workers()
	testutil.RequireOpen(t, w.Done(), 50*time.Millisecond, "worker reclaimed before a full idle period")

	fake.Advance(30 * time.Second)
	testutil.RequireClosed(t, w.Done(), 10*time.Second, "idle worker not reclaimed")
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), nil)

	lease := acquire(t, s, "scope", "echo")
	first := lease.Worker
	lease.Release()
	if err := syscall.Kill(first.Pid(), syscall.SIGKILL); err != nil {
		t.Fatalf("killing worker: %v", err)
	}
	testutil.RequireClosed(t, first.Done(), 10*time.Second)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, listed := findWorker(s.Workers(), first.ID())
		return !listed
	}, "crashed worker still listed")
	if got := describeExit(first.ExitErr()); got != "killed by signal SIGKILL" {
		t.Errorf("exit = %q", got)
	}

	replacement := acquire(t, s, "scope", "echo")
	defer replacement.Release()
	if replacement.Worker == first {
		t.Fatal("crashed worker handed out again")
	}
	ping(t, replacement.Worker)
}

func TestStartupFailures(t *testing.T) {
	catalog := testCatalog(t,
		registry.Module{ID: "echo"},
		registry.Module{ID: "crash"},
		registry.Module{ID: "hang"},
		registry.Module{ID: "missing", Executable: "/nonexistent/consolegate-worker"},
	)
	s := newTestSupervisor(t, catalog, func(c *Config) {
		c.ReadyAttempts = 5
		c.ReadyMaxBackoff = 20 * time.Millisecond
	})

	healthy := acquire(t, s, "scope", "echo")
	defer healthy.Release()

	ctx := context.Background()
	if _, err := s.Acquire(ctx, "scope", "crash", ""); !errors.Is(err, ErrConnect) {
		t.Errorf("crashing module: err = %v, want ErrConnect", err)
	}
	if _, err := s.Acquire(ctx, "scope", "hang", ""); !errors.Is(err, ErrConnect) {
		t.Errorf("unready module: err = %v, want ErrConnect", err)
	}
	_, err := s.Acquire(ctx, "scope", "missing", "")
	var resource *ResourceError
	if !errors.As(err, &resource) || resource.Cause != CauseExecutableMissing {
		t.Errorf("missing executable: err = %v, want ResourceError(%s)", err, CauseExecutableMissing)
	}
	if _, err := s.Acquire(ctx, "scope", "nope", ""); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("unknown module: err = %v", err)
	}

	infos := s.Workers()
	if len(infos) != 1 || infos[0].ID != healthy.Worker.ID() {
		t.Fatalf("failed starts disturbed the table: %+v", infos)
	}
	ping(t, healthy.Worker)
}

func TestMemoryPreflight(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), func(c *Config) {
		c.MinAvailableMemory = 1 << 30
		c.AvailableMemory = func(context.Context) (uint64, error) { return 1 << 20, nil }
	})
	_, err := s.Acquire(context.Background(), "scope", "echo", "")
	var resource *ResourceError
	if !errors.As(err, &resource) || resource.Cause != CauseOutOfMemory {
		t.Fatalf("err = %v, want ResourceError(%s)", err, CauseOutOfMemory)
	}
	if len(s.Workers()) != 0 {
		t.Error("refused spawn left a table entry")
	}
}

func TestStubbornWorkerKilledAfterGrace(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "stubborn"}), func(c *Config) {
		c.Clock = fake
		c.GracePeriod = 5 * time.Second
	})

	lease := acquire(t, s, "scope", "stubborn")
	w := lease.Worker
	lease.Release()
	s.Retire("stubborn")

	fake.BlockUntil(1)
	testutil.RequireOpen(t, w.Done(), 200*time.Millisecond, "stubborn worker exited on SIGTERM")
	fake.Advance(5 * time.Second)
	testutil.RequireClosed(t, w.Done(), 10*time.Second, "stubborn worker not killed after grace period")
}

func TestStopScopeWaitsForLeases(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}), nil)

	mine := acquire(t, s, "closing", "echo")
	other := acquire(t, s, "staying", "echo")
	defer other.Release()

	s.StopScope("closing")
	s.Workers()
	testutil.RequireOpen(t, mine.Worker.Done(), 100*time.Millisecond, "leased worker stopped early")
	ping(t, mine.Worker)

	fresh := acquire(t, s, "closing", "echo")
	defer fresh.Release()
	if fresh.Worker == mine.Worker {
		t.Fatal("retired worker handed out")
	}

	mine.Release()
	testutil.RequireClosed(t, mine.Worker.Done(), 10*time.Second)
	testutil.RequireOpen(t, other.Worker.Done(), 50*time.Millisecond, "other scope's worker stopped")
}

func TestRetireOnlyMatchingModules(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "echo"}, registry.Module{ID: "keep"}), nil)

	retired := acquire(t, s, "scope", "echo")
	retired.Release()
	kept := acquire(t, s, "scope", "keep")
	defer kept.Release()

	s.Retire("echo")
	testutil.RequireClosed(t, retired.Worker.Done(), 10*time.Second)
	if _, ok := findWorker(s.Workers(), kept.Worker.ID()); !ok {
		t.Error("unrelated worker retired")
	}
}

func TestProxyModule(t *testing.T) {
	socket := filepath.Join(testutil.SocketDir(t), "proxy.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	backend := worker.New(worker.Config{Module: "inventory"})
	backend.Handle("ping", func(context.Context, *worker.Request) (any, error) {
		return map[string]any{"pid": 0}, nil
	})
	server := &http.Server{Handler: backend.Handler()}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "inventory", ProxyAddress: "unix:" + socket}), nil)

	a := acquire(t, s, "session-a", "inventory")
	defer a.Release()
	b := acquire(t, s, "session-b", "inventory")
	defer b.Release()
	if a.Worker != b.Worker || !a.Worker.IsProxy() || a.Worker.Pid() != 0 {
		t.Fatalf("proxy handles: %+v %+v", a.Worker.info(), b.Worker.info())
	}
	if !a.Worker.Confidential() {
		t.Error("unix proxy is not confidential")
	}
	ping(t, a.Worker)

	s.Evict(a.Worker, "test")
	testutil.RequireClosed(t, a.Worker.Done(), 5*time.Second)
}

func TestProxyEndpoint(t *testing.T) {
	tests := []struct {
		address   string
		base      string
		plaintext bool
	}{
		{"unix:/run/inventory.sock", "http://proxy", false},
		{"unix:///run/inventory.sock", "http://proxy", false},
		{"https://inventory.internal:8443/api/", "https://inventory.internal:8443/api", false},
		{"http://10.0.0.5:8080", "http://10.0.0.5:8080", true},
	}
	for _, test := range tests {
		base, _, plaintext, err := proxyEndpoint(test.address)
		if err != nil {
			t.Errorf("proxyEndpoint(%q): %v", test.address, err)
			continue
		}
		if base != test.base || plaintext != test.plaintext {
			t.Errorf("proxyEndpoint(%q) = %q, plaintext %v; want %q, %v",
				test.address, base, plaintext, test.base, test.plaintext)
		}
	}
}

func TestEvictKillsImmediately(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "stubborn"}), nil)

	lease := acquire(t, s, "scope", "stubborn")
	s.Evict(lease.Worker, "forward failed")
	s.Evict(lease.Worker, "forward failed")
	testutil.RequireClosed(t, lease.Worker.Done(), 10*time.Second)
	lease.Release()
	lease.Release()
	testutil.Eventually(t, 5*time.Second, func() bool { return len(s.Workers()) == 0 },
		"evicted worker still listed")
}

func TestAcquireHonoursContext(t *testing.T) {
	s := newTestSupervisor(t, testCatalog(t, registry.Module{ID: "hang"}), func(c *Config) {
		c.ReadyAttempts = 20
		c.ReadyMaxBackoff = 20 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, "scope", "hang", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestStopAll(t *testing.T) {
	var mu sync.Mutex
	var transitions []Transition
	catalog := testCatalog(t, registry.Module{ID: "echo"}, registry.Module{ID: "stubborn"})
	s := newTestSupervisor(t, catalog, func(c *Config) {
		c.Observer = func(transition Transition) {
			mu.Lock()
			transitions = append(transitions, transition)
			mu.Unlock()
		}
	})

	echo := acquire(t, s, "scope", "echo")
	echo.Release()
	stubborn := acquire(t, s, "scope", "stubborn")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := s.StopAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StopAll = %v, want DeadlineExceeded for the stubborn worker", err)
	}
	testutil.RequireClosed(t, echo.Worker.Done(), time.Second)
	testutil.RequireClosed(t, stubborn.Worker.Done(), time.Second)
	stubborn.Release()

	if _, err := s.Acquire(context.Background(), "scope", "echo", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after StopAll = %v, want ErrClosed", err)
	}
	if s.Workers() != nil {
		t.Error("Workers after StopAll returned entries")
	}
	if err := s.StopAll(context.Background()); err != nil {
		t.Errorf("second StopAll = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStarting, sawReady bool
	for _, transition := range transitions {
		if transition.Worker.Module == "echo" {
			sawStarting = sawStarting || transition.To == StateStarting
			sawReady = sawReady || transition.To == StateReady
		}
	}
	if !sawStarting || !sawReady {
		t.Errorf("observer missed transitions: %+v", transitions)
	}
}
