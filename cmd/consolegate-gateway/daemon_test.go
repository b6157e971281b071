// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/consolegate/consolegate/lib/config"
	"github.com/consolegate/consolegate/lib/replica"
	"github.com/consolegate/consolegate/lib/testutil"
)

const testRegistry = `
modules:
  - id: sysinfo
    executable: /nonexistent/consolegate-module-sysinfo
    commands:
      - {name: sysinfo/uptime, anonymous: true}
`

const testPolicy = `
rules:
  - name: admins
    effect: allow
    groups: [admins]
`

const changedPolicy = `
rules:
  - name: admins
    effect: allow
    groups: [admins, operators]
`

// testConfig lays out a state directory and configuration files. The
// directory is short enough for unix socket paths.
func testConfig(t *testing.T, watch bool) *config.Config {
	t.Helper()
	directory := testutil.SocketDir(t)
	cfg := config.Default()
	cfg.Host = "test-host"
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Listen.ReusePort = true
	cfg.Listen.AdminSocket = filepath.Join(directory, "admin.sock")
	cfg.Paths.State = directory
	cfg.Paths.Logs = filepath.Join(directory, "logs")
	cfg.Paths.Registry = filepath.Join(directory, "modules.yaml")
	cfg.Paths.Policy = filepath.Join(directory, "policy.yaml")
	cfg.Paths.Users = filepath.Join(directory, "users.yaml")
	cfg.Replica.Database = filepath.Join(directory, "replicas.db")
	cfg.Replica.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Watch.Enabled = watch
	cfg.Watch.Debounce = config.Duration(20 * time.Millisecond)

	for path, content := range map[string]string{
		cfg.Paths.Registry: testRegistry,
		cfg.Paths.Policy:   testPolicy,
		cfg.Paths.Users:    "users: []\n",
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	return cfg
}

type running struct {
	daemon  *daemon
	hangups chan os.Signal
	cancel  context.CancelFunc
	done    chan error
}

func startDaemon(t *testing.T, cfg *config.Config, id string) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d, err := newDaemon(ctx, cfg, id, slog.New(slog.DiscardHandler))
	if err != nil {
		cancel()
		t.Fatalf("newDaemon: %v", err)
	}
	r := &running{
		daemon:  d,
		hangups: make(chan os.Signal, 1),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { r.done <- d.run(ctx, r.hangups) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return r
}

func adminClient(socket string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socket)
			},
		},
	}
}

func waitForAdmin(t *testing.T, client *http.Client) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		response, err := client.Get("http://admin/admin/version")
		if err != nil {
			return false
		}
		response.Body.Close()
		return response.StatusCode == http.StatusOK
	}, "admin socket never answered")
}

func TestAdminShutdownStopsEveryReplica(t *testing.T) {
	cfg := testConfig(t, false)
	first := startDaemon(t, cfg, "replica-a")
	second := startDaemon(t, cfg, "replica-b")

	client := adminClient(first.daemon.adminSocket())
	waitForAdmin(t, client)
	waitForAdmin(t, adminClient(second.daemon.adminSocket()))

	response, err := client.Post("http://admin/admin/shutdown", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /admin/shutdown: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("shutdown status = %d, want 202", response.StatusCode)
	}

	for _, r := range []*running{first, second} {
		if err := testutil.RequireReceive(t, r.done, 10*time.Second, "replica exit"); err != nil {
			t.Errorf("run returned %v", err)
		}
		r.done <- nil
	}

	table, err := replica.Open(replica.Config{Path: cfg.Replica.Database})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer table.Close()
	replicas, err := table.Replicas(context.Background())
	if err != nil {
		t.Fatalf("Replicas: %v", err)
	}
	if len(replicas) != 0 {
		t.Errorf("replicas still registered after shutdown: %+v", replicas)
	}
}

func TestAdminReloadIsPublished(t *testing.T) {
	cfg := testConfig(t, false)
	r := startDaemon(t, cfg, "reloader")
	client := adminClient(r.daemon.adminSocket())
	waitForAdmin(t, client)

	generation := r.daemon.policy.Generation()
	if err := os.WriteFile(cfg.Paths.Policy, []byte(changedPolicy), 0o644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	response, err := client.Post("http://admin/admin/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /admin/reload: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || !strings.Contains(string(body), `"seq"`) {
		t.Fatalf("reload response = %d %s", response.StatusCode, body)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return r.daemon.policy.Generation() > generation
	}, "policy was not reloaded")
}

func TestHangupReloadsThroughReplicaTable(t *testing.T) {
	cfg := testConfig(t, false)
	r := startDaemon(t, cfg, "hangup")
	waitForAdmin(t, adminClient(r.daemon.adminSocket()))

	generation := r.daemon.policy.Generation()
	if err := os.WriteFile(cfg.Paths.Policy, []byte(changedPolicy), 0o644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	r.hangups <- syscall.SIGHUP

	testutil.Eventually(t, 5*time.Second, func() bool {
		return r.daemon.policy.Generation() > generation
	}, "SIGHUP did not reload policy")
}

func TestFileChangeReloads(t *testing.T) {
	cfg := testConfig(t, true)
	r := startDaemon(t, cfg, "watcher")
	waitForAdmin(t, adminClient(r.daemon.adminSocket()))

	generation := r.daemon.policy.Generation()
	if err := os.WriteFile(cfg.Paths.Policy, []byte(changedPolicy), 0o644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return r.daemon.policy.Generation() > generation
	}, "file change did not reload policy")
}

func TestInvalidPolicyKeepsRunning(t *testing.T) {
	cfg := testConfig(t, false)
	r := startDaemon(t, cfg, "invalid")
	waitForAdmin(t, adminClient(r.daemon.adminSocket()))

	generation := r.daemon.policy.Generation()
	if err := os.WriteFile(cfg.Paths.Policy, []byte("rules: [{effect: maybe}]\n"), 0o644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	if _, err := r.daemon.reload(context.Background()); err == nil {
		t.Fatal("reload accepted an invalid policy")
	}
	if r.daemon.policy.Generation() != generation {
		t.Fatal("invalid policy replaced the rules in force")
	}
	select {
	case err := <-r.done:
		t.Fatalf("daemon exited after failed reload: %v", err)
	default:
	}
}

func TestNewDaemonFailsCleanly(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, cfg *config.Config)
	}{
		{"missing catalogue", func(t *testing.T, cfg *config.Config) {
			cfg.Paths.Registry = filepath.Join(cfg.Paths.State, "absent.yaml")
		}},
		{"invalid policy", func(t *testing.T, cfg *config.Config) {
			if err := os.WriteFile(cfg.Paths.Policy, []byte("rules:\n  - effect: maybe\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"missing users file", func(t *testing.T, cfg *config.Config) {
			cfg.Paths.Users = filepath.Join(cfg.Paths.State, "absent-users.yaml")
		}},
		{"unusable replica table", func(t *testing.T, cfg *config.Config) {
			cfg.Replica.Database = filepath.Join(cfg.Paths.State, "absent", "replicas.db")
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t, false)
			test.corrupt(t, cfg)
			d, err := newDaemon(context.Background(), cfg, "broken", slog.New(slog.DiscardHandler))
			if err == nil {
				t.Fatal("newDaemon succeeded")
			}
			if d != nil {
				t.Error("newDaemon returned a daemon with its error")
			}
		})
	}
}
