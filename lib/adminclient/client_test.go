// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package adminclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/replica"
	"github.com/consolegate/consolegate/lib/testutil"
)

// serveAdmin starts handler on a unix socket and returns its path.
func serveAdmin(t *testing.T, handler http.Handler) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "admin.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return socketPath
}

func writeResult(w http.ResponseWriter, result string) {
	envelope.Write(w, http.StatusOK, "", []byte(result))
}

func TestClientDecodesResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/workers", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `[{"id":"w-1","module":"sysinfo","state":"ready","outstanding":2}]`)
	})
	mux.HandleFunc("GET /admin/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `[{"fingerprint":"abc","username":"alice","kind":"authenticated","origin":"10.0.0.1","created_at":"2026-01-01T00:00:00Z","deadline":"2026-01-01T00:15:00Z","in_flight":1}]`)
	})
	mux.HandleFunc("POST /admin/sessions/invalidate", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"invalidated":3}`)
	})
	mux.HandleFunc("GET /admin/version", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"version":"v1.2.3"}`)
	})
	client := New(serveAdmin(t, mux))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workers, err := client.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].Module != "sysinfo" || workers[0].Outstanding != 2 {
		t.Errorf("workers = %+v", workers)
	}

	sessions, err := client.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Username != "alice" || sessions[0].InFlight != 1 {
		t.Errorf("sessions = %+v", sessions)
	}

	count, err := client.InvalidateSessions(ctx)
	if err != nil {
		t.Fatalf("InvalidateSessions: %v", err)
	}
	if count != 3 {
		t.Errorf("invalidated = %d, want 3", count)
	}

	version, err := client.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != "v1.2.3" {
		t.Errorf("version = %q", version)
	}
}

func TestClientReportsStatusErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/workers", func(w http.ResponseWriter, r *http.Request) {
		envelope.Write(w, http.StatusServiceUnavailable, "supervisor stopped", nil)
	})
	client := New(serveAdmin(t, mux))

	_, err := client.Workers(context.Background())
	var statusError *StatusError
	if !errors.As(err, &statusError) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusError.Status != http.StatusServiceUnavailable || statusError.Message != "supervisor stopped" {
		t.Errorf("status error = %+v", statusError)
	}
}

func TestClientMissingSocket(t *testing.T) {
	client := New(filepath.Join(testutil.SocketDir(t), "absent.sock"))
	if _, err := client.Version(context.Background()); err == nil {
		t.Fatal("Version succeeded without a listener")
	}
}

func TestTargets(t *testing.T) {
	replicas := []replica.Info{{ID: "a"}, {ID: "b"}}

	shared := Targets("/run/admin.sock", true, replicas)
	if len(shared) != 2 {
		t.Fatalf("len = %d, want 2", len(shared))
	}
	if got := shared[1].Client.SocketPath(); got != "/run/admin.sock.b" {
		t.Errorf("socket = %q, want /run/admin.sock.b", got)
	}

	single := Targets("/run/admin.sock", false, replicas)
	if len(single) != 1 || single[0].Client.SocketPath() != "/run/admin.sock" {
		t.Errorf("targets without reuse_port = %+v", single)
	}
}
