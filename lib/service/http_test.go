// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/consolegate/consolegate/lib/testutil"
)

func hello() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	})
}

func TestUnixSocketServer(t *testing.T) {
	socket := filepath.Join(testutil.SocketDir(t), "admin.sock")
	// A stale file from a previous run must not block the bind.
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	server := NewHTTPServer(HTTPServerConfig{Network: "unix", Address: socket, Handler: hello(), SocketMode: 0o600})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	info, err := os.Stat(socket)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socket)
		},
	}}
	response, err := client.Get("http://admin/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "serve returns"); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Errorf("socket not removed after shutdown: %v", err)
	}
}

func TestTCPReusePort(t *testing.T) {
	first := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1:0", Handler: hello(), ReusePort: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Serve(ctx)
	testutil.RequireClosed(t, first.Ready(), 5*time.Second, "first ready")

	second := NewHTTPServer(HTTPServerConfig{Address: first.Addr().String(), Handler: hello(), ReusePort: true})
	errs := make(chan error, 1)
	go func() { errs <- second.Serve(ctx) }()
	select {
	case <-second.Ready():
	case err := <-errs:
		t.Fatalf("second replica could not share the port: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second replica not ready")
	}

	response, err := http.Get("http://" + first.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	response.Body.Close()
}

func TestUnsupportedNetwork(t *testing.T) {
	server := NewHTTPServer(HTTPServerConfig{Network: "udp", Address: "x", Handler: hello()})
	if err := server.Serve(context.Background()); err == nil {
		t.Error("Serve accepted udp")
	}
}
