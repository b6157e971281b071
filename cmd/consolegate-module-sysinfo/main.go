// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// consolegate-module-sysinfo is a module worker reporting host
// information: uptime, memory, disk usage and processes. It is started
// by the gateway's supervisor, which passes the socket and module id
// through the environment.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/consolegate/consolegate/lib/process"
	"github.com/consolegate/consolegate/lib/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	server, err := worker.FromEnvironment(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	register(server, logger)
	logger.Info("sysinfo worker starting", "module", server.Module(), "pid", os.Getpid())
	return server.Serve(ctx)
}
