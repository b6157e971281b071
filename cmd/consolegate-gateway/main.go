// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// consolegate-gateway serves the management console: it authenticates
// clients, applies policy and forwards commands to module workers it
// supervises.
//
// Configuration comes from --config or CONSOLEGATE_CONFIG. SIGHUP
// publishes a reload to every replica on the host; SIGTERM and SIGINT
// shut this replica down gracefully.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/consolegate/consolegate/lib/config"
	"github.com/consolegate/consolegate/lib/process"
	"github.com/consolegate/consolegate/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		replicaID   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("consolegate-gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to consolegate.yaml (default: $CONSOLEGATE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&replicaID, "replica-id", "", "replica id in the replica table (default: random)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}
	if showVersion {
		fmt.Printf("consolegate-gateway %s\n", version.Full())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", process.ErrUsage, flagSet.Arg(0))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("%w: --log-level: %v", process.ErrUsage, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hangups := make(chan os.Signal, 1)
	signal.Notify(hangups, syscall.SIGHUP)
	defer signal.Stop(hangups)

	d, err := newDaemon(ctx, cfg, replicaID, logger)
	if err != nil {
		return err
	}
	logger.Info("gateway starting", "version", version.Info(), "replica", d.replica.ID(), "host", cfg.Host)
	return d.run(ctx, hangups)
}
