// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// consolegate is the administrative command line for gateway
// deployments.
//
//	consolegate signal reload|shutdown [--reason TEXT]
//	consolegate replicas [--json]
//	consolegate workers [--json]
//	consolegate sessions [--json] [--invalidate]
//	consolegate top [--interval DURATION]
//	consolegate hash-password
//	consolegate version
//
// Every command except hash-password and version starts from the
// replica table named in the gateway configuration, so it reaches
// every replica on the host. workers, sessions and top then talk to
// each replica's admin socket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/consolegate/consolegate/lib/authn"
	"github.com/consolegate/consolegate/lib/config"
	"github.com/consolegate/consolegate/lib/process"
	"github.com/consolegate/consolegate/lib/replica"
	"github.com/consolegate/consolegate/lib/version"
)

const usage = `usage: consolegate [--config PATH] <command> [flags]

commands:
  signal reload|shutdown   send a signal to every gateway replica
  replicas                 list registered gateway replicas
  workers                  list module workers on every replica
  sessions                 list (or --invalidate) sessions on every replica
  top                      interactive dashboard of workers and sessions
  hash-password            read a password and print its bcrypt hash
  version                  print version information
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var configPath string
	flagSet := pflag.NewFlagSet("consolegate", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to consolegate.yaml (default: $CONSOLEGATE_CONFIG)")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}
	if flagSet.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("%w: no command given", process.ErrUsage)
	}

	command, rest := flagSet.Arg(0), flagSet.Args()[1:]
	switch command {
	case "signal":
		return runSignal(configPath, rest, stdout)
	case "replicas":
		return runReplicas(configPath, rest, stdout)
	case "workers":
		return runWorkers(configPath, rest, stdout)
	case "sessions":
		return runSessions(configPath, rest, stdout)
	case "top":
		return runTop(configPath, rest)
	case "hash-password":
		return runHashPassword(rest, stdin, stdout)
	case "version":
		fmt.Fprintf(stdout, "consolegate %s\n", version.Full())
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", process.ErrUsage, command)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openTable(configPath string) (*config.Config, *replica.Table, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.Replica.Database); err != nil {
		return nil, nil, fmt.Errorf("no replica table at %s; is a gateway running? (%w)", cfg.Replica.Database, err)
	}
	table, err := replica.Open(replica.Config{Path: cfg.Replica.Database})
	if err != nil {
		return nil, nil, err
	}
	return cfg, table, nil
}

func runSignal(configPath string, args []string, stdout io.Writer) error {
	var reason string
	flagSet := pflag.NewFlagSet("signal", pflag.ContinueOnError)
	flagSet.StringVar(&reason, "reason", "", "reason recorded with the signal")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("%w: signal takes exactly one of: reload, shutdown", process.ErrUsage)
	}
	kind := flagSet.Arg(0)
	if kind != replica.KindReload && kind != replica.KindShutdown {
		return fmt.Errorf("%w: unknown signal %q (want reload or shutdown)", process.ErrUsage, kind)
	}
	if reason == "" {
		reason = "consolegate signal " + kind
	}

	_, table, err := openTable(configPath)
	if err != nil {
		return err
	}
	defer table.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seq, err := table.Publish(ctx, kind, reason)
	if err != nil {
		return err
	}
	replicas, err := table.Replicas(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s signal %d published to %d replica(s)\n", kind, seq, len(replicas))
	return nil
}

func runReplicas(configPath string, args []string, stdout io.Writer) error {
	var asJSON bool
	flagSet := pflag.NewFlagSet("replicas", pflag.ContinueOnError)
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}

	_, table, err := openTable(configPath)
	if err != nil {
		return err
	}
	defer table.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replicas, err := table.Replicas(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(stdout, replicas)
	}
	fmt.Fprintf(stdout, "%-36s  %-8s  %-20s  %s\n", "ID", "PID", "HOST", "LAST HEARTBEAT")
	for _, info := range replicas {
		fmt.Fprintf(stdout, "%-36s  %-8d  %-20s  %s\n",
			info.ID, info.PID, info.Host, info.HeartbeatAt.Local().Format(time.RFC3339))
	}
	return nil
}

// runHashPassword prompts without echo on a terminal, and otherwise
// reads one line from stdin.
func runHashPassword(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: hash-password takes no arguments", process.ErrUsage)
	}
	password, err := readPassword(stdin)
	if err != nil {
		return err
	}
	defer clear(password)
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", process.ErrUsage)
	}
	hash, err := authn.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func readPassword(stdin io.Reader) ([]byte, error) {
	if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		first, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		fmt.Fprint(os.Stderr, "Again: ")
		second, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(os.Stderr)
		defer clear(second)
		if err != nil {
			clear(first)
			return nil, fmt.Errorf("reading password: %w", err)
		}
		if string(first) != string(second) {
			clear(first)
			return nil, fmt.Errorf("passwords do not match")
		}
		return first, nil
	}

	data, err := io.ReadAll(io.LimitReader(stdin, 4096))
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	clear(data)
	return []byte(strings.TrimSuffix(line, "\r")), nil
}
