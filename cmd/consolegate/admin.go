// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"

	"github.com/consolegate/consolegate/lib/adminclient"
	"github.com/consolegate/consolegate/lib/dashboard"
	"github.com/consolegate/consolegate/lib/process"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// adminTargets resolves the admin socket of every registered replica.
// The returned function closes the replica table.
func adminTargets(ctx context.Context, configPath string) ([]adminclient.Target, func(), error) {
	cfg, table, err := openTable(configPath)
	if err != nil {
		return nil, nil, err
	}
	replicas, err := table.Replicas(ctx)
	if err != nil {
		table.Close()
		return nil, nil, err
	}
	if len(replicas) == 0 {
		table.Close()
		return nil, nil, fmt.Errorf("no gateway replicas registered in %s", cfg.Replica.Database)
	}
	targets := adminclient.Targets(cfg.Listen.AdminSocket, cfg.Listen.ReusePort, replicas)
	return targets, func() { table.Close() }, nil
}

type replicaWorkers struct {
	Replica string            `json:"replica"`
	Workers []supervisor.Info `json:"workers"`
	Error   string            `json:"error,omitempty"`
}

func runWorkers(configPath string, args []string, stdout io.Writer) error {
	var asJSON bool
	flagSet := pflag.NewFlagSet("workers", pflag.ContinueOnError)
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	targets, done, err := adminTargets(ctx, configPath)
	if err != nil {
		return err
	}
	defer done()

	var results []replicaWorkers
	for _, target := range targets {
		result := replicaWorkers{Replica: target.Replica.ID}
		if result.Workers, err = target.Client.Workers(ctx); err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	if asJSON {
		return writeJSON(stdout, results)
	}
	for _, result := range results {
		fmt.Fprintf(stdout, "replica %s\n", result.Replica)
		if result.Error != "" {
			fmt.Fprintf(stdout, "  unreachable: %s\n", result.Error)
			continue
		}
		fmt.Fprintf(stdout, "  %-20s  %-16s  %-9s  %-8s  %s\n", "MODULE", "SCOPE", "STATE", "PID", "OUTSTANDING")
		for _, worker := range result.Workers {
			fmt.Fprintf(stdout, "  %-20s  %-16s  %-9s  %-8d  %d\n",
				worker.Module, orDash(worker.Scope), worker.State, worker.Pid, worker.Outstanding)
		}
	}
	return nil
}

type replicaSessions struct {
	Replica     string         `json:"replica"`
	Sessions    []session.Info `json:"sessions,omitempty"`
	Invalidated int            `json:"invalidated,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func runSessions(configPath string, args []string, stdout io.Writer) error {
	var asJSON, invalidate bool
	flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	flagSet.BoolVar(&invalidate, "invalidate", false, "destroy every session on every replica")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	targets, done, err := adminTargets(ctx, configPath)
	if err != nil {
		return err
	}
	defer done()

	var results []replicaSessions
	failed := 0
	for _, target := range targets {
		result := replicaSessions{Replica: target.Replica.ID}
		if invalidate {
			result.Invalidated, err = target.Client.InvalidateSessions(ctx)
		} else {
			result.Sessions, err = target.Client.Sessions(ctx)
		}
		if err != nil {
			result.Error = err.Error()
			failed++
		}
		results = append(results, result)
	}
	if asJSON {
		if err := writeJSON(stdout, results); err != nil {
			return err
		}
	} else {
		for _, result := range results {
			switch {
			case result.Error != "":
				fmt.Fprintf(stdout, "replica %s: unreachable: %s\n", result.Replica, result.Error)
			case invalidate:
				fmt.Fprintf(stdout, "replica %s: %d session(s) invalidated\n", result.Replica, result.Invalidated)
			default:
				fmt.Fprintf(stdout, "replica %s\n", result.Replica)
				for _, info := range result.Sessions {
					fmt.Fprintf(stdout, "  %-16s  %-14s  %-20s  in-flight %d  deadline %s\n",
						orDash(info.Username), info.Kind, info.Origin, info.InFlight,
						info.Deadline.Local().Format(time.RFC3339))
				}
			}
		}
	}
	if invalidate && failed > 0 {
		return fmt.Errorf("%d of %d replica(s) could not be reached; their sessions remain", failed, len(results))
	}
	return nil
}

func runTop(configPath string, args []string) error {
	var interval time.Duration
	var noColor bool
	flagSet := pflag.NewFlagSet("top", pflag.ContinueOnError)
	flagSet.DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	flagSet.BoolVar(&noColor, "no-color", false, "render without colors (also NO_COLOR)")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", process.ErrUsage, err)
	}
	if interval < 100*time.Millisecond {
		return fmt.Errorf("%w: --interval must be at least 100ms", process.ErrUsage)
	}

	cfg, table, err := openTable(configPath)
	if err != nil {
		return err
	}
	defer table.Close()

	if noColor || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	model := dashboard.New(dashboard.Config{
		Source: &dashboard.ReplicaSource{
			Table:       table,
			AdminSocket: cfg.Listen.AdminSocket,
			ReusePort:   cfg.Listen.ReusePort,
		},
		Interval: interval,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}

func orDash(text string) string {
	if text == "" {
		return "-"
	}
	return text
}
