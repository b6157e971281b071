// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/consolegate/consolegate/lib/process"
	"github.com/consolegate/consolegate/lib/replica"
)

// setup writes a configuration pointing at a fresh replica table with
// one registered replica.
func setup(t *testing.T) (configPath string, member *replica.Replica) {
	t.Helper()
	directory := t.TempDir()
	database := filepath.Join(directory, "replicas.db")
	configPath = filepath.Join(directory, "consolegate.yaml")
	content := "paths:\n  state: " + directory + "\nreplica:\n  database: " + database + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	table, err := replica.Open(replica.Config{Path: database})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	member, err = table.Register(context.Background(), "gateway-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return configPath, member
}

func TestSignalReachesReplicas(t *testing.T) {
	configPath, member := setup(t)

	var stdout bytes.Buffer
	err := run([]string{"--config", configPath, "signal", "--reason", "rotated keys", "reload"}, nil, &stdout)
	if err != nil {
		t.Fatalf("signal reload: %v", err)
	}
	if !strings.Contains(stdout.String(), "published to 1 replica(s)") {
		t.Errorf("output = %q", stdout.String())
	}

	signals, err := member.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(signals) != 1 || signals[0].Kind != replica.KindReload || signals[0].Reason != "rotated keys" {
		t.Fatalf("signals = %+v", signals)
	}
}

func TestSignalRejectsUnknownKind(t *testing.T) {
	configPath, _ := setup(t)
	err := run([]string{"--config", configPath, "signal", "restart"}, nil, &bytes.Buffer{})
	if !errors.Is(err, process.ErrUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestSignalWithoutTable(t *testing.T) {
	directory := t.TempDir()
	configPath := filepath.Join(directory, "consolegate.yaml")
	content := "paths:\n  state: " + directory + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	err := run([]string{"--config", configPath, "signal", "reload"}, nil, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "no replica table") {
		t.Fatalf("err = %v, want missing table error", err)
	}
}

func TestReplicasJSON(t *testing.T) {
	configPath, _ := setup(t)
	var stdout bytes.Buffer
	if err := run([]string{"-c", configPath, "replicas", "--json"}, nil, &stdout); err != nil {
		t.Fatalf("replicas: %v", err)
	}
	var replicas []replica.Info
	if err := json.Unmarshal(stdout.Bytes(), &replicas); err != nil {
		t.Fatalf("decoding %q: %v", stdout.String(), err)
	}
	if len(replicas) != 1 || replicas[0].ID != "gateway-1" || replicas[0].PID != os.Getpid() {
		t.Fatalf("replicas = %+v", replicas)
	}
}

func TestHashPasswordFromPipe(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"hash-password"}, strings.NewReader("wonderland\n"), &stdout); err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(stdout.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("wonderland")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}

	err := run([]string{"hash-password"}, strings.NewReader("\n"), &bytes.Buffer{})
	if !errors.Is(err, process.ErrUsage) {
		t.Fatalf("empty password: err = %v, want usage error", err)
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"--no-such-flag", "version"},
		{"hash-password", "extra"},
	} {
		if err := run(args, strings.NewReader(""), &bytes.Buffer{}); !errors.Is(err, process.ErrUsage) {
			t.Errorf("run(%q) = %v, want usage error", args, err)
		}
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"version"}, nil, &stdout); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "consolegate ") {
		t.Errorf("output = %q", stdout.String())
	}
}
