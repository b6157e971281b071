// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/consolegate/consolegate/lib/adminclient"
	"github.com/consolegate/consolegate/lib/replica"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// ReplicaView is what the dashboard knows about one replica. Err is
// set when the replica's admin socket could not be read; the other
// fields then hold what the replica table recorded.
type ReplicaView struct {
	ID          string
	Host        string
	PID         int
	HeartbeatAt time.Time
	Version     string
	Workers     []supervisor.Info
	Sessions    []session.Info
	Err         error
}

// Source produces a snapshot of every replica.
type Source interface {
	Fetch(ctx context.Context) ([]ReplicaView, error)
}

// ReplicaSource reads the replica table and then each replica's admin
// socket concurrently.
type ReplicaSource struct {
	Table       *replica.Table
	AdminSocket string
	ReusePort   bool
}

// Fetch implements [Source]. A replica whose socket fails is reported
// through ReplicaView.Err rather than failing the whole snapshot.
func (source *ReplicaSource) Fetch(ctx context.Context) ([]ReplicaView, error) {
	replicas, err := source.Table.Replicas(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing replicas: %w", err)
	}
	targets := adminclient.Targets(source.AdminSocket, source.ReusePort, replicas)
	views := make([]ReplicaView, len(targets))

	var wait sync.WaitGroup
	for index, target := range targets {
		wait.Add(1)
		go func() {
			defer wait.Done()
			views[index] = fetchReplica(ctx, target)
		}()
	}
	wait.Wait()
	return views, nil
}

func fetchReplica(ctx context.Context, target adminclient.Target) ReplicaView {
	view := ReplicaView{
		ID:          target.Replica.ID,
		Host:        target.Replica.Host,
		PID:         target.Replica.PID,
		HeartbeatAt: target.Replica.HeartbeatAt,
	}
	var err error
	if view.Version, err = target.Client.Version(ctx); err != nil {
		view.Err = err
		return view
	}
	if view.Workers, err = target.Client.Workers(ctx); err != nil {
		view.Err = err
		return view
	}
	if view.Sessions, err = target.Client.Sessions(ctx); err != nil {
		view.Err = err
	}
	return view
}
