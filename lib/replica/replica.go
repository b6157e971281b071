// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/codec"
)

// Signal kinds.
const (
	KindReload   = "reload"
	KindShutdown = "shutdown"
)

// retainSignals bounds the signals table. Replicas poll far more often
// than signals are issued, so only the newest few are ever unread.
const retainSignals = 256

// Signal is one administrative instruction read from the table.
type Signal struct {
	Seq      int64
	Kind     string
	Issuer   string
	IssuedAt time.Time
	Reason   string
}

type signalPayload struct {
	Reason string `cbor:"reason,omitempty"`
}

// Info describes a registered replica.
type Info struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	LastSignal  int64     `json:"last_signal"`
}

// Config configures a Table.
type Config struct {
	// Path of the SQLite database, created if absent.
	Path string

	// PollInterval is how often Run polls. Default 1s.
	PollInterval time.Duration

	// StaleAfter is how long a replica may go without a heartbeat
	// before Register prunes it. Default 30s.
	StaleAfter time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Table is a handle on the shared replica database.
type Table struct {
	pool   poolHandle
	config Config
	logger *slog.Logger
	clock  clock.Clock
}

// Open opens (creating if necessary) the replica database at
// config.Path.
func Open(config Config) (*Table, error) {
	if config.Path == "" {
		return nil, errors.New("replica: Path is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := openPool(config.Path, 2)
	if err != nil {
		return nil, err
	}
	return &Table{
		pool:   poolHandle{pool},
		config: config,
		logger: logger,
		clock:  config.Clock,
	}, nil
}

// Close closes every connection.
func (t *Table) Close() error {
	return t.pool.Close()
}

// Publish records a signal for every replica. It returns the signal's
// sequence number.
func (t *Table) Publish(ctx context.Context, kind, reason string) (int64, error) {
	if kind != KindReload && kind != KindShutdown {
		return 0, fmt.Errorf("replica: unknown signal kind %q", kind)
	}
	payload, err := codec.Marshal(signalPayload{Reason: reason})
	if err != nil {
		return 0, fmt.Errorf("replica: encoding signal: %w", err)
	}
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer t.pool.Put(conn)

	seq, err := t.insertSignal(conn, kind, payload)
	if err != nil {
		return 0, err
	}
	t.logger.Info("replica signal published", "kind", kind, "seq", seq, "reason", reason)
	return seq, nil
}

func (t *Table) insertSignal(conn *sqlite.Conn, kind string, payload []byte) (seq int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("replica: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn,
		`INSERT INTO signals (kind, issuer, issued_at, payload) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{kind, issuer(), t.clock.Now().UnixNano(), payload}},
	); err != nil {
		return 0, fmt.Errorf("replica: inserting signal: %w", err)
	}
	seq = conn.LastInsertRowID()
	if err = sqlitex.Execute(conn,
		`DELETE FROM signals WHERE seq <= ?`,
		&sqlitex.ExecOptions{Args: []any{seq - retainSignals}},
	); err != nil {
		return 0, fmt.Errorf("replica: pruning signals: %w", err)
	}
	return seq, nil
}

// Register adds a replica row and prunes replicas whose heartbeat is
// older than StaleAfter. The new replica starts after the newest
// existing signal.
func (t *Table) Register(ctx context.Context, id string) (*Replica, error) {
	if id == "" {
		return nil, errors.New("replica: empty replica id")
	}
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer t.pool.Put(conn)

	pruned, err := t.register(conn, id)
	if err != nil {
		return nil, err
	}
	if pruned > 0 {
		t.logger.Info("pruned stale replicas", "count", pruned)
	}
	t.logger.Info("replica registered", "id", id, "pid", os.Getpid())
	return &Replica{table: t, id: id}, nil
}

func (t *Table) register(conn *sqlite.Conn, id string) (pruned int, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("replica: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	now := t.clock.Now()
	cutoff := now.Add(-t.config.StaleAfter).UnixNano()
	if err = sqlitex.Execute(conn,
		`DELETE FROM replicas WHERE heartbeat_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}},
	); err != nil {
		return 0, fmt.Errorf("replica: pruning replicas: %w", err)
	}
	pruned = conn.Changes()

	var newest int64
	if err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM signals`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			newest = stmt.ColumnInt64(0)
			return nil
		}},
	); err != nil {
		return 0, fmt.Errorf("replica: reading newest signal: %w", err)
	}

	host, _ := os.Hostname()
	if err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO replicas (id, pid, host, started_at, heartbeat_at, last_signal)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{id, os.Getpid(), host, now.UnixNano(), now.UnixNano(), newest}},
	); err != nil {
		return 0, fmt.Errorf("replica: inserting replica: %w", err)
	}
	return pruned, nil
}

// Replicas lists the registered replicas ordered by id.
func (t *Table) Replicas(ctx context.Context) ([]Info, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer t.pool.Put(conn)

	var replicas []Info
	err = sqlitex.Execute(conn,
		`SELECT id, pid, host, started_at, heartbeat_at, last_signal FROM replicas ORDER BY id`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			replicas = append(replicas, Info{
				ID:          stmt.ColumnText(0),
				PID:         int(stmt.ColumnInt64(1)),
				Host:        stmt.ColumnText(2),
				StartedAt:   time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				HeartbeatAt: time.Unix(0, stmt.ColumnInt64(4)).UTC(),
				LastSignal:  stmt.ColumnInt64(5),
			})
			return nil
		}},
	)
	if err != nil {
		return nil, fmt.Errorf("replica: listing replicas: %w", err)
	}
	return replicas, nil
}

// Replica is one registered gateway process.
type Replica struct {
	table *Table
	id    string
}

// ID returns the replica id.
func (r *Replica) ID() string { return r.id }

// Poll heartbeats and returns the signals issued since the last poll,
// oldest first. Each signal is returned by exactly one Poll call.
func (r *Replica) Poll(ctx context.Context) ([]Signal, error) {
	conn, err := r.table.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.table.pool.Put(conn)
	return r.poll(conn)
}

func (r *Replica) poll(conn *sqlite.Conn) (signals []Signal, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("replica: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	var last int64
	found := false
	if err = sqlitex.Execute(conn,
		`SELECT last_signal FROM replicas WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{r.id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		},
	); err != nil {
		return nil, fmt.Errorf("replica: reading cursor: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("replica: %s is not registered", r.id)
	}

	if err = sqlitex.Execute(conn,
		`SELECT seq, kind, issuer, issued_at, payload FROM signals WHERE seq > ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{last},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				signal := Signal{
					Seq:      stmt.ColumnInt64(0),
					Kind:     stmt.ColumnText(1),
					Issuer:   stmt.ColumnText(2),
					IssuedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				}
				if n := stmt.ColumnLen(4); n > 0 {
					raw := make([]byte, n)
					stmt.ColumnBytes(4, raw)
					var payload signalPayload
					if err := codec.Unmarshal(raw, &payload); err != nil {
						return fmt.Errorf("decoding signal %d: %w", signal.Seq, err)
					}
					signal.Reason = payload.Reason
				}
				signals = append(signals, signal)
				return nil
			},
		},
	); err != nil {
		return nil, fmt.Errorf("replica: reading signals: %w", err)
	}
	if len(signals) > 0 {
		last = signals[len(signals)-1].Seq
	}

	if err = sqlitex.Execute(conn,
		`UPDATE replicas SET heartbeat_at = ?, last_signal = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{r.table.clock.Now().UnixNano(), last, r.id}},
	); err != nil {
		return nil, fmt.Errorf("replica: heartbeat: %w", err)
	}
	return signals, nil
}

// Run polls every PollInterval until ctx is done, calling handler for
// each signal in order. Poll errors are logged and retried on the next
// tick.
func (r *Replica) Run(ctx context.Context, handler func(context.Context, Signal)) error {
	ticker := r.table.clock.NewTicker(r.table.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		signals, err := r.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.table.logger.Warn("replica poll failed", "id", r.id, "error", err)
			continue
		}
		for _, signal := range signals {
			r.table.logger.Info("replica signal received",
				"id", r.id, "kind", signal.Kind, "seq", signal.Seq, "issuer", signal.Issuer)
			handler(ctx, signal)
		}
	}
}

// Deregister removes the replica row.
func (r *Replica) Deregister(ctx context.Context) error {
	conn, err := r.table.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.table.pool.Put(conn)
	if err := sqlitex.Execute(conn,
		`DELETE FROM replicas WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{r.id}},
	); err != nil {
		return fmt.Errorf("replica: deregistering %s: %w", r.id, err)
	}
	return nil
}

func issuer() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
