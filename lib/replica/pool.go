// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pragmas apply to every connection. busy_timeout matters most: the
// file is written by every replica on the host.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

const schema = `
CREATE TABLE IF NOT EXISTS replicas (
	id           TEXT PRIMARY KEY,
	pid          INTEGER NOT NULL,
	host         TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL,
	last_signal  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signals (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	kind      TEXT NOT NULL,
	issuer    TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	payload   BLOB
);
`

func openPool(path string, size int) (*sqlitex.Pool, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("replica: opening %s: %w", path, err)
	}
	return pool, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("replica: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("replica: creating schema: %w", err)
	}
	return nil
}

// poolHandle wraps the pool so that Take errors name the package.
type poolHandle struct {
	*sqlitex.Pool
}

func (p poolHandle) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("replica: taking connection: %w", err)
	}
	return conn, nil
}
