// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/capbroker/lib/sqlitepool"
)

func queryText(t *testing.T, conn *sqlite.Conn, query string) string {
	t.Helper()
	var result string
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return result
}

func TestPragmasApplied(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})

	err := pool.Do(context.Background(), func(conn *sqlite.Conn) error {
		if mode := queryText(t, conn, "PRAGMA journal_mode"); mode != "wal" {
			t.Errorf("journal_mode = %q, want wal", mode)
		}
		// FULL is 2.
		if synchronous := queryText(t, conn, "PRAGMA synchronous"); synchronous != "2" {
			t.Errorf("synchronous = %q, want 2 (FULL)", synchronous)
		}
		if timeout := queryText(t, conn, "PRAGMA busy_timeout"); timeout != "5000" {
			t.Errorf("busy_timeout = %q, want 5000", timeout)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestSchemaRunsBeforeOnConnect(t *testing.T) {
	var sawTable bool
	pool := openTestPool(t, sqlitepool.Config{
		Schema: `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT);`,
		OnConnect: func(conn *sqlite.Conn) error {
			sawTable = queryText(t, conn,
				"SELECT name FROM sqlite_master WHERE type='table' AND name='settings'") == "settings"
			return nil
		},
	})

	err := pool.Do(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO settings (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{"theme_mode", "dark"},
		})
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if !sawTable {
		t.Error("OnConnect ran before the schema was applied")
	}
}

func TestDoPropagatesError(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 1})
	sentinel := errors.New("sentinel")

	if err := pool.Do(context.Background(), func(*sqlite.Conn) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("Do() = %v, want sentinel", err)
	}
	// The connection went back to the pool despite the error.
	if err := pool.Do(context.Background(), func(*sqlite.Conn) error { return nil }); err != nil {
		t.Fatalf("second Do: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 1})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context with the only connection borrowed")
	}
}

// openTestPool opens cfg against a temporary database file and closes
// it when the test completes.
func openTestPool(t *testing.T, cfg sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()

	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pool.Path() != cfg.Path {
		t.Errorf("Path() = %q, want %q", pool.Path(), cfg.Path)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
