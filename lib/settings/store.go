// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/capbroker/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Config configures Open.
type Config struct {
	// Path is the database file.
	Path string

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Intn overrides the random source for the first-run port.
	// Defaults to math/rand/v2.IntN.
	Intn func(n int) int
}

// Store reads and writes settings. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	intn   func(n int) int
}

// Open opens (creating if needed) the settings database.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	intn := cfg.Intn
	if intn == nil {
		intn = rand.IntN
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: 2,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &Store{pool: pool, logger: logger, intn: intn}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Initialize applies first-run defaults: tcpip_port_enabled=true and a
// random safe tcpip_port. Keys that already exist are left unchanged.
// It reports whether this call wrote the port.
func (s *Store) Initialize(ctx context.Context) (initialized bool, err error) {
	port := RandomPort(s.intn)

	// IMMEDIATE takes SQLite's write lock at BEGIN rather than at the
	// first write. Two brokers starting together therefore serialize
	// on the lock instead of both reading "absent" and racing to write
	// different ports. The loser's inserts become no-ops.
	err = s.pool.Do(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("settings: begin: %w", err)
		}
		defer endTransaction(&err)

		if err := insertDefault(conn, KeyTCPIPPortEnabled, "true"); err != nil {
			return err
		}
		if err := insertDefault(conn, KeyTCPIPPort, strconv.Itoa(port)); err != nil {
			return err
		}
		// Changes counts only the last statement: the port insert.
		initialized = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if initialized {
		s.logger.Info("settings initialized", "tcpip_port", port)
	}
	return initialized, nil
}

func insertDefault(conn *sqlite.Conn, key Key, value string) error {
	err := sqlitex.Execute(conn,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{string(key), value}})
	if err != nil {
		return fmt.Errorf("settings: initializing %s: %w", key, err)
	}
	return nil
}

// Get returns the raw stored value of key and whether it exists.
func (s *Store) Get(ctx context.Context, key Key) (value string, found bool, err error) {
	err = s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM settings WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{string(key)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("settings: reading %s: %w", key, err)
	}
	return value, found, nil
}

// Set validates value for key and stores its normalized form.
func (s *Store) Set(ctx context.Context, key Key, value string) error {
	normalized, err := normalize(key, value)
	if err != nil {
		return err
	}
	err = s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{string(key), normalized}})
	})
	if err != nil {
		return fmt.Errorf("settings: writing %s: %w", key, err)
	}
	s.logger.Debug("setting changed", "key", string(key), "value", normalized)
	return nil
}

// Bool returns key parsed as a boolean, or fallback when absent.
func (s *Store) Bool(ctx context.Context, key Key, fallback bool) (bool, error) {
	value, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return fallback, err
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("settings: %s: %w", key, err)
	}
	return parsed, nil
}

// Int returns key parsed as an integer, or fallback when absent.
func (s *Store) Int(ctx context.Context, key Key, fallback int) (int, error) {
	value, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return fallback, err
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("settings: %s: %w", key, err)
	}
	return parsed, nil
}

// String returns key, or fallback when absent.
func (s *Store) String(ctx context.Context, key Key, fallback string) (string, error) {
	value, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return fallback, err
	}
	return value, nil
}

// LastLaunchMethod returns the recorded launch method, LaunchUnknown
// if none was recorded.
func (s *Store) LastLaunchMethod(ctx context.Context) (LaunchMethod, error) {
	value, found, err := s.Get(ctx, KeyLaunchMethod)
	if err != nil || !found {
		return LaunchUnknown, err
	}
	return ParseLaunchMethod(value)
}

// SetLastLaunchMethod records how the broker was started.
func (s *Store) SetLastLaunchMethod(ctx context.Context, method LaunchMethod) error {
	return s.Set(ctx, KeyLaunchMethod, strconv.Itoa(int(method)))
}

// Snapshot reads every key in one transaction. Absent keys take their
// defaults: port 0, tcpip_port_enabled true, the boot flags false,
// theme follow_system, launch method unknown.
func (s *Store) Snapshot(ctx context.Context) (Settings, error) {
	raw := make(map[Key]string, len(Keys))
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction := sqlitex.Transaction(conn)
		defer endTransaction(&err)
		return sqlitex.Execute(conn, "SELECT key, value FROM settings", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw[Key(stmt.ColumnText(0))] = stmt.ColumnText(1)
				return nil
			},
		})
	})
	if err != nil {
		return Settings{}, fmt.Errorf("settings: snapshot: %w", err)
	}

	snapshot := Settings{TCPIPPortEnabled: true, ThemeMode: ThemeFollowSystem, LaunchMethod: LaunchUnknown}
	var errs []error
	if value, found := raw[KeyTCPIPPort]; found {
		port, err := strconv.Atoi(value)
		errs = append(errs, keyError(KeyTCPIPPort, err))
		snapshot.TCPIPPort = port
	}
	for key, target := range map[Key]*bool{
		KeyTCPIPPortEnabled:    &snapshot.TCPIPPortEnabled,
		KeyStartOnBoot:         &snapshot.StartOnBoot,
		KeyStartOnBootWireless: &snapshot.StartOnBootWireless,
	} {
		if value, found := raw[key]; found {
			parsed, err := strconv.ParseBool(value)
			errs = append(errs, keyError(key, err))
			*target = parsed
		}
	}
	if value, found := raw[KeyThemeMode]; found && ThemeMode(value).valid() {
		snapshot.ThemeMode = ThemeMode(value)
	}
	if value, found := raw[KeyLaunchMethod]; found {
		method, err := ParseLaunchMethod(value)
		errs = append(errs, err)
		snapshot.LaunchMethod = method
	}
	return snapshot, errors.Join(errs...)
}

func keyError(key Key, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("settings: %s: %w", key, err)
}
