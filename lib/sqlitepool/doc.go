// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// broker's persisted settings.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, do their work and [Pool.Put] it back, or use
// [Pool.Do] which pairs the two. Connections are not safe for
// concurrent use.
//
// # Pragmas
//
// Every connection is initialized with:
//
//   - busy_timeout=5000: wait up to 5 seconds for the write lock. Two
//     processes initializing the same database serialize here. Set
//     first so the journal mode switch also waits.
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=FULL: a bootstrap lost to power failure would pick
//     a new port on the next start.
//   - foreign_keys=ON.
//   - temp_store=MEMORY.
//
// # Schema
//
// [Config].Schema is executed on every new connection before
// OnConnect. It must be idempotent (CREATE TABLE IF NOT EXISTS).
package sqlitepool
