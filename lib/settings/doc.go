// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings persists the broker's user-facing settings in a
// SQLite key/value table.
//
// A [Store] is opened once and passed explicitly to whatever needs it.
// [Store.Initialize] applies the first-run defaults inside one
// immediate transaction using INSERT ... ON CONFLICT DO NOTHING, so
// any number of concurrent initializers, in one process or many,
// leave the database with exactly the values the first writer chose.
//
// Values are stored as text. Booleans are "true"/"false", integers are
// decimal. Typed getters return a caller-supplied default for absent
// keys and an error for values that do not parse.
package settings
