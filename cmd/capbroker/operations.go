// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/capbroker/lib/broker"
	"github.com/bureau-foundation/capbroker/lib/settings"
)

// Operations the serve subcommand registers on top of the broker.*
// built-ins.
const (
	opSettingsGet = "settings.get"
	opSettingsSet = "settings.set"
)

type settingsGetArgs struct {
	// Key is empty to read every setting.
	Key string `cbor:"key,omitempty"`
}

type settingsGetResult struct {
	Key      string             `cbor:"key,omitempty"`
	Value    string             `cbor:"value,omitempty"`
	Found    bool               `cbor:"found"`
	Settings *settings.Settings `cbor:"settings,omitempty"`
}

type settingsSetArgs struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

func registerSettingsOperations(operations *broker.Operations, store *settings.Store, logger *slog.Logger) {
	operations.Handle(opSettingsGet, func(ctx context.Context, call *broker.Call) (any, error) {
		var args settingsGetArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		if args.Key == "" {
			snapshot, err := store.Snapshot(ctx)
			if err != nil {
				return nil, err
			}
			return settingsGetResult{Found: true, Settings: &snapshot}, nil
		}
		value, found, err := store.Get(ctx, settings.Key(args.Key))
		if err != nil {
			return nil, err
		}
		return settingsGetResult{Key: args.Key, Value: value, Found: found}, nil
	})

	operations.Handle(opSettingsSet, func(ctx context.Context, call *broker.Call) (any, error) {
		var args settingsSetArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		if args.Key == "" {
			return nil, broker.InvalidRequest("key is required")
		}
		if err := store.Set(ctx, settings.Key(args.Key), args.Value); err != nil {
			return nil, broker.InvalidRequest("%v", err)
		}
		logger.Info("setting changed by client",
			"key", args.Key,
			"session_id", call.Session.ID(),
			"principal", call.Identity.Principal(),
		)
		return nil, nil
	})
}
