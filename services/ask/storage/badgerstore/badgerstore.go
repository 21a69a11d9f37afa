// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore wraps the embedded BadgerDB instance shared by the job
// store and the trajectory store. Badger was chosen over an external store
// for the same reason the rest of the service stays single-binary: job and
// trace records are service infrastructure, not user data, and an embedded
// store means no network dependency and native TTL expiry.
package badgerstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log GC runs.
const gcInterval = 10 * time.Minute

// DB owns one BadgerDB instance and its GC loop.
//
// Thread Safety: Safe for concurrent use. Badger transactions are
// per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// Open opens (or creates) the store at path. An empty path opens an
// in-memory instance, used by tests and by deployments that do not need
// jobs to survive restarts.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := dgbadger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	d := &DB{db: db, logger: logger, stop: make(chan struct{})}
	if path != "" {
		go d.gcLoop()
	}
	return d, nil
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close stops the GC loop and closes the store.
func (d *DB) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })
	return d.db.Close()
}

func (d *DB) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Badger asks callers to rerun GC until it reports nothing
			// to collect.
			for {
				if err := d.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-d.stop:
			return
		}
	}
}
