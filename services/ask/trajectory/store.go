// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trajectory

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
)

const (
	// tracePrefix keys trajectories by an increasing sequence number, so
	// iteration order is append order.
	tracePrefix = "ask/trace/v1/"
	// taskTracePrefix keys persisted task traces (plan records) by trace id.
	taskTracePrefix = "ask/tasktrace/v1/"
)

// Store is the append-only training-trace store.
//
// Description:
//
//	Trajectories append under a monotonically increasing sequence key, so
//	Recent can walk the tail in order. Task traces (serialized plan
//	records) live under their trace id and back the orchestrator's plan
//	cache on a cold miss.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
	seq    atomic.Uint64
}

// NewStore opens the trace store over db, resuming the sequence counter
// from the highest existing key.
func NewStore(ctx context.Context, db *badgerstore.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(tracePrefix)
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration needs a seek past the prefix range.
		it.Seek(append([]byte(tracePrefix), 0xff))
		if it.ValidForPrefix([]byte(tracePrefix)) {
			suffix := strings.TrimPrefix(string(it.Item().Key()), tracePrefix)
			if last, err := strconv.ParseUint(suffix, 10, 64); err == nil {
				s.seq.Store(last)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resume trace sequence: %w", err)
	}
	return s, nil
}

// Append persists the trajectory and returns its sequence number.
func (s *Store) Append(ctx context.Context, t Trajectory) (uint64, error) {
	raw, err := gobEncode(t)
	if err != nil {
		return 0, err
	}
	seq := s.seq.Add(1)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(traceKey(seq), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("append trajectory: %w", err)
	}
	return seq, nil
}

// Recent returns up to n most recent non-blocked trajectories, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Trajectory, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Trajectory
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(tracePrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(append([]byte(tracePrefix), 0xff)); it.ValidForPrefix([]byte(tracePrefix)) && len(out) < n; it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var t Trajectory
			if gobDecode(raw, &t) != nil || t.Blocked {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read recent trajectories: %w", err)
	}
	// Reverse walk collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveTaskTrace persists a serialized task trace under its trace id.
func (s *Store) SaveTaskTrace(ctx context.Context, traceID string, payload []byte) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(taskTracePrefix+traceID), payload)
	})
}

// LoadTaskTrace returns the serialized task trace for the id, if present.
func (s *Store) LoadTaskTrace(ctx context.Context, traceID string) ([]byte, bool) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(taskTracePrefix + traceID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return raw, true
}

func traceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(tracePrefix+"%016d", seq))
}

func gobEncode(t Trajectory) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("gob encode trajectory: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(raw []byte, t *Trajectory) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(t)
}
