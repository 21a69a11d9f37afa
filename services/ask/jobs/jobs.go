// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package jobs implements the async Ask job store: queued/running records
// with partial streaming, timeouts, and TTL expiry, persisted in BadgerDB.
package jobs

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/helixml/helix-ask/services/ask/answer"
	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// keyPrefix versions the storage layout.
const keyPrefix = "ask/job/v1/"

// defaultTTL is the record lifetime when the caller passes none.
const defaultTTL = 15 * time.Minute

// ErrNotFound is returned for unknown or expired job ids.
var ErrNotFound = errors.New("job not found")

// Result is a completed job's payload.
type Result struct {
	Text     string           `json:"text"`
	Envelope *answer.Envelope `json:"envelope,omitempty"`
}

// Job is one async Ask job record.
type Job struct {
	ID        string    `json:"jobId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	SessionID string    `json:"sessionId,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	Question  string    `json:"-"`
	// PartialText accumulates streamed chunks; it is always a prefix of the
	// final result text when the job completes.
	PartialText string  `json:"partialText,omitempty"`
	Error       string  `json:"error,omitempty"`
	Result      *Result `json:"result,omitempty"`
}

// Store persists job records with per-id write serialization.
//
// Description:
//
//	All writes for one job id run under that id's lock, so status
//	transitions and partial appends are linearized. Records carry the
//	store TTL both as a badger entry TTL and as an ExpiresAt field; Get
//	treats either as expiry, so a record is never visible past its
//	deadline even before badger's GC collects it.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a job store over db. ttl <= 0 uses the default.
func NewStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, ttl: ttl, logger: logger, locks: map[string]*sync.Mutex{}}
}

// Create inserts a queued job and returns it.
func (s *Store) Create(ctx context.Context, sessionID, traceID, question string) (Job, error) {
	now := time.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		SessionID: sessionID,
		TraceID:   traceID,
		Question:  question,
	}
	if err := s.put(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// MarkRunning transitions a queued job to running.
//
// Outputs:
//   - bool: False when the job is absent, expired, or not queued.
func (s *Store) MarkRunning(ctx context.Context, id string) bool {
	ok := false
	s.withJob(ctx, id, func(j *Job) bool {
		if j.Status != StatusQueued {
			return false
		}
		j.Status = StatusRunning
		ok = true
		return true
	})
	return ok
}

// AppendPartial appends a streamed chunk to the job's partial text.
//
// Description:
//
//	Append-only and idempotent on repeated identical tails: re-delivery
//	of the chunk that already ends the partial text is a no-op.
func (s *Store) AppendPartial(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	found := s.withJob(ctx, id, func(j *Job) bool {
		if j.Status != StatusRunning {
			return false
		}
		if strings.HasSuffix(j.PartialText, chunk) {
			return false
		}
		j.PartialText += chunk
		return true
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

// Complete finishes a job with its result.
//
// Description:
//
//	Post-processing may rewrite the answer after chunks were streamed, so
//	the final text is not guaranteed to extend the raw partial. The
//	terminal record restores the prefix invariant: when the result text no
//	longer extends PartialText, PartialText is reconciled to the result.
func (s *Store) Complete(ctx context.Context, id string, result Result) error {
	found := s.withJob(ctx, id, func(j *Job) bool {
		if j.Status == StatusCompleted || j.Status == StatusFailed {
			return false
		}
		j.Status = StatusCompleted
		j.Result = &result
		if !strings.HasPrefix(result.Text, j.PartialText) {
			j.PartialText = result.Text
		}
		return true
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

// Fail finishes a job with an error code.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	found := s.withJob(ctx, id, func(j *Job) bool {
		if j.Status == StatusCompleted || j.Status == StatusFailed {
			return false
		}
		j.Status = StatusFailed
		j.Error = errMsg
		return true
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

// Get returns the job record, if present and unexpired.
func (s *Store) Get(ctx context.Context, id string) (Job, bool) {
	var job Job
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return gobDecodeJob(raw, &job)
	})
	if err != nil || time.Now().After(job.ExpiresAt) {
		return Job{}, false
	}
	return job, true
}

// Prune deletes expired records ahead of badger's own GC. Returns the
// number of records removed.
func (s *Store) Prune(ctx context.Context) int {
	var expired [][]byte
	now := time.Now()
	_ = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			var j Job
			if gobDecodeJob(raw, &j) == nil && now.After(j.ExpiresAt) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if len(expired) > 0 {
		_ = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			for _, k := range expired {
				_ = txn.Delete(k)
			}
			return nil
		})
		s.logger.Debug("jobs: pruned expired records", slog.Int("count", len(expired)))
	}
	s.releaseDeadLocks(ctx)
	return len(expired)
}

// releaseDeadLocks drops id locks whose records are gone, whether removed
// by Prune or collected by badger's own TTL. Safe: a dead job fails the Get
// inside withJob, so no writer can still need its old mutex, and job ids
// are never reused.
func (s *Store) releaseDeadLocks(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.locks))
	for id := range s.locks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.Get(ctx, id); !ok {
			s.mu.Lock()
			delete(s.locks, id)
			s.mu.Unlock()
		}
	}
}

// withJob runs mutate under the job's id lock; the record is re-written
// only when mutate reports a change. Returns whether the job was found.
func (s *Store) withJob(ctx context.Context, id string, mutate func(*Job) bool) bool {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, ok := s.Get(ctx, id)
	if !ok {
		return false
	}
	if !mutate(&job) {
		return true
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, job); err != nil {
		s.logger.Warn("jobs: write failed",
			slog.String("job_id", id), slog.String("error", err.Error()))
	}
	return true
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

func (s *Store) put(ctx context.Context, job Job) error {
	raw, err := gobEncodeJob(job)
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(jobKey(job.ID), raw).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

func jobKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func gobEncodeJob(job Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(job); err != nil {
		return nil, fmt.Errorf("gob encode job: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecodeJob(raw []byte, job *Job) error {
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(job); err != nil {
		return fmt.Errorf("gob decode job: %w", err)
	}
	return nil
}
