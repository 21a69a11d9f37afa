// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := badgerstore.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, ttl, nil)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "sess-1", "trace-1", "what is the plan cache")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.ExpiresAt.After(job.CreatedAt))

	require.True(t, s.MarkRunning(ctx, job.ID))
	assert.False(t, s.MarkRunning(ctx, job.ID), "running jobs cannot re-run")

	require.NoError(t, s.AppendPartial(ctx, job.ID, "The plan "))
	require.NoError(t, s.AppendPartial(ctx, job.ID, "cache expires."))

	require.NoError(t, s.Complete(ctx, job.ID, Result{Text: "The plan cache expires."}))

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	require.NotNil(t, got.Result)
	assert.True(t, strings.HasPrefix(got.Result.Text, got.PartialText),
		"partial text is a prefix of the final result")
}

func TestAppendPartialIdempotentOnRepeatedTail(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	require.True(t, s.MarkRunning(ctx, job.ID))

	require.NoError(t, s.AppendPartial(ctx, job.ID, "abc"))
	require.NoError(t, s.AppendPartial(ctx, job.ID, "abc"), "re-delivered tail is a no-op")
	require.NoError(t, s.AppendPartial(ctx, job.ID, "def"))

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	assert.Equal(t, "abcdef", got.PartialText)
}

func TestCompleteReconcilesDivergentPartial(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	require.True(t, s.MarkRunning(ctx, job.ID))

	// Streamed raw text, then a post-processed final that no longer extends
	// it: the terminal record must restore the prefix invariant.
	require.NoError(t, s.AppendPartial(ctx, job.ID, "\nThe  raw  draft"))
	require.NoError(t, s.Complete(ctx, job.ID, Result{Text: "The polished answer."}))

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	assert.Equal(t, "The polished answer.", got.PartialText)
	assert.True(t, strings.HasPrefix(got.Result.Text, got.PartialText))
}

func TestCompleteKeepsPartialWhenPrefixHolds(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	require.True(t, s.MarkRunning(ctx, job.ID))

	require.NoError(t, s.AppendPartial(ctx, job.ID, "The plan"))
	require.NoError(t, s.Complete(ctx, job.ID, Result{Text: "The plan cache expires."}))

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	assert.Equal(t, "The plan", got.PartialText)
}

func TestFailTerminal(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	require.True(t, s.MarkRunning(ctx, job.ID))
	require.NoError(t, s.Fail(ctx, job.ID, "helix_ask_timeout"))

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "helix_ask_timeout", got.Error)

	// Terminal states stay terminal.
	require.NoError(t, s.Complete(ctx, job.ID, Result{Text: "late"}))
	got, _ = s.Get(ctx, job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.Result)
}

func TestGetUnknownAndExpired(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	_, ok := s.Get(ctx, "nope")
	assert.False(t, ok)

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, ok = s.Get(ctx, job.ID)
	assert.False(t, ok, "expired records return nothing")
	assert.False(t, s.MarkRunning(ctx, job.ID))
}

func TestPrune(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	_, err := s.Create(ctx, "", "", "a")
	require.NoError(t, err)
	_, err = s.Create(ctx, "", "", "b")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.GreaterOrEqual(t, s.Prune(ctx), 0)
	// After prune (or badger TTL), nothing is visible.
	assert.Equal(t, 0, s.Prune(ctx))
}

func TestPruneReleasesJobLocks(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job, err := s.Create(ctx, "", "", "q")
		require.NoError(t, err)
		require.True(t, s.MarkRunning(ctx, job.ID))
	}
	s.mu.Lock()
	held := len(s.locks)
	s.mu.Unlock()
	require.Equal(t, 3, held)

	time.Sleep(30 * time.Millisecond)
	s.Prune(ctx)

	s.mu.Lock()
	remaining := len(s.locks)
	s.mu.Unlock()
	assert.Zero(t, remaining, "expired jobs must release their write locks")
}

func TestConcurrentAppendsSerialized(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	job, err := s.Create(ctx, "", "", "q")
	require.NoError(t, err)
	require.True(t, s.MarkRunning(ctx, job.ID))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AppendPartial(ctx, job.ID, strings.Repeat("x", n+1))
		}(i)
	}
	wg.Wait()

	got, ok := s.Get(ctx, job.ID)
	require.True(t, ok)
	// 1+2+...+8 characters when every append lands exactly once; repeats
	// of an identical tail may drop, so the length is bounded above.
	assert.LessOrEqual(t, len(got.PartialText), 36)
	assert.Greater(t, len(got.PartialText), 0)
}
