// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trajectory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
)

func newTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrNone},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"timeout text", errors.New("request timed out after 30s"), ErrTimeout},
		{"rate limit", errors.New("HTTP 429 Too Many Requests"), ErrRateLimited},
		{"auth", errors.New("401 unauthorized"), ErrAuth},
		{"policy", errors.New("blocked by tenant policy"), ErrPolicy},
		{"network", errors.New("dial tcp 10.0.0.1:443: connection refused"), ErrNetwork},
		{"invalid args", errors.New("missing required field 'goal'"), ErrInvalidArgs},
		{"contract", errors.New("unexpected field shape in tool reply"), ErrContractMismatch},
		{"playwright", errors.New("playwright: target closed"), ErrPlaywrightCrash},
		{"oom", errors.New("container killed: out of memory"), ErrResourceExhaustion},
		{"5xx", errors.New("upstream returned 503 service unavailable"), ErrTool5xx},
		{"fallback", errors.New("something odd happened"), ErrToolError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestStoreAppendAndRecentOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tr := New(fmt.Sprintf("trace-%d", i), "goal")
		_, err := s.Append(ctx, tr)
		require.NoError(t, err)
	}

	recent, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Oldest first within the tail window.
	assert.Equal(t, "trace-2", recent[0].TraceID)
	assert.Equal(t, "trace-4", recent[2].TraceID)
}

func TestStoreSequenceResumes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s1, err := NewStore(ctx, db, nil)
	require.NoError(t, err)
	seq, err := s1.Append(ctx, New("trace-a", "goal"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// A new store over the same DB picks up after the highest key.
	s2, err := NewStore(ctx, db, nil)
	require.NoError(t, err)
	seq, err = s2.Append(ctx, New("trace-b", "goal"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestRecentSkipsBlockedRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	_, err = s.Append(ctx, New("trace-live", "goal"))
	require.NoError(t, err)
	blocked := New("trace-blocked", "goal")
	_, err = s.Append(ctx, blockRecord(blocked))
	require.NoError(t, err)

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "trace-live", recent[0].TraceID)
}

func TestGovernorDeniesVariantOverBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, New(fmt.Sprintf("live-%d", i), "goal"))
		require.NoError(t, err)
	}
	for i := 0; i < 9; i++ {
		tr := New(fmt.Sprintf("variant-%d", i), "goal")
		tr.Origin = OriginVariant
		_, err := s.Append(ctx, tr)
		require.NoError(t, err)
	}

	g := NewGovernor(s, 0.8, 50, nil)
	d, err := g.Admit(ctx, OriginVariant)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0.8, d.AlphaTarget)
	assert.Equal(t, 10, d.AlphaLive)
	assert.Equal(t, 9, d.AlphaVariant)
	assert.InDelta(t, 0.526, d.AlphaRun, 0.001)
}

func TestGovernorAdmitsLiveAlways(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	g := NewGovernor(s, 0.8, 50, nil)
	d, err := g.Admit(ctx, OriginLive)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.AlphaRun, "empty window reads as all-live")
}

func TestGovernorAdmitsVariantUnderBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, New(fmt.Sprintf("live-%d", i), "goal"))
		require.NoError(t, err)
	}

	g := NewGovernor(s, 0.8, 50, nil)
	d, err := g.Admit(ctx, OriginVariant)
	require.NoError(t, err)
	// Budget is (1-0.8)/0.8 * 10 = 2.5 variants.
	assert.True(t, d.Allowed)
}

func TestEmitterWritesBlockRecordOnDenial(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	// No live traces yet, so any variant is over budget.
	g := NewGovernor(s, 0.8, 50, nil)
	e := NewEmitter(s, g, nil)

	tr := New("trace-v", "goal")
	tr.Origin = OriginVariant
	tr.Steps = []StepRecord{{ID: "s1", Tool: "warp-ask", Output: "..."}}

	d, err := e.Emit(ctx, tr)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// The block record exists but is excluded from the window.
	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestTaskTraceRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s, err := NewStore(ctx, db, nil)
	require.NoError(t, err)

	_, ok := s.LoadTaskTrace(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, s.SaveTaskTrace(ctx, "trace-1", []byte(`{"goal":"g"}`)))
	raw, ok := s.LoadTaskTrace(ctx, "trace-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"goal":"g"}`, string(raw))
}

func TestFirstError(t *testing.T) {
	tr := New("t", "g")
	assert.Equal(t, ErrNone, tr.FirstError())
	tr.Steps = []StepRecord{
		{ID: "a"},
		{ID: "b", Error: ErrTimeout},
		{ID: "c", Error: ErrToolError},
	}
	assert.Equal(t, ErrTimeout, tr.FirstError())
}
