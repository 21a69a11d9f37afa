// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/lattice"
	"github.com/helixml/helix-ask/services/ask/trajectory"
)

type fixedSnap struct{ snap *lattice.Snapshot }

func (f fixedSnap) Snapshot() *lattice.Snapshot { return f.snap }

func testSnapshot(t *testing.T) *lattice.Snapshot {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"nodes": []map[string]string{
			{"symbol": "PlanCache", "filePath": "server/plan-cache.ts", "doc": "Caches plan records with ttl expiry."},
			{"symbol": "registerAskRoute", "filePath": "server/routes/agi.plan.ts", "doc": "Registers the ask route."},
			{"symbol": "HelixAskPill", "filePath": "client/src/components/helix/HelixAskPill.tsx", "doc": "Ask UI entry."},
		},
	})
	require.NoError(t, err)
	snap, err := lattice.ParseSnapshot(raw)
	require.NoError(t, err)
	return snap
}

type memTraceStore struct{ m map[string][]byte }

func newMemTraceStore() *memTraceStore { return &memTraceStore{m: map[string][]byte{}} }

func (s *memTraceStore) SaveTaskTrace(_ context.Context, id string, payload []byte) error {
	s.m[id] = payload
	return nil
}

func (s *memTraceStore) LoadTaskTrace(_ context.Context, id string) ([]byte, bool) {
	raw, ok := s.m[id]
	return raw, ok
}

// scriptedExecutor replies per tool name, with optional failures.
type scriptedExecutor struct {
	outputs map[string]StepOutput
	errs    map[string]error
	calls   []string
}

func (e *scriptedExecutor) ExecuteStep(_ context.Context, step Step, _ map[string]string) (StepOutput, error) {
	e.calls = append(e.calls, step.ID)
	if err, ok := e.errs[step.Tool]; ok {
		return StepOutput{}, err
	}
	if out, ok := e.outputs[step.Tool]; ok {
		return out, nil
	}
	return StepOutput{Text: "ok", Summary: step.ID + " done"}, nil
}

func TestPlanCacheTTLAndEviction(t *testing.T) {
	c := NewPlanCache(time.Minute, 2)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.Put(PlanRecord{TraceID: "a"})
	c.Put(PlanRecord{TraceID: "b"})
	c.Put(PlanRecord{TraceID: "c"}) // evicts a

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest insertion evicted at capacity")
	_, ok = c.Get("b")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("b")
	assert.False(t, ok, "expired entry is dropped on read")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 0, c.Len())
}

func TestPlanBuildsRecordWithResonance(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)

	record, err := o.Plan(context.Background(), "how does the plan cache expire records", trajectory.OriginLive)
	require.NoError(t, err)

	assert.NotEmpty(t, record.TraceID)
	require.NotEmpty(t, record.Resonance.Patches)
	assert.Equal(t, "server/plan-cache.ts", record.Resonance.Patches[0].Path,
		"symbol and doc token hits outrank path-only hits")
	assert.Equal(t, []string{"repo-retrieve", "helix-ask", "format-answer"}, record.ToolManifest)
	assert.Equal(t, []string{"answer", "citations"}, record.FinalOutputSchema)
	assert.Contains(t, record.PlanDSL, "step synthesize tool=helix-ask after=gather-evidence")

	cached, ok := o.Lookup(context.Background(), record.TraceID)
	require.True(t, ok)
	assert.Equal(t, record.Goal, cached.Goal)
}

func TestPlanInjectsPhysicsSteps(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)

	record, err := o.Plan(context.Background(), "is a warp metric viable for this drive", trajectory.OriginLive)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(record.ExecutorSteps), 6)
	assert.Equal(t, "physics-warp-ask", record.ExecutorSteps[0].ID)
	assert.Equal(t, "physics-warp-viability", record.ExecutorSteps[1].ID)
	assert.Equal(t, "physics-gr-grounding", record.ExecutorSteps[2].ID)

	// Every step after the injected three references all of them.
	for _, s := range record.ExecutorSteps[3:] {
		assert.Contains(t, s.AppendSummaries, "physics-warp-ask", s.ID)
		assert.Contains(t, s.AppendSummaries, "physics-warp-viability", s.ID)
		assert.Contains(t, s.AppendSummaries, "physics-gr-grounding", s.ID)
	}
}

func TestPlanSkipsPhysicsForPlainGoals(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)

	record, err := o.Plan(context.Background(), "explain the ask route registration", trajectory.OriginLive)
	require.NoError(t, err)
	for _, s := range record.ExecutorSteps {
		assert.NotContains(t, s.ID, "physics-")
	}
}

func TestLookupRehydratesFromTraceStore(t *testing.T) {
	store := newMemTraceStore()
	o1 := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, store, nil)
	record, err := o1.Plan(context.Background(), "explain the ask route", trajectory.OriginLive)
	require.NoError(t, err)

	// Fresh orchestrator with an empty cache but the same trace store.
	o2 := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, NewPlanCache(time.Minute, 8), store, nil)
	got, ok := o2.Lookup(context.Background(), record.TraceID)
	require.True(t, ok)
	assert.Equal(t, record.Goal, got.Goal)
	assert.Len(t, got.ExecutorSteps, len(record.ExecutorSteps))

	_, ok = o2.Lookup(context.Background(), "unknown-trace")
	assert.False(t, ok)
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)
	record, err := o.Plan(context.Background(), "how does the plan cache expire records", trajectory.OriginLive)
	require.NoError(t, err)

	exec := &scriptedExecutor{outputs: map[string]StepOutput{
		"repo-retrieve": {Text: "evidence from server/plan-cache.ts", Summary: "found plan cache"},
		"helix-ask":     {Text: "The plan cache expires by ttl.", Summary: "answered"},
		"format-answer": {Text: `{"answer":"The plan cache expires by ttl.","citations":["server/plan-cache.ts"]}`},
	}}

	result := o.Execute(context.Background(), record, exec)
	assert.Equal(t, trajectory.ErrNone, result.Failure)
	assert.Equal(t, []string{"gather-evidence", "synthesize", "finalize"}, exec.calls)
	assert.Contains(t, result.Citations, "server/plan-cache.ts")
	assert.True(t, strings.HasPrefix(result.WhyBelongs, "Grounded in server/plan-cache.ts"))
}

func TestExecuteClassifiesFailureAndHalts(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)
	record, err := o.Plan(context.Background(), "explain the ask route", trajectory.OriginLive)
	require.NoError(t, err)

	exec := &scriptedExecutor{errs: map[string]error{
		"helix-ask": errors.New("request timed out after 120s"),
	}}

	result := o.Execute(context.Background(), record, exec)
	assert.Equal(t, trajectory.ErrTimeout, result.Failure)
	assert.Equal(t, []string{"gather-evidence", "synthesize"}, exec.calls, "run halts at the failed step")
	require.Len(t, result.Steps, 2)
	assert.Equal(t, trajectory.ErrTimeout, result.Steps[1].Error)
}

func TestExecuteFinalOutputSchemaMismatch(t *testing.T) {
	o := NewOrchestrator(fixedSnap{testSnapshot(t)}, nil, nil, nil, nil)
	record, err := o.Plan(context.Background(), "explain the ask route", trajectory.OriginLive)
	require.NoError(t, err)

	exec := &scriptedExecutor{outputs: map[string]StepOutput{
		"format-answer": {Text: `{"answer":"missing the citations key"}`},
	}}

	result := o.Execute(context.Background(), record, exec)
	assert.Equal(t, trajectory.ErrSchemaMismatch, result.Failure)
}

func TestCheckFinalOutput(t *testing.T) {
	schema := []string{"answer", "citations"}
	assert.NoError(t, checkFinalOutput(`{"answer":"a","citations":[]}`, schema))
	assert.Error(t, checkFinalOutput(`{"answer":"a"}`, schema))
	assert.Error(t, checkFinalOutput("plain text", schema))
}
