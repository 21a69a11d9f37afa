// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator builds executable plans from a goal and a resonance
// bundle, runs them step by step, and records the run for the trajectory
// emitter.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/ask/lattice"
	"github.com/helixml/helix-ask/services/ask/textproc"
	"github.com/helixml/helix-ask/services/ask/trajectory"
)

// resonanceMaxPatches bounds the candidate patch list per plan.
const resonanceMaxPatches = 8

// physicsTools are injected, in this order, when the goal warrants them.
var physicsTools = []string{"warp-ask", "warp-viability", "gr-grounding"}

// physicsCues trigger physics step injection when present in the goal.
var physicsCues = []string{
	"warp", "viability", "relativity", "spacetime", "metric tensor",
	"exotic matter", "alcubierre", "gravitational",
}

// Patch is one resonance candidate: a repo file the plan may touch, with
// the lattice evidence that suggested it.
type Patch struct {
	Path    string  `json:"path"`
	Symbol  string  `json:"symbol,omitempty"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary,omitempty"`
}

// ResonanceBundle is the candidate patch set built from the code lattice.
type ResonanceBundle struct {
	Patches []Patch `json:"patches"`
	BuiltIn int64   `json:"builtInMs"`
}

// Step is one compiled executor step.
type Step struct {
	ID   string            `json:"id"`
	Tool string            `json:"tool"`
	Args map[string]string `json:"args,omitempty"`
	// AppendSummaries names earlier steps whose output summaries are
	// embedded into this step's input.
	AppendSummaries []string `json:"appendSummaries,omitempty"`
}

// PlanRecord is a built plan, cached by trace id and persisted as the task
// trace.
type PlanRecord struct {
	TraceID       string            `json:"traceId"`
	Goal          string            `json:"goal"`
	Origin        trajectory.Origin `json:"origin"`
	PlanDSL       string            `json:"plan_dsl"`
	PlanSteps     []string          `json:"plan_steps"`
	ToolManifest  []string          `json:"tool_manifest"`
	ExecutorSteps []Step            `json:"executor_steps"`
	Strategy      string            `json:"strategy"`
	Resonance     ResonanceBundle   `json:"resonance"`
	// FinalOutputSchema lists keys the last step's JSON output must carry.
	FinalOutputSchema []string  `json:"final_output_schema,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// StepOutput is a tool's reply to one executed step.
type StepOutput struct {
	Text    string
	Summary string
}

// StepExecutor runs one compiled step. Implementations wrap the actual
// tool transports.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step Step, summaries map[string]string) (StepOutput, error)
}

// ExecResult is the outcome of running a plan.
type ExecResult struct {
	TraceID string                  `json:"traceId"`
	Steps   []trajectory.StepRecord `json:"steps"`
	// FinalText is the last step's output.
	FinalText string `json:"finalText"`
	// Citations collects repo paths referenced by step outputs.
	Citations []string `json:"citations,omitempty"`
	// WhyBelongs explains which resonance patches grounded the run.
	WhyBelongs string `json:"whyBelongs,omitempty"`
	// Failure is the first classified error, empty on success.
	Failure trajectory.ErrorKind `json:"failure,omitempty"`
}

// SnapshotProvider yields the current lattice snapshot.
type SnapshotProvider interface {
	Snapshot() *lattice.Snapshot
}

// TraceStore persists task traces for plan rehydration.
type TraceStore interface {
	SaveTaskTrace(ctx context.Context, traceID string, payload []byte) error
	LoadTaskTrace(ctx context.Context, traceID string) ([]byte, bool)
}

// Orchestrator builds, caches, and executes plans.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	snap    SnapshotProvider
	intents *intent.Directory
	cache   *PlanCache
	traces  TraceStore
	logger  *slog.Logger
}

// NewOrchestrator wires the orchestrator. traces may be nil, which disables
// rehydration and task-trace persistence.
func NewOrchestrator(snap SnapshotProvider, intents *intent.Directory, cache *PlanCache, traces TraceStore, logger *slog.Logger) *Orchestrator {
	if cache == nil {
		cache = NewPlanCache(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{snap: snap, intents: intents, cache: cache, traces: traces, logger: logger}
}

// Plan builds a plan record for the goal and caches it by trace id.
func (o *Orchestrator) Plan(ctx context.Context, goal string, origin trajectory.Origin) (PlanRecord, error) {
	goal = textproc.NormalizePrompt(goal)
	if goal == "" {
		return PlanRecord{}, fmt.Errorf("plan: empty goal")
	}
	if origin == "" {
		origin = trajectory.OriginLive
	}

	started := time.Now()
	bundle := o.buildResonance(goal)
	bundle.BuiltIn = time.Since(started).Milliseconds()

	strategy := "repo_explain"
	if o.intents != nil {
		profile, _ := o.intents.Match(goal, intent.CallerHints{})
		strategy = string(profile.Strategy)
	}

	steps := compileSteps(goal, bundle)
	if goalWantsPhysics(goal) {
		steps = injectPhysicsSteps(steps)
	}

	record := PlanRecord{
		TraceID:           uuid.NewString(),
		Goal:              goal,
		Origin:            origin,
		PlanDSL:           planDSL(goal, steps),
		PlanSteps:         stepLines(steps),
		ToolManifest:      toolManifest(steps),
		ExecutorSteps:     steps,
		Strategy:          strategy,
		Resonance:         bundle,
		FinalOutputSchema: []string{"answer", "citations"},
		CreatedAt:         time.Now().UTC(),
	}

	o.cache.Put(record)
	if o.traces != nil {
		if raw, err := json.Marshal(record); err == nil {
			if err := o.traces.SaveTaskTrace(ctx, record.TraceID, raw); err != nil {
				o.logger.Warn("task trace save failed",
					slog.String("trace_id", record.TraceID), slog.String("error", err.Error()))
			}
		}
	}
	return record, nil
}

// Lookup returns the plan for a trace id, rehydrating from the trace store
// on a cache miss.
func (o *Orchestrator) Lookup(ctx context.Context, traceID string) (PlanRecord, bool) {
	if record, ok := o.cache.Get(traceID); ok {
		return record, true
	}
	if o.traces == nil {
		return PlanRecord{}, false
	}
	raw, ok := o.traces.LoadTaskTrace(ctx, traceID)
	if !ok {
		return PlanRecord{}, false
	}
	var record PlanRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		o.logger.Warn("task trace rehydrate failed",
			slog.String("trace_id", traceID), slog.String("error", err.Error()))
		return PlanRecord{}, false
	}
	o.cache.Put(record)
	o.logger.Debug("plan rehydrated from trace store", slog.String("trace_id", traceID))
	return record, true
}

// Execute runs the plan's steps sequentially through exec.
//
// Description:
//
//	Steps run in order; each step receives the summaries of the earlier
//	steps named in its AppendSummaries list. A step error is classified
//	into the closed taxonomy and halts the run. After the last step, the
//	output is checked against the plan's final output schema; any
//	mismatch surfaces as final_output_schema_mismatch.
func (o *Orchestrator) Execute(ctx context.Context, record PlanRecord, exec StepExecutor) ExecResult {
	result := ExecResult{TraceID: record.TraceID}
	summaries := map[string]string{}

	for _, step := range record.ExecutorSteps {
		started := time.Now()
		out, err := exec.ExecuteStep(ctx, step, pickSummaries(summaries, step.AppendSummaries))
		rec := trajectory.StepRecord{
			ID:       step.ID,
			Tool:     step.Tool,
			Output:   out.Text,
			Duration: time.Since(started).Milliseconds(),
		}
		if err != nil {
			rec.Error = trajectory.Classify(err)
			result.Steps = append(result.Steps, rec)
			result.Failure = rec.Error
			o.logger.Warn("step failed",
				slog.String("trace_id", record.TraceID),
				slog.String("step", step.ID),
				slog.String("error_kind", string(rec.Error)))
			return result
		}
		summaries[step.ID] = out.Summary
		result.Steps = append(result.Steps, rec)
		result.FinalText = out.Text
	}

	result.Citations = collectCitations(result.Steps, record.Resonance)
	result.WhyBelongs = whyBelongs(record.Resonance, result.Citations)

	if len(record.FinalOutputSchema) > 0 {
		if err := checkFinalOutput(result.FinalText, record.FinalOutputSchema); err != nil {
			result.Failure = trajectory.ErrSchemaMismatch
			o.logger.Warn("final output schema mismatch",
				slog.String("trace_id", record.TraceID), slog.String("error", err.Error()))
		}
	}
	return result
}

// buildResonance scores snapshot files against the goal's tokens.
func (o *Orchestrator) buildResonance(goal string) ResonanceBundle {
	var bundle ResonanceBundle
	if o.snap == nil {
		return bundle
	}
	snap := o.snap.Snapshot()
	if snap == nil {
		return bundle
	}

	goalTokens := textproc.TokenSet(goal)
	if len(goalTokens) == 0 {
		return bundle
	}

	type scored struct {
		patch Patch
		score float64
	}
	best := map[string]scored{}
	for _, node := range snap.Nodes {
		score := resonanceScore(goalTokens, node)
		if score <= 0 {
			continue
		}
		if cur, ok := best[node.FilePath]; !ok || score > cur.score {
			best[node.FilePath] = scored{
				patch: Patch{
					Path:    node.FilePath,
					Symbol:  node.Symbol,
					Score:   score,
					Summary: firstLine(node.Doc),
				},
				score: score,
			}
		}
	}

	ranked := make([]scored, 0, len(best))
	for _, s := range best {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].patch.Path < ranked[j].patch.Path
	})
	if len(ranked) > resonanceMaxPatches {
		ranked = ranked[:resonanceMaxPatches]
	}
	for _, s := range ranked {
		bundle.Patches = append(bundle.Patches, s.patch)
	}
	return bundle
}

func resonanceScore(goalTokens map[string]bool, node lattice.Node) float64 {
	score := 0.0
	for _, tok := range textproc.Tokenize(node.Symbol) {
		if goalTokens[tok] {
			score += 1.0
		}
	}
	for _, tok := range textproc.PathTokens(node.FilePath) {
		if goalTokens[tok] {
			score += 0.5
		}
	}
	for _, tok := range textproc.Tokenize(node.Doc) {
		if goalTokens[tok] {
			score += 0.25
		}
	}
	return score
}

// compileSteps turns the goal and resonance bundle into executor steps.
func compileSteps(goal string, bundle ResonanceBundle) []Step {
	steps := []Step{{
		ID:   "gather-evidence",
		Tool: "repo-retrieve",
		Args: map[string]string{"goal": goal, "paths": joinPatchPaths(bundle)},
	}}
	steps = append(steps, Step{
		ID:              "synthesize",
		Tool:            "helix-ask",
		Args:            map[string]string{"goal": goal},
		AppendSummaries: []string{"gather-evidence"},
	})
	steps = append(steps, Step{
		ID:              "finalize",
		Tool:            "format-answer",
		Args:            map[string]string{"schema": "answer,citations"},
		AppendSummaries: []string{"synthesize"},
	})
	return steps
}

// injectPhysicsSteps prepends the physics tool steps and references them
// from every following step.
func injectPhysicsSteps(steps []Step) []Step {
	injected := make([]Step, 0, len(steps)+len(physicsTools))
	ids := make([]string, 0, len(physicsTools))
	for _, tool := range physicsTools {
		id := "physics-" + tool
		injected = append(injected, Step{ID: id, Tool: tool})
		ids = append(ids, id)
	}
	for _, s := range steps {
		s.AppendSummaries = append(append([]string{}, ids...), s.AppendSummaries...)
		injected = append(injected, s)
	}
	return injected
}

func goalWantsPhysics(goal string) bool {
	lower := strings.ToLower(goal)
	for _, cue := range physicsCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

func pickSummaries(all map[string]string, ids []string) map[string]string {
	out := map[string]string{}
	for _, id := range ids {
		if s, ok := all[id]; ok && s != "" {
			out[id] = s
		}
	}
	return out
}

// checkFinalOutput requires the last step's output to be a JSON object
// carrying every schema key.
func checkFinalOutput(text string, schema []string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return fmt.Errorf("final output is not a JSON object: %w", err)
	}
	for _, key := range schema {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("final output missing %q", key)
		}
	}
	return nil
}

func collectCitations(steps []trajectory.StepRecord, bundle ResonanceBundle) []string {
	var cited []string
	seen := map[string]bool{}
	for _, p := range bundle.Patches {
		for _, s := range steps {
			if strings.Contains(s.Output, p.Path) && !seen[p.Path] {
				seen[p.Path] = true
				cited = append(cited, p.Path)
			}
		}
	}
	sort.Strings(cited)
	return cited
}

func whyBelongs(bundle ResonanceBundle, citations []string) string {
	if len(citations) == 0 {
		return ""
	}
	cited := map[string]bool{}
	for _, c := range citations {
		cited[c] = true
	}
	var parts []string
	for _, p := range bundle.Patches {
		if cited[p.Path] {
			if p.Summary != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", p.Path, p.Summary))
			} else {
				parts = append(parts, p.Path)
			}
		}
	}
	return "Grounded in " + strings.Join(parts, "; ")
}

func planDSL(goal string, steps []Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal %q\n", goal)
	for _, s := range steps {
		fmt.Fprintf(&b, "step %s tool=%s", s.ID, s.Tool)
		if len(s.AppendSummaries) > 0 {
			fmt.Fprintf(&b, " after=%s", strings.Join(s.AppendSummaries, ","))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func stepLines(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.ID+" ("+s.Tool+")")
	}
	return out
}

func toolManifest(steps []Step) []string {
	seen := map[string]bool{}
	var tools []string
	for _, s := range steps {
		if !seen[s.Tool] {
			seen[s.Tool] = true
			tools = append(tools, s.Tool)
		}
	}
	return tools
}

func joinPatchPaths(bundle ResonanceBundle) string {
	paths := make([]string, 0, len(bundle.Patches))
	for _, p := range bundle.Patches {
		paths = append(paths, p.Path)
	}
	return strings.Join(paths, ",")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
