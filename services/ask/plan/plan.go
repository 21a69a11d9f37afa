// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan runs the plan-pass micro LLM call and parses its directives.
// The plan pass constrains retrieval scope (surfaces, globs, slots) and
// contributes query hints before the hybrid retriever runs.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/helixml/helix-ask/services/llm"
)

// Block markers the model must emit.
const (
	planStart    = "PLAN_START"
	planEnd      = "PLAN_END"
	queriesStart = "QUERIES_START"
)

// planMaxTokens bounds the micro pass output.
const planMaxTokens = 256

// planTemperature keeps the plan pass near-deterministic.
const planTemperature = 0.2

// queryMergeCap bounds the merged query list.
const queryMergeCap = 6

// Surface is one retrieval surface from the closed set.
type Surface string

const (
	SurfaceDocs      Surface = "docs"
	SurfaceEthos     Surface = "ethos"
	SurfaceKnowledge Surface = "knowledge"
	SurfaceTests     Surface = "tests"
	SurfaceCode      Surface = "code"
)

// Slot is one answer slot the planner can require.
type Slot string

const (
	SlotDefinition  Slot = "definition"
	SlotRepoMapping Slot = "repo_mapping"
	SlotVerification Slot = "verification"
	SlotFailurePath Slot = "failure_path"
	SlotFlow        Slot = "flow"
)

// knownSurfaces is the closed surface set.
var knownSurfaces = map[Surface]bool{
	SurfaceDocs: true, SurfaceEthos: true, SurfaceKnowledge: true,
	SurfaceTests: true, SurfaceCode: true,
}

// knownSlots is the closed slot set.
var knownSlots = map[Slot]bool{
	SlotDefinition: true, SlotRepoMapping: true, SlotVerification: true,
	SlotFailurePath: true, SlotFlow: true,
}

// Directives is the parsed plan-pass output.
//
// Description:
//
//	Unknown surface values are not errors: they are reinterpreted as repo
//	path hints (the model often names directories where a surface was
//	expected). must_include_globs entries that do not look like repo paths
//	are likewise demoted to hints.
type Directives struct {
	PreferredSurfaces []Surface
	AvoidSurfaces     []Surface
	MustIncludeGlobs  []string
	RequiredSlots     []Slot
	// ClarifyQuestion, when non-empty, obliges the pipeline to ask instead
	// of answering.
	ClarifyQuestion string
	// PathHints collects demoted surface/glob values.
	PathHints []string
	// Queries are the model's query hints merged with the base queries.
	Queries []string
}

// Debug captures plan-pass metadata for the trace.
type Debug struct {
	Raw            string
	OverflowSteps  []string
	ParsedQueries  int
	DemotedValues  int
}

// Planner runs the plan pass.
//
// Thread Safety: Safe for concurrent use.
type Planner struct {
	runner *llm.Runner
	logger *slog.Logger
}

// NewPlanner creates a Planner over the given overflow runner.
func NewPlanner(runner *llm.Runner, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{runner: runner, logger: logger}
}

// Plan runs the micro pass and parses its directives.
//
// Description:
//
//	A failed or unparsable plan pass is not fatal: the pipeline continues
//	with base queries and no directives. The error return is reserved for
//	context cancellation.
func (p *Planner) Plan(ctx context.Context, question string, baseQueries []string) (Directives, Debug, error) {
	prompt := buildPlanPrompt(question)
	res, err := p.runner.InvokeTuned(ctx, "plan", prompt, planMaxTokens, false,
		llm.Tuning{Temperature: planTemperature, Seed: -1})
	if err != nil {
		if ctx.Err() != nil {
			return Directives{}, Debug{}, ctx.Err()
		}
		p.logger.Warn("plan: micro pass failed, continuing without directives",
			slog.String("error", err.Error()))
		return Directives{Queries: MergeQueries(baseQueries, nil, queryMergeCap)}, Debug{}, nil
	}

	d, dbg := ParseDirectives(res.Text)
	dbg.OverflowSteps = res.Steps
	d.Queries = MergeQueries(baseQueries, d.Queries, queryMergeCap)
	return d, dbg, nil
}

// buildPlanPrompt writes the micro-pass prompt. The model must answer inside
// PLAN_START/PLAN_END with the fixed directive lines followed by the
// QUERIES_START section, one query hint per line.
func buildPlanPrompt(question string) string {
	var sb strings.Builder
	sb.WriteString("You are a retrieval planner for a code-grounded answering engine.\n")
	sb.WriteString("Given the question, emit a plan between " + planStart + " and " + planEnd + ".\n")
	sb.WriteString("Inside the plan, emit exactly these lines (comma-separated values, empty allowed):\n")
	sb.WriteString("preferred_surfaces: <docs|ethos|knowledge|tests|code>\n")
	sb.WriteString("avoid_surfaces: <docs|ethos|knowledge|tests|code>\n")
	sb.WriteString("must_include_globs: <repo path globs>\n")
	sb.WriteString("required_slots: <definition|repo_mapping|verification|failure_path|flow>\n")
	sb.WriteString("clarify: <a clarifying question, or empty>\n")
	sb.WriteString("Then " + queriesStart + " followed by up to 4 short search queries, one per line.\n")
	sb.WriteString("No prose outside the plan block.\n\n")
	sb.WriteString("Question: " + question + "\n\n")
	sb.WriteString(planStart + "\n")
	return sb.String()
}

// ParseDirectives parses the model's plan block.
//
// Description:
//
//	Parsing is tolerant: a missing PLAN_END closes at end of text, unknown
//	directive lines are ignored, and malformed values demote to hints.
func ParseDirectives(raw string) (Directives, Debug) {
	dbg := Debug{Raw: raw}
	body := raw
	if i := strings.Index(body, planStart); i >= 0 {
		body = body[i+len(planStart):]
	}
	if i := strings.Index(body, planEnd); i >= 0 {
		body = body[:i]
	}

	var d Directives
	inQueries := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, queriesStart) {
			inQueries = true
			continue
		}
		if inQueries {
			q := strings.TrimLeft(line, "-0123456789. ")
			if q != "" {
				d.Queries = append(d.Queries, q)
				dbg.ParsedQueries++
			}
			continue
		}

		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "preferred_surfaces":
			d.PreferredSurfaces, d.PathHints, dbg.DemotedValues =
				parseSurfaces(val, d.PathHints, dbg.DemotedValues)
		case "avoid_surfaces":
			d.AvoidSurfaces, d.PathHints, dbg.DemotedValues =
				parseSurfaces(val, d.PathHints, dbg.DemotedValues)
		case "must_include_globs":
			for _, g := range splitList(val) {
				if looksLikeRepoPath(g) {
					d.MustIncludeGlobs = append(d.MustIncludeGlobs, g)
				} else {
					d.PathHints = append(d.PathHints, g)
					dbg.DemotedValues++
				}
			}
		case "required_slots":
			for _, s := range splitList(val) {
				slot := Slot(strings.ToLower(s))
				if knownSlots[slot] {
					d.RequiredSlots = append(d.RequiredSlots, slot)
				}
			}
		case "clarify":
			if !strings.EqualFold(val, "none") && !strings.EqualFold(val, "empty") {
				d.ClarifyQuestion = val
			}
		}
	}
	return d, dbg
}

func parseSurfaces(val string, hints []string, demoted int) ([]Surface, []string, int) {
	var out []Surface
	for _, s := range splitList(val) {
		surface := Surface(strings.ToLower(s))
		if knownSurfaces[surface] {
			out = append(out, surface)
			continue
		}
		hints = append(hints, s)
		demoted++
	}
	return out, hints, demoted
}

// MergeQueries merges base queries with hints, deduplicating while
// preserving order, capped at max entries.
func MergeQueries(base, hints []string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range append(append([]string{}, base...), hints...) {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) >= max {
			break
		}
	}
	return out
}

// splitList splits a comma-separated directive value, trimming blanks.
func splitList(val string) []string {
	var out []string
	for _, p := range strings.Split(val, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// looksLikeRepoPath reports whether g plausibly names a repo path or glob.
func looksLikeRepoPath(g string) bool {
	if g == "" || strings.Contains(g, " ") || strings.Contains(g, "://") {
		return false
	}
	return strings.Contains(g, "/") || strings.Contains(g, "*") ||
		strings.Contains(g, ".")
}

// String renders directives for debug logs.
func (d Directives) String() string {
	return fmt.Sprintf("surfaces=%v avoid=%v globs=%v slots=%v clarify=%q hints=%v queries=%d",
		d.PreferredSurfaces, d.AvoidSurfaces, d.MustIncludeGlobs, d.RequiredSlots,
		d.ClarifyQuestion, d.PathHints, len(d.Queries))
}
