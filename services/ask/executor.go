// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/helixml/helix-ask/services/ask/orchestrator"
)

// pipelineExecutor bridges compiled plan steps onto the Ask pipeline.
//
// Description:
//
//	"repo-retrieve" reports the resonance candidates, "helix-ask" runs
//	the full pipeline, and "format-answer" assembles the final JSON
//	object from the synthesis output. Physics tools are external
//	collaborators; without an attached kernel they answer with an
//	explicit not-attached note so the plan still completes.
//
// Thread Safety: NOT safe for concurrent use; one executor serves one run.
type pipelineExecutor struct {
	svc          *Service
	debugSources bool

	lastAsk *AskResponse
}

// executor returns a fresh step executor for one plan run.
func (h *Handlers) executor(debugSources bool) orchestrator.StepExecutor {
	return &pipelineExecutor{svc: h.svc, debugSources: debugSources}
}

func (e *pipelineExecutor) ExecuteStep(ctx context.Context, step orchestrator.Step, summaries map[string]string) (orchestrator.StepOutput, error) {
	switch step.Tool {
	case "repo-retrieve":
		return e.retrieveStep(step), nil
	case "helix-ask":
		return e.askStep(ctx, step, summaries)
	case "format-answer":
		return e.formatStep(summaries)
	case "warp-ask", "warp-viability", "gr-grounding":
		note := fmt.Sprintf("%s: no physics kernel attached in this deployment; proceeding on repo evidence only.", step.Tool)
		return orchestrator.StepOutput{Text: note, Summary: note}, nil
	default:
		return orchestrator.StepOutput{}, fmt.Errorf("unknown tool %q", step.Tool)
	}
}

func (e *pipelineExecutor) retrieveStep(step orchestrator.Step) orchestrator.StepOutput {
	paths := step.Args["paths"]
	if paths == "" {
		out := "No resonance candidates matched the goal."
		return orchestrator.StepOutput{Text: out, Summary: out}
	}
	text := "Candidate files: " + strings.Join(strings.Split(paths, ","), ", ")
	return orchestrator.StepOutput{Text: text, Summary: text}
}

func (e *pipelineExecutor) askStep(ctx context.Context, step orchestrator.Step, summaries map[string]string) (orchestrator.StepOutput, error) {
	question := step.Args["goal"]
	var sb strings.Builder
	for _, id := range sortedKeys(summaries) {
		sb.WriteString(summaries[id])
		sb.WriteString("\n")
	}
	resp := e.svc.Ask(ctx, AskRequest{Question: question, Context: sb.String()})
	e.lastAsk = &resp
	return orchestrator.StepOutput{Text: resp.Text, Summary: firstSentence(resp.Text)}, nil
}

// formatStep emits the schema-shaped final object.
func (e *pipelineExecutor) formatStep(summaries map[string]string) (orchestrator.StepOutput, error) {
	answerText := summaries["synthesize"]
	var citations []string
	if e.lastAsk != nil {
		answerText = e.lastAsk.Text
		if env := e.lastAsk.Envelope; env != nil {
			citations = env.EvidenceRefs
		}
	}
	if citations == nil {
		citations = []string{}
	}
	payload := map[string]any{"answer": answerText, "citations": citations}
	if e.debugSources && e.lastAsk != nil && e.lastAsk.Debug != nil {
		payload["debug"] = e.lastAsk.Debug
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.StepOutput{}, fmt.Errorf("format answer: %w", err)
	}
	return orchestrator.StepOutput{Text: string(raw), Summary: firstSentence(answerText)}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		return strings.TrimSpace(s[:i+1])
	}
	return s
}
