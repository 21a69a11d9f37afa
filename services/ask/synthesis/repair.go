// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/llm"
)

// repairMaxTokens bounds the fixer pass output.
const repairMaxTokens = 768

// citationRe finds path-shaped citation tokens in answer text.
var citationRe = regexp.MustCompile(`[A-Za-z0-9_.@-]+(?:/[A-Za-z0-9_.@-]+)+\.[A-Za-z0-9]+`)

// Repairer runs the optional citation-repair pass.
//
// Thread Safety: Safe for concurrent use.
type Repairer struct {
	runner *llm.Runner
	logger *slog.Logger
}

// NewRepairer creates a Repairer over the overflow runner.
func NewRepairer(runner *llm.Runner, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{runner: runner, logger: logger}
}

// RepairResult is the repair outcome.
type RepairResult struct {
	Text string
	// Fired is true when the fixer pass actually ran.
	Fired bool
	// SourcesAppended is true when the fixer could not produce citations
	// and a Sources: line was appended instead.
	SourcesAppended bool
	// DroppedCitations counts citation tokens removed for not matching
	// any evidence path.
	DroppedCitations int
}

// Repair enforces the citation floor on the synthesized answer.
//
// Description:
//
//	Unmatched citations are always scrubbed first. The fixer pass fires
//	only when the profile allows repo citations, the distilled evidence
//	carries paths, and the scrubbed answer carries none. A failed or empty
//	fixer result leaves the answer intact and appends a Sources: line so
//	every cited-claim answer ends with at least one evidence reference.
func (r *Repairer) Repair(ctx context.Context, answer string, profile intent.Profile, evidencePaths []string) RepairResult {
	out := RepairResult{Text: answer}
	out.Text, out.DroppedCitations = scrubUnmatchedCitations(out.Text, evidencePaths)

	if !profile.Evidence.AllowCitations || len(evidencePaths) == 0 || hasCitation(out.Text, evidencePaths) {
		return out
	}
	out.Fired = true

	res, err := r.runner.Invoke(ctx, "citation_repair", buildRepairPrompt(out.Text, evidencePaths), repairMaxTokens, false)
	if err == nil {
		if fixed, found := ExtractAnswer(res.Text); found && strings.TrimSpace(fixed) != "" {
			fixed, _ = scrubUnmatchedCitations(fixed, evidencePaths)
			if hasCitation(fixed, evidencePaths) {
				out.Text = fixed
				return out
			}
		}
	} else {
		r.logger.Warn("citation repair failed, appending sources line",
			slog.String("error", err.Error()))
	}

	out.Text = appendSourcesLine(out.Text, evidencePaths)
	out.SourcesAppended = true
	return out
}

// hasCitation reports whether the answer cites any evidence path, by exact
// or suffix match.
func hasCitation(answer string, evidencePaths []string) bool {
	for _, m := range citationRe.FindAllString(answer, -1) {
		if matchesEvidence(m, evidencePaths) {
			return true
		}
	}
	return false
}

// scrubUnmatchedCitations removes path-shaped tokens that match no evidence
// path. Surrounding empty parentheses are collapsed.
func scrubUnmatchedCitations(answer string, evidencePaths []string) (string, int) {
	dropped := 0
	out := citationRe.ReplaceAllStringFunc(answer, func(m string) string {
		if matchesEvidence(m, evidencePaths) {
			return m
		}
		dropped++
		return ""
	})
	if dropped > 0 {
		out = strings.ReplaceAll(out, "()", "")
		out = strings.ReplaceAll(out, "( )", "")
	}
	return out, dropped
}

func matchesEvidence(token string, evidencePaths []string) bool {
	for _, p := range evidencePaths {
		if token == p || strings.HasSuffix(p, token) || strings.HasSuffix(token, p) {
			return true
		}
	}
	return false
}

// appendSourcesLine appends a Sources: line listing the evidence paths.
func appendSourcesLine(answer string, evidencePaths []string) string {
	return strings.TrimRight(answer, "\n") + "\n\nSources: " + strings.Join(evidencePaths, ", ")
}
