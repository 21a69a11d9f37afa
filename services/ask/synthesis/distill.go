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
	"strings"

	"github.com/helixml/helix-ask/services/llm"
	"github.com/helixml/helix-ask/services/ask/retrieval"
)

// distillMaxTokens bounds the evidence pass output.
const distillMaxTokens = 512

// distillMaxItems caps the kept evidence items.
const distillMaxItems = 9

// Distiller runs the evidence distillation pass.
//
// Thread Safety: Safe for concurrent use.
type Distiller struct {
	runner *llm.Runner
	logger *slog.Logger
}

// NewDistiller creates a Distiller over the overflow runner.
func NewDistiller(runner *llm.Runner, logger *slog.Logger) *Distiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{runner: runner, logger: logger}
}

// DistillResult is the distiller output plus debug metadata.
type DistillResult struct {
	// Items are the kept evidence lines, each carrying a verified citation.
	Items []string
	// Dropped counts model lines discarded for missing or unknown citations.
	Dropped int
	// OverflowSteps records applied overflow steps.
	OverflowSteps []string
}

// Distill runs the evidence pass and keeps only citation-bearing items.
//
// Description:
//
//	The model is asked for 4-9 cited items. Lines without a citation token
//	matching an evidence pack header (exact or suffix) are dropped rather
//	than failing the pass; the claim gate downstream judges sufficiency.
//	The distiller never allows the drop-context overflow step: without
//	context it has nothing to distill.
func (d *Distiller) Distill(ctx context.Context, question string, pack retrieval.EvidencePack, spec FormatSpec) (DistillResult, error) {
	prompt := buildEvidencePrompt(question, pack, spec)
	res, err := d.runner.Invoke(ctx, "repo_evidence", prompt, distillMaxTokens, false)
	if err != nil {
		return DistillResult{}, err
	}

	out := DistillResult{OverflowSteps: res.Steps}
	for _, line := range strings.Split(res.Text, "\n") {
		item, ok := parseEvidenceLine(line)
		if !ok {
			continue
		}
		if !lineCitesPack(item, pack) {
			out.Dropped++
			continue
		}
		out.Items = append(out.Items, item)
		if len(out.Items) >= distillMaxItems {
			break
		}
	}
	if out.Dropped > 0 {
		d.logger.Debug("distill: dropped uncited items", slog.Int("dropped", out.Dropped))
	}
	return out, nil
}

// parseEvidenceLine accepts numbered ("1. ...") and bulleted ("- ...") lines.
func parseEvidenceLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	switch {
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
		return strings.TrimSpace(line[2:]), true
	}
	// Numbered form: digits, dot, space.
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && line[i] == '.' && line[i+1] == ' ' {
		return strings.TrimSpace(line[i+2:]), true
	}
	return "", false
}

// lineCitesPack reports whether the line contains a citation matching some
// pack header, by exact or suffix path match.
func lineCitesPack(line string, pack retrieval.EvidencePack) bool {
	for _, b := range pack.Blocks {
		if strings.Contains(line, b.Header) {
			return true
		}
		// Accept a basename-level suffix cite (distillers often shorten
		// long paths).
		if i := strings.LastIndex(b.Header, "/"); i >= 0 {
			if base := b.Header[i+1:]; base != "" && strings.Contains(line, base) {
				return true
			}
		}
	}
	return false
}
