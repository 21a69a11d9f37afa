// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synthesis holds the LLM answer passes: the evidence distiller, the
// synthesizer with its format contracts, and citation repair.
package synthesis

import (
	"strings"

	"github.com/helixml/helix-ask/services/ask/intent"
)

// Format is the concrete output shape, resolved from the intent profile's
// format policy plus question heuristics.
type Format string

const (
	FormatBrief   Format = "brief"
	FormatCompare Format = "compare"
	FormatSteps   Format = "steps"
)

// FormatSpec is the resolved output contract handed to the synthesizer and
// the format-enforcement gate.
type FormatSpec struct {
	Format Format
	// StageTags asks the distiller to tag bullets with pipeline stage names.
	StageTags bool
	// TwoParagraphs is set when the question literally asks for two short
	// paragraphs; format enforcement holds the answer to it.
	TwoParagraphs bool
}

var compareMarkers = []string{" vs ", " versus ", "difference between", "compare", "trade-off", "tradeoff"}

var stepsMarkers = []string{"step by step", "walk me through", "how does", "how do", "pipeline", "flow", "end to end"}

// ResolveFormat derives the format spec from the matched profile and the
// question text.
//
// Description:
//
//	A non-auto profile policy wins outright. Auto resolves by question
//	heuristics: comparison phrasing first, then procedural phrasing, then
//	brief. Stage tags turn on only for steps-shaped pipeline questions.
func ResolveFormat(profile intent.Profile, question string) FormatSpec {
	lower := strings.ToLower(question)
	spec := FormatSpec{
		TwoParagraphs: strings.Contains(lower, "in two short paragraphs"),
	}

	switch profile.FormatPolicy {
	case intent.FormatBrief:
		spec.Format = FormatBrief
	case intent.FormatCompare:
		spec.Format = FormatCompare
	case intent.FormatSteps:
		spec.Format = FormatSteps
	default:
		spec.Format = FormatBrief
		for _, m := range compareMarkers {
			if strings.Contains(lower, m) {
				spec.Format = FormatCompare
				break
			}
		}
		if spec.Format == FormatBrief {
			for _, m := range stepsMarkers {
				if strings.Contains(lower, m) {
					spec.Format = FormatSteps
					break
				}
			}
		}
	}

	if spec.Format == FormatSteps &&
		(profile.Strategy == intent.StrategyPipelineOverview || strings.Contains(lower, "pipeline")) {
		spec.StageTags = true
	}
	return spec
}
