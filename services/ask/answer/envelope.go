// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answer

import (
	"sort"

	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/ask/synthesis"
)

// Mode is the envelope's verbosity mode.
type Mode string

const (
	ModeBrief    Mode = "brief"
	ModeStandard Mode = "standard"
	ModeExtended Mode = "extended"
)

// Envelope is the bounded structured response returned with every answer.
type Envelope struct {
	AnswerText    string           `json:"answer_text"`
	Format        synthesis.Format `json:"format"`
	Tier          intent.Tier      `json:"tier"`
	SecondaryTier intent.Tier      `json:"secondary_tier,omitempty"`
	Mode          Mode             `json:"mode"`
	EvidenceRefs  []string         `json:"evidence_refs"`
	TraceID       string           `json:"trace_id"`
}

// BuildEnvelope assembles the final envelope. Deterministic given inputs:
// evidence refs are deduplicated and sorted, never dependent on map order.
func BuildEnvelope(text string, spec synthesis.FormatSpec, profile intent.Profile, evidenceFiles []string, traceID string) Envelope {
	seen := make(map[string]bool, len(evidenceFiles))
	refs := make([]string, 0, len(evidenceFiles))
	for _, f := range evidenceFiles {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		refs = append(refs, f)
	}
	sort.Strings(refs)

	return Envelope{
		AnswerText:    text,
		Format:        spec.Format,
		Tier:          profile.Tier,
		SecondaryTier: profile.SecondaryTier,
		Mode:          modeFor(spec),
		EvidenceRefs:  refs,
		TraceID:       traceID,
	}
}

// modeFor maps the format contract to the envelope mode: brief answers are
// brief, step walkthroughs are extended, everything else standard.
func modeFor(spec synthesis.FormatSpec) Mode {
	switch spec.Format {
	case synthesis.FormatBrief:
		return ModeBrief
	case synthesis.FormatSteps:
		return ModeExtended
	default:
		return ModeStandard
	}
}
