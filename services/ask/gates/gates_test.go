// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/concepts"
	"github.com/helixml/helix-ask/services/ask/plan"
	"github.com/helixml/helix-ask/services/ask/retrieval"
	"github.com/helixml/helix-ask/services/ask/textproc"
)

func TestEvidenceGate(t *testing.T) {
	p := EvidenceParams{MinRatio: 0.34, MinTokens: 2}

	t.Run("pass", func(t *testing.T) {
		r := NewReport()
		ratio := EvidenceGate(r, "how does the plan cache expire",
			"the plan cache holds records until they expire by ttl", p)
		assert.True(t, r.Passed("evidence"))
		assert.Greater(t, ratio, 0.34)
	})

	t.Run("fail on low coverage", func(t *testing.T) {
		r := NewReport()
		EvidenceGate(r, "how does the warp viability governor work",
			"completely unrelated context about cooking", p)
		assert.False(t, r.Passed("evidence"))
		assert.False(t, r.Accepted)
	})
}

func TestClaimGate(t *testing.T) {
	p := ClaimParams{Max: 8, MinRatio: 0.5, MinTokens: 2, SupportRatio: 0.6}
	ctx := "the plan cache expires records by ttl and the route lives in the server package"

	t.Run("supported claims pass", func(t *testing.T) {
		r := NewReport()
		ClaimGate(r, []string{
			"plan cache expires records by ttl",
			"route lives in server package",
		}, ctx, p)
		assert.True(t, r.Passed("claim"))
		assert.Equal(t, 1.0, r.Metrics["claim_support_ratio"])
	})

	t.Run("unsupported majority fails", func(t *testing.T) {
		r := NewReport()
		ClaimGate(r, []string{
			"plan cache expires records by ttl",
			"quantum decoherence drives the scheduler",
			"neutrino flux controls admission",
		}, ctx, p)
		assert.False(t, r.Passed("claim"))
	})

	t.Run("no claims is a pass", func(t *testing.T) {
		r := NewReport()
		ClaimGate(r, nil, ctx, p)
		assert.True(t, r.Passed("claim"))
	})
}

func TestSlotGate(t *testing.T) {
	tests := []struct {
		name  string
		slots []plan.Slot
		ctx   string
		files []string
		label string
		want  bool
	}{
		{"definition via concept label", []plan.Slot{plan.SlotDefinition},
			"the alpha governor limits variant traces", nil, "Alpha governor", true},
		{"definition missing", []plan.Slot{plan.SlotDefinition},
			"nothing relevant", nil, "Alpha governor", false},
		{"repo mapping needs files", []plan.Slot{plan.SlotRepoMapping},
			"anything", []string{"server/a.ts"}, "", true},
		{"repo mapping without files", []plan.Slot{plan.SlotRepoMapping},
			"anything", nil, "", false},
		{"verification vocabulary", []plan.Slot{plan.SlotVerification},
			"the tests assert the route responds", nil, "", true},
		{"failure path vocabulary", []plan.Slot{plan.SlotFailurePath},
			"on timeout the job store marks the job failed", nil, "", true},
		{"flow vocabulary", []plan.Slot{plan.SlotFlow},
			"each pipeline stage feeds the next", nil, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReport()
			SlotGate(r, tc.slots, tc.ctx, tc.files, tc.label)
			assert.Equal(t, tc.want, r.Passed("slot"))
		})
	}
}

func TestMustIncludeGate(t *testing.T) {
	files := []string{"docs/knowledge/warp-viability.md", "server/routes/agi.plan.ts"}

	r := NewReport()
	MustIncludeGate(r, files, [][]string{
		{"docs/knowledge/warp-viability.md"},
		{"agi.plan.ts", "other.ts"},
	})
	assert.True(t, r.Passed("must_include"), "suffix hits satisfy sets")

	r = NewReport()
	MustIncludeGate(r, files, [][]string{{"docs/missing.md"}})
	assert.False(t, r.Passed("must_include"))

	r = NewReport()
	MustIncludeGate(r, files, nil)
	assert.True(t, r.Passed("must_include"))
}

func TestVerificationAnchorGate(t *testing.T) {
	r := NewReport()
	applied := VerificationAnchorGate(r, "route_lookup", []string{"server/routes/agi.plan.ts"})
	assert.True(t, applied)
	assert.True(t, r.Passed("verification_anchor"))

	r = NewReport()
	applied = VerificationAnchorGate(r, "route_lookup", []string{"docs/other.md"})
	assert.True(t, applied)
	assert.False(t, r.Passed("verification_anchor"))

	r = NewReport()
	applied = VerificationAnchorGate(r, "unanchored_intent", nil)
	assert.False(t, applied, "intents without a rule are not checked")
	assert.Empty(t, r.Gates)
}

func TestResolveAmbiguity(t *testing.T) {
	p := AmbiguityParams{ShortTokens: 3, MaxTerms: 3}

	q, fired := ResolveAmbiguity("warp?", textproc.Hints{}, nil, 0, p, 0.45, 0.12)
	require.True(t, fired, "short question, no hints, no concept")
	assert.Contains(t, q, "warp")

	_, fired = ResolveAmbiguity("warp?", textproc.Hints{HasRepoHints: true}, nil, 0, p, 0.45, 0.12)
	assert.False(t, fired, "repo expectation suppresses the resolver")

	best := &concepts.Match{Score: 0.9}
	_, fired = ResolveAmbiguity("warp?", textproc.Hints{}, best, 0.5, p, 0.45, 0.12)
	assert.False(t, fired, "strong concept match suppresses the resolver")

	_, fired = ResolveAmbiguity("how does the whole ask pipeline hang together", textproc.Hints{}, nil, 0, p, 0.45, 0.12)
	assert.False(t, fired, "long questions never fire")
}

func TestAmbiguityGate(t *testing.T) {
	p := AmbiguityParams{ShortTokens: 3, MaxTerms: 2}
	ctx := "plan cache records expire by ttl"

	r := NewReport()
	line := AmbiguityGate(r, "how does the plan cache expire", ctx, true, p)
	assert.Empty(t, line)
	assert.True(t, r.Passed("ambiguity"))

	r = NewReport()
	line = AmbiguityGate(r, "how does the zorblax calibrator expire", ctx, true, p)
	require.NotEmpty(t, line)
	assert.Contains(t, line, "zorblax")
	assert.False(t, r.Passed("ambiguity"))

	r = NewReport()
	line = AmbiguityGate(r, "how does the zorblax calibrator expire", ctx, false, p)
	assert.Empty(t, line, "no obligation, annotate only")
	assert.True(t, r.Passed("ambiguity"))
}

func TestComputeConfidenceBounds(t *testing.T) {
	m := retrieval.Metrics{
		Files:         []string{"docs/a.md", "server/b.ts", "server/c.ts", "server/d.ts"},
		MustIncludeOK: true,
		ScoreGap:      0.3,
		ChannelHits: map[retrieval.Channel]int{
			retrieval.ChannelLexical: 2, retrieval.ChannelSymbol: 1,
			retrieval.ChannelFuzzy: 1, retrieval.ChannelPath: 1,
		},
	}
	c := ComputeConfidence(m, 1.0)
	assert.InDelta(t, 1.0, c.Total, 0.08, "all signals maxed approaches 1")
	assert.LessOrEqual(t, c.Total, 1.0)

	empty := ComputeConfidence(retrieval.Metrics{}, 0)
	assert.Equal(t, 0.0, empty.Total)
}

func TestArbitrate(t *testing.T) {
	p := ArbiterParams{RepoThreshold: 0.55, HybridThreshold: 0.32}

	r := NewReport()
	assert.Equal(t, ModeRepoGrounded, Arbitrate(r, Confidence{Total: 0.7}, false, p))

	r = NewReport()
	assert.Equal(t, ModeHybrid, Arbitrate(r, Confidence{Total: 0.4}, false, p))

	r = NewReport()
	assert.Equal(t, ModeGeneral, Arbitrate(r, Confidence{Total: 0.1}, false, p))

	r = NewReport()
	assert.Equal(t, ModeHybrid, Arbitrate(r, Confidence{Total: 0.7}, true, p),
		"obligation violation downgrades repo to hybrid")

	r = NewReport()
	mode := Arbitrate(r, Confidence{Total: 0.4}, true, p)
	assert.Equal(t, ModeClarify, mode, "obligation violation downgrades hybrid to clarify")
	assert.False(t, r.Passed("arbiter"))
}

func TestDowngradeLadder(t *testing.T) {
	assert.Equal(t, ModeHybrid, Downgrade(ModeRepoGrounded))
	assert.Equal(t, ModeClarify, Downgrade(ModeHybrid))
	assert.Equal(t, ModeClarify, Downgrade(ModeGeneral))
	assert.Equal(t, ModeClarify, Downgrade(ModeClarify))
}
