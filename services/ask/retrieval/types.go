// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements the hybrid retriever: multi-channel candidate
// generation over the lattice snapshot, weighted reciprocal-rank-fusion, MMR
// diversification, topic tier descent, and the docs-grep fallback.
package retrieval

import "github.com/helixml/helix-ask/services/ask/topic"

// Channel names one candidate-generation channel.
type Channel string

const (
	ChannelLexical Channel = "lexical"
	ChannelSymbol  Channel = "symbol"
	ChannelFuzzy   Channel = "fuzzy"
	ChannelPath    Channel = "path"
	ChannelGrep    Channel = "grep"
)

// Candidate is one scored file candidate. Transient per retrieval call.
type Candidate struct {
	FilePath string
	// Score is the raw channel score before fusion.
	Score float64
	// RRFScore is the fused score after reciprocal-rank-fusion.
	RRFScore float64
	Preview  string
	Channel  Channel
}

// PlanScope is the retrieval scope contributed by the plan pass.
type PlanScope struct {
	// AllowlistTiers, when set, override the topic profile's tiers.
	AllowlistTiers [][]string
	// Avoidlist path prefixes are excluded outright.
	Avoidlist []string
	// MustIncludeGlobs must each be matched by a selected path.
	MustIncludeGlobs []string
	// DocsFirst restricts the first attempt to DocsAllowlist prefixes.
	DocsFirst     bool
	DocsAllowlist []string
}

// Request is one retrieval invocation.
type Request struct {
	Question string
	Queries  []string
	TopK     int
	Topic    *topic.Profile
	Scope    PlanScope
}

// Block is one context block of the evidence pack.
type Block struct {
	// Header is the file path (or long-prompt chunk id).
	Header string
	// Preview is the clipped evidence text.
	Preview string
}

// Metrics accompanies an evidence pack for the gates and the arbiter.
type Metrics struct {
	Files            []string            `json:"files"`
	TopicTierUsed    int                 `json:"topic_tier_used"`
	MustIncludeOK    bool                `json:"must_include_ok"`
	QueryHitCount    int                 `json:"query_hit_count"`
	TopScore         float64             `json:"top_score"`
	ScoreGap         float64             `json:"score_gap"`
	ChannelHits      map[Channel]int     `json:"channel_hits"`
	ChannelTopScores map[Channel]float64 `json:"channel_top_scores"`
	// GrepFallback is true when the docs-grep fallback produced the pack.
	GrepFallback bool `json:"grep_fallback,omitempty"`
}

// EvidencePack is the retriever's output: ordered context blocks plus the
// metrics the arbiter and gates consume.
type EvidencePack struct {
	Blocks  []Block
	Metrics Metrics
}

// Empty reports whether the pack carries no context.
func (p EvidencePack) Empty() bool {
	return len(p.Blocks) == 0
}

// Params are the fusion and preview tunables, sourced from config.
type Params struct {
	RRFK          int
	WeightLexical float64
	WeightSymbol  float64
	WeightFuzzy   float64
	WeightPath    float64
	MMRLambda     float64
	// PreviewChars clips each block preview.
	PreviewChars int
	// DefaultTopK applies when the request leaves TopK zero.
	DefaultTopK int
	// DefaultMinTier applies when the topic profile leaves
	// MinTierCandidates zero.
	DefaultMinTier int
}

// DefaultParams returns the default fusion parameters.
func DefaultParams() Params {
	return Params{
		RRFK:           60,
		WeightLexical:  1.0,
		WeightSymbol:   0.8,
		WeightFuzzy:    0.6,
		WeightPath:     1.5,
		MMRLambda:      0.72,
		PreviewChars:   700,
		DefaultTopK:    8,
		DefaultMinTier: 3,
	}
}
