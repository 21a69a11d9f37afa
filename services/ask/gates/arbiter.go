// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gates

import (
	"fmt"
	"strings"

	"github.com/helixml/helix-ask/services/ask/retrieval"
)

// Mode is the arbiter's final answer mode.
type Mode string

const (
	ModeRepoGrounded Mode = "repo_grounded"
	ModeHybrid       Mode = "hybrid"
	ModeGeneral      Mode = "general"
	ModeClarify      Mode = "clarify"
)

// ArbiterParams are the mode thresholds.
type ArbiterParams struct {
	RepoThreshold   float64
	HybridThreshold float64
}

// Confidence is the bounded retrieval-confidence breakdown the arbiter
// decides on; kept for debug output.
type Confidence struct {
	Total           float64 `json:"total"`
	MatchRatio      float64 `json:"match_ratio"`
	MustInclude     float64 `json:"must_include"`
	DocShare        float64 `json:"doc_share"`
	FileCount       float64 `json:"file_count"`
	ChannelCoverage float64 `json:"channel_coverage"`
	ScoreGap        float64 `json:"score_gap"`
}

// ComputeConfidence combines retrieval metrics and the evidence match ratio
// into one bounded confidence value.
//
// Description:
//
//	Weights: match ratio 0.40, must-include 0.15, channel coverage 0.15,
//	file count 0.10, doc share 0.10, score gap 0.10. Every term is clamped
//	to [0,1] before weighting, so Total is in [0,1] by construction.
func ComputeConfidence(m retrieval.Metrics, matchRatio float64) Confidence {
	c := Confidence{MatchRatio: clamp01(matchRatio)}
	if m.MustIncludeOK {
		c.MustInclude = 1
	}
	c.DocShare = docShare(m.Files)
	c.FileCount = clamp01(float64(len(m.Files)) / 4)
	c.ChannelCoverage = clamp01(float64(len(m.ChannelHits)) / 4)
	c.ScoreGap = clamp01(m.ScoreGap * 10)

	c.Total = clamp01(0.40*c.MatchRatio +
		0.15*c.MustInclude +
		0.15*c.ChannelCoverage +
		0.10*c.FileCount +
		0.10*c.DocShare +
		0.10*c.ScoreGap)
	return c
}

// Arbitrate picks the final mode from confidence and the obligation state.
//
// Description:
//
//	Confidence at or above the repo threshold yields repo_grounded, above
//	the hybrid threshold hybrid, otherwise general. An unmet obligation
//	(repo evidence demanded but evidence gate failed) forces a downgrade:
//	repo_grounded becomes hybrid, hybrid becomes clarify.
func Arbitrate(report *Report, conf Confidence, obligationViolated bool, p ArbiterParams) Mode {
	var mode Mode
	switch {
	case conf.Total >= p.RepoThreshold:
		mode = ModeRepoGrounded
	case conf.Total >= p.HybridThreshold:
		mode = ModeHybrid
	default:
		mode = ModeGeneral
	}
	if obligationViolated {
		mode = Downgrade(mode)
	}
	report.Metrics["retrieval_confidence"] = conf.Total
	report.Add("arbiter", mode != ModeClarify,
		fmt.Sprintf("mode=%s confidence=%.2f", mode, conf.Total))
	return mode
}

// Downgrade steps a mode one rung down the trust ladder.
func Downgrade(m Mode) Mode {
	switch m {
	case ModeRepoGrounded:
		return ModeHybrid
	case ModeHybrid, ModeGeneral:
		return ModeClarify
	default:
		return ModeClarify
	}
}

func docShare(files []string) float64 {
	if len(files) == 0 {
		return 0
	}
	docs := 0
	for _, f := range files {
		if strings.HasPrefix(f, "docs/") || strings.Contains(f, "/docs/") {
			docs++
		}
	}
	return float64(docs) / float64(len(files))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
