// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package topic tags questions with a closed topic vocabulary and derives
// the retrieval scope (allowlist tiers, must-include files, boosts) for the
// tagged topics.
package topic

import (
	"strings"

	"github.com/helixml/helix-ask/services/ask/textproc"
)

// Tag is one topic label from the closed vocabulary.
type Tag string

const (
	TagHelixAsk Tag = "helix_ask"
	TagWarp     Tag = "warp"
	TagIdeology Tag = "ideology"
	TagLedger   Tag = "ledger"
	TagStar     Tag = "star"
	TagConcepts Tag = "concepts"
	TagPhysics  Tag = "physics"
)

// Profile is the retrieval scope derived from a topic.
//
// Description:
//
//	AllowlistTiers is an ordered list of path-pattern groups. The
//	retriever restricts candidates to the first tier, descending to the
//	next only when the selection is too small or must-include files are
//	unsatisfied. Boost/deboost paths adjust candidate scores by substring
//	match.
//
// Thread Safety: Immutable; safe for concurrent use.
type Profile struct {
	Tags []Tag
	// AllowlistTiers are ordered path-prefix groups, most preferred first.
	AllowlistTiers [][]string
	// MustIncludeFiles must each appear in the selected evidence.
	MustIncludeFiles []string
	// MustIncludePatterns are substrings of which at least one must appear.
	MustIncludePatterns []string
	BoostPaths          []string
	DeboostPaths        []string
	// MinTierCandidates is the selection size that stops tier descent.
	MinTierCandidates int
}

// tagTriggers maps each tag to the question tokens/phrases that raise it.
var tagTriggers = map[Tag][]string{
	TagHelixAsk: {"helix", "ask", "pipeline", "retrieval", "retriever", "gate", "envelope", "intent"},
	TagWarp:     {"warp", "viability", "metric", "bubble"},
	TagIdeology: {"ideology", "ethos", "philosophy", "principle"},
	TagLedger:   {"ledger", "trajectory", "training", "trace", "governor", "alpha"},
	TagStar:     {"star", "resonance", "lattice"},
	TagConcepts: {"concept", "definition", "platonic", "defined"},
	TagPhysics:  {"physics", "simulation", "grounding", "falsifiable"},
}

// Classify tags a question (plus the caller's search query, when present).
//
// Description:
//
//	A tag is raised when any of its trigger tokens appears in the combined
//	token set. Order is stable: tags are evaluated in the declaration
//	order of the closed vocabulary so downstream profiles are
//	deterministic.
func Classify(question, searchQuery string) []Tag {
	set := textproc.TokenSet(question + " " + searchQuery)
	ordered := []Tag{TagHelixAsk, TagWarp, TagIdeology, TagLedger, TagStar, TagConcepts, TagPhysics}

	var tags []Tag
	for _, tag := range ordered {
		for _, trig := range tagTriggers[tag] {
			if strings.Contains(trig, " ") {
				if strings.Contains(strings.ToLower(question), trig) {
					tags = append(tags, tag)
					break
				}
				continue
			}
			if set[trig] {
				tags = append(tags, tag)
				break
			}
		}
	}
	return tags
}

// ProfileFor derives the retrieval scope for a tag set.
//
// Outputs:
//   - *Profile: The merged scope, or nil when no tag carries a profile
//     (retrieval then runs unscoped).
func ProfileFor(tags []Tag) *Profile {
	var merged *Profile
	for _, tag := range tags {
		p, ok := tagProfiles[tag]
		if !ok {
			continue
		}
		if merged == nil {
			cp := p
			merged = &cp
			merged.Tags = []Tag{tag}
			continue
		}
		merged.Tags = append(merged.Tags, tag)
		merged.AllowlistTiers = append(merged.AllowlistTiers, p.AllowlistTiers...)
		merged.MustIncludeFiles = append(merged.MustIncludeFiles, p.MustIncludeFiles...)
		merged.MustIncludePatterns = append(merged.MustIncludePatterns, p.MustIncludePatterns...)
		merged.BoostPaths = append(merged.BoostPaths, p.BoostPaths...)
		merged.DeboostPaths = append(merged.DeboostPaths, p.DeboostPaths...)
		if p.MinTierCandidates > merged.MinTierCandidates {
			merged.MinTierCandidates = p.MinTierCandidates
		}
	}
	return merged
}

// tagProfiles is the per-tag scope table. Tier groups use path prefixes;
// matching is substring-based in the retriever.
var tagProfiles = map[Tag]Profile{
	TagHelixAsk: {
		AllowlistTiers: [][]string{
			{"server/services/helix-ask/", "server/routes/agi."},
			{"docs/helix-ask", "docs/knowledge/"},
			{"client/src/components/helix/"},
		},
		MustIncludePatterns: []string{"helix-ask"},
		BoostPaths:          []string{"server/services/helix-ask/"},
		DeboostPaths:        []string{"client/src/", "test/fixtures/"},
		MinTierCandidates:   3,
	},
	TagWarp: {
		AllowlistTiers: [][]string{
			{"server/services/warp/", "docs/knowledge/warp"},
			{"server/services/physics/"},
		},
		MustIncludeFiles:  []string{"docs/knowledge/warp-viability.md"},
		BoostPaths:        []string{"server/services/warp/"},
		MinTierCandidates: 2,
	},
	TagIdeology: {
		AllowlistTiers: [][]string{
			{"docs/ethos/", "docs/knowledge/"},
		},
		BoostPaths:        []string{"docs/ethos/"},
		DeboostPaths:      []string{"server/", "client/"},
		MinTierCandidates: 2,
	},
	TagLedger: {
		AllowlistTiers: [][]string{
			{"server/services/agi/", "server/services/ledger/"},
			{"docs/knowledge/"},
		},
		BoostPaths:        []string{"server/services/agi/"},
		MinTierCandidates: 2,
	},
	TagConcepts: {
		AllowlistTiers: [][]string{
			{"docs/knowledge/", "docs/"},
			{"server/services/helix-ask/"},
		},
		BoostPaths:        []string{"docs/knowledge/"},
		MinTierCandidates: 2,
	},
	TagPhysics: {
		AllowlistTiers: [][]string{
			{"server/services/physics/", "docs/knowledge/"},
		},
		BoostPaths:        []string{"server/services/physics/"},
		MinTierCandidates: 2,
	},
}
