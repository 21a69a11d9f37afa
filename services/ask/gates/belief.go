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

	"github.com/helixml/helix-ask/services/ask/textproc"
)

// NodeKind classifies a belief-graph node.
type NodeKind string

const (
	NodeClaim      NodeKind = "claim"
	NodeDefinition NodeKind = "definition"
	NodeConclusion NodeKind = "conclusion"
)

// EdgeKind classifies a belief-graph edge.
type EdgeKind string

const (
	EdgeSupports   EdgeKind = "supports"
	EdgeContradicts EdgeKind = "contradicts"
	EdgeDependsOn  EdgeKind = "depends_on"
	EdgeMapsTo     EdgeKind = "maps_to"
)

// BeliefNode is one statement extracted from the answer.
type BeliefNode struct {
	Kind NodeKind
	Text string

	tokens map[string]bool
}

// BeliefEdge connects two nodes (or a node to an evidence item, To = -1-idx).
type BeliefEdge struct {
	Kind     EdgeKind
	From, To int
}

// BeliefGraph is the claim structure built from answer plus evidence.
type BeliefGraph struct {
	Nodes []BeliefNode
	Edges []BeliefEdge
	// Supported marks nodes with at least one supports edge to evidence.
	Supported []bool
	// Contradictions counts contradicts edges.
	Contradictions int
}

// supportOverlap is the token-overlap ratio at which an evidence item
// supports a claim.
const supportOverlap = 0.5

// contradictionOverlap is the overlap at which two claims are close enough
// for a polarity flip to count as a contradiction.
const contradictionOverlap = 0.7

var negationWords = []string{"not", "never", "cannot", "no longer"}

var conclusionStarts = []string{"therefore", "so ", "thus", "in practice", "overall"}

// BuildBeliefGraph extracts claims, definitions, and conclusions from the
// answer and links them to evidence items and each other.
func BuildBeliefGraph(answerText string, evidence []string) *BeliefGraph {
	g := &BeliefGraph{}
	for _, s := range splitSentences(answerText) {
		tokens := textproc.TokenSet(s)
		if len(tokens) < 2 {
			continue
		}
		kind := NodeClaim
		lower := strings.ToLower(s)
		switch {
		case startsWithAny(lower, conclusionStarts):
			kind = NodeConclusion
		case strings.Contains(lower, " is ") || strings.Contains(lower, "defined as"):
			kind = NodeDefinition
		}
		g.Nodes = append(g.Nodes, BeliefNode{Kind: kind, Text: s, tokens: tokens})
	}
	g.Supported = make([]bool, len(g.Nodes))

	evTokens := make([]map[string]bool, len(evidence))
	for i, e := range evidence {
		evTokens[i] = textproc.TokenSet(e)
	}
	for i, n := range g.Nodes {
		for j, et := range evTokens {
			if overlapRatio(n.tokens, et) >= supportOverlap {
				g.Edges = append(g.Edges, BeliefEdge{Kind: EdgeSupports, From: i, To: -1 - j})
				g.Supported[i] = true
			}
		}
		// Conclusions depend on the claims before them.
		if n.Kind == NodeConclusion && i > 0 {
			g.Edges = append(g.Edges, BeliefEdge{Kind: EdgeDependsOn, From: i, To: i - 1})
			// A conclusion resting on supported claims counts as supported.
			if g.Supported[i-1] {
				g.Supported[i] = true
			}
		}
	}

	// Contradiction scan: near-identical claims with flipped polarity.
	for i := 0; i < len(g.Nodes); i++ {
		for j := i + 1; j < len(g.Nodes); j++ {
			if overlapRatio(g.Nodes[i].tokens, g.Nodes[j].tokens) < contradictionOverlap {
				continue
			}
			if hasNegation(g.Nodes[i].Text) != hasNegation(g.Nodes[j].Text) {
				g.Edges = append(g.Edges, BeliefEdge{Kind: EdgeContradicts, From: i, To: j})
				g.Contradictions++
			}
		}
	}
	return g
}

// UnsupportedRate is unsupported claims over total claim-kind nodes.
func (g *BeliefGraph) UnsupportedRate() float64 {
	claims, unsupported := 0, 0
	for i, n := range g.Nodes {
		if n.Kind == NodeConclusion {
			continue
		}
		claims++
		if !g.Supported[i] {
			unsupported++
		}
	}
	if claims == 0 {
		return 0
	}
	return float64(unsupported) / float64(claims)
}

// BeliefGate fails when the unsupported rate exceeds the threshold or any
// contradiction edge exists.
func BeliefGate(report *Report, answerText string, evidence []string, unsupportedMax float64) *BeliefGraph {
	g := BuildBeliefGraph(answerText, evidence)
	rate := g.UnsupportedRate()
	report.Metrics["belief_unsupported_rate"] = rate
	pass := rate <= unsupportedMax && g.Contradictions == 0
	note := ""
	if !pass {
		note = fmt.Sprintf("unsupported rate %.2f, contradictions %d", rate, g.Contradictions)
	}
	report.Add("belief", pass, note)
	return g
}

func splitSentences(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for _, part := range strings.FieldsFunc(line, func(r rune) bool {
			return r == '.' || r == '!' || r == '?'
		}) {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(a))
}

func hasNegation(s string) bool {
	lower := " " + strings.ToLower(s) + " "
	for _, w := range negationWords {
		if strings.Contains(lower, " "+w+" ") {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
