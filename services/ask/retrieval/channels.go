// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"github.com/helixml/helix-ask/services/ask/lattice"
	"github.com/helixml/helix-ask/services/ask/textproc"
)

// fuzzyThreshold is the minimum trigram-Jaccard similarity for the fuzzy
// channel to emit a candidate.
const fuzzyThreshold = 0.25

// Per-field token weights for the lexical channel.
const (
	lexWeightSymbol    = 3.0
	lexWeightPath      = 2.0
	lexWeightSignature = 2.0
	lexWeightDoc       = 1.5
	lexWeightSnippet   = 1.0
)

// Per-field token weights for the symbol channel. Symbol and signature
// dominate; everything else barely registers.
const (
	symWeightSymbol    = 4.0
	symWeightSignature = 3.0
	symWeightOther     = 0.3
)

// noisePathRe deboosts scaffolding unless the query asks for it.
var noisePathRe = regexp.MustCompile(`(?i)(fixture|mock|generated|\.min\.|vendor/)`)

// conceptPathRe boosts knowledge docs for definition-shaped queries.
var conceptPathRe = regexp.MustCompile(`(?i)docs/(knowledge|ethos)/`)

// lexicalChannel scores every snapshot file by weighted token overlap.
//
// Description:
//
//	Each query token found in a node's symbol, file path, signature, doc,
//	or snippet contributes that field's weight. A file's score is its best
//	node's score, normalized by query token count so scores are comparable
//	across queries. Results are ranked descending.
func lexicalChannel(snap *lattice.Snapshot, query string) []Candidate {
	return tokenChannel(snap, query, ChannelLexical,
		lexWeightSymbol, lexWeightPath, lexWeightSignature, lexWeightDoc, lexWeightSnippet)
}

// symbolChannel is the lexical channel reweighted toward declarations.
func symbolChannel(snap *lattice.Snapshot, query string) []Candidate {
	return tokenChannel(snap, query, ChannelSymbol,
		symWeightSymbol, symWeightOther, symWeightSignature, symWeightOther, symWeightOther)
}

func tokenChannel(snap *lattice.Snapshot, query string, ch Channel, wSym, wPath, wSig, wDoc, wSnip float64) []Candidate {
	tokens := textproc.Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	best := make(map[string]Candidate)
	for _, n := range snap.Nodes {
		var score float64
		symLower := strings.ToLower(n.Symbol)
		pathLower := strings.ToLower(n.FilePath)
		sigLower := strings.ToLower(n.Signature)
		docLower := strings.ToLower(n.Doc)
		snipLower := strings.ToLower(n.Snippet)
		for _, t := range tokens {
			if strings.Contains(symLower, t) {
				score += wSym
			}
			if strings.Contains(pathLower, t) {
				score += wPath
			}
			if strings.Contains(sigLower, t) {
				score += wSig
			}
			if strings.Contains(docLower, t) {
				score += wDoc
			}
			if strings.Contains(snipLower, t) {
				score += wSnip
			}
		}
		if score <= 0 {
			continue
		}
		score /= float64(len(tokens))
		if prev, ok := best[n.FilePath]; !ok || score > prev.Score {
			best[n.FilePath] = Candidate{
				FilePath: n.FilePath,
				Score:    score,
				Preview:  nodePreview(n),
				Channel:  ch,
			}
		}
	}
	return rankCandidates(best)
}

// fuzzyChannel emits candidates whose path, symbol, or signature is
// trigram-similar to the query above the threshold.
func fuzzyChannel(snap *lattice.Snapshot, query string) []Candidate {
	best := make(map[string]Candidate)
	for _, n := range snap.Nodes {
		sim := textproc.TrigramJaccard(query, n.FilePath)
		if s := textproc.TrigramJaccard(query, n.Symbol); s > sim {
			sim = s
		}
		if s := textproc.TrigramJaccard(query, n.Signature); s > sim {
			sim = s
		}
		if sim < fuzzyThreshold {
			continue
		}
		if prev, ok := best[n.FilePath]; !ok || sim > prev.Score {
			best[n.FilePath] = Candidate{
				FilePath: n.FilePath,
				Score:    sim,
				Preview:  nodePreview(n),
				Channel:  ChannelFuzzy,
			}
		}
	}
	return rankCandidates(best)
}

// pathChannel resolves explicit path hints from the query against the
// snapshot. Exact matches score 1.0; suffix matches 0.8.
func pathChannel(snap *lattice.Snapshot, query string) []Candidate {
	hints := textproc.DetectHints(query)
	if len(hints.PathHints) == 0 {
		return nil
	}
	best := make(map[string]Candidate)
	for _, hint := range hints.PathHints {
		if snap.HasFile(hint) {
			addPathCandidate(best, snap, hint, 1.0)
			continue
		}
		for _, f := range snap.Files() {
			if strings.HasSuffix(f, hint) || strings.HasSuffix(hint, f) {
				addPathCandidate(best, snap, f, 0.8)
			}
		}
	}
	return rankCandidates(best)
}

func addPathCandidate(best map[string]Candidate, snap *lattice.Snapshot, path string, score float64) {
	if prev, ok := best[path]; ok && prev.Score >= score {
		return
	}
	preview := ""
	if nodes := snap.NodesForFile(path); len(nodes) > 0 {
		preview = nodePreview(nodes[0])
	}
	best[path] = Candidate{FilePath: path, Score: score, Preview: preview, Channel: ChannelPath}
}

// applyBoosts adjusts channel scores by topic boosts/deboosts, the concept
// fast path, and the anti-noise rule. Mutates in place, then re-ranks.
func applyBoosts(cands []Candidate, req Request) []Candidate {
	definitionShaped := strings.Contains(strings.ToLower(req.Question), "what is") ||
		strings.Contains(strings.ToLower(req.Question), "define")
	asksForTests := strings.Contains(strings.ToLower(req.Question), "test")

	for i := range cands {
		p := cands[i].FilePath
		if req.Topic != nil {
			for _, b := range req.Topic.BoostPaths {
				if strings.Contains(p, b) {
					cands[i].Score *= 1.3
				}
			}
			for _, d := range req.Topic.DeboostPaths {
				if strings.Contains(p, d) {
					cands[i].Score *= 0.6
				}
			}
		}
		if definitionShaped && conceptPathRe.MatchString(p) {
			cands[i].Score *= 1.4
		}
		if !asksForTests && noisePathRe.MatchString(p) {
			cands[i].Score *= 0.5
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	return cands
}

func rankCandidates(best map[string]Candidate) []Candidate {
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FilePath < out[j].FilePath
	})
	return out
}

func nodePreview(n lattice.Node) string {
	parts := make([]string, 0, 3)
	if n.Signature != "" {
		parts = append(parts, n.Signature)
	}
	if n.Doc != "" {
		parts = append(parts, n.Doc)
	}
	if n.Snippet != "" {
		parts = append(parts, n.Snippet)
	}
	return strings.Join(parts, "\n")
}
