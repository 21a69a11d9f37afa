// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/helixml/helix-ask/services/ask/lattice"
)

// SnapshotProvider serves the current lattice snapshot. *lattice.Reader
// satisfies this.
type SnapshotProvider interface {
	Snapshot() *lattice.Snapshot
}

// Retriever generates, fuses, and diversifies evidence candidates.
//
// Thread Safety: Safe for concurrent use.
type Retriever struct {
	snap   SnapshotProvider
	params Params
	// docsRoot, when non-empty, enables the on-disk docs-grep fallback.
	docsRoot string
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
//
// Inputs:
//   - snap: Snapshot provider. Must not be nil.
//   - params: Fusion tunables; zero fields fall back to DefaultParams.
//   - docsRoot: Repo root for the docs-grep fallback. Empty disables it.
func NewRetriever(snap SnapshotProvider, params Params, docsRoot string, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultParams()
	if params.RRFK <= 0 {
		params.RRFK = def.RRFK
	}
	if params.MMRLambda <= 0 {
		params.MMRLambda = def.MMRLambda
	}
	if params.PreviewChars <= 0 {
		params.PreviewChars = def.PreviewChars
	}
	if params.DefaultTopK <= 0 {
		params.DefaultTopK = def.DefaultTopK
	}
	if params.DefaultMinTier <= 0 {
		params.DefaultMinTier = def.DefaultMinTier
	}
	if params.WeightLexical <= 0 {
		params.WeightLexical = def.WeightLexical
	}
	if params.WeightSymbol <= 0 {
		params.WeightSymbol = def.WeightSymbol
	}
	if params.WeightFuzzy <= 0 {
		params.WeightFuzzy = def.WeightFuzzy
	}
	if params.WeightPath <= 0 {
		params.WeightPath = def.WeightPath
	}
	return &Retriever{snap: snap, params: params, docsRoot: docsRoot, logger: logger}
}

// Retrieve runs the full hybrid retrieval for one request.
//
// Description:
//
//	Per query, the four channels produce ranked lists in parallel; all
//	lists fuse under weighted RRF, then tier descent restricts the fused
//	ranking to the topic/plan allowlist tiers in order, MMR-diversifying
//	each attempt. Must-include failure is reported in the metrics, never
//	fatal. When a docs-first scope yields nothing and a docs root is
//	configured, the docs-grep fallback supplies the pack.
func (r *Retriever) Retrieve(ctx context.Context, req Request) EvidencePack {
	snap := r.snap.Snapshot()
	topK := req.TopK
	if topK <= 0 {
		topK = r.params.DefaultTopK
	}
	queries := req.Queries
	if len(queries) == 0 {
		queries = []string{req.Question}
	}

	lists, queryHits, channelTops := r.generateChannels(ctx, snap, req, queries)
	fused := fuseRRF(lists, r.params.RRFK)
	fused = r.applyScopeFilters(fused, req.Scope)

	if req.Scope.DocsFirst {
		docsOnly := filterByPrefixes(fused, req.Scope.DocsAllowlist)
		if len(docsOnly) > 0 {
			fused = docsOnly
		} else if r.docsRoot != "" {
			if pack, ok := r.docsGrepFallback(req, topK); ok {
				pack.Metrics.QueryHitCount = queryHits
				return pack
			}
		}
	}

	selection, tierUsed, mustOK := r.descendTiers(fused, req, topK)

	pack := r.buildPack(selection, req)
	pack.Metrics.TopicTierUsed = tierUsed
	pack.Metrics.MustIncludeOK = mustOK
	pack.Metrics.QueryHitCount = queryHits
	pack.Metrics.ChannelTopScores = channelTops

	r.logger.Debug("retrieval: pack built",
		slog.Int("files", len(pack.Metrics.Files)),
		slog.Int("tier", tierUsed),
		slog.Bool("must_include_ok", mustOK),
		slog.Float64("top_score", pack.Metrics.TopScore),
	)
	return pack
}

// generateChannels runs the four channels for every query in parallel.
// Results are merged per channel so fusion sees one list per channel.
func (r *Retriever) generateChannels(ctx context.Context, snap *lattice.Snapshot, req Request, queries []string) ([]channelList, int, map[Channel]float64) {
	type queryResult struct {
		lexical, symbol, fuzzy, pathc []Candidate
	}
	results := make([]queryResult, len(queries))

	g, _ := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			results[i] = queryResult{
				lexical: applyBoosts(lexicalChannel(snap, q), req),
				symbol:  applyBoosts(symbolChannel(snap, q), req),
				fuzzy:   applyBoosts(fuzzyChannel(snap, q), req),
				pathc:   pathChannel(snap, q),
			}
			return nil
		})
	}
	_ = g.Wait()

	merge := func(pick func(queryResult) []Candidate) []Candidate {
		best := make(map[string]Candidate)
		for _, res := range results {
			for _, c := range pick(res) {
				if prev, ok := best[c.FilePath]; !ok || c.Score > prev.Score {
					best[c.FilePath] = c
				}
			}
		}
		return rankCandidates(best)
	}

	lex := merge(func(r queryResult) []Candidate { return r.lexical })
	sym := merge(func(r queryResult) []Candidate { return r.symbol })
	fuz := merge(func(r queryResult) []Candidate { return r.fuzzy })
	pat := merge(func(r queryResult) []Candidate { return r.pathc })
	pat = r.injectMustInclude(snap, pat, req)

	queryHits := 0
	for _, res := range results {
		if len(res.lexical)+len(res.symbol)+len(res.fuzzy)+len(res.pathc) > 0 {
			queryHits++
		}
	}

	tops := make(map[Channel]float64)
	for _, pair := range []struct {
		ch    Channel
		cands []Candidate
	}{
		{ChannelLexical, lex}, {ChannelSymbol, sym}, {ChannelFuzzy, fuz}, {ChannelPath, pat},
	} {
		if len(pair.cands) > 0 {
			tops[pair.ch] = pair.cands[0].Score
		}
	}

	return []channelList{
		{ChannelLexical, r.params.WeightLexical, lex},
		{ChannelSymbol, r.params.WeightSymbol, sym},
		{ChannelFuzzy, r.params.WeightFuzzy, fuz},
		{ChannelPath, r.params.WeightPath, pat},
	}, queryHits, tops
}

// injectMustInclude appends topic must-include files that exist in the
// snapshot to the path channel so fusion can surface them.
func (r *Retriever) injectMustInclude(snap *lattice.Snapshot, pathCands []Candidate, req Request) []Candidate {
	if req.Topic == nil {
		return pathCands
	}
	have := make(map[string]bool, len(pathCands))
	for _, c := range pathCands {
		have[c.FilePath] = true
	}
	for _, f := range req.Topic.MustIncludeFiles {
		if have[f] || !snap.HasFile(f) {
			continue
		}
		preview := ""
		if nodes := snap.NodesForFile(f); len(nodes) > 0 {
			preview = nodePreview(nodes[0])
		}
		pathCands = append(pathCands, Candidate{
			FilePath: f, Score: 0.9, Preview: preview, Channel: ChannelPath,
		})
	}
	sort.SliceStable(pathCands, func(i, j int) bool { return pathCands[i].Score > pathCands[j].Score })
	return pathCands
}

func (r *Retriever) applyScopeFilters(cands []Candidate, scope PlanScope) []Candidate {
	if len(scope.Avoidlist) == 0 {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		avoided := false
		for _, a := range scope.Avoidlist {
			if strings.Contains(c.FilePath, a) {
				avoided = true
				break
			}
		}
		if !avoided {
			out = append(out, c)
		}
	}
	return out
}

// descendTiers walks the allowlist tiers in preference order.
//
// Outputs:
//   - []Candidate: The MMR-diversified selection.
//   - int: The 0-based tier index used, or -1 when retrieval ran unscoped.
//   - bool: Whether must-include requirements were satisfied.
func (r *Retriever) descendTiers(fused []Candidate, req Request, topK int) ([]Candidate, int, bool) {
	tiers := req.Scope.AllowlistTiers
	if len(tiers) == 0 && req.Topic != nil {
		tiers = req.Topic.AllowlistTiers
	}
	minTier := r.params.DefaultMinTier
	if req.Topic != nil && req.Topic.MinTierCandidates > 0 {
		minTier = req.Topic.MinTierCandidates
	}

	if len(tiers) == 0 {
		sel := mmrSelect(fused, topK, r.params.MMRLambda)
		return sel, -1, r.mustIncludeSatisfied(sel, req)
	}

	var lastSel []Candidate
	lastTier := 0
	for i, tier := range tiers {
		filtered := filterByPrefixes(fused, tier)
		sel := mmrSelect(filtered, topK, r.params.MMRLambda)
		lastSel, lastTier = sel, i
		if len(sel) >= minTier && r.mustIncludeSatisfied(sel, req) {
			return sel, i, true
		}
	}

	// No tier satisfied both conditions. If the last tier produced nothing
	// at all, fall back to the unscoped fused ranking so the gates have
	// something to judge.
	if len(lastSel) == 0 {
		sel := mmrSelect(fused, topK, r.params.MMRLambda)
		return sel, -1, r.mustIncludeSatisfied(sel, req)
	}
	return lastSel, lastTier, r.mustIncludeSatisfied(lastSel, req)
}

func (r *Retriever) mustIncludeSatisfied(sel []Candidate, req Request) bool {
	files := make(map[string]bool, len(sel))
	for _, c := range sel {
		files[c.FilePath] = true
	}
	if req.Topic != nil {
		for _, f := range req.Topic.MustIncludeFiles {
			if !files[f] {
				return false
			}
		}
		if len(req.Topic.MustIncludePatterns) > 0 {
			hit := false
			for f := range files {
				for _, p := range req.Topic.MustIncludePatterns {
					if strings.Contains(f, p) {
						hit = true
						break
					}
				}
			}
			if !hit {
				return false
			}
		}
	}
	for _, glob := range req.Scope.MustIncludeGlobs {
		if !anyGlobMatch(files, glob) {
			return false
		}
	}
	return true
}

func anyGlobMatch(files map[string]bool, glob string) bool {
	for f := range files {
		if ok, err := path.Match(glob, f); err == nil && ok {
			return true
		}
		// Globs like "server/routes/*.ts" should match nested paths too;
		// fall back to prefix+suffix matching around the star.
		if star := strings.Index(glob, "*"); star >= 0 {
			prefix, suffix := glob[:star], strings.TrimLeft(glob[star:], "*")
			if strings.HasPrefix(f, prefix) && strings.HasSuffix(f, suffix) {
				return true
			}
		} else if f == glob || strings.HasSuffix(f, glob) {
			return true
		}
	}
	return false
}

func filterByPrefixes(cands []Candidate, prefixes []string) []Candidate {
	if len(prefixes) == 0 {
		return cands
	}
	var out []Candidate
	for _, c := range cands {
		for _, p := range prefixes {
			if strings.Contains(c.FilePath, p) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// buildPack clips previews and assembles the metrics.
func (r *Retriever) buildPack(sel []Candidate, req Request) EvidencePack {
	var pack EvidencePack
	pack.Metrics.ChannelHits = make(map[Channel]int)
	for _, c := range sel {
		preview := c.Preview
		if len(preview) > r.params.PreviewChars {
			preview = preview[:r.params.PreviewChars]
		}
		pack.Blocks = append(pack.Blocks, Block{Header: c.FilePath, Preview: preview})
		pack.Metrics.Files = append(pack.Metrics.Files, c.FilePath)
		pack.Metrics.ChannelHits[c.Channel]++
	}
	if len(sel) > 0 {
		pack.Metrics.TopScore = sel[0].RRFScore
	}
	if len(sel) > 1 {
		pack.Metrics.ScoreGap = sel[0].RRFScore - sel[1].RRFScore
	}
	return pack
}
