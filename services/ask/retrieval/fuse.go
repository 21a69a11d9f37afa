// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"sort"

	"github.com/helixml/helix-ask/services/ask/textproc"
)

// channelList is one ranked candidate list tagged with its fusion weight.
type channelList struct {
	channel Channel
	weight  float64
	cands   []Candidate
}

// fuseRRF merges ranked channel lists with weighted reciprocal-rank-fusion.
//
// Description:
//
//	Each candidate accumulates weight / (K + rank + 1) per list it appears
//	in, so agreement across channels outweighs a single channel's top
//	rank. The best raw channel entry per file supplies the preview and
//	channel attribution. Output is sorted by fused score descending; ties
//	break by path for determinism.
func fuseRRF(lists []channelList, k int) []Candidate {
	fused := make(map[string]*Candidate)
	for _, list := range lists {
		for rank, c := range list.cands {
			entry, ok := fused[c.FilePath]
			if !ok {
				cp := c
				cp.RRFScore = 0
				fused[c.FilePath] = &cp
				entry = fused[c.FilePath]
			}
			entry.RRFScore += list.weight / float64(k+rank+1)
			// Keep the strongest raw score's preview and attribution.
			if c.Score > entry.Score {
				entry.Score = c.Score
				entry.Channel = c.Channel
				if c.Preview != "" {
					entry.Preview = c.Preview
				}
			}
		}
	}
	out := make([]Candidate, 0, len(fused))
	for _, c := range fused {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		return out[i].FilePath < out[j].FilePath
	})
	return out
}

// mmrSelect diversifies the fused ranking with maximal marginal relevance.
//
// Description:
//
//	Repeatedly picks the candidate maximizing
//	lambda*rrfScore - (1-lambda)*maxSim(picked), where sim is path-token
//	Jaccard. The first pick is always the top fused candidate, so the
//	selection head preserves the fused order's winner.
func mmrSelect(cands []Candidate, topK int, lambda float64) []Candidate {
	if topK <= 0 || len(cands) == 0 {
		return nil
	}
	if topK > len(cands) {
		topK = len(cands)
	}

	selected := make([]Candidate, 0, topK)
	remaining := make([]Candidate, len(cands))
	copy(remaining, cands)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestVal := mmrValue(remaining[0], selected, lambda)
		for i := 1; i < len(remaining); i++ {
			if v := mmrValue(remaining[i], selected, lambda); v > bestVal {
				bestVal = v
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func mmrValue(c Candidate, selected []Candidate, lambda float64) float64 {
	var maxSim float64
	for _, s := range selected {
		if sim := textproc.PathTokenJaccard(c.FilePath, s.FilePath); sim > maxSim {
			maxSim = sim
		}
	}
	return lambda*c.RRFScore - (1-lambda)*maxSim
}
