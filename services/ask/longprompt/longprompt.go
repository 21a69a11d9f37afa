// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package longprompt ingests oversized attached prompts: semantic chunking
// with stable chunk ids, then keyword + hash-embedding retrieval over the
// chunks, fused and diversified like the repo retriever.
package longprompt

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/helixml/helix-ask/services/ask/retrieval"
	"github.com/helixml/helix-ask/services/ask/textproc"
)

// embedDim is the dimensionality of the hash embedding.
const embedDim = 128

// rrfK matches the repo retriever's fusion constant.
const rrfK = 60

// Chunk is one ingested piece of an attached prompt.
type Chunk struct {
	// ID is the stable chunk id, shaped like a repo path so the evidence
	// gates treat chunks like files: prompt/longprompt/<hash>/chunk-NNNN.md
	ID   string
	Text string
}

// Ingester chunks attached prompts and retrieves over the chunks.
//
// Thread Safety: Stateless after construction; safe for concurrent use.
type Ingester struct {
	// TriggerTokens is the estimated-token threshold for ingestion.
	TriggerTokens int
	// ChunkTokens sizes each chunk (estimated tokens).
	ChunkTokens int
	// OverlapTokens is the tail overlap carried into the next chunk.
	OverlapTokens int
	// TopM bounds the retrieved chunk count.
	TopM int
	// MMRLambda matches the repo retriever's diversification tradeoff.
	MMRLambda float64
}

// New creates an Ingester; non-positive fields get the pipeline defaults.
func New(triggerTokens, chunkTokens, overlapTokens, topM int, mmrLambda float64) *Ingester {
	if triggerTokens <= 0 {
		triggerTokens = 6000
	}
	if chunkTokens <= 0 {
		chunkTokens = 700
	}
	if overlapTokens <= 0 {
		overlapTokens = 80
	}
	if topM <= 0 {
		topM = 6
	}
	if mmrLambda <= 0 {
		mmrLambda = 0.72
	}
	return &Ingester{
		TriggerTokens: triggerTokens,
		ChunkTokens:   chunkTokens,
		OverlapTokens: overlapTokens,
		TopM:          topM,
		MMRLambda:     mmrLambda,
	}
}

// ShouldIngest reports whether the attached prompt is large enough to need
// chunked retrieval instead of inline inclusion.
func (g *Ingester) ShouldIngest(attached string, contextCapacityTokens int) bool {
	est := textproc.EstimateTokens(attached)
	if est >= g.TriggerTokens {
		return true
	}
	return contextCapacityTokens > 0 && est >= contextCapacityTokens
}

// Ingest splits the attached prompt into chunks with stable ids.
//
// Description:
//
//	The prompt first splits into semantic blocks: markdown headings start a
//	new block and fenced code blocks stay intact. Blocks then pack into
//	chunks of about ChunkTokens estimated tokens, carrying OverlapTokens of
//	tail text into the next chunk so boundary sentences stay retrievable.
func (g *Ingester) Ingest(attached string) []Chunk {
	blocks := semanticBlocks(attached)
	if len(blocks) == 0 {
		return nil
	}

	chunkChars := g.ChunkTokens * 4
	overlapChars := g.OverlapTokens * 4
	hash := promptHash(attached)

	var chunks []Chunk
	var sb strings.Builder
	flush := func() {
		text := strings.TrimSpace(sb.String())
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{
			ID:   fmt.Sprintf("prompt/longprompt/%s/chunk-%04d.md", hash, len(chunks)),
			Text: text,
		})
		tail := text
		if len(tail) > overlapChars {
			tail = tail[len(tail)-overlapChars:]
		}
		sb.Reset()
		sb.WriteString(tail)
		sb.WriteString("\n")
	}

	for _, b := range blocks {
		if sb.Len() > 0 && sb.Len()+len(b) > chunkChars {
			flush()
		}
		// A single oversized block still becomes its own chunk rather
		// than being split mid-fence.
		sb.WriteString(b)
		sb.WriteString("\n")
		if sb.Len() >= chunkChars {
			flush()
		}
	}
	if remaining := strings.TrimSpace(sb.String()); remaining != "" && !onlyOverlap(chunks, remaining) {
		chunks = append(chunks, Chunk{
			ID:   fmt.Sprintf("prompt/longprompt/%s/chunk-%04d.md", hash, len(chunks)),
			Text: remaining,
		})
	}
	return chunks
}

// onlyOverlap reports whether text is just the overlap tail of the last
// emitted chunk, with nothing new after it.
func onlyOverlap(chunks []Chunk, text string) bool {
	if len(chunks) == 0 {
		return false
	}
	return strings.HasSuffix(chunks[len(chunks)-1].Text, text)
}

// Retrieve ranks chunks against the question and query hints.
//
// Description:
//
//	Two ranked lists are produced per the chunk corpus: a keyword list
//	(normalized token-hit ratio) and an embedding list (hash-based 128-dim
//	embedding, dot product normalized to [0,1]). The lists fuse under RRF
//	with equal weight, MMR diversifies, and the top-M chunks become an
//	Evidence Pack whose block headers are the chunk ids.
func (g *Ingester) Retrieve(chunks []Chunk, question string, queries []string) retrieval.EvidencePack {
	if len(chunks) == 0 {
		return retrieval.EvidencePack{}
	}
	queryText := question
	if len(queries) > 0 {
		queryText = question + " " + strings.Join(queries, " ")
	}
	qTokens := textproc.Tokenize(queryText)
	if len(qTokens) == 0 {
		return retrieval.EvidencePack{}
	}
	qVec := hashEmbed(qTokens)

	items := make([]scoredChunk, len(chunks))
	for i, c := range chunks {
		cTokens := textproc.TokenSet(c.Text)
		hits := 0
		for _, t := range qTokens {
			if cTokens[t] {
				hits++
			}
		}
		items[i] = scoredChunk{
			idx:     i,
			keyword: float64(hits) / float64(len(qTokens)),
			embed:   (dot(qVec, hashEmbed(textproc.Tokenize(c.Text))) + 1) / 2,
		}
	}

	// RRF over the two rankings.
	byKeyword := make([]int, len(items))
	byEmbed := make([]int, len(items))
	for i := range items {
		byKeyword[i], byEmbed[i] = i, i
	}
	sort.SliceStable(byKeyword, func(a, b int) bool { return items[byKeyword[a]].keyword > items[byKeyword[b]].keyword })
	sort.SliceStable(byEmbed, func(a, b int) bool { return items[byEmbed[a]].embed > items[byEmbed[b]].embed })
	for rank, i := range byKeyword {
		items[i].rrfScore += 1.0 / float64(rrfK+rank+1)
	}
	for rank, i := range byEmbed {
		items[i].rrfScore += 1.0 / float64(rrfK+rank+1)
	}

	// When enough chunks carry keyword hits, zero-hit chunks are excluded
	// so MMR diversity cannot promote irrelevant text. With fewer hits the
	// embedding list keeps paraphrased chunks in play.
	withHits := 0
	for _, it := range items {
		if it.keyword > 0 {
			withHits++
		}
	}
	var order []int
	for i := range items {
		if withHits >= g.TopM && items[i].keyword == 0 {
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		if items[order[a]].rrfScore != items[order[b]].rrfScore {
			return items[order[a]].rrfScore > items[order[b]].rrfScore
		}
		return order[a] < order[b]
	})

	selected := g.mmrChunks(chunks, items, order)

	var pack retrieval.EvidencePack
	pack.Metrics.ChannelHits = map[retrieval.Channel]int{}
	pack.Metrics.TopicTierUsed = -1
	pack.Metrics.MustIncludeOK = true
	for rank, i := range selected {
		pack.Blocks = append(pack.Blocks, retrieval.Block{
			Header:  chunks[i].ID,
			Preview: chunks[i].Text,
		})
		pack.Metrics.Files = append(pack.Metrics.Files, chunks[i].ID)
		if rank == 0 {
			pack.Metrics.TopScore = items[i].rrfScore
		} else if rank == 1 {
			pack.Metrics.ScoreGap = pack.Metrics.TopScore - items[i].rrfScore
		}
	}
	if pack.Metrics.TopScore > 0 {
		pack.Metrics.QueryHitCount = 1
	}
	return pack
}

// scoredChunk carries per-chunk ranking state through fusion.
type scoredChunk struct {
	idx      int
	keyword  float64
	embed    float64
	rrfScore float64
}

// mmrChunks diversifies the fused chunk ranking. Similarity is token-set
// Jaccard over chunk text, since chunk ids share a common prefix and carry
// no path signal.
func (g *Ingester) mmrChunks(chunks []Chunk, items []scoredChunk, order []int) []int {
	topM := g.TopM
	if topM > len(order) {
		topM = len(order)
	}
	tokenSets := make([]map[string]bool, len(chunks))
	for i, c := range chunks {
		tokenSets[i] = textproc.TokenSet(c.Text)
	}

	remaining := append([]int{}, order...)
	var selected []int
	for len(selected) < topM && len(remaining) > 0 {
		bestPos, bestVal := 0, math.Inf(-1)
		for pos, i := range remaining {
			var maxSim float64
			for _, s := range selected {
				if sim := setJaccard(tokenSets[i], tokenSets[s]); sim > maxSim {
					maxSim = sim
				}
			}
			if v := g.MMRLambda*items[i].rrfScore - (1-g.MMRLambda)*maxSim; v > bestVal {
				bestVal, bestPos = v, pos
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}

// semanticBlocks splits markdown-ish text at headings, keeping fenced code
// blocks intact and grouping paragraph lines together.
func semanticBlocks(s string) []string {
	var blocks []string
	var cur []string
	inFence := false

	flush := func() {
		if len(cur) == 0 {
			return
		}
		if b := strings.TrimSpace(strings.Join(cur, "\n")); b != "" {
			blocks = append(blocks, b)
		}
		cur = nil
	}

	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				inFence = true
				cur = append(cur, line)
				continue
			}
			inFence = false
			cur = append(cur, line)
			flush()
			continue
		}
		if inFence {
			cur = append(cur, line)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flush()
			cur = append(cur, line)
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// promptHash is a short stable hash of the whole attached prompt, used in
// chunk ids so re-ingesting the same prompt yields the same ids.
func promptHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// hashEmbed folds tokens into an L2-normalized 128-dim vector. Each token
// hash contributes three signed dimensions.
func hashEmbed(tokens []string) []float64 {
	vec := make([]float64, embedDim)
	for _, t := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum64()
		for k := 0; k < 3; k++ {
			part := sum >> (k * 16)
			idx := int(part % embedDim)
			sign := 1.0
			if part&(1<<15) != 0 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func setJaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
