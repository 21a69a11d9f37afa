// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package longprompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/textproc"
)

func TestShouldIngest(t *testing.T) {
	g := New(100, 50, 10, 3, 0.72)

	assert.False(t, g.ShouldIngest("short prompt", 0))
	assert.True(t, g.ShouldIngest(strings.Repeat("word ", 200), 0), "above trigger")
	// Below trigger but above the model's context capacity.
	assert.True(t, g.ShouldIngest(strings.Repeat("word ", 50), 40))
}

func TestSemanticBlocksKeepFencesIntact(t *testing.T) {
	text := "# Heading one\npara line a\npara line b\n\n" +
		"```go\nfunc main() {\n\n}\n```\n" +
		"# Heading two\nmore text\n"

	blocks := semanticBlocks(text)
	require.GreaterOrEqual(t, len(blocks), 3)

	var fence string
	for _, b := range blocks {
		if strings.HasPrefix(b, "```go") {
			fence = b
		}
	}
	require.NotEmpty(t, fence, "code fence must be its own block")
	assert.True(t, strings.HasSuffix(fence, "```"), "fence kept intact: %q", fence)
	assert.Contains(t, fence, "func main()")
}

func TestIngestStableIDs(t *testing.T) {
	g := New(10, 50, 10, 3, 0.72)
	text := "# One\n" + strings.Repeat("alpha beta gamma delta. ", 40) +
		"\n# Two\n" + strings.Repeat("epsilon zeta eta theta. ", 40)

	a := g.Ingest(text)
	b := g.Ingest(text)
	require.NotEmpty(t, a)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID, "re-ingesting yields identical ids")
		assert.Regexp(t, fmt.Sprintf(`^prompt/longprompt/[0-9a-f]{16}/chunk-%04d\.md$`, i), a[i].ID)
	}
	// A different prompt gets a different hash segment.
	c := g.Ingest(text + " changed")
	require.NotEmpty(t, c)
	assert.NotEqual(t, a[0].ID, c[0].ID)
}

func TestIngestChunkSizesAndOverlap(t *testing.T) {
	g := New(10, 50, 10, 3, 0.72)
	var sb strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&sb, "sentence number %d about the system.\n\n", i)
	}

	chunks := g.Ingest(sb.String())
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		// Chunks stay near the budget; one oversized block may exceed it.
		assert.LessOrEqual(t, textproc.EstimateTokens(c.Text), g.ChunkTokens+g.OverlapTokens+20)
	}
	// Consecutive chunks share overlap text.
	tail := chunks[0].Text[len(chunks[0].Text)-20:]
	assert.Contains(t, chunks[1].Text, tail)
}

func TestRetrieveRanksRelevantChunksFirst(t *testing.T) {
	g := New(10, 50, 10, 2, 0.72)
	chunks := []Chunk{
		{ID: "prompt/longprompt/aa/chunk-0000.md", Text: "The warp viability gate compares energy budgets against hull stress."},
		{ID: "prompt/longprompt/aa/chunk-0001.md", Text: "Shopping list: eggs, milk, flour, and butter for the weekend."},
		{ID: "prompt/longprompt/aa/chunk-0002.md", Text: "Warp viability also depends on the exotic matter inventory."},
	}

	pack := g.Retrieve(chunks, "what limits warp viability", nil)
	require.False(t, pack.Empty())
	require.Len(t, pack.Blocks, 2)
	assert.Equal(t, "prompt/longprompt/aa/chunk-0000.md", pack.Blocks[0].Header)
	assert.NotContains(t, pack.Metrics.Files, "prompt/longprompt/aa/chunk-0001.md")
	assert.Greater(t, pack.Metrics.TopScore, 0.0)
	assert.True(t, pack.Metrics.MustIncludeOK)
	assert.Equal(t, -1, pack.Metrics.TopicTierUsed)
}

func TestRetrieveTopMBoundsTokenBudget(t *testing.T) {
	g := New(10, 50, 10, 2, 0.72)
	var chunks []Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, Chunk{
			ID:   fmt.Sprintf("prompt/longprompt/bb/chunk-%04d.md", i),
			Text: strings.Repeat(fmt.Sprintf("warp segment %d data. ", i), 10),
		})
	}

	pack := g.Retrieve(chunks, "warp segment data", nil)
	require.Len(t, pack.Blocks, 2, "selection bounded by TopM")
	total := 0
	for _, b := range pack.Blocks {
		total += textproc.EstimateTokens(b.Preview)
	}
	assert.LessOrEqual(t, total, 2*(g.ChunkTokens+g.OverlapTokens+20))
}

func TestRetrieveEmptyInputs(t *testing.T) {
	g := New(10, 50, 10, 3, 0.72)

	assert.True(t, g.Retrieve(nil, "question", nil).Empty())
	assert.True(t, g.Retrieve([]Chunk{{ID: "x", Text: "y"}}, "the of is", nil).Empty())
}
