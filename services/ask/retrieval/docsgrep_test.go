// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDocsGrepFallbackServesDocsFirstScope(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "docs/knowledge/warp-viability.md",
		"# Warp viability\n\nWarp viability is a constraint report.\nThe warp viability gate compares energy budgets.\n")
	writeDoc(t, root, "docs/knowledge/unrelated.md",
		"# Release notes\n\nNothing of interest here.\n")
	writeDoc(t, root, "docs/ethos/principles.md",
		"# Principles\n\nAnswer only from evidence.\n")

	snap := testSnapshot(t, nil)
	r := NewRetriever(fixedSnap{snap}, DefaultParams(), root, nil)

	pack := r.Retrieve(context.Background(), Request{
		Question: "warp viability",
		Scope:    PlanScope{DocsFirst: true, DocsAllowlist: []string{"docs/"}},
	})
	require.False(t, pack.Empty())
	assert.True(t, pack.Metrics.GrepFallback)
	assert.Equal(t, "docs/knowledge/warp-viability.md", pack.Blocks[0].Header)
	assert.Equal(t, -1, pack.Metrics.TopicTierUsed)
	assert.Contains(t, pack.Metrics.ChannelTopScores, ChannelGrep)
	assert.NotContains(t, pack.Metrics.Files, "docs/knowledge/unrelated.md")
}

func TestDocsGrepFallbackSkippedWithoutRoot(t *testing.T) {
	snap := testSnapshot(t, nil)
	r := NewRetriever(fixedSnap{snap}, DefaultParams(), "", nil)

	pack := r.Retrieve(context.Background(), Request{
		Question: "warp viability",
		Scope:    PlanScope{DocsFirst: true, DocsAllowlist: []string{"docs/"}},
	})
	assert.True(t, pack.Empty())
	assert.False(t, pack.Metrics.GrepFallback)
}

func TestDocsGrepNoMatches(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "docs/knowledge/other.md", "completely different topic\n")

	snap := testSnapshot(t, nil)
	r := NewRetriever(fixedSnap{snap}, DefaultParams(), root, nil)

	pack, ok := r.docsGrepFallback(Request{Question: "warp viability"}, 4)
	assert.False(t, ok)
	assert.True(t, pack.Empty())
}

func TestGrepFilePhraseHitsCountDouble(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "docs/knowledge/phrase.md", "warp viability together\n")
	writeDoc(t, root, "docs/knowledge/scattered.md", "warp alone here\nviability alone there\n")

	snap := testSnapshot(t, nil)
	r := NewRetriever(fixedSnap{snap}, DefaultParams(), root, nil)

	pack, ok := r.docsGrepFallback(Request{Question: "warp viability"}, 4)
	require.True(t, ok)
	require.NotEmpty(t, pack.Blocks)
	assert.Equal(t, "docs/knowledge/phrase.md", pack.Blocks[0].Header,
		"adjacent-phrase hit outweighs scattered token hits")
}

func TestAdjacentPhrases(t *testing.T) {
	assert.Nil(t, adjacentPhrases([]string{"solo"}))
	assert.Equal(t, []string{"warp viability", "viability gate"},
		adjacentPhrases([]string{"warp", "viability", "gate"}))
}
