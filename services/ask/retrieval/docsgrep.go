// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/helixml/helix-ask/services/ask/textproc"
)

// docsGrepDirs are the directories the fallback scans, relative to the
// docs root.
var docsGrepDirs = []string{"docs/knowledge", "docs/ethos"}

// docsGrepMaxFileBytes skips files larger than this. Knowledge docs are
// small; anything bigger is likely generated.
const docsGrepMaxFileBytes = 1 << 20

// docsGrepPreviewLines bounds the preview around the first hit.
const docsGrepPreviewLines = 12

// docsGrepFallback scans knowledge and ethos docs on disk when the lattice
// has nothing for a docs-first scope.
//
// Description:
//
//	Each markdown file is scored by hit counts of the question tokens plus
//	short adjacent-token phrases. Matched files are MMR-diversified like
//	lattice candidates. Returns ok=false when nothing matched so the
//	caller can fall through to the unscoped ranking.
func (r *Retriever) docsGrepFallback(req Request, topK int) (EvidencePack, bool) {
	tokens := textproc.Tokenize(req.Question)
	if len(tokens) == 0 {
		return EvidencePack{}, false
	}
	phrases := adjacentPhrases(tokens)

	var cands []Candidate
	for _, dir := range docsGrepDirs {
		root := filepath.Join(r.docsRoot, dir)
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ext := strings.ToLower(filepath.Ext(path)); ext != ".md" && ext != ".txt" {
				return nil
			}
			if info, err := d.Info(); err != nil || info.Size() > docsGrepMaxFileBytes {
				return nil
			}
			if c, ok := r.grepFile(path, tokens, phrases); ok {
				rel, err := filepath.Rel(r.docsRoot, path)
				if err == nil {
					c.FilePath = filepath.ToSlash(rel)
				}
				cands = append(cands, c)
			}
			return nil
		})
	}
	if len(cands) == 0 {
		return EvidencePack{}, false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].FilePath < cands[j].FilePath
	})
	// MMR operates on RRFScore; mirror the raw grep score into it.
	for i := range cands {
		cands[i].RRFScore = cands[i].Score
	}
	sel := mmrSelect(cands, topK, r.params.MMRLambda)

	pack := r.buildPack(sel, req)
	pack.Metrics.TopicTierUsed = -1
	pack.Metrics.MustIncludeOK = r.mustIncludeSatisfied(sel, req)
	pack.Metrics.GrepFallback = true
	if len(sel) > 0 {
		pack.Metrics.ChannelTopScores = map[Channel]float64{ChannelGrep: sel[0].Score}
	}
	return pack, true
}

// grepFile scores one file by token and phrase hit counts. Phrase hits
// count double. The preview starts at the first matching line.
func (r *Retriever) grepFile(path string, tokens, phrases []string) (Candidate, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Candidate{}, false
	}
	defer f.Close()

	var score float64
	var previewLines []string
	firstHit := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		lineHits := 0
		for _, t := range tokens {
			lineHits += strings.Count(lower, t)
		}
		for _, p := range phrases {
			lineHits += 2 * strings.Count(lower, p)
		}
		score += float64(lineHits)
		if lineHits > 0 && !firstHit {
			firstHit = true
		}
		if firstHit && len(previewLines) < docsGrepPreviewLines {
			previewLines = append(previewLines, line)
		}
	}
	if score <= 0 {
		return Candidate{}, false
	}
	return Candidate{
		FilePath: path,
		Score:    score,
		Preview:  strings.Join(previewLines, "\n"),
		Channel:  ChannelGrep,
	}, true
}

// adjacentPhrases builds two-token phrases from consecutive question tokens.
func adjacentPhrases(tokens []string) []string {
	var out []string
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}
