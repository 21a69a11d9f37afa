// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package textproc provides the text primitives every Ask stage shares:
// prompt normalization, question tokenization, repo-hint detection, and the
// trigram / path-token similarity measures used by retrieval and MMR.
//
// Everything here is pure and allocation-light; no I/O, no globals beyond
// compiled regexes and the stopword table.
package textproc

import (
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// Normalization
// =============================================================================

var (
	controlRunRe  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]+`)
	spaceRunRe    = regexp.MustCompile(`[ \t]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	pathHintRe    = regexp.MustCompile(`[A-Za-z0-9_.@-]+(?:/[A-Za-z0-9_.@-]+)+(?:\.[A-Za-z0-9]+)?`)
	endpointRe    = regexp.MustCompile(`(?:GET|POST|PUT|PATCH|DELETE)?\s*(/(?:api|v\d+)(?:/[A-Za-z0-9_.:{}-]+)+)`)
	fileExtRe     = regexp.MustCompile(`\.(go|ts|tsx|js|jsx|py|md|yaml|yml|json|sql|proto|css|html)$`)
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// stopwords are dropped during tokenization. The list is deliberately small:
// retrieval cares about recall, and an over-aggressive stopword table eats
// domain terms ("does", "work" stay out; "pipeline" stays in).
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "with": true, "you": true, "your": true,
}

// NormalizePrompt cleans a raw prompt for downstream processing.
//
// Description:
//
//	Normalizes line endings to \n, strips control characters, collapses
//	horizontal whitespace runs, and caps consecutive blank lines at one.
//	Idempotent: NormalizePrompt(NormalizePrompt(s)) == NormalizePrompt(s).
//
// Thread Safety: Stateless; safe for concurrent use.
func NormalizePrompt(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlRunRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Tokenize splits text into lowercase content tokens.
//
// Description:
//
//	Splits on non-alphanumeric boundaries after breaking camelCase, drops
//	stopwords and single-character tokens, and preserves order with
//	duplicates. Use TokenSet when only membership matters.
func Tokenize(s string) []string {
	s = camelBoundary.ReplaceAllString(s, "$1 $2")
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet returns the deduplicated token set of s.
func TokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(s) {
		set[t] = true
	}
	return set
}

// EstimateTokens approximates the LLM token count of s as ceil(len/4).
// The same estimator is used by the overflow runner and the long-prompt
// ingester so their budgets agree.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// =============================================================================
// Hint detection
// =============================================================================

// Hints summarizes the repo-expectation signals extracted from a question.
type Hints struct {
	// PathHints are path-shaped tokens found in the text (a/b/c.go).
	PathHints []string
	// EndpointHints are HTTP route paths found in the text (/api/...).
	EndpointHints []string
	// HasRepoHints is true when the question asks about files, routes,
	// definitions, or otherwise signals an expectation of repo evidence.
	HasRepoHints bool
	// HasFilePathHints is true when at least one path hint carries a
	// recognized source-file extension.
	HasFilePathHints bool
}

// repoHintPhrases are question fragments that signal explicit repo expectation.
var repoHintPhrases = []string{
	"which file", "what file", "where is", "where does", "defined in",
	"implemented in", "in the repo", "in this repo", "in the codebase",
	"source file", "which module", "which function", "which package",
	"the route", "http route", "endpoint",
}

// DetectHints scans a question for path, endpoint, and repo-expectation hints.
//
// Description:
//
//	Path hints are any slash-joined token sequences; endpoint hints are
//	/api or /v<N> routes with an optional leading HTTP verb. Repo hints
//	fire on either kind of hint or on any phrase in repoHintPhrases.
func DetectHints(question string) Hints {
	var h Hints
	for _, m := range pathHintRe.FindAllString(question, -1) {
		// URLs are not repo paths.
		if strings.Contains(m, "://") {
			continue
		}
		h.PathHints = append(h.PathHints, m)
		if fileExtRe.MatchString(m) {
			h.HasFilePathHints = true
		}
	}
	for _, m := range endpointRe.FindAllStringSubmatch(question, -1) {
		h.EndpointHints = append(h.EndpointHints, m[1])
	}
	lower := strings.ToLower(question)
	if len(h.PathHints) > 0 || len(h.EndpointHints) > 0 {
		h.HasRepoHints = true
	} else {
		for _, p := range repoHintPhrases {
			if strings.Contains(lower, p) {
				h.HasRepoHints = true
				break
			}
		}
	}
	return h
}

// =============================================================================
// Similarity
// =============================================================================

// TrigramSet returns the lowercase character-trigram set of s.
// Strings shorter than three runes contribute the whole string as one gram.
func TrigramSet(s string) map[string]bool {
	s = strings.ToLower(s)
	set := make(map[string]bool)
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) > 0 {
			set[string(runes)] = true
		}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

// TrigramJaccard computes the Jaccard similarity of the trigram sets of a
// and b. Returns 0 when either side is empty.
func TrigramJaccard(a, b string) float64 {
	sa, sb := TrigramSet(a), TrigramSet(b)
	return jaccard(sa, sb)
}

// PathTokens splits a file path into its lowercase component tokens,
// dropping extensions. "server/routes/agi.plan.ts" → [server routes agi plan].
func PathTokens(path string) []string {
	fields := strings.FieldsFunc(strings.ToLower(path), func(r rune) bool {
		return r == '/' || r == '.' || r == '-' || r == '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if fileExtSuffix(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// PathTokenJaccard computes the Jaccard similarity of two paths' token sets.
// This is the sim() used by MMR diversification.
func PathTokenJaccard(a, b string) float64 {
	sa := make(map[string]bool)
	for _, t := range PathTokens(a) {
		sa[t] = true
	}
	sb := make(map[string]bool)
	for _, t := range PathTokens(b) {
		sb[t] = true
	}
	return jaccard(sa, sb)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// fileExtSuffix reports whether tok is a bare file extension token.
func fileExtSuffix(tok string) bool {
	switch tok {
	case "go", "ts", "tsx", "js", "jsx", "py", "md", "yaml", "yml", "json":
		return true
	}
	return false
}
