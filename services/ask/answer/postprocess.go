// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package answer holds the idempotent answer-hygiene transforms and the
// final envelope builder. Every transform here satisfies f(f(x)) == f(x) so
// gates may re-run them safely.
package answer

import (
	"regexp"
	"strings"
)

var (
	// echoLineRe matches prompt lines the model sometimes parrots back.
	echoLineRe = regexp.MustCompile(`(?im)^(question|context|evidence|format|answer the question)[:\s].*$`)
	// drawerRe matches cosmetic HTML drawers.
	drawerRe = regexp.MustCompile(`(?is)<details>.*?</details>`)
	// drawerTagRe matches stray drawer tags left unpaired.
	drawerTagRe = regexp.MustCompile(`(?i)</?(details|summary)>`)
	// emptyFenceRe matches fence pairs with no body between them.
	emptyFenceRe = regexp.MustCompile("(?m)^```[a-z]*\n+```\n?")
	// bulletRe normalizes asterisk and plus bullets to dashes.
	bulletRe = regexp.MustCompile(`(?m)^[ \t]*[*+][ \t]+`)
	// pathLeadRe matches prose lines that begin with a bare file path.
	pathLeadRe = regexp.MustCompile(`(?m)^([A-Za-z0-9_.-]+(?:/[A-Za-z0-9_.-]+)+\.[A-Za-z0-9]+)[ \t]+(\S.*)$`)
	// blankRunRe collapses blank-line runs.
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	// spaceRunRe collapses interior space runs in prose lines.
	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
)

// StripPromptEcho removes prompt scaffolding lines the model echoed back.
// Idempotent.
func StripPromptEcho(s string) string {
	s = echoLineRe.ReplaceAllString(s, "")
	return tidy(s)
}

// StripDrawers removes cosmetic HTML drawers and stray drawer tags.
// Idempotent.
func StripDrawers(s string) string {
	s = drawerRe.ReplaceAllString(s, "")
	s = drawerTagRe.ReplaceAllString(s, "")
	s = emptyFenceRe.ReplaceAllString(s, "")
	return tidy(s)
}

// NormalizeLists rewrites asterisk/plus bullets as dashes and removes list
// markers orphaned on their own line. Idempotent.
func NormalizeLists(s string) string {
	s = bulletRe.ReplaceAllString(s, "- ")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t == "-" || t == "*" || t == "+" {
			continue
		}
		out = append(out, line)
	}
	return tidy(strings.Join(out, "\n"))
}

// RepairPathLines rewrites prose lines that start with a bare file path so
// the path sits in parentheses at the end of the sentence. A line that is
// only a path (a citation line) is left alone. Runs to a fixpoint so lines
// carrying several leading paths still converge, keeping the transform
// idempotent.
func RepairPathLines(s string) string {
	for i := 0; i < 4; i++ {
		next := repairPathLinesOnce(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

func repairPathLinesOnce(s string) string {
	return pathLeadRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := pathLeadRe.FindStringSubmatch(m)
		path, rest := sub[1], sub[2]
		// Keep list items untouched; distilled bullets cite paths inline.
		if strings.HasPrefix(rest, "-") {
			return m
		}
		rest = strings.TrimRight(rest, " .")
		return rest + " (" + path + ")."
	})
}

// EnforceParagraphs holds the answer to at most max paragraphs by merging
// the overflow into the last kept paragraph. List blocks count as one
// paragraph. Idempotent.
func EnforceParagraphs(s string, max int) string {
	if max <= 0 {
		return s
	}
	paras := splitParagraphs(s)
	if len(paras) <= max {
		return s
	}
	merged := append([]string{}, paras[:max-1]...)
	merged = append(merged, strings.Join(paras[max-1:], " "))
	return strings.Join(merged, "\n\n")
}

// Clean runs the full hygiene pipeline in its fixed order.
func Clean(s string) string {
	s = StripPromptEcho(s)
	s = StripDrawers(s)
	s = NormalizeLists(s)
	s = RepairPathLines(s)
	return tidy(s)
}

func splitParagraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// tidy collapses blank-line runs and interior space runs. Space collapsing
// skips fenced code blocks, where indentation is load-bearing.
func tidy(s string) string {
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			lines[i] = spaceRunRe.ReplaceAllString(line, " ")
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
