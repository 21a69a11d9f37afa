// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gates

import (
	"regexp"
	"strings"

	"github.com/helixml/helix-ask/services/ask/answer"
	"github.com/helixml/helix-ask/services/ask/synthesis"
)

// physicsNameFixes corrects recurring physics naming mistakes the local
// models make in warp/GR answers.
var physicsNameFixes = map[string]string{
	"alcubiere":      "Alcubierre",
	"worm hole":      "wormhole",
	"casimir affect": "Casimir effect",
	"schwarzchild":   "Schwarzschild",
}

// junkLineRe matches scaffolding lines the models leak into answers.
var junkLineRe = regexp.MustCompile(`(?m)^(Here is|Here's|Sure[,!]|Certainly[,!]|As an AI).*$`)

// numberedLineRe recognizes numbered-list items.
var numberedLineRe = regexp.MustCompile(`(?m)^\s*\d+\.\s`)

// LintAnswer applies the concept/physics lint: junk scaffolding removal,
// drawer stripping, path-lead repair, and physics-name fixes. Reasons are
// recorded in the report; lint never fails the answer.
func LintAnswer(report *Report, text string) string {
	var reasons []string

	if junkLineRe.MatchString(text) {
		text = junkLineRe.ReplaceAllString(text, "")
		reasons = append(reasons, "junk scaffolding removed")
	}
	if cleaned := answer.StripDrawers(text); cleaned != text {
		text = cleaned
		reasons = append(reasons, "drawers stripped")
	}
	if repaired := answer.RepairPathLines(text); repaired != text {
		text = repaired
		reasons = append(reasons, "path-lead prose repaired")
	}
	for wrong, right := range physicsNameFixes {
		if re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(wrong)); re.MatchString(text) {
			text = re.ReplaceAllString(text, right)
			reasons = append(reasons, "physics naming: "+wrong)
		}
	}

	report.Add("lint", true, strings.Join(reasons, "; "))
	return strings.TrimSpace(text)
}

// EnforceFormat holds the answer to its format contract.
//
// Description:
//
//	steps: requires a numbered list and a trailing "In practice" paragraph;
//	a missing trailing paragraph is tolerated with a note, a missing list
//	fails the gate. brief/compare: numbered steps are collapsed into prose
//	unless the question explicitly asked for steps or a list; bullets are
//	kept. The two-paragraph contract trims to two paragraphs.
func EnforceFormat(report *Report, text, question string, spec synthesis.FormatSpec) string {
	asked := askedForList(question)

	switch spec.Format {
	case synthesis.FormatSteps:
		if !numberedLineRe.MatchString(text) {
			report.Add("format", false, "steps format without a numbered list")
			return text
		}
		if !strings.Contains(text, "In practice") {
			report.Add("format", true, "missing In practice paragraph")
			return text
		}
		report.Add("format", true, "")
		return text
	default:
		note := ""
		if numberedLineRe.MatchString(text) && !asked {
			text = collapseNumberedList(text)
			note = "numbered steps collapsed to prose"
		}
		if spec.TwoParagraphs {
			text = answer.EnforceParagraphs(text, 2)
		}
		report.Add("format", true, note)
		return text
	}
}

func askedForList(question string) bool {
	lower := strings.ToLower(question)
	for _, w := range []string{"steps", "step by step", "list", "numbered", "walk me through"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// collapseNumberedList rewrites numbered items as plain sentences.
func collapseNumberedList(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, numberedLineRe.ReplaceAllString(line, ""))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
