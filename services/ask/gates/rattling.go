// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gates

import (
	"fmt"
	"regexp"
	"strings"
)

// RattlingParams tune the stability check.
type RattlingParams struct {
	Threshold float64
	// Reject turns the annotation into a hard failure.
	Reject bool
}

var rattlingCitationRe = regexp.MustCompile(`\([A-Za-z0-9_.@-]+(?:/[A-Za-z0-9_.@-]+)+\)`)

// RattlingGate measures answer stability under deterministic perturbations.
//
// Description:
//
//	The answer is perturbed three ways (drop first sentence, drop last
//	sentence, strip citations) and the claim sets of base and perturbed
//	text are compared by Jaccard distance. A stable answer keeps most of
//	its claims under perturbation; a high average distance means the
//	answer's claim structure rattles apart. Annotates only, unless Reject
//	is set.
func RattlingGate(report *Report, answerText string, p RattlingParams) float64 {
	base := claimSet(answerText)
	if len(base) == 0 {
		report.Add("rattling", true, "no claims to perturb")
		return 0
	}

	perturbations := []string{
		dropFirstSentence(answerText),
		dropLastSentence(answerText),
		rattlingCitationRe.ReplaceAllString(answerText, ""),
	}
	var total float64
	for _, perturbed := range perturbations {
		total += claimSetDistance(base, claimSet(perturbed))
	}
	score := total / float64(len(perturbations))
	report.Metrics["rattling_score"] = score

	unstable := score > p.Threshold
	pass := !unstable || !p.Reject
	note := ""
	if unstable {
		note = fmt.Sprintf("rattling score %.2f above %.2f", score, p.Threshold)
	}
	report.Add("rattling", pass, note)
	return score
}

// claimSet normalizes an answer to its set of claim sentences.
func claimSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, sentence := range splitSentences(s) {
		norm := strings.Join(strings.Fields(strings.ToLower(sentence)), " ")
		if len(norm) >= 8 {
			set[norm] = true
		}
	}
	return set
}

// claimSetDistance is 1 - Jaccard(a, b).
func claimSetDistance(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for s := range a {
		if b[s] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return 1 - float64(inter)/float64(union)
}

func dropFirstSentence(s string) string {
	sentences := splitSentences(s)
	if len(sentences) <= 1 {
		return ""
	}
	return strings.Join(sentences[1:], ". ")
}

func dropLastSentence(s string) string {
	sentences := splitSentences(s)
	if len(sentences) <= 1 {
		return ""
	}
	return strings.Join(sentences[:len(sentences)-1], ". ")
}
