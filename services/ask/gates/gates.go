// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gates enforces grounding discipline on synthesized answers: the
// evidence/claim/slot/must-include gates, the ambiguity resolvers, the
// belief-graph and rattling checks, answer lint, format enforcement, and the
// arbiter that picks the final answer mode.
package gates

import (
	"strings"

	"github.com/helixml/helix-ask/services/ask/retrieval"
	"github.com/helixml/helix-ask/services/ask/textproc"
)

// ClarifyRepoEvidence is the canonical obligation-clarify line when repo
// evidence was demanded but never confirmed.
const ClarifyRepoEvidence = "Repo evidence was required by the question but could not be confirmed. Could you point me at the file or area you mean?"

// Result is one gate verdict.
type Result struct {
	Name string `json:"name"`
	Pass bool   `json:"pass"`
	// Note carries the human-readable reason on failure or annotation.
	Note string `json:"note,omitempty"`
}

// Report accumulates gate verdicts and shared metrics for the trajectory.
type Report struct {
	Gates   []Result           `json:"gates"`
	Metrics map[string]float64 `json:"metrics"`
	// Accepted is true when every recorded gate passed.
	Accepted bool     `json:"accepted"`
	Notes    []string `json:"notes,omitempty"`
}

// NewReport creates an empty accepted report.
func NewReport() *Report {
	return &Report{Metrics: map[string]float64{}, Accepted: true}
}

// Add records a gate verdict; any failure flips Accepted.
func (r *Report) Add(name string, pass bool, note string) {
	r.Gates = append(r.Gates, Result{Name: name, Pass: pass, Note: note})
	if !pass {
		r.Accepted = false
	}
	if note != "" {
		r.Notes = append(r.Notes, name+": "+note)
	}
}

// Passed reports the verdict of a named gate; absent gates count as passed.
func (r *Report) Passed(name string) bool {
	for _, g := range r.Gates {
		if g.Name == name {
			return g.Pass
		}
	}
	return true
}

// ContextText flattens an evidence pack into one lowercase haystack shared
// by the token-coverage gates.
func ContextText(pack retrieval.EvidencePack) string {
	var sb strings.Builder
	for _, b := range pack.Blocks {
		sb.WriteString(strings.ToLower(b.Header))
		sb.WriteString("\n")
		sb.WriteString(strings.ToLower(b.Preview))
		sb.WriteString("\n")
	}
	return sb.String()
}

// tokenCoverage counts how many of tokens appear in the lowercase haystack.
func tokenCoverage(tokens []string, haystack string) int {
	matched := 0
	for _, t := range tokens {
		if strings.Contains(haystack, t) {
			matched++
		}
	}
	return matched
}

// questionTokens filters a question to its content tokens.
func questionTokens(question string) []string {
	return textproc.Tokenize(question)
}
