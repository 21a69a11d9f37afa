// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gates

import (
	"fmt"
	"strings"

	"github.com/helixml/helix-ask/services/ask/concepts"
	"github.com/helixml/helix-ask/services/ask/plan"
	"github.com/helixml/helix-ask/services/ask/textproc"
)

// EvidenceParams are the evidence-gate thresholds.
type EvidenceParams struct {
	MinRatio  float64
	MinTokens int
}

// ClaimParams are the claim-gate thresholds.
type ClaimParams struct {
	Max          int
	MinRatio     float64
	MinTokens    int
	SupportRatio float64
}

// AmbiguityParams tune both ambiguity checks.
type AmbiguityParams struct {
	ShortTokens int
	MaxTerms    int
}

// EvidenceGate checks that the question's content tokens are covered by the
// retrieved context.
//
// Outputs:
//   - float64: The match ratio, recorded for the arbiter.
func EvidenceGate(report *Report, question, contextText string, p EvidenceParams) float64 {
	tokens := questionTokens(question)
	if len(tokens) == 0 {
		report.Add("evidence", true, "no content tokens to check")
		return 1
	}
	matched := tokenCoverage(tokens, contextText)
	ratio := float64(matched) / float64(len(tokens))
	report.Metrics["evidence_match_ratio"] = ratio
	pass := ratio >= p.MinRatio && matched >= p.MinTokens
	note := ""
	if !pass {
		note = fmt.Sprintf("match ratio %.2f (matched %d of %d)", ratio, matched, len(tokens))
	}
	report.Add("evidence", pass, note)
	return ratio
}

// ClaimGate verifies each distilled claim's signal tokens against context.
//
// Description:
//
//	Claims are the distilled evidence items, capped at Max. A claim is
//	supported when at least MinTokens of its signal tokens appear in
//	context and the covered share reaches MinRatio. The gate passes when
//	supported/total reaches SupportRatio.
func ClaimGate(report *Report, claims []string, contextText string, p ClaimParams) {
	if len(claims) == 0 {
		report.Add("claim", true, "no claims distilled")
		return
	}
	if p.Max > 0 && len(claims) > p.Max {
		claims = claims[:p.Max]
	}
	supported := 0
	for _, c := range claims {
		tokens := textproc.Tokenize(c)
		if len(tokens) == 0 {
			continue
		}
		matched := tokenCoverage(tokens, contextText)
		if matched >= p.MinTokens && float64(matched)/float64(len(tokens)) >= p.MinRatio {
			supported++
		}
	}
	ratio := float64(supported) / float64(len(claims))
	report.Metrics["claim_support_ratio"] = ratio
	pass := ratio >= p.SupportRatio
	note := ""
	if !pass {
		note = fmt.Sprintf("supported %d of %d claims", supported, len(claims))
	}
	report.Add("claim", pass, note)
}

// slotVocab is the per-slot signal vocabulary.
var slotVocab = map[plan.Slot][]string{
	plan.SlotVerification: {"verify", "verified", "test", "tests", "assert", "check", "validate"},
	plan.SlotFailurePath:  {"fail", "failure", "error", "fallback", "timeout", "retry", "reject"},
	plan.SlotFlow:         {"pipeline", "stage", "flow", "step", "sequence", "then"},
}

// SlotGate checks every required slot against a slot-specific signal.
func SlotGate(report *Report, slots []plan.Slot, contextText string, contextFiles []string, conceptLabel string) {
	if len(slots) == 0 {
		report.Add("slot", true, "")
		return
	}
	var missing []string
	for _, s := range slots {
		if !slotSatisfied(s, contextText, contextFiles, conceptLabel) {
			missing = append(missing, string(s))
		}
	}
	pass := len(missing) == 0
	note := ""
	if !pass {
		note = "missing slots: " + strings.Join(missing, ", ")
	}
	report.Add("slot", pass, note)
}

func slotSatisfied(s plan.Slot, contextText string, contextFiles []string, conceptLabel string) bool {
	switch s {
	case plan.SlotDefinition:
		if strings.Contains(contextText, "defined as") {
			return true
		}
		return conceptLabel != "" && strings.Contains(contextText, strings.ToLower(conceptLabel))
	case plan.SlotRepoMapping:
		return len(contextFiles) > 0
	default:
		if vocab, ok := slotVocab[s]; ok {
			for _, w := range vocab {
				if strings.Contains(contextText, w) {
					return true
				}
			}
			return false
		}
		return strings.Contains(contextText, strings.ToLower(string(s)))
	}
}

// MustIncludeGate requires at least one hit from every must-include set.
// Sets typically come one from the topic profile and one from plan
// directives; empty sets are skipped.
func MustIncludeGate(report *Report, contextFiles []string, sets [][]string) {
	have := make(map[string]bool, len(contextFiles))
	for _, f := range contextFiles {
		have[f] = true
	}
	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		hit := false
		for _, f := range set {
			if have[f] || suffixHit(contextFiles, f) {
				hit = true
				break
			}
		}
		if !hit {
			report.Add("must_include", false, "no context file from set "+strings.Join(set, "|"))
			return
		}
	}
	report.Add("must_include", true, "")
}

func suffixHit(files []string, want string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, want) || strings.HasSuffix(want, f) {
			return true
		}
	}
	return false
}

// anchorRules maps intent profile ids to the closed anchor path list the
// context must cite. Only listed intents are checked.
var anchorRules = map[string][]string{
	"route_lookup":      {"server/routes/"},
	"constraint_report": {"docs/knowledge/warp-viability.md", "docs/knowledge/"},
}

// VerificationAnchorGate checks the anchor rule for the matched intent.
//
// Outputs:
//   - bool: Whether an anchor rule applied at all.
func VerificationAnchorGate(report *Report, intentID string, contextFiles []string) bool {
	anchors, ok := anchorRules[intentID]
	if !ok {
		return false
	}
	for _, f := range contextFiles {
		for _, a := range anchors {
			if strings.HasPrefix(f, a) || strings.HasSuffix(f, a) {
				report.Add("verification_anchor", true, "")
				return true
			}
		}
	}
	report.Add("verification_anchor", false, "no anchor path in context for "+intentID)
	return true
}

// ResolveAmbiguity is the pre-intent ambiguity check.
//
// Description:
//
//	A very short question with no repo expectation and no strong concept
//	match cannot be answered responsibly; the pipeline must ask instead.
//	Returns the clarifying question and whether the resolver fired.
func ResolveAmbiguity(question string, hints textproc.Hints, best *concepts.Match, margin float64, p AmbiguityParams, minScore, marginMin float64) (string, bool) {
	tokens := questionTokens(question)
	if len(tokens) > p.ShortTokens || hints.HasRepoHints {
		return "", false
	}
	if best != nil && best.Score >= minScore && margin >= marginMin {
		return "", false
	}
	subject := strings.Join(tokens, " ")
	if subject == "" {
		subject = "that"
	}
	return fmt.Sprintf("Could you say more about what you mean by %q? A file path, feature name, or concept would help.", subject), true
}

// AmbiguityGate is the post-retrieval check: question terms absent from
// context force a clarify line when the intent carries obligation.
//
// Outputs:
//   - string: The clarify line, empty when the gate passes.
func AmbiguityGate(report *Report, question, contextText string, obligation bool, p AmbiguityParams) string {
	var missing []string
	for _, t := range questionTokens(question) {
		if !strings.Contains(contextText, t) {
			missing = append(missing, t)
			if len(missing) >= p.MaxTerms {
				break
			}
		}
	}
	if len(missing) == 0 || !obligation {
		pass := len(missing) == 0
		note := ""
		if !pass {
			note = "unmatched terms without obligation: " + strings.Join(missing, ", ")
		}
		report.Add("ambiguity", true, note)
		return ""
	}
	report.Add("ambiguity", false, "unmatched terms: "+strings.Join(missing, ", "))
	return fmt.Sprintf("I could not find %s in the repo evidence. Could you clarify which of these you mean, or point me at a file?",
		strings.Join(missing, ", "))
}
