// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"strings"

	"github.com/helixml/helix-ask/services/ask/retrieval"
	"github.com/helixml/helix-ask/services/llm"
)

// uiPathRe-adjacent exclusion: client UI paths are omitted from evidence
// context when the question is not about the UI, so distilled bullets
// cannot cite them.
var uiPathPrefixes = []string{"client/", "ui/", "frontend/"}

// questionMentionsUI reports whether the question asks about the UI surface.
func questionMentionsUI(question string) bool {
	lower := strings.ToLower(question)
	for _, w := range []string{"ui", "component", "frontend", "client", "pill", "button", "render"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// writeContext appends the evidence pack as the droppable Context: section.
// The section header must match the overflow runner's expectations.
func writeContext(sb *strings.Builder, pack retrieval.EvidencePack, question string) {
	includeUI := questionMentionsUI(question)
	sb.WriteString("Context:\n")
	for _, b := range pack.Blocks {
		if !includeUI && hasUIPrefix(b.Header) {
			continue
		}
		sb.WriteString("--- " + b.Header + "\n")
		sb.WriteString(b.Preview)
		sb.WriteString("\n")
	}
}

func hasUIPrefix(path string) bool {
	for _, p := range uiPathPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// buildEvidencePrompt writes the distiller prompt: 4-9 cited items, no prose
// outside the list.
func buildEvidencePrompt(question string, pack retrieval.EvidencePack, spec FormatSpec) string {
	var sb strings.Builder
	sb.WriteString("You are distilling repo evidence for a question.\n")
	sb.WriteString("Emit 4 to 9 short bullets or numbered items. Each item must cite one file path or chunk id that appears in the context below, written exactly as it appears. No preamble, no prose outside the list.\n")
	if spec.StageTags {
		sb.WriteString("Prefix each item with its pipeline stage in square brackets, e.g. [retrieval].\n")
	}
	sb.WriteString("\nQuestion: " + question + "\n\n")
	writeContext(&sb, pack, question)
	sb.WriteString("\nEvidence:\n")
	return sb.String()
}

// buildSynthesisPrompt writes the answer prompt under the format contract.
// The model must wrap the answer in the ANSWER_START/ANSWER_END markers.
func buildSynthesisPrompt(question string, evidence []string, pack retrieval.EvidencePack, spec FormatSpec) string {
	var sb strings.Builder
	sb.WriteString("Answer the question using only the evidence and context below. Do not introduce claims that are not supported by them.\n")
	switch spec.Format {
	case FormatSteps:
		sb.WriteString("Format: a numbered list of 6 to 9 steps, each 2-3 sentences, followed by a final paragraph beginning \"In practice,\".\n")
	case FormatCompare:
		sb.WriteString("Format: 1-2 short paragraphs; add a short bullet list only when contrasting alternatives. No numbered steps.\n")
	default:
		sb.WriteString("Format: 1-2 short paragraphs. No numbered steps, no headings.\n")
	}
	if spec.TwoParagraphs {
		sb.WriteString("The answer must be exactly two short paragraphs.\n")
	}
	sb.WriteString("Write the answer between " + llm.AnswerStartMarker + " and " + llm.AnswerEndMarker + " markers, each on its own line.\n")
	sb.WriteString("\nQuestion: " + question + "\n")
	if len(evidence) > 0 {
		sb.WriteString("\nEvidence:\n")
		for _, e := range evidence {
			sb.WriteString("- " + e + "\n")
		}
	}
	sb.WriteString("\n")
	writeContext(&sb, pack, question)
	sb.WriteString("\n" + llm.AnswerStartMarker + "\n")
	return sb.String()
}

// buildRepairPrompt writes the citation-fixer prompt. The fixer may only
// insert citations from the allowed list; new claims and steps are forbidden.
func buildRepairPrompt(answer string, evidencePaths []string) string {
	var sb strings.Builder
	sb.WriteString("The answer below is missing file citations. Insert citations in parentheses from the allowed list where the answer states something those files support.\n")
	sb.WriteString("Do not add, remove, or reorder claims or steps. Do not cite anything outside the allowed list. Return the full corrected answer between " + llm.AnswerStartMarker + " and " + llm.AnswerEndMarker + ".\n")
	sb.WriteString("\nAllowed citations:\n")
	for _, p := range evidencePaths {
		sb.WriteString("- " + p + "\n")
	}
	sb.WriteString("\nAnswer:\n" + answer + "\n\n" + llm.AnswerStartMarker + "\n")
	return sb.String()
}
