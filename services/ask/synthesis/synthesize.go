// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"context"
	"log/slog"
	"strings"

	"github.com/helixml/helix-ask/services/llm"
	"github.com/helixml/helix-ask/services/ask/retrieval"
)

// defaultAnswerTokens is the synthesis output budget when the request does
// not set one.
const defaultAnswerTokens = 1024

// Synthesizer runs the final answer pass.
//
// Thread Safety: Safe for concurrent use.
type Synthesizer struct {
	runner *llm.Runner
	logger *slog.Logger
}

// NewSynthesizer creates a Synthesizer over the overflow runner.
func NewSynthesizer(runner *llm.Runner, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{runner: runner, logger: logger}
}

// SynthesisResult is the answer pass output plus debug metadata.
type SynthesisResult struct {
	Text string
	// MarkerMissing is true when the model never emitted the answer
	// markers and the whole completion was used as a fallback.
	MarkerMissing bool
	OverflowSteps []string
}

// Synthesize runs the answer pass under the format contract.
//
// Description:
//
//	The answer is extracted between the ANSWER_START/ANSWER_END markers.
//	A missing end marker truncates at end of text; a missing start marker
//	falls back to the full completion with MarkerMissing set, since a
//	usable unmarked answer beats a hard failure. Context dropping is
//	allowed here: the evidence items stay in the prompt either way.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, evidence []string, pack retrieval.EvidencePack, spec FormatSpec, maxTokens int, tuning llm.Tuning) (SynthesisResult, error) {
	if maxTokens <= 0 {
		maxTokens = defaultAnswerTokens
	}
	prompt := buildSynthesisPrompt(question, evidence, pack, spec)
	res, err := s.runner.InvokeTuned(ctx, "answer", prompt, maxTokens, true, tuning)
	if err != nil {
		return SynthesisResult{}, err
	}
	return s.extractResult(res)
}

// SynthesizeStream runs the answer pass streaming raw completion chunks to
// sink as they arrive. Marker extraction happens on the assembled text
// exactly as in Synthesize; the sink sees the unextracted stream, markers
// included, so a downstream marker state machine can carve out the answer.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, question string, evidence []string, pack retrieval.EvidencePack, spec FormatSpec, maxTokens int, tuning llm.Tuning, sink func(chunk string)) (SynthesisResult, error) {
	if maxTokens <= 0 {
		maxTokens = defaultAnswerTokens
	}
	prompt := buildSynthesisPrompt(question, evidence, pack, spec)
	res, err := s.runner.InvokeStream(ctx, "answer", prompt, maxTokens, true, tuning, func(chunk string) error {
		sink(chunk)
		return nil
	})
	if err != nil {
		return SynthesisResult{}, err
	}
	return s.extractResult(res)
}

func (s *Synthesizer) extractResult(res llm.InvokeResult) (SynthesisResult, error) {
	text, found := ExtractAnswer(res.Text)
	out := SynthesisResult{
		Text:          text,
		MarkerMissing: !found,
		OverflowSteps: res.Steps,
	}
	if !found {
		s.logger.Warn("synthesize: answer markers missing, using full completion",
			slog.Int("chars", len(res.Text)))
	}
	return out, nil
}

// ExtractAnswer pulls the text between the answer markers.
//
// Outputs:
//   - string: The extracted answer (or the trimmed full text on fallback).
//   - bool: Whether a start marker was found.
func ExtractAnswer(raw string) (string, bool) {
	body := raw
	start := strings.Index(body, llm.AnswerStartMarker)
	if start < 0 {
		return strings.TrimSpace(stripDanglingEndMarker(body)), false
	}
	body = body[start+len(llm.AnswerStartMarker):]
	if end := strings.Index(body, llm.AnswerEndMarker); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// stripDanglingEndMarker removes a lone end marker; models occasionally emit
// the close without the open when the prompt already contained the opener.
func stripDanglingEndMarker(s string) string {
	return strings.ReplaceAll(s, llm.AnswerEndMarker, "")
}
