// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// =============================================================================
// Overflow Retry Runner
// =============================================================================

// PolicyDropContextThenDropOutput is the only defined overflow policy:
// first replace the Context: section with an omission line, then shrink
// the output budget to fit the remaining window.
const PolicyDropContextThenDropOutput = "drop_context_then_drop_output"

// contextOmittedLine replaces a dropped Context: section.
const contextOmittedLine = "Context omitted due to overflow."

// contextHeader introduces the droppable context section in prompts.
const contextHeader = "Context:"

// outputFitMargin is the token headroom kept between prompt and window
// after the shrink-output step.
const outputFitMargin = 8

// overflowErrRe recognizes context-window errors from the local endpoint.
// Message wording varies across llama.cpp / Ollama versions, so this matches
// the family rather than one exact string.
var overflowErrRe = regexp.MustCompile(`(?i)(context|ctx|token|prompt too long|max context|n_ctx|exceed)`)

// Step names recorded in the debug trace.
const (
	stepDropContext = "drop_context"
	stepDropOutput  = "drop_output"
)

// Tuning are the per-call sampling controls forwarded with every attempt.
type Tuning struct {
	// Temperature in [0,1]; negative means "use the model default".
	Temperature float64
	// Seed pins sampling when >= 0.
	Seed int
	// Stop are optional stop sequences.
	Stop []string
}

// DefaultTuning leaves sampling at the model defaults.
func DefaultTuning() Tuning {
	return Tuning{Temperature: -1, Seed: -1}
}

// InvokeResult is the outcome of an overflow-managed LLM call.
type InvokeResult struct {
	Text string
	// Applied is true when at least one overflow step ran.
	Applied bool
	// Steps lists the applied step names in order, for debug output.
	Steps []string
	// PromptTokens / MaxTokens are the final (post-step) estimates.
	PromptTokens int
	MaxTokens    int
}

// Runner wraps Client invocations with the overflow retry policy.
//
// Description:
//
//	Before calling the model, the runner predicts whether the prompt plus
//	output budget exceeds the context window (token estimate: ceil(len/4))
//	and applies steps preemptively. If the call still fails with an error
//	matching the context-overflow family, the next applicable step is
//	applied and the call retried; when no step remains, the error
//	propagates.
//
// Thread Safety: Safe for concurrent use; the runner holds no mutable state.
type Runner struct {
	client         Client
	contextTokens  int
	policy         string
	enabled        bool
	logger         *slog.Logger
}

// NewRunner creates an overflow runner over client.
//
// Inputs:
//   - client: The LLM client to wrap. Must not be nil.
//   - contextTokens: The model's context window in tokens.
//   - policy: Overflow policy name; unknown values disable stepping.
//   - enabled: Master switch; when false the runner is a plain passthrough.
func NewRunner(client Client, contextTokens int, policy string, enabled bool, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:        client,
		contextTokens: contextTokens,
		policy:        policy,
		enabled:       enabled,
		logger:        logger,
	}
}

// EstimateTokens approximates the token count of s as ceil(len/4). Exported
// so prompt builders can budget against the same estimator the runner uses.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Invoke runs one completion under the overflow policy.
//
// Inputs:
//   - label: Stage label ("plan", "repo_evidence", "answer", ...) for logs.
//   - prompt: Full prompt text.
//   - maxTokens: Requested output budget.
//   - allowContextDrop: Whether the drop-context step may run. Callers that
//     cannot answer without context (the evidence distiller) pass false.
//
// Outputs:
//   - InvokeResult: Completion text plus the applied-step record.
//   - error: The final unrecoverable error, or nil.
func (r *Runner) Invoke(ctx context.Context, label, prompt string, maxTokens int, allowContextDrop bool) (InvokeResult, error) {
	return r.InvokeTuned(ctx, label, prompt, maxTokens, allowContextDrop, DefaultTuning())
}

// InvokeTuned runs one completion under the overflow policy with explicit
// sampling controls.
func (r *Runner) InvokeTuned(ctx context.Context, label, prompt string, maxTokens int, allowContextDrop bool, tuning Tuning) (InvokeResult, error) {
	res := InvokeResult{MaxTokens: maxTokens}
	prompt = r.applyPredictiveSteps(label, prompt, &res, allowContextDrop)

	for {
		out, err := r.client.Generate(ctx, r.generateRequest(prompt, res.MaxTokens, tuning))
		if err == nil {
			res.Text = out.Text
			res.PromptTokens = EstimateTokens(prompt)
			return res, nil
		}
		if !r.enabled || r.policy != PolicyDropContextThenDropOutput || !overflowErrRe.MatchString(err.Error()) {
			return res, err
		}
		next, applied := r.applyNextStep(prompt, res.MaxTokens, allowContextDrop, res.Steps)
		if !applied {
			return res, fmt.Errorf("overflow steps exhausted for %s: %w", label, err)
		}
		prompt = next.prompt
		res.MaxTokens = next.maxTokens
		res.Steps = append(res.Steps, next.name)
		res.Applied = true
		r.logger.Info("overflow: reactive step applied",
			slog.String("label", label),
			slog.String("step", next.name),
			slog.String("cause", err.Error()),
		)
	}
}

// InvokeStream runs one completion under the overflow policy, delivering
// chunks to emit in arrival order.
//
// Description:
//
//	Predictive overflow steps apply exactly as in InvokeTuned. Reactive
//	steps retry only while nothing has been emitted: once a chunk has left
//	the runner, a retry would duplicate output downstream, so the error
//	propagates instead.
func (r *Runner) InvokeStream(ctx context.Context, label, prompt string, maxTokens int, allowContextDrop bool, tuning Tuning, emit func(chunk string) error) (InvokeResult, error) {
	res := InvokeResult{MaxTokens: maxTokens}
	prompt = r.applyPredictiveSteps(label, prompt, &res, allowContextDrop)

	for {
		var full strings.Builder
		emitted := false
		err := r.client.GenerateStream(ctx, r.generateRequest(prompt, res.MaxTokens, tuning), func(chunk string) error {
			emitted = true
			full.WriteString(chunk)
			return emit(chunk)
		})
		if err == nil {
			res.Text = full.String()
			res.PromptTokens = EstimateTokens(prompt)
			return res, nil
		}
		if emitted || !r.enabled || r.policy != PolicyDropContextThenDropOutput || !overflowErrRe.MatchString(err.Error()) {
			return res, err
		}
		next, applied := r.applyNextStep(prompt, res.MaxTokens, allowContextDrop, res.Steps)
		if !applied {
			return res, fmt.Errorf("overflow steps exhausted for %s: %w", label, err)
		}
		prompt = next.prompt
		res.MaxTokens = next.maxTokens
		res.Steps = append(res.Steps, next.name)
		res.Applied = true
		r.logger.Info("overflow: reactive step applied",
			slog.String("label", label),
			slog.String("step", next.name),
			slog.String("cause", err.Error()),
		)
	}
}

// applyPredictiveSteps shrinks the prompt before the first call.
func (r *Runner) applyPredictiveSteps(label, prompt string, res *InvokeResult, allowContextDrop bool) string {
	if !r.enabled || r.policy != PolicyDropContextThenDropOutput {
		return prompt
	}
	for EstimateTokens(prompt)+res.MaxTokens > r.contextTokens {
		next, applied := r.applyNextStep(prompt, res.MaxTokens, allowContextDrop, res.Steps)
		if !applied {
			break
		}
		prompt = next.prompt
		res.MaxTokens = next.maxTokens
		res.Steps = append(res.Steps, next.name)
		res.Applied = true
		r.logger.Debug("overflow: predictive step applied",
			slog.String("label", label),
			slog.String("step", next.name),
			slog.Int("prompt_tokens", EstimateTokens(prompt)),
			slog.Int("max_tokens", res.MaxTokens),
		)
	}
	return prompt
}

func (r *Runner) generateRequest(prompt string, maxTokens int, tuning Tuning) GenerateRequest {
	return GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: tuning.Temperature,
		Seed:        tuning.Seed,
		Stop:        tuning.Stop,
	}
}

type stepOutcome struct {
	name      string
	prompt    string
	maxTokens int
}

// applyNextStep picks the first step in policy order that has not yet run
// and is applicable to the current prompt.
func (r *Runner) applyNextStep(prompt string, maxTokens int, allowContextDrop bool, done []string) (stepOutcome, bool) {
	ran := make(map[string]bool, len(done))
	for _, s := range done {
		ran[s] = true
	}

	if allowContextDrop && !ran[stepDropContext] {
		if stripped, ok := dropContextSection(prompt); ok {
			return stepOutcome{name: stepDropContext, prompt: stripped, maxTokens: maxTokens}, true
		}
	}
	if !ran[stepDropOutput] {
		fit := r.contextTokens - EstimateTokens(prompt) - outputFitMargin
		if fit > 0 && fit < maxTokens {
			return stepOutcome{name: stepDropOutput, prompt: prompt, maxTokens: fit}, true
		}
	}
	return stepOutcome{}, false
}

// dropContextSection replaces everything between the Context: header and the
// ANSWER_START marker line with the omission line. Returns ok=false when the
// prompt carries no context section to drop.
func dropContextSection(prompt string) (string, bool) {
	start := strings.Index(prompt, contextHeader)
	if start < 0 {
		return prompt, false
	}
	rest := prompt[start:]
	end := strings.Index(rest, AnswerStartMarker)
	if end < 0 {
		// No marker: drop through end of prompt.
		end = len(rest)
	}
	replaced := prompt[:start] + contextHeader + "\n" + contextOmittedLine + "\n" + rest[end:]
	if replaced == prompt {
		return prompt, false
	}
	return replaced, true
}
