// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the behavior-affecting environment configuration for
// the Helix Ask engine. All knobs have working defaults; the environment only
// overrides them. Settings are read once at startup and treated as immutable
// for the process lifetime.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Settings holds every tunable the Ask pipeline reads.
//
// Description:
//
//	Grouped by pipeline stage. Loaded once via Load() and passed down by
//	value or pointer; nothing in this struct is mutated after Load returns.
//
// Thread Safety: Immutable after Load; safe for concurrent use.
type Settings struct {
	// Context assembly.

	// ContextFiles is the number of evidence files packed into the prompt.
	ContextFiles int
	// ContextChars is the per-block preview clip length in characters.
	ContextChars int

	// LLM pass toggles.

	// TwoPass enables the evidence-distiller pass before synthesis.
	TwoPass bool
	// MicroPass enables the plan-pass planner micro call.
	MicroPass bool
	// MicroPassAuto lets the pipeline skip the plan pass for trivially
	// routed questions even when MicroPass is on.
	MicroPassAuto bool

	// Long-prompt ingestion.

	// LongPromptTriggerTokens is the attached-prompt size (estimated
	// tokens) at which chunk ingestion kicks in.
	LongPromptTriggerTokens int
	// LongPromptChunkTokens is the approximate chunk size in tokens.
	LongPromptChunkTokens int
	// LongPromptOverlapTokens is the inter-chunk overlap in tokens.
	LongPromptOverlapTokens int
	// LongPromptTopChunks is the number of chunks retrieved per question.
	LongPromptTopChunks int

	// Retrieval fusion.

	// RRFK is the K constant in the reciprocal-rank-fusion formula.
	RRFK int
	// RRFWeightLexical..RRFWeightPath are per-channel fusion weights.
	RRFWeightLexical float64
	RRFWeightSymbol  float64
	RRFWeightFuzzy   float64
	RRFWeightPath    float64
	// MMRLambda trades relevance against diversity in [0,1].
	MMRLambda float64
	// RetrievalRetryMax bounds retrieval retries on an empty context.
	RetrievalRetryMax int

	// Evidence gate.

	// EvidenceMinRatio is the minimum matched/total question-token ratio.
	EvidenceMinRatio float64
	// EvidenceMinTokens is the minimum absolute matched-token count.
	EvidenceMinTokens int
	// EvidenceCritic enables the stricter critic variant of the gate.
	EvidenceCritic bool

	// Claim gate.

	ClaimGateEnabled bool
	// ClaimMax caps the number of claims extracted from the evidence pass.
	ClaimMax int
	// ClaimMinRatio / ClaimMinTokens are per-claim coverage thresholds.
	ClaimMinRatio float64
	ClaimMinTokens int
	// ClaimSupportRatio is the minimum supported/total fraction overall.
	ClaimSupportRatio float64

	// Belief and rattling gates.

	BeliefGateEnabled bool
	// BeliefUnsupportedMax is the maximum unsupported claim rate.
	BeliefUnsupportedMax float64
	RattlingGateEnabled  bool
	// RattlingThreshold is the instability score above which the gate flags.
	RattlingThreshold float64
	// RattlingReject turns the rattling gate from annotate-only to reject.
	RattlingReject bool

	// Ambiguity.

	// AmbiguityShortTokens is the content-token count at or below which a
	// question is considered too short to answer without clarification.
	AmbiguityShortTokens int
	// AmbiguityMaxTerms caps the unknown terms cited in a clarify line.
	AmbiguityMaxTerms int
	// ConceptMinScore / ConceptMarginMin define a "strong" concept match
	// that suppresses the short-question clarifier.
	ConceptMinScore  float64
	ConceptMarginMin float64

	// Arbiter.

	// ArbiterRepoThreshold / ArbiterHybridThreshold split the confidence
	// range into repo_grounded / hybrid / general.
	ArbiterRepoThreshold   float64
	ArbiterHybridThreshold float64

	// Overflow retry.

	// OverflowRetryEnabled gates the context-shrinking retry loop.
	OverflowRetryEnabled bool
	// OverflowRetryPolicy names the step sequence. Only
	// "drop_context_then_drop_output" is defined today.
	OverflowRetryPolicy string
	// LocalContextTokens is the local model's context window in tokens.
	LocalContextTokens int

	// Jobs and streaming.

	// JobTimeout bounds a background Ask job end to end.
	JobTimeout time.Duration
	// JobTTL is the retention period for finished job records.
	JobTTL time.Duration
	// StreamChunkMaxChars / StreamFlushInterval / StreamMaxEvents bound the
	// answer stream emitter.
	StreamChunkMaxChars int
	StreamFlushInterval time.Duration
	StreamMaxEvents     int

	// External collaborator timeouts.

	KnowledgeFetchTimeout time.Duration
	ResonanceBuildTimeout time.Duration
	SaveTaskTraceTimeout  time.Duration

	// Plan cache.

	PlanCacheTTL time.Duration
	PlanCacheMax int

	// Alpha governor.

	// AlphaTarget is the desired live/(live+variant) acceptance ratio.
	AlphaTarget float64
	// AlphaWindow is the trailing trace count the governor inspects.
	AlphaWindow int
}

// Load reads the environment and returns a fully populated Settings.
//
// Description:
//
//	Every field falls back to a tested default when its variable is unset
//	or unparsable. Parse failures are logged at Warn and never fatal: a
//	bad value must not keep the service from starting.
//
// Outputs:
//   - Settings: The effective configuration. Never partially zero.
//
// Thread Safety: Safe to call concurrently; typically called once in main.
func Load() Settings {
	return Settings{
		ContextFiles: envInt("HELIX_ASK_CONTEXT_FILES", 8),
		ContextChars: envInt("HELIX_ASK_CONTEXT_CHARS", 700),

		TwoPass:       envBool("HELIX_ASK_TWO_PASS", true),
		MicroPass:     envBool("HELIX_ASK_MICRO_PASS", true),
		MicroPassAuto: envBool("HELIX_ASK_MICRO_PASS_AUTO", true),

		LongPromptTriggerTokens: envInt("HELIX_ASK_LONGPROMPT_TRIGGER_TOKENS", 6000),
		LongPromptChunkTokens:   envInt("HELIX_ASK_LONGPROMPT_CHUNK_TOKENS", 700),
		LongPromptOverlapTokens: envInt("HELIX_ASK_LONGPROMPT_OVERLAP_TOKENS", 80),
		LongPromptTopChunks:     envInt("HELIX_ASK_LONGPROMPT_TOP_CHUNKS", 6),

		RRFK:              envInt("HELIX_ASK_RRF_K", 60),
		RRFWeightLexical:  envFloat("HELIX_ASK_RRF_WEIGHT_LEXICAL", 1.0),
		RRFWeightSymbol:   envFloat("HELIX_ASK_RRF_WEIGHT_SYMBOL", 0.8),
		RRFWeightFuzzy:    envFloat("HELIX_ASK_RRF_WEIGHT_FUZZY", 0.6),
		RRFWeightPath:     envFloat("HELIX_ASK_RRF_WEIGHT_PATH", 1.5),
		MMRLambda:         envFloat("HELIX_ASK_MMR_LAMBDA", 0.72),
		RetrievalRetryMax: envInt("HELIX_ASK_RETRIEVAL_RETRY_MAX", 1),

		EvidenceMinRatio:  envFloat("HELIX_ASK_EVIDENCE_MIN_RATIO", 0.34),
		EvidenceMinTokens: envInt("HELIX_ASK_EVIDENCE_MIN_TOKENS", 2),
		EvidenceCritic:    envBool("HELIX_ASK_EVIDENCE_CRITIC", false),

		ClaimGateEnabled:  envBool("ENABLE_CLAIM_GATE", true),
		ClaimMax:          envInt("HELIX_ASK_CLAIM_MAX", 8),
		ClaimMinRatio:     envFloat("HELIX_ASK_CLAIM_MIN_RATIO", 0.5),
		ClaimMinTokens:    envInt("HELIX_ASK_CLAIM_MIN_TOKENS", 2),
		ClaimSupportRatio: envFloat("HELIX_ASK_CLAIM_SUPPORT_RATIO", 0.6),

		BeliefGateEnabled:    envBool("ENABLE_BELIEF_GATE", true),
		BeliefUnsupportedMax: envFloat("HELIX_ASK_BELIEF_UNSUPPORTED_MAX", 0.4),
		RattlingGateEnabled:  envBool("ENABLE_RATTLING_GATE", true),
		RattlingThreshold:    envFloat("HELIX_ASK_RATTLING_THRESHOLD", 0.55),
		RattlingReject:       envBool("HELIX_ASK_RATTLING_REJECT", false),

		AmbiguityShortTokens: envInt("HELIX_ASK_AMBIGUITY_SHORT_TOKENS", 3),
		AmbiguityMaxTerms:    envInt("HELIX_ASK_AMBIGUITY_MAX_TERMS", 3),
		ConceptMinScore:      envFloat("HELIX_ASK_CONCEPT_MIN_SCORE", 0.45),
		ConceptMarginMin:     envFloat("HELIX_ASK_CONCEPT_MARGIN_MIN", 0.12),

		ArbiterRepoThreshold:   envFloat("HELIX_ASK_ARBITER_REPO_THRESHOLD", 0.55),
		ArbiterHybridThreshold: envFloat("HELIX_ASK_ARBITER_HYBRID_THRESHOLD", 0.32),

		OverflowRetryEnabled: envBool("HELIX_ASK_OVERFLOW_RETRY", true),
		OverflowRetryPolicy:  envString("HELIX_ASK_OVERFLOW_RETRY_POLICY", "drop_context_then_drop_output"),
		LocalContextTokens:   envInt("HELIX_ASK_LOCAL_CONTEXT_TOKENS", 8192),

		JobTimeout:          envDuration("HELIX_ASK_JOB_TIMEOUT_MS", 120*time.Second),
		JobTTL:              envDuration("HELIX_ASK_JOB_TTL_MS", 15*time.Minute),
		StreamChunkMaxChars: envInt("HELIX_ASK_STREAM_CHUNK_MAX_CHARS", 160),
		StreamFlushInterval: envDuration("HELIX_ASK_STREAM_FLUSH_MS", 250*time.Millisecond),
		StreamMaxEvents:     envInt("HELIX_ASK_STREAM_MAX_EVENTS", 400),

		KnowledgeFetchTimeout: envDuration("HELIX_ASK_KNOWLEDGE_FETCH_TIMEOUT_MS", 5*time.Second),
		ResonanceBuildTimeout: envDuration("HELIX_ASK_RESONANCE_BUILD_TIMEOUT_MS", 10*time.Second),
		SaveTaskTraceTimeout:  envDuration("HELIX_ASK_SAVE_TASK_TRACE_TIMEOUT_MS", 5*time.Second),

		PlanCacheTTL: envDuration("HELIX_ASK_PLAN_CACHE_TTL_MS", 30*time.Minute),
		PlanCacheMax: envInt("HELIX_ASK_PLAN_CACHE_MAX", 256),

		AlphaTarget: envFloat("AGI_REFINERY_ALPHA_TARGET", 0.8),
		AlphaWindow: envInt("AGI_REFINERY_ALPHA_WINDOW", 50),
	}
}

// =============================================================================
// Env parsing helpers
// =============================================================================

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer, using default",
			slog.String("key", key), slog.String("value", v), slog.Int("default", def))
		return def
	}
	return parsed
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config: invalid float, using default",
			slog.String("key", key), slog.String("value", v), slog.Float64("default", def))
		return def
	}
	return parsed
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: invalid bool, using default",
			slog.String("key", key), slog.String("value", v), slog.Bool("default", def))
		return def
	}
	return parsed
}

// envDuration reads a millisecond-valued variable. All *_MS knobs share this.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		slog.Warn("config: invalid duration (ms), using default",
			slog.String("key", key), slog.String("value", v), slog.Duration("default", def))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
