// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ask wires the question-answering pipeline: normalization, intent
// and topic routing, plan pass, hybrid retrieval, distillation, synthesis,
// the gate stack, and the answer envelope.
package ask

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helixml/helix-ask/services/ask/answer"
	"github.com/helixml/helix-ask/services/ask/concepts"
	"github.com/helixml/helix-ask/services/ask/config"
	"github.com/helixml/helix-ask/services/ask/gates"
	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/ask/longprompt"
	"github.com/helixml/helix-ask/services/ask/plan"
	"github.com/helixml/helix-ask/services/ask/retrieval"
	"github.com/helixml/helix-ask/services/ask/synthesis"
	"github.com/helixml/helix-ask/services/ask/telemetry"
	"github.com/helixml/helix-ask/services/ask/textproc"
	"github.com/helixml/helix-ask/services/ask/topic"
	"github.com/helixml/helix-ask/services/llm"
)

// AskRequest is the POST /ask body.
type AskRequest struct {
	Prompt      string           `json:"prompt"`
	Question    string           `json:"question"`
	Context     string           `json:"context,omitempty"`
	SearchQuery string           `json:"searchQuery,omitempty"`
	TopK        int              `json:"topK,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Seed        int              `json:"seed,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Tuning      *TuningOverrides `json:"tuning,omitempty"`
	Debug       bool             `json:"debug,omitempty"`
	DryRun      bool             `json:"dryRun,omitempty"`
	Verbosity   string           `json:"verbosity,omitempty"`
	PersonaID   string           `json:"personaId,omitempty"`
	SessionID   string           `json:"sessionId,omitempty"`
	TraceID     string           `json:"traceId,omitempty"`

	// partialSink, when set, receives raw synthesis chunks as the model
	// streams them. Set in-process by the job runner, never over the wire.
	partialSink func(chunk string)
}

// TuningOverrides is the optional nested tuning object. Pointer fields
// distinguish "absent" from zero, so a caller can pin seed 0 or
// temperature 0; set fields win over the flat temperature/seed/stop fields.
type TuningOverrides struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// QuestionText returns the effective question (question wins over prompt).
func (r AskRequest) QuestionText() string {
	if r.Question != "" {
		return r.Question
	}
	return r.Prompt
}

// tuning resolves the request's sampling controls for the synthesis pass.
// Flat fields apply when positive; the nested tuning object overrides them.
func (r AskRequest) tuning() llm.Tuning {
	t := llm.DefaultTuning()
	if r.Temperature > 0 {
		t.Temperature = r.Temperature
	}
	if r.Seed > 0 {
		t.Seed = r.Seed
	}
	if len(r.Stop) > 0 {
		t.Stop = r.Stop
	}
	if r.Tuning != nil {
		if r.Tuning.Temperature != nil {
			t.Temperature = *r.Tuning.Temperature
		}
		if r.Tuning.Seed != nil {
			t.Seed = *r.Tuning.Seed
		}
		if len(r.Tuning.Stop) > 0 {
			t.Stop = r.Tuning.Stop
		}
	}
	return t
}

// AskResponse is the POST /ask reply.
type AskResponse struct {
	Text     string           `json:"text"`
	Envelope *answer.Envelope `json:"envelope,omitempty"`
	Debug    map[string]any   `json:"debug,omitempty"`

	PromptIngested     bool   `json:"prompt_ingested"`
	PromptIngestSource string `json:"prompt_ingest_source,omitempty"`
	PromptIngestReason string `json:"prompt_ingest_reason,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
}

// SnapshotProvider yields the current lattice snapshot; nil means the
// lattice has not loaded yet.
type SnapshotProvider = retrieval.SnapshotProvider

// Service owns the Ask pipeline.
//
// Description:
//
//	One Service serves all requests; every per-request value lives on the
//	stack of Ask. Collaborators are injected once at construction. The
//	warm flag gates traffic until the lattice snapshot and the intent
//	directory have loaded.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	cfg    config.Settings
	logger *slog.Logger

	runner    *llm.Runner
	intents   *intent.Directory
	cards     *concepts.Store
	retriever *retrieval.Retriever
	planner   *plan.Planner
	ingester  *longprompt.Ingester
	distiller *synthesis.Distiller
	synth     *synthesis.Synthesizer
	repairer  *synthesis.Repairer

	warm atomic.Bool
}

// NewService wires the pipeline from its collaborators.
func NewService(cfg config.Settings, runner *llm.Runner, snap SnapshotProvider, intents *intent.Directory, cards *concepts.Store, docsRoot string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	params := retrieval.Params{
		RRFK:          cfg.RRFK,
		WeightLexical: cfg.RRFWeightLexical,
		WeightSymbol:  cfg.RRFWeightSymbol,
		WeightFuzzy:   cfg.RRFWeightFuzzy,
		WeightPath:    cfg.RRFWeightPath,
		MMRLambda:     cfg.MMRLambda,
		PreviewChars:  cfg.ContextChars,
		DefaultTopK:   cfg.ContextFiles,
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		runner:    runner,
		intents:   intents,
		cards:     cards,
		retriever: retrieval.NewRetriever(snap, params, docsRoot, logger),
		ingester: longprompt.New(cfg.LongPromptTriggerTokens, cfg.LongPromptChunkTokens,
			cfg.LongPromptOverlapTokens, cfg.LongPromptTopChunks, cfg.MMRLambda),
		distiller: synthesis.NewDistiller(runner, logger),
		synth:     synthesis.NewSynthesizer(runner, logger),
		repairer:  synthesis.NewRepairer(runner, logger),
	}
	if cfg.MicroPass {
		s.planner = plan.NewPlanner(runner, logger)
	}
	return s
}

// SetWarm marks the service ready to serve Ask traffic.
func (s *Service) SetWarm(ready bool) { s.warm.Store(ready) }

// Warm reports whether the service accepts Ask traffic.
func (s *Service) Warm() bool { return s.warm.Load() }

// Ask runs the full pipeline for one request.
func (s *Service) Ask(ctx context.Context, req AskRequest) AskResponse {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "ask.pipeline")
	defer span.End()

	if req.TraceID == "" {
		req.TraceID = telemetry.SpanTraceID(ctx)
	}

	question := textproc.NormalizePrompt(req.QuestionText())
	hints := textproc.DetectHints(question)
	report := gates.NewReport()
	debug := map[string]any{}

	// Pre-intent ambiguity: too-short questions without a repo expectation
	// or a strong concept match get a clarifying question, not an answer.
	var best *concepts.Match
	var margin float64
	if s.cards != nil {
		if m, mg, ok := s.cards.Best(question); ok {
			best, margin = &m, mg
		}
	}
	ambParams := gates.AmbiguityParams{ShortTokens: s.cfg.AmbiguityShortTokens, MaxTerms: s.cfg.AmbiguityMaxTerms}
	if line, clarify := gates.ResolveAmbiguity(question, hints, best, margin,
		ambParams, s.cfg.ConceptMinScore, s.cfg.ConceptMarginMin); clarify {
		report.Add("ambiguity_resolver", false, "question too short to route")
		return s.clarifyResponse(line, req, report, debug)
	}

	profile, matchReason := s.intents.Match(question, intent.CallerHints{
		HasRepoHints:     hints.HasRepoHints,
		HasFilePathHints: hints.HasFilePathHints,
	})
	spec := synthesis.ResolveFormat(profile, question)
	topicProfile := topic.ProfileFor(topic.Classify(question, req.SearchQuery))
	if req.Debug {
		debug["intent"] = profile.ID
		debug["intent_reason"] = matchReason
		debug["format"] = string(spec.Format)
	}
	span.SetAttributes(attribute.String("intent", profile.ID))

	// Long-prompt ingestion replaces repo retrieval when a large prompt is
	// attached: evidence comes from the prompt itself.
	var pack retrieval.EvidencePack
	ingested := false
	ingestReason := ""
	if req.Context != "" && s.ingester.ShouldIngest(req.Context, s.contextCapacityTokens(req)) {
		ingested = true
		ingestReason = "threshold"
		if textproc.EstimateTokens(req.Context) < s.cfg.LongPromptTriggerTokens {
			ingestReason = "overflow"
		}
		chunks := s.ingester.Ingest(req.Context)
		pack = s.ingester.Retrieve(chunks, question, []string{question, req.SearchQuery})
		if req.Debug {
			debug["longprompt_chunks"] = len(chunks)
		}
	}

	if req.DryRun {
		return AskResponse{
			DryRun:             true,
			PromptIngested:     ingested,
			PromptIngestSource: ingestSource(ingested),
			PromptIngestReason: ingestReason,
			Debug:              debugOrNil(req, debug),
		}
	}

	// Plan pass (micro LLM call) refines queries and scope.
	var directives plan.Directives
	queries := []string{question}
	if req.SearchQuery != "" {
		queries = append(queries, req.SearchQuery)
	}
	if s.planner != nil && !ingested && !s.skipPlanPass(profile) {
		started := time.Now()
		d, planDebug, err := s.planner.Plan(ctx, question, queries)
		telemetry.RecordStage("plan_pass", time.Since(started))
		if err != nil {
			s.logger.Warn("plan pass failed, continuing unplanned", slog.String("error", err.Error()))
		} else {
			directives = d
			queries = d.Queries
			if req.Debug {
				debug["plan"] = d.String()
				debug["plan_overflow_steps"] = planDebug.OverflowSteps
			}
		}
		if directives.ClarifyQuestion != "" {
			report.Add("plan_clarify", false, "planner asked for clarification")
			return s.clarifyResponse(directives.ClarifyQuestion, req, report, debug)
		}
	}

	if !ingested {
		started := time.Now()
		pack = s.retrieve(ctx, question, queries, req.TopK, topicProfile, directives)
		telemetry.RecordStage("retrieval", time.Since(started))
	}
	for ch, n := range pack.Metrics.ChannelHits {
		for i := 0; i < n; i++ {
			telemetry.RecordChannelHit(string(ch))
		}
	}

	// Gate stack over the accumulated evidence.
	contextText := gates.ContextText(pack)
	matchRatio := gates.EvidenceGate(report, question, contextText, gates.EvidenceParams{
		MinRatio:  s.cfg.EvidenceMinRatio,
		MinTokens: s.cfg.EvidenceMinTokens,
	})
	gates.MustIncludeGate(report, pack.Metrics.Files, mustIncludeSets(topicProfile, directives))
	conceptLabel := ""
	if best != nil {
		conceptLabel = best.Card.Name
	}
	gates.SlotGate(report, directives.RequiredSlots, contextText, pack.Metrics.Files, conceptLabel)
	gates.VerificationAnchorGate(report, profile.ID, pack.Metrics.Files)

	obligation := hints.HasRepoHints || hints.HasFilePathHints || profile.Evidence.RequireCitations
	if line := gates.AmbiguityGate(report, question, contextText, obligation, ambParams); line != "" {
		return s.clarifyResponse(line, req, report, debug)
	}

	// Missing required slots violate the planner's obligation the same way
	// a missed must-include does: the arbiter downgrades the mode.
	obligationViolated := (obligation && (pack.Empty() || !pack.Metrics.MustIncludeOK)) ||
		!report.Passed("slot")
	conf := gates.ComputeConfidence(pack.Metrics, matchRatio)
	mode := gates.Arbitrate(report, conf, obligationViolated, gates.ArbiterParams{
		RepoThreshold:   s.cfg.ArbiterRepoThreshold,
		HybridThreshold: s.cfg.ArbiterHybridThreshold,
	})
	if req.Debug {
		debug["confidence"] = conf
		debug["mode"] = string(mode)
	}
	if mode == gates.ModeClarify {
		// Obligation clarify short-circuits synthesis entirely.
		return s.clarifyResponse(gates.ClarifyRepoEvidence, req, report, debug)
	}

	text, evidence := s.compose(ctx, question, pack, profile, spec, req, report, debug)

	// Platonic gates run on the final text; they annotate or rewrite,
	// never raise.
	started := time.Now()
	text = gates.LintAnswer(report, text)
	text = gates.EnforceFormat(report, text, question, spec)
	if s.cfg.BeliefGateEnabled {
		gates.BeliefGate(report, text, evidence, s.cfg.BeliefUnsupportedMax)
	}
	if s.cfg.RattlingGateEnabled {
		text = s.applyRattling(report, text)
	}
	telemetry.RecordStage("gates", time.Since(started))
	for _, g := range report.Gates {
		if !g.Pass {
			telemetry.RecordGateFailure(g.Name)
		}
	}

	text = answer.Clean(text)
	env := answer.BuildEnvelope(text, spec, profile, pack.Metrics.Files, req.TraceID)
	telemetry.RecordRequest(string(mode))
	if req.Debug {
		debug["gates"] = report
	}

	return AskResponse{
		Text:               text,
		Envelope:           &env,
		Debug:              debugOrNil(req, debug),
		PromptIngested:     ingested,
		PromptIngestSource: ingestSource(ingested),
		PromptIngestReason: ingestReason,
	}
}

// compose runs distillation, synthesis, and citation repair.
func (s *Service) compose(ctx context.Context, question string, pack retrieval.EvidencePack, profile intent.Profile, spec synthesis.FormatSpec, req AskRequest, report *gates.Report, debug map[string]any) (string, []string) {
	// The pipeline-overview intent has a fixed, always-correct answer; a
	// model pass could only make it worse.
	if profile.Strategy == intent.StrategyPipelineOverview {
		return buildPipelineAnswer(), nil
	}

	var evidence []string
	if s.cfg.TwoPass && !pack.Empty() {
		started := time.Now()
		dres, err := s.distiller.Distill(ctx, question, pack, spec)
		telemetry.RecordStage("distill", time.Since(started))
		if err != nil {
			s.logger.Warn("distill pass failed, synthesizing from raw context", slog.String("error", err.Error()))
		} else {
			evidence = dres.Items
			recordOverflow(dres.OverflowSteps)
			if s.cfg.ClaimGateEnabled {
				gates.ClaimGate(report, evidence, gates.ContextText(pack), gates.ClaimParams{
					Max:          s.cfg.ClaimMax,
					MinRatio:     s.cfg.ClaimMinRatio,
					MinTokens:    s.cfg.ClaimMinTokens,
					SupportRatio: s.cfg.ClaimSupportRatio,
				})
			}
		}
	}

	started := time.Now()
	var sres synthesis.SynthesisResult
	var err error
	if req.partialSink != nil {
		sres, err = s.synth.SynthesizeStream(ctx, question, evidence, pack, spec, req.MaxTokens, req.tuning(), req.partialSink)
	} else {
		sres, err = s.synth.Synthesize(ctx, question, evidence, pack, spec, req.MaxTokens, req.tuning())
	}
	telemetry.RecordStage("synthesis", time.Since(started))
	if err != nil {
		s.logger.Error("synthesis failed", slog.String("error", err.Error()))
		report.Add("synthesis", false, "model call failed")
		return gates.ClarifyRepoEvidence, evidence
	}
	recordOverflow(sres.OverflowSteps)
	if req.Debug && sres.MarkerMissing {
		debug["marker_missing"] = true
	}

	text := sres.Text
	if len(pack.Metrics.Files) > 0 {
		started = time.Now()
		rres := s.repairer.Repair(ctx, text, profile, pack.Metrics.Files)
		telemetry.RecordStage("repair", time.Since(started))
		text = rres.Text
		if req.Debug && rres.Fired {
			debug["citation_repair_fired"] = true
		}
	}
	return text, evidence
}

// retrieve runs retrieval, retrying once with relaxed scope on an empty
// pack.
func (s *Service) retrieve(ctx context.Context, question string, queries []string, topK int, topicProfile *topic.Profile, directives plan.Directives) retrieval.EvidencePack {
	req := retrieval.Request{
		Question: question,
		Queries:  queries,
		TopK:     topK,
		Topic:    topicProfile,
		Scope:    scopeFrom(directives),
	}
	pack := s.retriever.Retrieve(ctx, req)
	for try := 0; pack.Empty() && try < s.cfg.RetrievalRetryMax; try++ {
		// Relax: drop plan scope, widen to the full snapshot.
		req.Scope = retrieval.PlanScope{}
		req.Topic = nil
		pack = s.retriever.Retrieve(ctx, req)
	}
	return pack
}

// applyRattling runs the rattling gate and, in reject mode, swaps an
// unstable answer for the clarify line.
func (s *Service) applyRattling(report *gates.Report, text string) string {
	gates.RattlingGate(report, text, gates.RattlingParams{
		Threshold: s.cfg.RattlingThreshold,
		Reject:    s.cfg.RattlingReject,
	})
	if s.cfg.RattlingReject && !report.Passed("rattling") {
		return gates.ClarifyRepoEvidence
	}
	return text
}

func (s *Service) clarifyResponse(line string, req AskRequest, report *gates.Report, debug map[string]any) AskResponse {
	telemetry.RecordRequest(string(gates.ModeClarify))
	env := answer.Envelope{
		AnswerText: line,
		Format:     synthesis.FormatBrief,
		Mode:       answer.ModeBrief,
		TraceID:    req.TraceID,
	}
	if req.Debug {
		debug["gates"] = report
	}
	return AskResponse{Text: line, Envelope: &env, Debug: debugOrNil(req, debug)}
}

// skipPlanPass suppresses the micro pass for trivially routed questions.
func (s *Service) skipPlanPass(profile intent.Profile) bool {
	if !s.cfg.MicroPassAuto {
		return false
	}
	return profile.Strategy == intent.StrategyPipelineOverview ||
		profile.Strategy == intent.StrategyConceptDefinition
}

func (s *Service) contextCapacityTokens(req AskRequest) int {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return s.cfg.LocalContextTokens - maxTokens
}

// scopeFrom maps plan directives onto the retrieval scope.
func scopeFrom(d plan.Directives) retrieval.PlanScope {
	scope := retrieval.PlanScope{MustIncludeGlobs: d.MustIncludeGlobs}
	for _, surf := range d.PreferredSurfaces {
		switch surf {
		case plan.SurfaceDocs, plan.SurfaceKnowledge:
			scope.DocsFirst = true
			scope.DocsAllowlist = append(scope.DocsAllowlist, "docs/")
		case plan.SurfaceEthos:
			scope.DocsFirst = true
			scope.DocsAllowlist = append(scope.DocsAllowlist, "docs/ethos/")
		}
	}
	for _, surf := range d.AvoidSurfaces {
		switch surf {
		case plan.SurfaceTests:
			scope.Avoidlist = append(scope.Avoidlist, "_test.", "test/", "tests/")
		case plan.SurfaceDocs:
			scope.Avoidlist = append(scope.Avoidlist, "docs/")
		}
	}
	if len(d.PathHints) > 0 {
		scope.AllowlistTiers = append(scope.AllowlistTiers, d.PathHints)
	}
	return scope
}

// mustIncludeSets merges the topic's and the planner's must-include
// obligations into per-source sets.
func mustIncludeSets(p *topic.Profile, d plan.Directives) [][]string {
	var sets [][]string
	if p != nil && len(p.MustIncludeFiles) > 0 {
		for _, f := range p.MustIncludeFiles {
			sets = append(sets, []string{f})
		}
	}
	if len(d.MustIncludeGlobs) > 0 {
		sets = append(sets, d.MustIncludeGlobs)
	}
	return sets
}

func recordOverflow(steps []string) {
	for _, step := range steps {
		telemetry.RecordOverflowStep(step)
	}
}

func ingestSource(ingested bool) string {
	if ingested {
		return "attached_context"
	}
	return ""
}

func debugOrNil(req AskRequest, debug map[string]any) map[string]any {
	if !req.Debug || len(debug) == 0 {
		return nil
	}
	return debug
}
