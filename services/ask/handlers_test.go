// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/ask/jobs"
	"github.com/helixml/helix-ask/services/ask/orchestrator"
	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
	"github.com/helixml/helix-ask/services/ask/toollog"
	"github.com/helixml/helix-ask/services/ask/trajectory"
	"github.com/helixml/helix-ask/services/llm"
)

type harness struct {
	router   *gin.Engine
	handlers *Handlers
	svc      *Service
	client   *cannedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := &cannedClient{texts: []string{
		llm.AnswerStartMarker + "The plan cache stores compiled plans under a TTL (server/services/ask/plan-cache.ts)." + llm.AnswerEndMarker,
		llm.AnswerStartMarker + "The plan cache stores compiled plans under a TTL (server/services/ask/plan-cache.ts)." + llm.AnswerEndMarker,
		llm.AnswerStartMarker + "The plan cache stores compiled plans under a TTL (server/services/ask/plan-cache.ts)." + llm.AnswerEndMarker,
	}}
	h := newHarnessWith(t, client)
	h.client = client
	return h
}

func newHarnessWith(t *testing.T, client llm.Client) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := minimalConfig()
	cfg.JobTimeout = 5 * time.Second
	cfg.JobTTL = time.Minute
	// Small chunks and a short flush interval so partials land promptly.
	cfg.StreamChunkMaxChars = 16
	cfg.StreamFlushInterval = time.Millisecond
	svc := newTestService(t, cfg, client)

	db, err := badgerstore.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	traceStore, err := trajectory.NewStore(context.Background(), db, nil)
	require.NoError(t, err)
	gov := trajectory.NewGovernor(traceStore, 0.8, 50, nil)
	emitter := trajectory.NewEmitter(traceStore, gov, nil)

	jobStore := jobs.NewStore(db, cfg.JobTTL, nil)
	orch := orchestrator.NewOrchestrator(fixedSnap{askSnapshot(t)}, nil,
		orchestrator.NewPlanCache(0, 0), traceStore, nil)
	logs := toollog.NewStore(64, nil)
	limiter := toollog.NewIngestLimiter(1, 2, time.Minute)
	runner := llm.NewRunner(client, cfg.LocalContextTokens, "drop_context_then_drop_output", false, nil)

	h := NewHandlers(svc, jobStore, orch, emitter, gov, logs, limiter, runner, fixedSnap{askSnapshot(t)}, cfg, nil)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), h)
	return &harness{router: router, handlers: h, svc: svc}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestWarmupGuardBlocksColdService(t *testing.T) {
	h := newHarness(t)
	h.svc.SetWarm(false)

	w := h.do(t, http.MethodPost, "/v1/ask", AskRequest{Question: "anything"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "warming_up", resp.Error)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/ask/health", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/ask/ready", nil).Code)

	h.svc.SetWarm(false)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/v1/ask/ready", nil).Code)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/ask", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, w).Error)
}

func TestAskReturnsEnvelope(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/ask", AskRequest{
		Question: "How is the plan cache implemented in the server?",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[AskResponse](t, w)
	require.NotNil(t, resp.Envelope)
	assert.Contains(t, resp.Text, "plan cache")
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/ask/jobs", AskRequest{
		Question: "How is the plan cache implemented in the server?",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[map[string]any](t, w)
	jobID, _ := accepted["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, string(jobs.StatusQueued), accepted["status"])

	var job jobs.Job
	require.Eventually(t, func() bool {
		poll := h.do(t, http.MethodGet, "/v1/ask/jobs/"+jobID, nil)
		if poll.Code != http.StatusOK {
			return false
		}
		job = decode[jobs.Job](t, poll)
		return job.Status == jobs.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Text, "plan cache")
	// Streamed partials never run ahead of the final text.
	assert.True(t, len(job.PartialText) <= len(job.Result.Text))
}

// gatedStreamClient streams the answer in two halves, holding the second
// half back until release is closed.
type gatedStreamClient struct {
	release chan struct{}
}

func (g *gatedStreamClient) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	var sb bytes.Buffer
	err := g.GenerateStream(ctx, req, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	return llm.GenerateResponse{Text: sb.String()}, err
}

func (g *gatedStreamClient) GenerateStream(_ context.Context, _ llm.GenerateRequest, emit func(string) error) error {
	if err := emit(llm.AnswerStartMarker + "\nThe plan cache keeps compiled plans under a TTL (server/services/ask/plan-cache.ts)."); err != nil {
		return err
	}
	<-g.release
	return emit(" Entries expire and are rebuilt on demand.\n" + llm.AnswerEndMarker)
}

func TestJobStreamsPartialsWhileRunning(t *testing.T) {
	client := &gatedStreamClient{release: make(chan struct{})}
	h := newHarnessWith(t, client)

	w := h.do(t, http.MethodPost, "/v1/ask/jobs", AskRequest{
		Question: "How is the plan cache implemented in the server?",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID, _ := decode[map[string]any](t, w)["jobId"].(string)
	require.NotEmpty(t, jobID)

	// Partial text must accumulate while the model is still mid-stream.
	var job jobs.Job
	require.Eventually(t, func() bool {
		poll := h.do(t, http.MethodGet, "/v1/ask/jobs/"+jobID, nil)
		if poll.Code != http.StatusOK {
			return false
		}
		job = decode[jobs.Job](t, poll)
		return job.Status == jobs.StatusRunning && strings.Contains(job.PartialText, "plan cache")
	}, 3*time.Second, 10*time.Millisecond, "partials should land before the stream finishes")
	assert.Nil(t, job.Result)

	close(client.release)
	require.Eventually(t, func() bool {
		poll := h.do(t, http.MethodGet, "/v1/ask/jobs/"+jobID, nil)
		if poll.Code != http.StatusOK {
			return false
		}
		job = decode[jobs.Job](t, poll)
		return job.Status == jobs.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Text, "rebuilt on demand")
	// The terminal record keeps the prefix invariant even though the final
	// text is post-processed.
	assert.True(t, strings.HasPrefix(job.Result.Text, job.PartialText) || job.PartialText == job.Result.Text)
}

func TestGetJobNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/ask/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job_not_found", decode[ErrorResponse](t, w).Error)
}

func TestPlanThenDebugLookup(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/plan", PlanRequest{Goal: "explain the plan cache"})
	require.Equal(t, http.StatusOK, w.Code)
	record := decode[orchestrator.PlanRecord](t, w)
	require.NotEmpty(t, record.TraceID)
	assert.NotEmpty(t, record.ExecutorSteps)

	debugW := h.do(t, http.MethodGet, "/v1/pipeline/last-plan-debug?traceId="+record.TraceID, nil)
	require.Equal(t, http.StatusOK, debugW.Code)

	missing := h.do(t, http.MethodGet, "/v1/pipeline/last-plan-debug?traceId=unknown", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestExecuteRunsPlanEndToEnd(t *testing.T) {
	h := newHarness(t)

	planW := h.do(t, http.MethodPost, "/v1/plan", PlanRequest{
		Goal: "how is the plan cache implemented in the server",
	})
	require.Equal(t, http.StatusOK, planW.Code)
	record := decode[orchestrator.PlanRecord](t, planW)

	execW := h.do(t, http.MethodPost, "/v1/execute", ExecuteRequest{TraceID: record.TraceID})
	require.Equal(t, http.StatusOK, execW.Code)
	result := decode[orchestrator.ExecResult](t, execW)
	assert.Empty(t, result.Failure, "body: %s", execW.Body.String())
	assert.Len(t, result.Steps, 3)
	assert.Contains(t, result.FinalText, `"answer"`)
	assert.Contains(t, result.FinalText, `"citations"`)
}

func TestExecuteDeniesVariantOnEmptyWindow(t *testing.T) {
	h := newHarness(t)

	planW := h.do(t, http.MethodPost, "/v1/plan", PlanRequest{
		Goal:   "explain the plan cache",
		Origin: string(trajectory.OriginVariant),
	})
	require.Equal(t, http.StatusOK, planW.Code)
	record := decode[orchestrator.PlanRecord](t, planW)

	// No live trajectories yet, so the variant budget is zero.
	execW := h.do(t, http.MethodPost, "/v1/execute", ExecuteRequest{TraceID: record.TraceID})
	require.Equal(t, http.StatusConflict, execW.Code)
	body := decode[map[string]any](t, execW)
	assert.Equal(t, "alpha_governor_engaged", body["error"])
	assert.Equal(t, 0.8, body["alphaTarget"])
	assert.Contains(t, body, "alphaRun")
	assert.Contains(t, body, "alphaLive")
	assert.Contains(t, body, "alphaVariant")
}

func TestExecuteUnknownTrace(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/execute", ExecuteRequest{TraceID: "missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "trace_not_found", decode[ErrorResponse](t, w).Error)
}

func TestToolLogIngestAndList(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/tools/logs/ingest", IngestEventRequest{
		Tenant: "acme", Tool: "repo-retrieve", Message: "retrieved 3 files",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	list := h.do(t, http.MethodGet, "/v1/tools/logs?tool=repo-retrieve", nil)
	require.Equal(t, http.StatusOK, list.Code)
	body := decode[map[string][]toollog.Event](t, list)
	require.Len(t, body["events"], 1)
	assert.Equal(t, "retrieved 3 files", body["events"][0].Message)
}

func TestToolLogIngestRateLimited(t *testing.T) {
	h := newHarness(t)

	// Burst of 2 per tenant; the third hits the limiter.
	for i := 0; i < 2; i++ {
		w := h.do(t, http.MethodPost, "/v1/tools/logs/ingest", IngestEventRequest{
			Tenant: "noisy", Tool: "helix-ask", Message: "event",
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := h.do(t, http.MethodPost, "/v1/tools/logs/ingest", IngestEventRequest{
		Tenant: "noisy", Tool: "helix-ask", Message: "event",
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "ingest_rate_limited", decode[ErrorResponse](t, w).Error)
}

func TestConsoleTelemetryRoundTrip(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/console/telemetry", map[string]any{
		"badges": map[string]any{"asks": 12},
		"panels": map[string]any{"latency": []int{10, 20}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	badges := h.do(t, http.MethodGet, "/v1/telemetry/badges", nil)
	require.Equal(t, http.StatusOK, badges.Code)
	assert.Contains(t, badges.Body.String(), `"asks":12`)

	panels := h.do(t, http.MethodGet, "/v1/telemetry/panels", nil)
	require.Equal(t, http.StatusOK, panels.Code)
	assert.Contains(t, panels.Body.String(), "latency")
}

func TestPipelineStatus(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/pipeline/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]any](t, w)
	assert.Equal(t, true, status["warm"])
	assert.Equal(t, float64(3), status["lattice_nodes"])
}

func TestProxyUnconfiguredUpstream(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/tts/local", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "tts_unavailable", decode[ErrorResponse](t, w).Error)
}

func TestProxyRelaysUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	t.Setenv("HELIX_STT_LOCAL_URL", upstream.URL)

	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/stt/local", map[string]string{"audio": "base64"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestMoodHintParsesClosedSet(t *testing.T) {
	h := newHarness(t)
	h.client.texts = []string{`{"mood":"happy","confidence":0.9,"reason":"cheerful phrasing"}`}
	h.client.calls = 0

	w := h.do(t, http.MethodPost, "/v1/mood-hint", MoodHintRequest{Text: "this is great, thank you!"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[MoodHintResponse](t, w)
	require.NotNil(t, resp.Mood)
	assert.Equal(t, "happy", *resp.Mood)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, "local_llm", resp.Source)
}

func TestMoodHintRejectsOffVocabularyMood(t *testing.T) {
	assert.Nil(t, parseMoodHint(`{"mood":"ecstatic","confidence":0.7}`).Mood)
	assert.Nil(t, parseMoodHint("no json here").Mood)

	resp := parseMoodHint(`prefix {"mood":"LOVE","confidence":0.5} suffix`)
	require.NotNil(t, resp.Mood)
	assert.Equal(t, "love", *resp.Mood)
}
