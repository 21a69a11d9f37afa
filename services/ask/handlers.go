// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/helixml/helix-ask/services/ask/config"
	"github.com/helixml/helix-ask/services/ask/jobs"
	"github.com/helixml/helix-ask/services/ask/orchestrator"
	"github.com/helixml/helix-ask/services/ask/stream"
	"github.com/helixml/helix-ask/services/ask/telemetry"
	"github.com/helixml/helix-ask/services/ask/toollog"
	"github.com/helixml/helix-ask/services/ask/trajectory"
	"github.com/helixml/helix-ask/services/llm"
)

// keepAliveInterval is the whitespace ping cadence on synchronous asks.
const keepAliveInterval = 15 * time.Second

// ErrorResponse is the JSON error envelope every endpoint uses. The Ask
// API never returns HTML.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Handlers bundles the HTTP surface over the pipeline collaborators.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc     *Service
	jobs    *jobs.Store
	orch    *orchestrator.Orchestrator
	traj    *trajectory.Emitter
	gov     *trajectory.Governor
	logs    *toollog.Store
	limiter *toollog.IngestLimiter
	runner  *llm.Runner
	snap    SnapshotProvider
	cfg     config.Settings
	logger  *slog.Logger

	// lastPlanDebug keeps per-trace plan debug payloads for the debug
	// endpoint; bounded by the plan cache lifetime in practice.
	lastPlanDebug sync.Map
	console       consoleStore
}

// NewHandlers wires the handler set. Optional collaborators may be nil;
// their endpoints then answer 503.
func NewHandlers(svc *Service, jobStore *jobs.Store, orch *orchestrator.Orchestrator, traj *trajectory.Emitter, gov *trajectory.Governor, logs *toollog.Store, limiter *toollog.IngestLimiter, runner *llm.Runner, snap SnapshotProvider, cfg config.Settings, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:     svc,
		jobs:    jobStore,
		orch:    orch,
		traj:    traj,
		gov:     gov,
		logs:    logs,
		limiter: limiter,
		runner:  runner,
		snap:    snap,
		cfg:     cfg,
		logger:  logger,
	}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Header("X-Request-ID", id)
	return id
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: code, Message: message, Status: status})
}

// HandleAsk handles POST /ask.
//
// Description:
//
//	Runs the pipeline synchronously. While the pipeline is working, a
//	whitespace ping is flushed every 15s so intermediaries do not drop
//	the connection; leading whitespace keeps the eventual JSON body
//	parseable.
func (h *Handlers) HandleAsk(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAsk")

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "body must be a JSON ask request")
		return
	}
	if req.QuestionText() == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "prompt or question is required")
		return
	}

	done := make(chan AskResponse, 1)
	go func() { done <- h.svc.Ask(c.Request.Context(), req) }()

	c.Header("Content-Type", "application/json; charset=utf-8")
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case resp := <-done:
			if err := json.NewEncoder(c.Writer).Encode(resp); err != nil {
				logger.Warn("response write failed", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			if _, err := c.Writer.WriteString(" "); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			logger.Debug("ask request canceled")
			return
		}
	}
}

// HandleAskJob handles POST /ask/jobs: accepts the request and runs the
// pipeline in the background.
func (h *Handlers) HandleAskJob(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAskJob")

	if h.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "jobs_unavailable", "job store is not configured")
		return
	}
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.QuestionText() == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "prompt or question is required")
		return
	}

	job, err := h.jobs.Create(c.Request.Context(), req.SessionID, req.TraceID, req.QuestionText())
	if err != nil {
		logger.Error("job create failed", slog.String("error", err.Error()))
		writeError(c, http.StatusInternalServerError, "job_create_failed", "could not create job")
		return
	}
	go h.runJob(job.ID, req)

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":     job.ID,
		"status":    job.Status,
		"sessionId": job.SessionID,
		"traceId":   job.TraceID,
	})
}

// runJob executes one background job end to end, streaming partial text
// into the job record.
func (h *Handlers) runJob(id string, req AskRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.JobTimeout)
	defer cancel()

	if !h.jobs.MarkRunning(ctx, id) {
		return
	}

	// Live partials: the synthesis pass streams raw completion chunks
	// through the marker state machine into the job record while the model
	// is still generating.
	emitter := stream.NewEmitter(stream.Params{
		ChunkMaxChars: h.cfg.StreamChunkMaxChars,
		FlushEvery:    h.cfg.StreamFlushInterval,
		MaxEvents:     h.cfg.StreamMaxEvents,
	}, func(chunk string) {
		_ = h.jobs.AppendPartial(context.Background(), id, chunk)
	})
	req.partialSink = emitter.Push

	resp := h.svc.Ask(ctx, req)
	if ctx.Err() != nil {
		// Writes use a fresh context: the job context is already dead.
		if err := h.jobs.Fail(context.Background(), id, "helix_ask_timeout"); err != nil {
			h.logger.Warn("job fail write lost", slog.String("job_id", id))
		}
		telemetry.RecordJobOutcome(string(jobs.StatusFailed))
		return
	}

	// Clarify lines and fixed answers never reach the model; the fallback
	// emits them as the single partial. On a streamed answer this flushes
	// whatever the emitter still holds.
	emitter.Finalize(resp.Text)

	if err := h.jobs.Complete(context.Background(), id, jobs.Result{Text: resp.Text, Envelope: resp.Envelope}); err != nil {
		h.logger.Warn("job complete write lost", slog.String("job_id", id))
		return
	}
	telemetry.RecordJobOutcome(string(jobs.StatusCompleted))
}

// HandleGetJob handles GET /ask/jobs/:jobId.
func (h *Handlers) HandleGetJob(c *gin.Context) {
	if h.jobs == nil {
		writeError(c, http.StatusServiceUnavailable, "jobs_unavailable", "job store is not configured")
		return
	}
	job, ok := h.jobs.Get(c.Request.Context(), c.Param("jobId"))
	if !ok {
		writeError(c, http.StatusNotFound, "job_not_found", "unknown or expired job id")
		return
	}
	c.JSON(http.StatusOK, job)
}

// HandleHealth handles GET /ask/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /ask/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Warm() {
		writeError(c, http.StatusServiceUnavailable, "warming_up", "lattice snapshot still loading")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// HandlePipelineStatus handles GET /pipeline/status.
func (h *Handlers) HandlePipelineStatus(c *gin.Context) {
	status := gin.H{
		"warm":       h.svc.Warm(),
		"micro_pass": h.cfg.MicroPass,
		"two_pass":   h.cfg.TwoPass,
	}
	if h.snap != nil {
		if snap := h.snap.Snapshot(); snap != nil {
			status["lattice_nodes"] = len(snap.Nodes)
			status["lattice_loaded_at"] = snap.LoadedAt
		}
	}
	if h.logs != nil {
		status["toollog_subscribers"] = h.logs.Subscribers()
	}
	c.JSON(http.StatusOK, status)
}

// HandleLastPlanDebug handles GET /pipeline/last-plan-debug?traceId=...
func (h *Handlers) HandleLastPlanDebug(c *gin.Context) {
	traceID := c.Query("traceId")
	if traceID == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "traceId query parameter is required")
		return
	}
	if payload, ok := h.lastPlanDebug.Load(traceID); ok {
		c.JSON(http.StatusOK, payload)
		return
	}
	if h.orch != nil {
		if record, ok := h.orch.Lookup(c.Request.Context(), traceID); ok {
			c.JSON(http.StatusOK, record)
			return
		}
	}
	writeError(c, http.StatusNotFound, "trace_not_found", "no plan recorded for that trace id")
}
