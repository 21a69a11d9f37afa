// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helixml/helix-ask/services/ask/orchestrator"
	"github.com/helixml/helix-ask/services/ask/telemetry"
	"github.com/helixml/helix-ask/services/ask/trajectory"
)

// PlanRequest is the POST /plan body.
type PlanRequest struct {
	Goal   string `json:"goal"`
	Origin string `json:"origin,omitempty"`
}

// ExecuteRequest is the POST /execute body.
type ExecuteRequest struct {
	TraceID      string `json:"traceId"`
	DebugSources bool   `json:"debugSources,omitempty"`
}

// HandlePlan handles POST /plan: builds and caches a plan for the goal.
func (h *Handlers) HandlePlan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePlan")

	if h.orch == nil {
		writeError(c, http.StatusServiceUnavailable, "planner_unavailable", "orchestrator is not configured")
		return
	}
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Goal == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "goal is required")
		return
	}

	origin := trajectory.OriginLive
	if req.Origin == string(trajectory.OriginVariant) {
		origin = trajectory.OriginVariant
	}
	record, err := h.orch.Plan(c.Request.Context(), req.Goal, origin)
	if err != nil {
		logger.Warn("plan build failed", slog.String("error", err.Error()))
		writeError(c, http.StatusBadRequest, "plan_failed", err.Error())
		return
	}
	h.lastPlanDebug.Store(record.TraceID, record)
	c.JSON(http.StatusOK, record)
}

// HandleExecute handles POST /execute.
//
// Description:
//
//	Looks up the plan for the trace, admits it through the alpha governor
//	(variant plans only), runs the steps, and persists the resulting
//	trajectory. A denied variant never executes: the governor writes a
//	block record and the client gets 409 with the alpha counters.
func (h *Handlers) HandleExecute(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExecute")

	if h.orch == nil {
		writeError(c, http.StatusServiceUnavailable, "planner_unavailable", "orchestrator is not configured")
		return
	}
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TraceID == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "traceId is required")
		return
	}
	record, ok := h.orch.Lookup(c.Request.Context(), req.TraceID)
	if !ok {
		writeError(c, http.StatusNotFound, "trace_not_found", "no plan recorded for that trace id")
		return
	}

	traj := trajectory.New(record.TraceID, record.Goal)
	traj.Origin = record.Origin

	if record.Origin == trajectory.OriginVariant && h.gov != nil {
		decision, err := h.gov.Admit(c.Request.Context(), record.Origin)
		if err != nil {
			logger.Error("governor check failed", slog.String("error", err.Error()))
			writeError(c, http.StatusInternalServerError, "governor_error", "admission check failed")
			return
		}
		if !decision.Allowed {
			telemetry.RecordGovernorDecision(string(record.Origin), false)
			if h.traj != nil {
				// Emit re-checks and reduces the denial to a block record.
				if _, err := h.traj.Emit(c.Request.Context(), traj); err != nil {
					logger.Warn("block record write failed", slog.String("error", err.Error()))
				}
			}
			c.JSON(http.StatusConflict, gin.H{
				"error":        "alpha_governor_engaged",
				"message":      "variant budget exhausted for the current window",
				"status":       http.StatusConflict,
				"alphaTarget":  decision.AlphaTarget,
				"alphaRun":     decision.AlphaRun,
				"alphaLive":    decision.AlphaLive,
				"alphaVariant": decision.AlphaVariant,
			})
			return
		}
	}

	result := h.orch.Execute(c.Request.Context(), record, h.executor(req.DebugSources))

	traj.Steps = result.Steps
	traj.Citations = result.Citations
	traj.CodeTouchPaths = touchedPaths(record, result)
	traj.CitationCompletion = citationCompletion(record, result)
	if result.WhyBelongs != "" {
		traj.Evidence = []string{result.WhyBelongs}
	}
	if h.traj != nil {
		decision, err := h.traj.Emit(c.Request.Context(), traj)
		if err != nil {
			logger.Warn("trajectory emit failed",
				slog.String("trace_id", record.TraceID), slog.String("error", err.Error()))
		} else {
			telemetry.RecordGovernorDecision(string(record.Origin), decision.Allowed)
		}
	}
	c.JSON(http.StatusOK, result)
}

// touchedPaths merges resonance paths cited or read during the run.
func touchedPaths(record orchestrator.PlanRecord, result orchestrator.ExecResult) []string {
	seen := map[string]bool{}
	var paths []string
	for _, p := range result.Citations {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, patch := range record.Resonance.Patches {
		for _, s := range result.Steps {
			if s.Tool == "repo-retrieve" && !seen[patch.Path] {
				seen[patch.Path] = true
				paths = append(paths, patch.Path)
			}
		}
	}
	return paths
}

// citationCompletion is cited resonance patches over total patches.
func citationCompletion(record orchestrator.PlanRecord, result orchestrator.ExecResult) float64 {
	if len(record.Resonance.Patches) == 0 {
		return 0
	}
	return float64(len(result.Citations)) / float64(len(record.Resonance.Patches))
}
