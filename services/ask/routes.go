// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the Ask API on the router group.
//
// Endpoints:
//
//	POST /ask                          - synchronous ask with keep-alive pings
//	POST /ask/jobs                     - enqueue a background ask job
//	GET  /ask/jobs/:jobId              - poll a job record
//	GET  /ask/health                   - liveness
//	GET  /ask/ready                    - readiness (warm lattice)
//	POST /plan                         - build and cache an execution plan
//	POST /execute                      - run a cached plan under the governor
//	GET  /pipeline/status              - warm state and snapshot stats
//	GET  /pipeline/last-plan-debug     - plan debug payload by traceId
//	GET  /tools/logs                   - query the tool-log ring
//	GET  /tools/logs/stream            - tool-log SSE stream
//	POST /tools/logs/ingest            - rate-limited external event ingest
//	POST /console/telemetry            - store a console telemetry snapshot
//	GET  /telemetry/badges             - latest badge snapshot
//	GET  /telemetry/panels             - latest panel snapshot
//	POST /local-call-spec              - opaque proxy to the call-spec service
//	POST /tts/local                    - opaque proxy to local TTS
//	POST /stt/local                    - opaque proxy to local STT
//	POST /mood-hint                    - bounded mood classification pass
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	guarded := rg.Group("", h.WarmupGuard())
	guarded.POST("/ask", h.HandleAsk)
	guarded.POST("/ask/jobs", h.HandleAskJob)
	guarded.POST("/plan", h.HandlePlan)
	guarded.POST("/execute", h.HandleExecute)

	rg.GET("/ask/jobs/:jobId", h.HandleGetJob)
	rg.GET("/ask/health", h.HandleHealth)
	rg.GET("/ask/ready", h.HandleReady)

	rg.GET("/pipeline/status", h.HandlePipelineStatus)
	rg.GET("/pipeline/last-plan-debug", h.HandleLastPlanDebug)

	rg.GET("/tools/logs", h.HandleToolLogs)
	rg.GET("/tools/logs/stream", h.HandleToolLogStream)
	rg.POST("/tools/logs/ingest", h.HandleToolLogIngest)

	rg.POST("/console/telemetry", h.HandleConsoleTelemetry)
	rg.GET("/telemetry/badges", h.HandleTelemetryBadges)
	rg.GET("/telemetry/panels", h.HandleTelemetryPanels)

	rg.POST("/local-call-spec", h.HandleLocalCallSpec)
	rg.POST("/tts/local", h.HandleLocalTTS)
	rg.POST("/stt/local", h.HandleLocalSTT)
	rg.POST("/mood-hint", h.HandleMoodHint)
}

// WarmupGuard answers 503 with a Retry-After until the lattice snapshot and
// intent directory have loaded.
func (h *Handlers) WarmupGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.svc.Warm() {
			c.Header("Retry-After", strconv.Itoa(2))
			writeError(c, http.StatusServiceUnavailable, "warming_up", "service is still warming up")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware ensures every request carries an X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}
