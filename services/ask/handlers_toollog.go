// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helixml/helix-ask/services/ask/toollog"
)

// HandleToolLogs handles GET /tools/logs.
//
// Query parameters: tenant, sessionId, traceId, tool, limit.
func (h *Handlers) HandleToolLogs(c *gin.Context) {
	if h.logs == nil {
		writeError(c, http.StatusServiceUnavailable, "toollog_unavailable", "tool log store is not configured")
		return
	}
	q := toollog.Query{
		Tenant:  c.Query("tenant"),
		Session: c.Query("sessionId"),
		Trace:   c.Query("traceId"),
		Tool:    c.Query("tool"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}
	events := h.logs.List(q)
	if events == nil {
		events = []toollog.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// HandleToolLogStream handles GET /tools/logs/stream as server-sent events.
//
// Description:
//
//	Each matching event is written as one SSE data frame, in sequence
//	order. The stream ends when the client disconnects; a slow client
//	loses events rather than stalling appenders.
func (h *Handlers) HandleToolLogStream(c *gin.Context) {
	if h.logs == nil {
		writeError(c, http.StatusServiceUnavailable, "toollog_unavailable", "tool log store is not configured")
		return
	}
	q := toollog.Query{
		Tenant:  c.Query("tenant"),
		Session: c.Query("sessionId"),
		Trace:   c.Query("traceId"),
		Tool:    c.Query("tool"),
	}
	ch, cancel := h.logs.Subscribe(q)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// IngestEventRequest is the POST /tools/logs/ingest body.
type IngestEventRequest struct {
	Tenant  string `json:"tenant"`
	Session string `json:"sessionId,omitempty"`
	Trace   string `json:"traceId,omitempty"`
	Tool    string `json:"tool"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// HandleToolLogIngest handles POST /tools/logs/ingest with per-tenant
// rate limiting.
func (h *Handlers) HandleToolLogIngest(c *gin.Context) {
	if h.logs == nil {
		writeError(c, http.StatusServiceUnavailable, "toollog_unavailable", "tool log store is not configured")
		return
	}
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tool == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(req.Tenant) {
		writeError(c, http.StatusTooManyRequests, "ingest_rate_limited", "tenant ingest rate exceeded")
		return
	}
	event := h.logs.Append(toollog.Event{
		Tenant:  req.Tenant,
		Session: req.Session,
		Trace:   req.Trace,
		Tool:    req.Tool,
		Level:   req.Level,
		Message: req.Message,
		At:      time.Now().UTC(),
	})
	c.JSON(http.StatusAccepted, gin.H{"seq": event.Seq})
}

// =============================================================================
// Console telemetry snapshots
// =============================================================================

// consoleStore keeps the latest console telemetry snapshot pushed by the
// client UI, split into the badge and panel views it serves back.
type consoleStore struct {
	mu        sync.RWMutex
	badges    json.RawMessage
	panels    json.RawMessage
	updatedAt time.Time
}

// ConsoleTelemetryRequest is the POST /console/telemetry body.
type ConsoleTelemetryRequest struct {
	Badges json.RawMessage `json:"badges,omitempty"`
	Panels json.RawMessage `json:"panels,omitempty"`
}

// HandleConsoleTelemetry handles POST /console/telemetry.
func (h *Handlers) HandleConsoleTelemetry(c *gin.Context) {
	var req ConsoleTelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "body must be a telemetry snapshot")
		return
	}
	h.console.mu.Lock()
	if len(req.Badges) > 0 {
		h.console.badges = req.Badges
	}
	if len(req.Panels) > 0 {
		h.console.panels = req.Panels
	}
	h.console.updatedAt = time.Now().UTC()
	h.console.mu.Unlock()
	c.JSON(http.StatusAccepted, gin.H{"status": "stored"})
}

// HandleTelemetryBadges handles GET /telemetry/badges.
func (h *Handlers) HandleTelemetryBadges(c *gin.Context) {
	h.console.mu.RLock()
	defer h.console.mu.RUnlock()
	if len(h.console.badges) == 0 {
		c.JSON(http.StatusOK, gin.H{"badges": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": h.console.badges, "updatedAt": h.console.updatedAt})
}

// HandleTelemetryPanels handles GET /telemetry/panels.
func (h *Handlers) HandleTelemetryPanels(c *gin.Context) {
	h.console.mu.RLock()
	defer h.console.mu.RUnlock()
	if len(h.console.panels) == 0 {
		c.JSON(http.StatusOK, gin.H{"panels": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"panels": h.console.panels, "updatedAt": h.console.updatedAt})
}
