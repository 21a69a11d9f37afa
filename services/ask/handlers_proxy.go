// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// proxyTimeout bounds each opaque upstream call.
const proxyTimeout = 30 * time.Second

// proxyBodyLimit caps forwarded request bodies (audio uploads included).
const proxyBodyLimit = 32 << 20

// moodHintMaxTokens bounds the mood classification pass.
const moodHintMaxTokens = 120

// validMoods is the closed mood set the hint endpoint may return.
var validMoods = map[string]bool{
	"mad": true, "upset": true, "shock": true,
	"question": true, "happy": true, "friend": true, "love": true,
}

// proxyClient is shared across the opaque proxy endpoints.
var proxyClient = &http.Client{Timeout: proxyTimeout}

// HandleLocalCallSpec handles POST /local-call-spec.
func (h *Handlers) HandleLocalCallSpec(c *gin.Context) {
	h.proxy(c, "HELIX_CALL_SPEC_URL", "call_spec_unavailable")
}

// HandleLocalTTS handles POST /tts/local.
func (h *Handlers) HandleLocalTTS(c *gin.Context) {
	h.proxy(c, "HELIX_TTS_LOCAL_URL", "tts_unavailable")
}

// HandleLocalSTT handles POST /stt/local.
func (h *Handlers) HandleLocalSTT(c *gin.Context) {
	h.proxy(c, "HELIX_STT_LOCAL_URL", "stt_unavailable")
}

// proxy forwards the request body verbatim to the configured upstream and
// relays the upstream's status, content type, and body.
func (h *Handlers) proxy(c *gin.Context, envKey, unavailableCode string) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "proxy", "upstream", envKey)

	upstream := os.Getenv(envKey)
	if upstream == "" {
		writeError(c, http.StatusServiceUnavailable, unavailableCode, envKey+" is not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, proxyBodyLimit))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, upstream, bytes.NewReader(body))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "proxy_error", "could not build upstream request")
		return
	}
	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	resp, err := proxyClient.Do(req)
	if err != nil {
		logger.Warn("upstream call failed", slog.String("error", err.Error()))
		writeError(c, http.StatusBadGateway, "upstream_error", "upstream call failed")
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	if _, err := io.Copy(c.Writer, io.LimitReader(resp.Body, proxyBodyLimit)); err != nil {
		logger.Debug("upstream body relay interrupted", slog.String("error", err.Error()))
	}
}

// MoodHintRequest is the POST /mood-hint body.
type MoodHintRequest struct {
	Text string `json:"text"`
}

// MoodHintResponse carries the classified mood; Mood is null when the text
// carries no clear signal.
type MoodHintResponse struct {
	Mood       *string `json:"mood"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Source     string  `json:"source"`
}

// HandleMoodHint handles POST /mood-hint: a single bounded model pass that
// maps free text onto the closed mood set.
func (h *Handlers) HandleMoodHint(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleMoodHint")

	if h.runner == nil {
		writeError(c, http.StatusServiceUnavailable, "mood_unavailable", "local model is not configured")
		return
	}
	var req MoodHintRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	prompt := "Classify the emotional tone of the following message. Reply with a single JSON object " +
		`{"mood": one of mad|upset|shock|question|happy|friend|love or null, "confidence": 0..1, "reason": short phrase}` +
		" and nothing else.\n\nMessage:\n" + req.Text
	res, err := h.runner.Invoke(c.Request.Context(), "mood_hint", prompt, moodHintMaxTokens, false)
	if err != nil {
		logger.Warn("mood pass failed", slog.String("error", err.Error()))
		c.JSON(http.StatusOK, MoodHintResponse{Source: "local_llm", Reason: "model unavailable"})
		return
	}

	c.JSON(http.StatusOK, parseMoodHint(res.Text))
}

// parseMoodHint validates the model's JSON against the closed mood set;
// anything off-contract degrades to a null mood rather than an error.
func parseMoodHint(text string) MoodHintResponse {
	out := MoodHintResponse{Source: "local_llm"}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		out.Reason = "no JSON object in model reply"
		return out
	}
	var parsed struct {
		Mood       *string `json:"mood"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		out.Reason = "unparsable model reply"
		return out
	}
	out.Reason = parsed.Reason
	if parsed.Confidence > 0 && parsed.Confidence <= 1 {
		out.Confidence = parsed.Confidence
	}
	if parsed.Mood != nil && validMoods[strings.ToLower(*parsed.Mood)] {
		mood := strings.ToLower(*parsed.Mood)
		out.Mood = &mood
	}
	return out
}
