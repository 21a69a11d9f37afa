// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the boundary to the local LLM endpoint. It defines the
// request/response contract, the answer-marker protocol, a raw HTTP client
// for an Ollama-compatible /api/generate endpoint, and the overflow retry
// runner that keeps prompts inside the model's context window.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Answer-marker protocol. The synthesizer instructs the model to emit its
// answer between these markers; the stream emitter and post-processor key
// on them. They are part of the wire contract and must not change casually.
const (
	AnswerStartMarker = "ANSWER_START"
	AnswerEndMarker   = "ANSWER_END"
)

// GenerateRequest is one completion request to the local endpoint.
type GenerateRequest struct {
	// Prompt is the full prompt text, markers included.
	Prompt string
	// MaxTokens bounds the completion length.
	MaxTokens int
	// Temperature in [0,1]; negative means "use the model default".
	Temperature float64
	// Seed pins sampling when >= 0.
	Seed int
	// Stop are optional stop sequences.
	Stop []string
	// Model overrides the client's default model when non-empty.
	Model string
}

// GenerateResponse is the completed text plus accounting.
type GenerateResponse struct {
	Text string
	// PromptTokens / CompletionTokens are the endpoint's reported counts,
	// zero when the endpoint does not report them.
	PromptTokens     int
	CompletionTokens int
}

// Client is the minimal LLM surface the pipeline consumes.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Client interface {
	// Generate runs one completion and returns the full text.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// GenerateStream runs one completion, delivering text chunks to emit in
	// arrival order. A non-nil error from emit aborts the stream.
	GenerateStream(ctx context.Context, req GenerateRequest, emit func(chunk string) error) error
}

// =============================================================================
// Local HTTP client
// =============================================================================

// localGenerateReq is the Ollama-compatible /api/generate request body.
type localGenerateReq struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options localOpts `json:"options"`
	Stop    []string `json:"stop,omitempty"`
}

type localOpts struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// localGenerateResp is one NDJSON line of the /api/generate response.
type localGenerateResp struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// LocalClient talks to an Ollama-compatible local endpoint over HTTP.
//
// Description:
//
//	Reads LOCAL_LLM_URL and LOCAL_LLM_MODEL from the environment with
//	sensible local defaults. The HTTP client carries no global timeout;
//	callers bound requests through ctx, and the completion itself is
//	bounded by MaxTokens.
//
// Thread Safety: Safe for concurrent use.
type LocalClient struct {
	url    string
	model  string
	client *http.Client
	logger *slog.Logger
}

// NewLocalClient constructs a LocalClient from the environment.
func NewLocalClient(logger *slog.Logger) *LocalClient {
	if logger == nil {
		logger = slog.Default()
	}
	url := os.Getenv("LOCAL_LLM_URL")
	if url == "" {
		url = "http://127.0.0.1:11434/api/generate"
	}
	model := os.Getenv("LOCAL_LLM_MODEL")
	if model == "" {
		model = "qwen2.5-coder"
	}
	return &LocalClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
	}
}

// Generate implements Client.
func (c *LocalClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var out GenerateResponse
	err := c.do(ctx, req, false, func(line localGenerateResp) error {
		out.Text += line.Response
		if line.Done {
			out.PromptTokens = line.PromptEvalCount
			out.CompletionTokens = line.EvalCount
		}
		return nil
	})
	if err != nil {
		return GenerateResponse{}, err
	}
	return out, nil
}

// GenerateStream implements Client.
func (c *LocalClient) GenerateStream(ctx context.Context, req GenerateRequest, emit func(chunk string) error) error {
	return c.do(ctx, req, true, func(line localGenerateResp) error {
		if line.Response == "" {
			return nil
		}
		return emit(line.Response)
	})
}

func (c *LocalClient) do(ctx context.Context, req GenerateRequest, stream bool, onLine func(localGenerateResp) error) error {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := localGenerateReq{
		Model:  model,
		Prompt: req.Prompt,
		Stream: stream,
		Stop:   req.Stop,
	}
	if req.MaxTokens > 0 {
		body.Options.NumPredict = req.MaxTokens
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		body.Options.Temperature = &t
	}
	if req.Seed >= 0 {
		s := req.Seed
		body.Options.Seed = &s
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("generate HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("local LLM returned %d: %s", resp.StatusCode, string(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var line localGenerateResp
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("parse generate response line: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("local LLM error: %s", line.Error)
		}
		if err := onLine(line); err != nil {
			return err
		}
		if line.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read generate response: %w", err)
	}
	return nil
}
