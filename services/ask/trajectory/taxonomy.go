// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trajectory

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrorKind is the closed error taxonomy for executed steps. Raw errors are
// always mapped into one of these before a trajectory is persisted, so the
// training store never sees free-form error strings.
type ErrorKind string

const (
	ErrNone ErrorKind = ""

	ErrTimeout            ErrorKind = "execution_timeout"
	ErrRateLimited        ErrorKind = "execution_rate_limited"
	ErrAuth               ErrorKind = "execution_auth"
	ErrPolicy             ErrorKind = "execution_policy"
	ErrNetwork            ErrorKind = "execution_network"
	ErrInvalidArgs        ErrorKind = "execution_invalid_args"
	ErrContractMismatch   ErrorKind = "execution_tool_contract_mismatch"
	ErrPlaywrightCrash    ErrorKind = "execution_playwright_crash"
	ErrResourceExhaustion ErrorKind = "execution_resource_exhaustion"
	ErrTool5xx            ErrorKind = "execution_tool_5xx"
	ErrToolError          ErrorKind = "execution_tool_error"

	ErrSchemaMismatch ErrorKind = "final_output_schema_mismatch"

	ErrKnowledgeDisabled        ErrorKind = "knowledge_projects_disabled"
	ErrKnowledgeContextInvalid  ErrorKind = "knowledge_context_invalid"
	ErrKnowledgeContextMismatch ErrorKind = "knowledge_context_mismatch"

	ErrAlphaGovernorEngaged ErrorKind = "alpha_governor_engaged"
)

// classifier rules run in order; first match wins. The fallback is
// ErrToolError, so classification is total.
var classifierRules = []struct {
	kind ErrorKind
	re   *regexp.Regexp
}{
	{ErrTimeout, regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)},
	{ErrRateLimited, regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`)},
	{ErrAuth, regexp.MustCompile(`(?i)unauthorized|forbidden|auth|\b401\b|\b403\b|api key`)},
	{ErrPolicy, regexp.MustCompile(`(?i)policy|not permitted|refused by|blocked by`)},
	{ErrPlaywrightCrash, regexp.MustCompile(`(?i)playwright|browser.*(crash|closed)|target closed`)},
	{ErrResourceExhaustion, regexp.MustCompile(`(?i)out of memory|oom|resource exhaust|no space|quota exceeded`)},
	{ErrInvalidArgs, regexp.MustCompile(`(?i)invalid arg|missing required|bad request|\b400\b|malformed`)},
	{ErrContractMismatch, regexp.MustCompile(`(?i)contract|unexpected (field|type|shape)|schema violation`)},
	{ErrTool5xx, regexp.MustCompile(`(?i)\b50[0-9]\b|internal server error|bad gateway|service unavailable`)},
	{ErrNetwork, regexp.MustCompile(`(?i)connection (refused|reset)|no such host|network|dial tcp|broken pipe|eof`)},
}

// Classify maps a raw error into the closed taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps a raw error string into the closed taxonomy.
func ClassifyMessage(msg string) ErrorKind {
	if strings.TrimSpace(msg) == "" {
		return ErrNone
	}
	for _, rule := range classifierRules {
		if rule.re.MatchString(msg) {
			return rule.kind
		}
	}
	return ErrToolError
}
