// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	s := Load()
	if s.RRFK != 60 {
		t.Errorf("expected RRFK 60, got %d", s.RRFK)
	}
	if s.MMRLambda != 0.72 {
		t.Errorf("expected MMRLambda 0.72, got %v", s.MMRLambda)
	}
	if s.RRFWeightPath != 1.5 {
		t.Errorf("expected path weight 1.5, got %v", s.RRFWeightPath)
	}
	if s.OverflowRetryPolicy != "drop_context_then_drop_output" {
		t.Errorf("unexpected overflow policy %q", s.OverflowRetryPolicy)
	}
	if s.JobTimeout != 120*time.Second {
		t.Errorf("expected 120s job timeout, got %v", s.JobTimeout)
	}
	if s.AlphaTarget != 0.8 || s.AlphaWindow != 50 {
		t.Errorf("unexpected alpha defaults: %v / %d", s.AlphaTarget, s.AlphaWindow)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HELIX_ASK_RRF_K", "30")
	t.Setenv("HELIX_ASK_MMR_LAMBDA", "0.5")
	t.Setenv("HELIX_ASK_TWO_PASS", "false")
	t.Setenv("HELIX_ASK_JOB_TIMEOUT_MS", "5000")

	s := Load()
	if s.RRFK != 30 {
		t.Errorf("expected RRFK 30, got %d", s.RRFK)
	}
	if s.MMRLambda != 0.5 {
		t.Errorf("expected MMRLambda 0.5, got %v", s.MMRLambda)
	}
	if s.TwoPass {
		t.Error("expected TwoPass false")
	}
	if s.JobTimeout != 5*time.Second {
		t.Errorf("expected 5s job timeout, got %v", s.JobTimeout)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("HELIX_ASK_RRF_K", "not-a-number")
	t.Setenv("HELIX_ASK_MMR_LAMBDA", "λ")
	t.Setenv("HELIX_ASK_TWO_PASS", "maybe")
	t.Setenv("HELIX_ASK_JOB_TIMEOUT_MS", "-1")

	s := Load()
	if s.RRFK != 60 {
		t.Errorf("expected default RRFK on parse failure, got %d", s.RRFK)
	}
	if s.MMRLambda != 0.72 {
		t.Errorf("expected default MMRLambda on parse failure, got %v", s.MMRLambda)
	}
	if !s.TwoPass {
		t.Error("expected default TwoPass on parse failure")
	}
	if s.JobTimeout != 120*time.Second {
		t.Errorf("expected default job timeout on negative ms, got %v", s.JobTimeout)
	}
}
