// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"strings"
	"testing"
)

func TestLoad_EmbeddedDirectory(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(d.Profiles()) == 0 {
		t.Fatal("expected matcher-bearing profiles")
	}
	if _, ok := d.ByID("general_default"); !ok {
		t.Error("expected general_default fallback to be addressable")
	}
}

func TestMatch_FirstHitWins(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	// "How does the Helix Ask pipeline work?" matches both the pipeline
	// profile (phrase) and repo_how (pattern); declared order must pick
	// the pipeline profile.
	p, reason := d.Match("How does the Helix Ask pipeline work?", CallerHints{})
	if p.ID != "pipeline_overview" {
		t.Errorf("expected pipeline_overview, got %s (reason %q)", p.ID, reason)
	}
	if p.FormatPolicy != FormatSteps {
		t.Errorf("pipeline profile should demand steps format, got %s", p.FormatPolicy)
	}
	if !strings.Contains(reason, "pipeline_overview") {
		t.Errorf("reason should name the profile: %q", reason)
	}
}

func TestMatch_RouteLookup(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	p, _ := d.Match("Which file defines the HTTP route /api/agi/ask?", CallerHints{HasRepoHints: true})
	if p.ID != "route_lookup" {
		t.Errorf("expected route_lookup, got %s", p.ID)
	}
	if p.Domain != DomainRepo || !p.Evidence.RequireCitations {
		t.Errorf("route lookup must be repo domain with required citations: %+v", p)
	}
}

func TestMatch_FallbackAndRepoSwap(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	p, reason := d.Match("tell me something interesting", CallerHints{})
	if p.ID != "general_default" || p.Domain != DomainGeneral {
		t.Errorf("expected general fallback, got %s/%s", p.ID, p.Domain)
	}

	p, reason = d.Match("tell me something interesting", CallerHints{HasRepoHints: true})
	if p.Domain != DomainHybrid {
		t.Errorf("expected hybrid after repo-expectation swap, got %s", p.Domain)
	}
	if !strings.Contains(reason, "general→hybrid") {
		t.Errorf("reason should record the swap: %q", reason)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	d, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	q := "What is the Platonic reasoning gate?"
	p1, r1 := d.Match(q, CallerHints{})
	p2, r2 := d.Match(q, CallerHints{})
	if p1.ID != p2.ID || r1 != r2 {
		t.Errorf("match not deterministic: %s/%s vs %s/%s", p1.ID, r1, p2.ID, r2)
	}
	if p1.ID != "concept_definition" {
		t.Errorf("expected concept_definition for definition question, got %s", p1.ID)
	}
}

func TestNewDirectory_BadPattern(t *testing.T) {
	_, err := NewDirectory([]Profile{{
		ID:       "bad",
		Matchers: Matchers{Patterns: []string{"("}},
	}})
	if err == nil {
		t.Error("expected error for invalid regex")
	}
}
