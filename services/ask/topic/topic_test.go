// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package topic

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     []Tag
	}{
		{
			name:     "pipeline question",
			question: "How does the Helix Ask pipeline work?",
			want:     []Tag{TagHelixAsk},
		},
		{
			name:     "warp and physics",
			question: "Is this warp configuration viable under the physics model?",
			want:     []Tag{TagWarp, TagPhysics},
		},
		{
			name:     "no tags",
			question: "what should I cook tonight",
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.question, "")
			if len(got) != len(tt.want) {
				t.Fatalf("Classify(%q) = %v, want %v", tt.question, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("tag[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClassify_SearchQueryContributes(t *testing.T) {
	got := Classify("where is that thing", "alpha governor trajectory")
	found := false
	for _, tag := range got {
		if tag == TagLedger {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ledger tag from search query, got %v", got)
	}
}

func TestProfileFor_SingleTag(t *testing.T) {
	p := ProfileFor([]Tag{TagWarp})
	if p == nil {
		t.Fatal("expected profile for warp")
	}
	if len(p.AllowlistTiers) != 2 {
		t.Errorf("expected 2 tiers, got %d", len(p.AllowlistTiers))
	}
	if len(p.MustIncludeFiles) != 1 || p.MustIncludeFiles[0] != "docs/knowledge/warp-viability.md" {
		t.Errorf("unexpected must-include: %v", p.MustIncludeFiles)
	}
}

func TestProfileFor_MergePreservesTierOrder(t *testing.T) {
	p := ProfileFor([]Tag{TagHelixAsk, TagConcepts})
	if p == nil {
		t.Fatal("expected merged profile")
	}
	// helix_ask tiers come first, concepts tiers appended after.
	if p.AllowlistTiers[0][0] != "server/services/helix-ask/" {
		t.Errorf("first tier should be helix_ask's: %v", p.AllowlistTiers[0])
	}
	if p.MinTierCandidates != 3 {
		t.Errorf("merge should keep the max MinTierCandidates, got %d", p.MinTierCandidates)
	}
	if len(p.Tags) != 2 {
		t.Errorf("expected both tags recorded, got %v", p.Tags)
	}
}

func TestProfileFor_NoProfile(t *testing.T) {
	if p := ProfileFor(nil); p != nil {
		t.Errorf("expected nil profile for empty tags, got %+v", p)
	}
	// ideology has a profile; star does not.
	if p := ProfileFor([]Tag{TagStar}); p != nil {
		t.Errorf("expected nil profile for star, got %+v", p)
	}
}
