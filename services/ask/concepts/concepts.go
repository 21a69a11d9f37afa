// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package concepts serves the named-concept cards used for definition-first
// answers and for the strong-concept-match test in the ambiguity resolver.
// Cards ship embedded; deployments may not override them at runtime.
package concepts

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/helixml/helix-ask/services/ask/textproc"
)

//go:embed concept_cards.yaml
var defaultConceptCardsYAML []byte

// Card is one named concept with its definition and retrieval anchors.
//
// Thread Safety: Immutable after load.
type Card struct {
	// Name is the canonical concept label.
	Name string `yaml:"name"`
	// Definition is the one-paragraph grounded definition.
	Definition string `yaml:"definition"`
	// Aliases are alternate surface forms that should match the card.
	Aliases []string `yaml:"aliases"`
	// Tags are topic tags the card contributes to profiling.
	Tags []string `yaml:"tags"`
	// SourcePaths are the repo paths that document or implement the concept.
	SourcePaths []string `yaml:"source_paths"`
}

// Match is a scored card lookup result.
type Match struct {
	Card  Card
	Score float64
}

// Store holds the loaded card set and answers scored lookups.
//
// Thread Safety: Immutable after Load; safe for concurrent use.
type Store struct {
	cards []Card
}

var (
	cachedStore *Store
	loadOnce    sync.Once
	loadErr     error
)

// Load parses the embedded concept cards, caching the result.
//
// Outputs:
//   - *Store: The card store. Never nil on success.
//   - error: Non-nil if the embedded YAML fails to parse.
//
// Thread Safety: Safe for concurrent use (sync.Once internally).
func Load() (*Store, error) {
	loadOnce.Do(func() {
		var raw struct {
			Concepts []Card `yaml:"concepts"`
		}
		if err := yaml.Unmarshal(defaultConceptCardsYAML, &raw); err != nil {
			loadErr = fmt.Errorf("parsing concept_cards.yaml: %w", err)
			return
		}
		cachedStore = &Store{cards: raw.Concepts}
		slog.Info("concepts: cards loaded", slog.Int("card_count", len(raw.Concepts)))
	})
	return cachedStore, loadErr
}

// NewStore builds a store from explicit cards. Used by tests and by callers
// that inject a non-default card set.
func NewStore(cards []Card) *Store {
	return &Store{cards: cards}
}

// Cards returns the full card list.
func (s *Store) Cards() []Card {
	return s.cards
}

// ByName returns the card with the given canonical name, if present.
func (s *Store) ByName(name string) (Card, bool) {
	for _, c := range s.cards {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Card{}, false
}

// Rank scores every card against the question and returns matches in
// descending score order.
//
// Description:
//
//	The score is the fraction of a card's name-plus-alias token set found
//	in the question, with a small bonus for an exact phrase hit of the
//	name or any alias. Cards scoring zero are omitted.
func (s *Store) Rank(question string) []Match {
	qset := textproc.TokenSet(question)
	lower := strings.ToLower(question)

	out := make([]Match, 0, len(s.cards))
	for _, c := range s.cards {
		score := tokenCoverage(qset, c)
		if phraseHit(lower, c) {
			score += 0.3
		}
		if score > 1.0 {
			score = 1.0
		}
		if score > 0 {
			out = append(out, Match{Card: c, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Best returns the top match plus its margin over the runner-up.
//
// Outputs:
//   - Match: Top-scored card. Zero value when nothing matched.
//   - float64: Score margin over the second-best match (top score itself
//     when there is no runner-up).
//   - bool: False when no card matched at all.
func (s *Store) Best(question string) (Match, float64, bool) {
	ranked := s.Rank(question)
	if len(ranked) == 0 {
		return Match{}, 0, false
	}
	margin := ranked[0].Score
	if len(ranked) > 1 {
		margin = ranked[0].Score - ranked[1].Score
	}
	return ranked[0], margin, true
}

// tokenCoverage computes the matched fraction of the card's token vocabulary.
func tokenCoverage(qset map[string]bool, c Card) float64 {
	vocab := make(map[string]bool)
	for _, t := range textproc.Tokenize(c.Name) {
		vocab[t] = true
	}
	for _, a := range c.Aliases {
		for _, t := range textproc.Tokenize(a) {
			vocab[t] = true
		}
	}
	if len(vocab) == 0 {
		return 0
	}
	hit := 0
	for t := range vocab {
		if qset[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(vocab))
}

func phraseHit(lowerQuestion string, c Card) bool {
	if strings.Contains(lowerQuestion, strings.ToLower(c.Name)) {
		return true
	}
	for _, a := range c.Aliases {
		if a != "" && strings.Contains(lowerQuestion, strings.ToLower(a)) {
			return true
		}
	}
	return false
}
