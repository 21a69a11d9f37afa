// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intent routes a question to an intent profile. The directory is
// loaded once from embedded YAML and scanned in declared priority order;
// the first matching profile wins. Matching is deterministic and does no I/O.
package intent

import (
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Domain is the evidence domain a profile targets.
type Domain string

const (
	DomainRepo        Domain = "repo"
	DomainHybrid      Domain = "hybrid"
	DomainGeneral     Domain = "general"
	DomainFalsifiable Domain = "falsifiable"
)

// Tier is the retrieval allowlist tier a profile prefers.
type Tier string

const (
	TierF0 Tier = "F0"
	TierF1 Tier = "F1"
	TierF2 Tier = "F2"
	TierF3 Tier = "F3"
)

// Strategy names the answer-construction strategy.
type Strategy string

const (
	StrategyConceptDefinition Strategy = "concept_definition"
	StrategyHybridExplain     Strategy = "hybrid_explain"
	StrategyConstraintReport  Strategy = "constraint_report"
	StrategyRepoExplain       Strategy = "repo_explain"
	StrategyIdeology          Strategy = "ideology"
	StrategyPipelineOverview  Strategy = "pipeline_overview"
)

// FormatPolicy constrains the synthesizer's output shape.
type FormatPolicy string

const (
	FormatBrief   FormatPolicy = "brief"
	FormatCompare FormatPolicy = "compare"
	FormatSteps   FormatPolicy = "steps"
	FormatAuto    FormatPolicy = "auto"
)

// EvidenceKind is one allowed citation surface.
type EvidenceKind string

const (
	EvidenceCode      EvidenceKind = "code"
	EvidenceDocs      EvidenceKind = "docs"
	EvidenceKnowledge EvidenceKind = "knowledge"
	EvidenceEthos     EvidenceKind = "ethos"
	EvidenceTests     EvidenceKind = "tests"
)

// EvidencePolicy declares what citations a profile permits and demands.
type EvidencePolicy struct {
	AllowCitations   bool           `yaml:"allow_citations"`
	RequireCitations bool           `yaml:"require_citations"`
	AllowedKinds     []EvidenceKind `yaml:"allowed_kinds"`
}

// Matchers are the phrase and pattern triggers for a profile.
type Matchers struct {
	// Phrases match case-insensitively as substrings.
	Phrases []string `yaml:"phrases"`
	// Patterns are regular expressions applied to the raw question.
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// Profile is one routing record in the directory.
//
// Thread Safety: Immutable after load.
type Profile struct {
	ID            string         `yaml:"id"`
	Label         string         `yaml:"label"`
	Domain        Domain         `yaml:"domain"`
	Tier          Tier           `yaml:"tier"`
	SecondaryTier Tier           `yaml:"secondary_tier"`
	Strategy      Strategy       `yaml:"strategy"`
	FormatPolicy  FormatPolicy   `yaml:"format_policy"`
	Evidence      EvidencePolicy `yaml:"evidence_policy"`
	Matchers      Matchers       `yaml:"matchers"`
	// RepoFallbackDomain, when set, replaces Domain if the caller reports a
	// repo expectation (e.g. a general profile falling back to hybrid).
	RepoFallbackDomain Domain `yaml:"repo_fallback_domain"`
}

// CallerHints are the request-derived signals Match consults.
type CallerHints struct {
	HasRepoHints     bool
	HasFilePathHints bool
}

//go:embed intent_profiles.yaml
var defaultProfilesYAML []byte

// Directory is the loaded, ordered profile set.
//
// Thread Safety: Immutable after load; safe for concurrent use.
type Directory struct {
	profiles []Profile
	fallback Profile
}

var (
	cachedDirectory *Directory
	loadOnce        sync.Once
	loadErr         error
)

// Load parses the embedded profile directory, caching the result.
func Load() (*Directory, error) {
	loadOnce.Do(func() {
		cachedDirectory, loadErr = parseDirectory(defaultProfilesYAML)
		if loadErr == nil {
			slog.Info("intent: directory loaded",
				slog.Int("profile_count", len(cachedDirectory.profiles)))
		}
	})
	return cachedDirectory, loadErr
}

// NewDirectory builds a directory from explicit profiles, compiling their
// matchers. The last profile with an empty matcher set becomes the fallback.
func NewDirectory(profiles []Profile) (*Directory, error) {
	d := &Directory{fallback: defaultFallbackProfile()}
	for i := range profiles {
		p := profiles[i]
		for _, pat := range p.Matchers.Patterns {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				return nil, fmt.Errorf("intent profile %s: bad pattern %q: %w", p.ID, pat, err)
			}
			p.Matchers.compiled = append(p.Matchers.compiled, re)
		}
		if len(p.Matchers.Phrases) == 0 && len(p.Matchers.Patterns) == 0 {
			d.fallback = p
			continue
		}
		d.profiles = append(d.profiles, p)
	}
	return d, nil
}

func parseDirectory(data []byte) (*Directory, error) {
	var raw struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing intent_profiles.yaml: %w", err)
	}
	return NewDirectory(raw.Profiles)
}

// Profiles returns the ordered matcher-bearing profiles.
func (d *Directory) Profiles() []Profile {
	return d.profiles
}

// ByID looks up a profile (including the fallback) by id.
func (d *Directory) ByID(id string) (Profile, bool) {
	for _, p := range d.profiles {
		if p.ID == id {
			return p, true
		}
	}
	if d.fallback.ID == id {
		return d.fallback, true
	}
	return Profile{}, false
}

// Match routes a question to the first matching profile.
//
// Description:
//
//	Profiles are scanned in declared order; the first phrase or pattern
//	hit wins. When nothing matches, the directory's fallback profile is
//	returned. If the matched profile declares a RepoFallbackDomain and
//	the caller reports a repo expectation, the returned profile's Domain
//	is swapped before return; the reason string records the swap.
//
// Outputs:
//   - Profile: The selected profile (possibly domain-swapped copy).
//   - string: Human-readable routing reason for the debug trace.
func (d *Directory) Match(question string, hints CallerHints) (Profile, string) {
	lower := strings.ToLower(question)
	for _, p := range d.profiles {
		for _, phrase := range p.Matchers.Phrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				return d.applyRepoFallback(p, hints,
					fmt.Sprintf("profile %s: phrase %q", p.ID, phrase))
			}
		}
		for i, re := range p.Matchers.compiled {
			if re.MatchString(question) {
				return d.applyRepoFallback(p, hints,
					fmt.Sprintf("profile %s: pattern %q", p.ID, p.Matchers.Patterns[i]))
			}
		}
	}
	return d.applyRepoFallback(d.fallback, hints, "fallback: no matcher hit")
}

func (d *Directory) applyRepoFallback(p Profile, hints CallerHints, reason string) (Profile, string) {
	if p.RepoFallbackDomain != "" && (hints.HasRepoHints || hints.HasFilePathHints) && p.Domain != p.RepoFallbackDomain {
		from := p.Domain
		p.Domain = p.RepoFallbackDomain
		reason = fmt.Sprintf("%s; domain %s→%s on repo expectation", reason, from, p.Domain)
	}
	return p, reason
}

func defaultFallbackProfile() Profile {
	return Profile{
		ID:                 "general_default",
		Label:              "General question",
		Domain:             DomainGeneral,
		Tier:               TierF2,
		SecondaryTier:      TierF3,
		Strategy:           StrategyHybridExplain,
		FormatPolicy:       FormatAuto,
		Evidence:           EvidencePolicy{AllowCitations: true},
		RepoFallbackDomain: DomainHybrid,
	}
}
