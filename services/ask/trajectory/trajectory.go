// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package trajectory assembles training trajectories from executed plan
// steps and admits them to the trace store under the alpha governor.
package trajectory

import (
	"time"

	"github.com/google/uuid"

	"github.com/helixml/helix-ask/services/ask/gates"
)

// Origin marks how a trajectory was produced.
type Origin string

const (
	// OriginLive trajectories come from real user requests.
	OriginLive Origin = "live"
	// OriginVariant trajectories come from synthetic or replayed runs.
	OriginVariant Origin = "variant"
)

// StepRecord is one executed step's contribution to a trajectory.
type StepRecord struct {
	ID       string    `json:"id"`
	Tool     string    `json:"tool"`
	Output   string    `json:"output,omitempty"`
	Error    ErrorKind `json:"error,omitempty"`
	Duration int64     `json:"durationMs"`
}

// Trajectory is one plan/execute run prepared for the training store.
type Trajectory struct {
	ID         string   `json:"id"`
	TraceID    string   `json:"traceId"`
	Goal       string   `json:"goal"`
	IntentTags []string `json:"intentTags,omitempty"`
	Origin     Origin   `json:"origin"`

	Steps     []StepRecord `json:"steps,omitempty"`
	Evidence  []string     `json:"evidence,omitempty"`
	Citations []string     `json:"citations,omitempty"`
	// CodeTouchPaths are repo paths the run read or cited, deduplicated.
	CodeTouchPaths []string `json:"codeTouchPaths,omitempty"`

	RetrievalMetrics map[string]float64 `json:"retrievalMetrics,omitempty"`
	// CitationCompletion is cited/claimed repo references, in [0,1].
	CitationCompletion float64 `json:"citationCompletion"`

	Gates *gates.Report `json:"gates,omitempty"`

	// Blocked records a governor denial; blocked records keep only
	// identity fields and never count toward the admission window.
	Blocked   bool      `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New creates an empty live trajectory for the trace.
func New(traceID, goal string) Trajectory {
	return Trajectory{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Goal:      goal,
		Origin:    OriginLive,
		CreatedAt: time.Now().UTC(),
	}
}

// FirstError returns the first non-empty step error, if any.
func (t Trajectory) FirstError() ErrorKind {
	for _, s := range t.Steps {
		if s.Error != ErrNone {
			return s.Error
		}
	}
	return ErrNone
}

// blockRecord reduces a denied trajectory to its identity fields.
func blockRecord(t Trajectory) Trajectory {
	return Trajectory{
		ID:        t.ID,
		TraceID:   t.TraceID,
		Goal:      t.Goal,
		Origin:    t.Origin,
		Blocked:   true,
		CreatedAt: t.CreatedAt,
	}
}
