// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trajectory

import (
	"context"
	"fmt"
	"log/slog"
)

// Decision is the governor's verdict, mirrored verbatim into the 409 payload
// when the variant is denied.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	AlphaTarget  float64 `json:"alphaTarget"`
	AlphaRun     float64 `json:"alphaRun"`
	AlphaLive    int     `json:"alphaLive"`
	AlphaVariant int     `json:"alphaVariant"`
}

// Governor enforces the live/variant acceptance ratio over a trailing window.
//
// Description:
//
//	For target ratio alpha and window N, the governor counts accepted
//	origins among the last N trajectories. A variant is admitted only
//	while the variant count stays within (1-alpha)/alpha * live; live
//	trajectories are always admitted. This keeps
//	live/(live+variant) >= alpha - 1/N over any admitted window.
//
// Thread Safety: Safe for concurrent use; the store provides the only
// shared state.
type Governor struct {
	target float64
	window int
	store  *Store
	logger *slog.Logger
}

// NewGovernor creates a governor with the given target ratio and window.
func NewGovernor(store *Store, target float64, window int, logger *slog.Logger) *Governor {
	if target <= 0 || target > 1 {
		target = 0.8
	}
	if window <= 0 {
		window = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{target: target, window: window, store: store, logger: logger}
}

// Admit decides whether a trajectory with the given origin may be persisted.
func (g *Governor) Admit(ctx context.Context, origin Origin) (Decision, error) {
	recent, err := g.store.Recent(ctx, g.window)
	if err != nil {
		return Decision{}, fmt.Errorf("governor window read: %w", err)
	}
	live, variant := 0, 0
	for _, t := range recent {
		if t.Origin == OriginVariant {
			variant++
		} else {
			live++
		}
	}
	d := Decision{
		Allowed:      true,
		AlphaTarget:  g.target,
		AlphaLive:    live,
		AlphaVariant: variant,
	}
	if live+variant > 0 {
		d.AlphaRun = float64(live) / float64(live+variant)
	} else {
		d.AlphaRun = 1.0
	}
	if origin != OriginVariant {
		return d, nil
	}
	budget := (1 - g.target) / g.target * float64(live)
	if float64(variant+1) > budget {
		d.Allowed = false
		g.logger.Info("alpha governor engaged",
			slog.Float64("alpha_run", d.AlphaRun),
			slog.Int("live", live), slog.Int("variant", variant))
	}
	return d, nil
}

// Emitter assembles admission: live trajectories append directly; variants
// pass through the governor, with denials reduced to block records.
type Emitter struct {
	store    *Store
	governor *Governor
	logger   *slog.Logger
}

// NewEmitter creates a trajectory emitter.
func NewEmitter(store *Store, governor *Governor, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, governor: governor, logger: logger}
}

// Emit persists the trajectory under the admission policy.
//
// Outputs:
//   - Decision: The governor verdict; Allowed=false means only a minimal
//     block record was written.
//   - error: Storage failure.
func (e *Emitter) Emit(ctx context.Context, t Trajectory) (Decision, error) {
	d, err := e.governor.Admit(ctx, t.Origin)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		if _, err := e.store.Append(ctx, blockRecord(t)); err != nil {
			return d, err
		}
		return d, nil
	}
	if _, err := e.store.Append(ctx, t); err != nil {
		return d, err
	}
	e.logger.Debug("trajectory emitted",
		slog.String("trace_id", t.TraceID), slog.String("origin", string(t.Origin)))
	return d, nil
}
