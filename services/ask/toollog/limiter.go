// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package toollog

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IngestLimiter throttles tool-log ingest per tenant.
//
// Description:
//
//	Each tenant gets its own token bucket. Buckets idle past the reset
//	window are discarded by Reset, so a tenant that goes quiet starts
//	fresh instead of accumulating a full burst.
//
// Thread Safety: Safe for concurrent use.
type IngestLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*tenantBucket
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngestLimiter creates a limiter allowing eventsPerSec sustained with
// the given burst per tenant; buckets idle longer than idle are reclaimed.
func NewIngestLimiter(eventsPerSec float64, burst int, idle time.Duration) *IngestLimiter {
	if eventsPerSec <= 0 {
		eventsPerSec = 50
	}
	if burst <= 0 {
		burst = 100
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &IngestLimiter{
		limit:   rate.Limit(eventsPerSec),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: map[string]*tenantBucket{},
	}
}

// Allow reports whether the tenant may ingest one event now.
func (l *IngestLimiter) Allow(tenant string) bool {
	l.mu.Lock()
	b, ok := l.buckets[tenant]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[tenant] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Reset reclaims buckets idle past the window; returns how many were
// dropped.
func (l *IngestLimiter) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	removed := 0
	for tenant, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, tenant)
			removed++
		}
	}
	return removed
}
