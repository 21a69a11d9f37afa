// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"sync"
	"time"
)

// PlanCache keeps recent plan records in memory.
//
// Description:
//
//	Insertion-ordered with a TTL and a hard count bound: when full, the
//	oldest insertion is evicted. Expired entries are dropped lazily on
//	Get and eagerly by Prune.
//
// Thread Safety: Safe for concurrent use.
type PlanCache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
}

type cacheEntry struct {
	record   PlanRecord
	storedAt time.Time
}

// NewPlanCache creates a cache bounded by ttl and max entries.
func NewPlanCache(ttl time.Duration, max int) *PlanCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if max <= 0 {
		max = 256
	}
	return &PlanCache{ttl: ttl, max: max, now: time.Now, entries: map[string]cacheEntry{}}
}

// Put stores the record under its trace id, evicting the oldest insertion
// when the cache is full.
func (c *PlanCache) Put(record PlanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[record.TraceID]; !exists {
		for len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, record.TraceID)
	}
	c.entries[record.TraceID] = cacheEntry{record: record, storedAt: c.now()}
}

// Get returns the record for the trace id, if present and unexpired.
func (c *PlanCache) Get(traceID string) (PlanRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[traceID]
	if !ok {
		return PlanRecord{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, traceID)
		c.removeFromOrder(traceID)
		return PlanRecord{}, false
	}
	return e.record, true
}

// Prune drops expired entries; returns how many were removed.
func (c *PlanCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	kept := c.order[:0]
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if c.now().Sub(e.storedAt) > c.ttl {
			delete(c.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return removed
}

// Len reports the live entry count.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PlanCache) removeFromOrder(traceID string) {
	for i, id := range c.order {
		if id == traceID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
