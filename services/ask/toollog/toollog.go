// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package toollog keeps an append-only ring of tool events with
// per-subscriber fan-out for the SSE stream.
package toollog

import (
	"log/slog"
	"sync"
	"time"
)

// defaultCapacity bounds the ring when the caller passes none.
const defaultCapacity = 2048

// subscriberBuffer is each subscriber's channel depth; a subscriber that
// falls further behind loses events rather than blocking the appender.
const subscriberBuffer = 64

// Event is one tool-log entry. Seq is assigned by the store and is
// strictly increasing.
type Event struct {
	Seq     uint64    `json:"seq"`
	Tenant  string    `json:"tenant,omitempty"`
	Session string    `json:"sessionId,omitempty"`
	Trace   string    `json:"traceId,omitempty"`
	Tool    string    `json:"tool"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Query filters events; empty fields match everything.
type Query struct {
	Tenant  string
	Session string
	Trace   string
	Tool    string
	// Limit caps List results, newest kept; <=0 means no cap.
	Limit int
}

// Matches reports whether the event passes the filter.
func (q Query) Matches(e Event) bool {
	if q.Tenant != "" && q.Tenant != e.Tenant {
		return false
	}
	if q.Session != "" && q.Session != e.Session {
		return false
	}
	if q.Trace != "" && q.Trace != e.Trace {
		return false
	}
	if q.Tool != "" && q.Tool != e.Tool {
		return false
	}
	return true
}

type subscriber struct {
	query   Query
	ch      chan Event
	dropped int
}

// Store is the append-only tool-log ring with subscriber fan-out.
//
// Description:
//
//	Appends assign sequence numbers and overwrite the oldest entry once
//	the ring is full. Subscribers receive matching events in seq order
//	over a buffered channel; a full channel drops the event for that
//	subscriber instead of blocking the appender.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	buf     []Event
	start   int
	count   int
	nextSeq uint64
	subs    map[int]*subscriber
	nextSub int
}

// NewStore creates a ring store holding up to capacity events.
func NewStore(capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		buf:    make([]Event, capacity),
		subs:   map[int]*subscriber{},
	}
}

// Append stores the event, assigns its seq, and fans it out.
func (s *Store) Append(e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	e.Seq = s.nextSeq
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	idx := (s.start + s.count) % len(s.buf)
	if s.count == len(s.buf) {
		s.start = (s.start + 1) % len(s.buf)
		s.buf[idx] = e
	} else {
		s.buf[idx] = e
		s.count++
	}

	for id, sub := range s.subs {
		if !sub.query.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
			if sub.dropped == 1 {
				s.logger.Warn("tool-log subscriber lagging", slog.Int("subscriber", id))
			}
		}
	}
	return e
}

// List returns retained events matching the query, in seq order. With a
// positive Limit, the newest matching events are kept.
func (s *Store) List(q Query) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := 0; i < s.count; i++ {
		e := s.buf[(s.start+i)%len(s.buf)]
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Subscribe registers a fan-out channel for matching events. The returned
// cancel func must be called to release the subscription; it closes the
// channel.
func (s *Store) Subscribe(q Query) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	sub := &subscriber{query: q, ch: make(chan Event, subscriberBuffer)}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.ch)
		}
	}
	return sub.ch, cancel
}

// Subscribers reports the active subscription count.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
