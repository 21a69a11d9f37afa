// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream extracts the marked answer block from an LLM token stream
// and re-emits it in ordered, bounded chunks.
package stream

import (
	"strings"
	"time"

	"github.com/helixml/helix-ask/services/llm"
)

// phase is the marker state machine position.
type phase int

const (
	phaseSeeking phase = iota
	phaseEmitting
	phaseDone
)

// Params bound the emitter's output.
type Params struct {
	// ChunkMaxChars flushes the buffer when it reaches this size.
	ChunkMaxChars int
	// FlushEvery flushes the buffer when this much time has passed since
	// the last flush, even if the buffer is small.
	FlushEvery time.Duration
	// MaxEvents caps emitted chunks; further content is dropped.
	MaxEvents int
}

// DefaultParams mirror the pipeline stream defaults.
func DefaultParams() Params {
	return Params{ChunkMaxChars: 160, FlushEvery: 250 * time.Millisecond, MaxEvents: 400}
}

// Emitter is the answer-block extraction state machine.
//
// Description:
//
//	Push tokens in arrival order; the emitter scans for the ANSWER_START
//	marker (which may span token boundaries), emits the content between
//	the markers in buffered chunks, and stops at ANSWER_END. Emission
//	order always matches arrival order. Finalize flushes the tail; when
//	no marker ever arrived, it emits the fallback string once.
//
// Thread Safety: NOT safe for concurrent use; one emitter serves one
// stream, pushed from a single goroutine.
type Emitter struct {
	params Params
	emit   func(chunk string)

	phase     phase
	window    string
	buf       strings.Builder
	events    int
	lastFlush time.Time
	now       func() time.Time
}

// NewEmitter creates an emitter delivering chunks to emit.
func NewEmitter(params Params, emit func(chunk string)) *Emitter {
	def := DefaultParams()
	if params.ChunkMaxChars <= 0 {
		params.ChunkMaxChars = def.ChunkMaxChars
	}
	if params.FlushEvery <= 0 {
		params.FlushEvery = def.FlushEvery
	}
	if params.MaxEvents <= 0 {
		params.MaxEvents = def.MaxEvents
	}
	e := &Emitter{params: params, emit: emit, now: time.Now}
	e.lastFlush = e.now()
	return e
}

// Push feeds one token (or chunk) of model output into the state machine.
func (e *Emitter) Push(token string) {
	if e.phase == phaseDone || token == "" {
		return
	}
	e.window += token

	for {
		switch e.phase {
		case phaseSeeking:
			idx := strings.Index(e.window, llm.AnswerStartMarker)
			if idx < 0 {
				// Keep only enough tail to complete a split marker.
				if keep := len(llm.AnswerStartMarker) - 1; len(e.window) > keep {
					e.window = e.window[len(e.window)-keep:]
				}
				return
			}
			e.window = e.window[idx+len(llm.AnswerStartMarker):]
			e.phase = phaseEmitting
		case phaseEmitting:
			if idx := strings.Index(e.window, llm.AnswerEndMarker); idx >= 0 {
				e.bufferContent(e.window[:idx])
				e.flush()
				e.phase = phaseDone
				e.window = ""
				return
			}
			// Hold back a possible split end marker.
			keep := len(llm.AnswerEndMarker) - 1
			if len(e.window) <= keep {
				e.maybeFlush()
				return
			}
			e.bufferContent(e.window[:len(e.window)-keep])
			e.window = e.window[len(e.window)-keep:]
			e.maybeFlush()
			return
		default:
			return
		}
	}
}

// Finalize flushes pending content. When the start marker never arrived and
// fallback is non-empty, the fallback is emitted once.
func (e *Emitter) Finalize(fallback string) {
	switch e.phase {
	case phaseSeeking:
		if fallback != "" && e.events < e.params.MaxEvents {
			e.events++
			e.emit(fallback)
		}
	case phaseEmitting:
		// Stream ended without the end marker: emit what is held.
		e.bufferContent(strings.TrimSuffix(e.window, "\n"))
		e.flush()
	}
	e.phase = phaseDone
	e.window = ""
}

// Events reports how many chunks were emitted.
func (e *Emitter) Events() int {
	return e.events
}

func (e *Emitter) bufferContent(s string) {
	if s == "" {
		return
	}
	e.buf.WriteString(s)
	if e.buf.Len() >= e.params.ChunkMaxChars {
		e.flush()
	}
}

func (e *Emitter) maybeFlush() {
	if e.buf.Len() == 0 {
		return
	}
	if e.now().Sub(e.lastFlush) >= e.params.FlushEvery {
		e.flush()
	}
}

func (e *Emitter) flush() {
	e.lastFlush = e.now()
	if e.buf.Len() == 0 {
		return
	}
	if e.events >= e.params.MaxEvents {
		e.buf.Reset()
		return
	}
	e.events++
	e.emit(e.buf.String())
	e.buf.Reset()
}
