// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/helix-ask/services/llm"
)

// collect returns an emitter plus the slice its chunks land in. The clock is
// frozen so time-based flushes never fire unless a test advances it.
func collect(params Params) (*Emitter, *[]string, *time.Time) {
	var chunks []string
	now := time.Unix(1700000000, 0)
	e := NewEmitter(params, func(c string) { chunks = append(chunks, c) })
	e.now = func() time.Time { return now }
	e.lastFlush = now
	return e, &chunks, &now
}

func TestEmitsOnlyBetweenMarkers(t *testing.T) {
	e, chunks, _ := collect(Params{})

	e.Push("preamble the model chats about\n")
	e.Push(llm.AnswerStartMarker + "\nThe plan cache expires records.")
	e.Push("\n" + llm.AnswerEndMarker + "\ntrailing chatter")
	e.Finalize("fallback")

	got := strings.Join(*chunks, "")
	assert.Equal(t, "\nThe plan cache expires records.\n", got)
	assert.NotContains(t, got, "preamble")
	assert.NotContains(t, got, "trailing")
	assert.NotContains(t, got, "fallback")
}

func TestMarkerSplitAcrossTokens(t *testing.T) {
	e, chunks, _ := collect(Params{})

	e.Push("ANSWER")
	e.Push("_ST")
	e.Push("ART")
	e.Push("inside text")
	e.Push("ANSWER_")
	e.Push("END")
	e.Finalize("")

	assert.Equal(t, "inside text", strings.Join(*chunks, ""))
}

func TestChunkSizeFlush(t *testing.T) {
	e, chunks, _ := collect(Params{ChunkMaxChars: 10})

	e.Push(llm.AnswerStartMarker)
	e.Push(strings.Repeat("a", 25))
	e.Push(llm.AnswerEndMarker)
	e.Finalize("")

	require.NotEmpty(t, *chunks)
	// Everything arrives, in order, split across multiple flushes.
	assert.Equal(t, strings.Repeat("a", 25), strings.Join(*chunks, ""))
	assert.GreaterOrEqual(t, len(*chunks), 2)
}

func TestTimeBasedFlush(t *testing.T) {
	e, chunks, now := collect(Params{FlushEvery: 250 * time.Millisecond})

	e.Push(llm.AnswerStartMarker + "slow trickle of text ")
	assert.Empty(t, *chunks, "below size bound, clock not advanced")

	*now = now.Add(300 * time.Millisecond)
	e.Push("more ")
	assert.NotEmpty(t, *chunks, "stale buffer flushes on the next push")
}

func TestMaxEventsCap(t *testing.T) {
	e, chunks, _ := collect(Params{ChunkMaxChars: 1, MaxEvents: 3})

	e.Push(llm.AnswerStartMarker)
	for i := 0; i < 50; i++ {
		e.Push("x")
	}
	e.Push(llm.AnswerEndMarker)
	e.Finalize("")

	assert.Len(t, *chunks, 3)
	assert.Equal(t, 3, e.Events())
}

func TestFinalizeFallbackWhenNoMarker(t *testing.T) {
	e, chunks, _ := collect(Params{})

	e.Push("the model never produced a marker")
	e.Finalize("I could not produce an answer.")
	e.Finalize("I could not produce an answer.")

	require.Len(t, *chunks, 1, "fallback is emitted once")
	assert.Equal(t, "I could not produce an answer.", (*chunks)[0])
}

func TestFinalizeFlushesUnterminatedAnswer(t *testing.T) {
	e, chunks, _ := collect(Params{})

	e.Push(llm.AnswerStartMarker + "partial answer cut off")
	e.Finalize("fallback")

	got := strings.Join(*chunks, "")
	assert.Equal(t, "partial answer cut off", got)
	assert.NotContains(t, got, "fallback")
}

func TestPushAfterDoneIgnored(t *testing.T) {
	e, chunks, _ := collect(Params{})

	e.Push(llm.AnswerStartMarker + "done" + llm.AnswerEndMarker)
	before := len(*chunks)
	e.Push("extra")
	e.Finalize("fallback")
	assert.Len(t, *chunks, before)
}
