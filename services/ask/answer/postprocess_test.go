// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/ask/synthesis"
)

func TestStripPromptEcho(t *testing.T) {
	in := "Question: where is the route?\nThe route lives in the server package.\nContext: ignored"
	out := StripPromptEcho(in)
	assert.Equal(t, "The route lives in the server package.", out)
	assert.Equal(t, out, StripPromptEcho(out), "idempotent")
}

func TestStripDrawers(t *testing.T) {
	in := "Answer body.\n<details><summary>debug</summary>hidden</details>\nMore text.\n</details>"
	out := StripDrawers(in)
	assert.NotContains(t, out, "details")
	assert.Contains(t, out, "Answer body.")
	assert.Contains(t, out, "More text.")
	assert.Equal(t, out, StripDrawers(out), "idempotent")
}

func TestNormalizeLists(t *testing.T) {
	in := "* first\n+ second\n-\n- third"
	out := NormalizeLists(in)
	assert.Equal(t, "- first\n- second\n- third", out)
	assert.Equal(t, out, NormalizeLists(out), "idempotent")
}

func TestRepairPathLines(t *testing.T) {
	in := "server/routes/agi.plan.ts registers the ask route."
	out := RepairPathLines(in)
	assert.Equal(t, "registers the ask route (server/routes/agi.plan.ts).", out)
	assert.Equal(t, out, RepairPathLines(out), "idempotent")

	// A bare citation line stays as-is.
	assert.Equal(t, "server/routes/agi.plan.ts", RepairPathLines("server/routes/agi.plan.ts"))
}

func TestEnforceParagraphs(t *testing.T) {
	in := "First paragraph.\n\nSecond paragraph.\n\nThird paragraph."
	out := EnforceParagraphs(in, 2)
	assert.Equal(t, "First paragraph.\n\nSecond paragraph. Third paragraph.", out)
	assert.Equal(t, out, EnforceParagraphs(out, 2), "idempotent")
	assert.Equal(t, in, EnforceParagraphs(in, 3), "under the cap, untouched")
}

func TestCleanComposesIdempotently(t *testing.T) {
	in := "Question: echo\n* bullet\n<details>x</details>\nserver/a/b.ts does things.\n\n\n\nTail."
	once := Clean(in)
	assert.Equal(t, once, Clean(once))
	assert.NotContains(t, once, "Question:")
	assert.NotContains(t, once, "<details>")
}

func TestCleanPreservesFencedIndentation(t *testing.T) {
	in := "Intro  line.\n```go\nfunc cache() {\n\tif ok {\n\t\treturn  plans\n\t}\n}\n```\nOutro   line."
	out := Clean(in)
	// Prose space runs collapse; code indentation and alignment survive.
	assert.Contains(t, out, "Intro line.")
	assert.Contains(t, out, "Outro line.")
	assert.Contains(t, out, "\t\treturn  plans")
	assert.Contains(t, out, "\tif ok {")
	assert.Equal(t, out, Clean(out), "idempotent")
}

func TestBuildEnvelopeDeterministic(t *testing.T) {
	profile := intent.Profile{Tier: intent.TierF1, SecondaryTier: intent.TierF2}
	spec := synthesis.FormatSpec{Format: synthesis.FormatBrief}
	files := []string{"b.md", "a.ts", "b.md", ""}

	env := BuildEnvelope("text", spec, profile, files, "trace-1")
	assert.Equal(t, []string{"a.ts", "b.md"}, env.EvidenceRefs)
	assert.Equal(t, ModeBrief, env.Mode)
	assert.Equal(t, intent.TierF1, env.Tier)
	assert.Equal(t, env, BuildEnvelope("text", spec, profile, files, "trace-1"))
}

func TestModeMapping(t *testing.T) {
	assert.Equal(t, ModeExtended,
		BuildEnvelope("t", synthesis.FormatSpec{Format: synthesis.FormatSteps}, intent.Profile{}, nil, "").Mode)
	assert.Equal(t, ModeStandard,
		BuildEnvelope("t", synthesis.FormatSpec{Format: synthesis.FormatCompare}, intent.Profile{}, nil, "").Mode)
}
