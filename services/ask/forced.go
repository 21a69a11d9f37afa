// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import "strings"

// buildPipelineAnswer is the fixed answer for pipeline-overview questions.
// The flow is stable and documented, so the answer is assembled from the
// canonical references instead of a model pass.
func buildPipelineAnswer() string {
	steps := []string{
		"1. The question arrives at the ask route, is normalized, and intent plus topic profiles are matched (server/routes/agi.plan.ts, server/services/helix-ask/intent-directory.ts, server/services/helix-ask/topic.ts).",
		"2. A micro plan pass proposes retrieval queries and scope directives (server/services/helix-ask/query.ts).",
		"3. Hybrid retrieval fuses lexical, symbol, fuzzy, and path channels over the code lattice and selects a diverse evidence pack (docs/helix-ask-flow.md).",
		"4. Evidence is distilled into cited items and the synthesizer writes the answer between its markers under the format contract (server/services/helix-ask/format.ts).",
		"5. Gates check evidence coverage and citations, the arbiter picks the answer mode, and the envelope is returned to the pill UI (server/services/helix-ask/envelope.ts, client/src/components/helix/HelixAskPill.tsx).",
	}
	return strings.Join(steps, "\n") +
		"\n\nIn practice, each stage only consumes the previous stage's output, so a failure downgrades the answer mode instead of failing the request."
}
