// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
)

const systemPrompt = `You are a refactoring assistant. You rewrite a single function or method to reduce its complexity while preserving its behavior exactly. You respond with code only, never with explanations.`

// buildRefactorPrompt renders the system and user prompts for one unit.
func buildRefactorPrompt(unit analyzer.SourceUnit, opp analyzer.Opportunity) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Refactor the following %s %s '%s' to reduce its complexity.\n",
		unit.Language, unit.Kind, unit.Name)
	if opp.Reason != "" {
		fmt.Fprintf(&b, "Reason flagged: %s\n", opp.Reason)
	}
	b.WriteString("\nGuidelines:\n")
	b.WriteString("1. Break deeply nested logic into smaller helpers only when they can live inside this unit.\n")
	b.WriteString("2. Reduce nested conditions and loops.\n")
	b.WriteString("3. Maintain all existing functionality.\n")
	b.WriteString("4. Keep the exact same signature and name.\n")
	b.WriteString("5. Do not add imports, I/O, process execution, or network calls.\n")
	b.WriteString("6. Keep existing validation and error handling.\n")
	fmt.Fprintf(&b, "\nOriginal code:\n```%s\n%s\n```\n", unit.Language, unit.SourceText)
	fmt.Fprintf(&b, "\nReturn ONLY the refactored %s code for the complete unit, no explanations.\n", unit.Language)
	return systemPrompt, b.String()
}
