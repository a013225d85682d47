// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validator

import (
	"time"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
)

// RuleClass tags a safety rule as hard or soft.
//
// A hard rule violation unconditionally rejects a candidate. A soft rule
// violation only lowers the numeric safety score.
type RuleClass string

const (
	RuleClassHard RuleClass = "HARD"
	RuleClassSoft RuleClass = "SOFT"
)

// Rule identifiers. RuleSyntax is special: it is emitted by the syntax
// phase, not by the rule table.
const (
	RuleSyntax = "syntax"

	RuleDynamicCode         = "exec.dynamic-code"
	RuleProcessSpawn        = "exec.process"
	RuleFilesystemWrite     = "fs.write"
	RuleNetworkSocket       = "net.socket"
	RuleCredentialTamper    = "sec.credentials"
	RuleExceptionSuppressed = "quality.exception-suppression"
	RuleValidationRemoved   = "quality.validation-removal"
	RuleComplexityIncrease  = "quality.complexity-increase"
)

// DefaultSoftPenalty is subtracted from the safety score per soft-rule
// violation, with a floor of zero.
const DefaultSoftPenalty = 0.1

// Candidate is generator output for one opportunity: untrusted until
// validated.
type Candidate struct {
	// Unit is the original unit the candidate replaces.
	Unit analyzer.SourceUnit `json:"unit"`

	// Opportunity is the opportunity the candidate answers.
	Opportunity analyzer.Opportunity `json:"opportunity"`

	// ProposedText is the replacement source for the unit.
	ProposedText string `json:"proposed_text"`

	// FileHash is the sha256 of the whole file at analysis time. The
	// modifier refuses to apply a candidate when the on-disk hash no
	// longer matches.
	FileHash string `json:"file_hash"`
}

// Violation records one safety-rule match inside a candidate.
type Violation struct {
	// RuleID identifies the violated rule.
	RuleID string `json:"rule_id"`

	// Line is the 1-indexed line within the proposed text, or 0 when the
	// violation has no single location (structural soft rules).
	Line int `json:"line,omitempty"`

	// Detail is a human-readable description of the match.
	Detail string `json:"detail,omitempty"`
}

// Verdict is the immutable result of validating one candidate.
//
// Any hard-rule violation forces IsSafe=false regardless of score; soft
// violations only depress the score. Once a hard rule fires the score is
// reported as 0 for audit clarity.
type Verdict struct {
	// IsSafe indicates the candidate may proceed to the modifier.
	IsSafe bool `json:"is_safe"`

	// SafetyScore is in [0,1]. Starts at 1.0 and is reduced by soft-rule
	// penalties; 0 whenever a hard rule fired.
	SafetyScore float64 `json:"safety_score"`

	// Violations are all rule matches, in rule-table order.
	Violations []Violation `json:"violations,omitempty"`

	// ValidatedAt is when validation occurred.
	ValidatedAt time.Time `json:"validated_at"`
}

// HasHardViolation reports whether any violation belongs to a hard rule.
func (v *Verdict) HasHardViolation(rules []SafetyRule) bool {
	classes := make(map[string]RuleClass, len(rules)+1)
	classes[RuleSyntax] = RuleClassHard
	for _, r := range rules {
		classes[r.ID] = r.Class
	}
	for _, violation := range v.Violations {
		if classes[violation.RuleID] == RuleClassHard {
			return true
		}
	}
	return false
}

// SafetyRule is one entry in the closed, ordered rule list.
//
// # Description
//
// Rules are evaluated uniformly: pattern rules match call-expression
// function names in the parsed candidate; structural rules (empty
// FuncNames) are computed from the candidate and original metrics. The
// set is extensible without touching the validator's control flow.
type SafetyRule struct {
	// ID is the stable rule identifier recorded in violations.
	ID string

	// Class distinguishes hard from soft rules.
	Class RuleClass

	// Language restricts the rule ("" applies to all languages).
	Language string

	// NodeType is the AST node type to match, for pattern rules.
	NodeType string

	// FuncNames are function names that trigger this rule. Empty for
	// structural rules.
	FuncNames []string

	// Message describes the issue for audit output.
	Message string
}
