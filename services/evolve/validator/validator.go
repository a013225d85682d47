// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validator gates generated candidates before they reach the
// modifier. Validation is pure: it inspects candidate text and metrics
// and never touches the filesystem or the network.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
)

var (
	// ErrUnsupportedLanguage indicates a candidate for a language the
	// validator has no grammar for.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Option configures a Validator.
type Option func(*Validator)

// WithRules replaces the default safety rule list.
func WithRules(rules []SafetyRule) Option {
	return func(v *Validator) {
		if len(rules) > 0 {
			v.rules = rules
		}
	}
}

// WithSoftPenalty sets the per-violation score penalty for soft rules.
func WithSoftPenalty(penalty float64) Option {
	return func(v *Validator) {
		if penalty > 0 && penalty <= 1 {
			v.softPenalty = penalty
		}
	}
}

// WithAnalyzer sets the analyzer used for unit parsing and complexity
// measurement. A default analyzer is created when unset.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(v *Validator) {
		if a != nil {
			v.analyzer = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger.With(slog.String("component", "validator"))
		}
	}
}

// Validator evaluates candidates for syntactic integrity and safety.
//
// # Thread Safety
//
// Validator is safe for concurrent use. Each call creates its own parser
// and all configuration is immutable after construction.
type Validator struct {
	analyzer    *analyzer.Analyzer
	rules       []SafetyRule
	softPenalty float64
	logger      *slog.Logger
}

// New creates a Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		rules:       DefaultRules(),
		softPenalty: DefaultSoftPenalty,
		logger:      slog.Default().With(slog.String("component", "validator")),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.analyzer == nil {
		v.analyzer = analyzer.New()
	}
	return v
}

// Rules returns the active rule list. Callers must not mutate it.
func (v *Validator) Rules() []SafetyRule {
	return v.rules
}

// Validate runs both validation phases against a candidate and returns a
// verdict.
//
// # Description
//
// Phase one checks syntax: the proposed text must parse as a single unit
// of the same kind as the original. A syntax failure short-circuits to a
// rejecting verdict with a single hard violation. Phase two evaluates the
// safety rule list in order against the parsed candidate; any hard match
// rejects, soft matches each subtract the configured penalty from the
// score with a floor of zero.
//
// # Inputs
//
//   - ctx: context for cancellation.
//   - cand: the candidate, carrying the original unit and proposed text.
//
// # Outputs
//
//   - *Verdict: the validation result. Never nil on nil error.
//   - error: context cancellation or an unsupported language; rule
//     violations are reported in the verdict, not as errors.
func (v *Validator) Validate(ctx context.Context, cand Candidate) (*Verdict, error) {
	start := time.Now()
	initMetrics()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grammar, err := grammarFor(cand.Unit.Language)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", cand.Unit.UnitID, err)
	}

	// Phase one: syntax.
	parsed, parseErr := v.analyzer.ParseUnit(ctx, cand.ProposedText, cand.Unit.Language)
	if parseErr != nil || parsed.Kind != cand.Unit.Kind {
		detail := "proposed text does not parse as a single unit"
		if parseErr == nil {
			detail = fmt.Sprintf("proposed unit kind %q does not match original kind %q",
				parsed.Kind, cand.Unit.Kind)
		}
		verdict := &Verdict{
			IsSafe:      false,
			SafetyScore: 0,
			Violations:  []Violation{{RuleID: RuleSyntax, Detail: detail}},
			ValidatedAt: time.Now().UTC(),
		}
		v.logger.Warn("candidate rejected at syntax phase",
			slog.String("unit_id", cand.Unit.UnitID),
			slog.String("detail", detail))
		recordValidateMetrics(ctx, cand.Unit.Language, time.Since(start), verdict)
		return verdict, nil
	}

	// Phase two: safety rules, evaluated in table order.
	calls, clauses, err := v.scanProposed(ctx, cand, grammar)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	softCount := 0
	hard := false
	for _, rule := range v.rules {
		if rule.Language != "" && rule.Language != cand.Unit.Language {
			continue
		}
		matched := v.evaluateRule(ctx, rule, cand, calls, clauses)
		if len(matched) == 0 {
			continue
		}
		violations = append(violations, matched...)
		if rule.Class == RuleClassHard {
			hard = true
		} else {
			softCount += len(matched)
		}
	}

	score := 1.0 - v.softPenalty*float64(softCount)
	if score < 0 {
		score = 0
	}
	if hard {
		score = 0
	}
	verdict := &Verdict{
		IsSafe:      !hard,
		SafetyScore: score,
		Violations:  violations,
		ValidatedAt: time.Now().UTC(),
	}
	if hard {
		v.logger.Warn("candidate rejected at safety phase",
			slog.String("unit_id", cand.Unit.UnitID),
			slog.Int("violations", len(violations)))
	} else if softCount > 0 {
		v.logger.Info("candidate accepted with soft violations",
			slog.String("unit_id", cand.Unit.UnitID),
			slog.Int("soft_violations", softCount),
			slog.Float64("safety_score", score))
	}
	recordValidateMetrics(ctx, cand.Unit.Language, time.Since(start), verdict)
	return verdict, nil
}

// callSite is one call expression found in the proposed text.
type callSite struct {
	name string
	line int
}

// exceptSite is one python except clause found in the proposed text.
type exceptSite struct {
	caught string
	line   int
}

// scanProposed parses the proposed text and collects the call expressions
// and exception clauses the rule table matches against.
func (v *Validator) scanProposed(ctx context.Context, cand Candidate, grammar *sitter.Language) ([]callSite, []exceptSite, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)
	content := []byte(cand.ProposedText)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse proposed text for %s: %w", cand.Unit.UnitID, err)
	}
	defer tree.Close()

	var calls []callSite
	var clauses []exceptSite
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "call_expression", "call":
			if fn := node.ChildByFieldName("function"); fn != nil {
				calls = append(calls, callSite{
					name: fn.Content(content),
					line: int(node.StartPoint().Row) + 1,
				})
			}
		case "except_clause":
			clauses = append(clauses, exceptSite{
				caught: exceptCaughtType(node, content),
				line:   int(node.StartPoint().Row) + 1,
			})
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			walk(node.NamedChild(i))
		}
	}
	walk(tree.RootNode())
	return calls, clauses, nil
}

// evaluateRule returns the violations a single rule produces against the
// scanned candidate.
func (v *Validator) evaluateRule(ctx context.Context, rule SafetyRule, cand Candidate, calls []callSite, clauses []exceptSite) []Violation {
	switch rule.ID {
	case RuleValidationRemoved:
		return v.checkValidationRemoved(rule, cand)
	case RuleComplexityIncrease:
		return v.checkComplexityIncrease(ctx, rule, cand)
	}

	if rule.NodeType == "except_clause" {
		var out []Violation
		for _, clause := range clauses {
			if clause.caught == "" || clause.caught == "Exception" || clause.caught == "BaseException" {
				out = append(out, Violation{
					RuleID: rule.ID,
					Line:   clause.line,
					Detail: rule.Message,
				})
			}
		}
		return out
	}

	var out []Violation
	for _, call := range calls {
		for _, pattern := range rule.FuncNames {
			if matchesFuncName(call.name, pattern) {
				out = append(out, Violation{
					RuleID: rule.ID,
					Line:   call.line,
					Detail: fmt.Sprintf("%s: %s", rule.Message, call.name),
				})
				break
			}
		}
	}
	return out
}

// checkValidationRemoved fires when the proposed text contains fewer
// validation-style calls than the original unit.
func (v *Validator) checkValidationRemoved(rule SafetyRule, cand Candidate) []Violation {
	originalCount := countValidationCalls(cand.Unit.SourceText)
	if originalCount == 0 {
		return nil
	}
	proposedCount := countValidationCalls(cand.ProposedText)
	if proposedCount >= originalCount {
		return nil
	}
	return []Violation{{
		RuleID: rule.ID,
		Detail: fmt.Sprintf("%s: %d validation calls in original, %d in candidate",
			rule.Message, originalCount, proposedCount),
	}}
}

// checkComplexityIncrease fires when the candidate's cyclomatic complexity
// exceeds the original unit's.
func (v *Validator) checkComplexityIncrease(ctx context.Context, rule SafetyRule, cand Candidate) []Violation {
	original, err := v.analyzer.MeasureUnit(ctx, cand.Unit.SourceText, cand.Unit.Language)
	if err != nil {
		return nil
	}
	proposed, err := v.analyzer.MeasureUnit(ctx, cand.ProposedText, cand.Unit.Language)
	if err != nil {
		return nil
	}
	if proposed.Cyclomatic <= original.Cyclomatic {
		return nil
	}
	return []Violation{{
		RuleID: rule.ID,
		Detail: fmt.Sprintf("%s: cyclomatic %d -> %d",
			rule.Message, original.Cyclomatic, proposed.Cyclomatic),
	}}
}

// matchesFuncName reports whether a dotted call name matches a rule
// pattern exactly or as a trailing component.
func matchesFuncName(name, pattern string) bool {
	if name == pattern {
		return true
	}
	return strings.HasSuffix(name, "."+pattern)
}

// countValidationCalls counts validation-style call markers in source
// text. Matching is intentionally coarse: both sides of the comparison
// are counted the same way, so only the relative count matters.
func countValidationCalls(text string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, marker := range validationCallMarkers {
		idx := 0
		for {
			pos := strings.Index(lower[idx:], marker)
			if pos < 0 {
				break
			}
			rest := lower[idx+pos+len(marker):]
			if paren := strings.IndexByte(rest, '('); paren >= 0 && paren < 24 &&
				isIdentifierChars(rest[:paren]) {
				count++
			}
			idx += pos + len(marker)
		}
	}
	return count
}

// isIdentifierChars reports whether s consists only of identifier
// characters, so "validate_input(" still counts as a validation call.
func isIdentifierChars(s string) bool {
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// exceptCaughtType extracts the exception type text from an except
// clause, or "" for a bare except.
func exceptCaughtType(node *sitter.Node, content []byte) string {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "block" {
			break
		}
		return child.Content(content)
	}
	return ""
}

// grammarFor maps a language name to its tree-sitter grammar.
func grammarFor(language string) (*sitter.Language, error) {
	switch language {
	case "go":
		return golang.GetLanguage(), nil
	case "python":
		return python.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}
