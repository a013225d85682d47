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
	"context"
	"math"
	"testing"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
)

func goCandidate(t *testing.T, originalText, proposedText string) Candidate {
	t.Helper()
	unit, err := analyzer.New().ParseUnit(context.Background(), originalText, "go")
	if err != nil {
		t.Fatalf("ParseUnit(original) error: %v", err)
	}
	unit.FilePath = "pkg/example.go"
	unit.UnitID = analyzer.GenerateUnitID(unit.FilePath, unit.StartLine, unit.Name)
	return Candidate{
		Unit:         *unit,
		Opportunity:  analyzer.Opportunity{UnitID: unit.UnitID, Priority: 0.8},
		ProposedText: proposedText,
	}
}

func pythonCandidate(t *testing.T, originalText, proposedText string) Candidate {
	t.Helper()
	unit, err := analyzer.New().ParseUnit(context.Background(), originalText, "python")
	if err != nil {
		t.Fatalf("ParseUnit(original) error: %v", err)
	}
	unit.FilePath = "pkg/example.py"
	unit.UnitID = analyzer.GenerateUnitID(unit.FilePath, unit.StartLine, unit.Name)
	return Candidate{
		Unit:         *unit,
		Opportunity:  analyzer.Opportunity{UnitID: unit.UnitID, Priority: 0.8},
		ProposedText: proposedText,
	}
}

func hasRule(verdict *Verdict, ruleID string) bool {
	for _, v := range verdict.Violations {
		if v.RuleID == ruleID {
			return true
		}
	}
	return false
}

func TestValidate_CleanCandidate(t *testing.T) {
	v := New()
	cand := goCandidate(t,
		"func add(a, b int) int {\n\tif a < 0 {\n\t\treturn b\n\t}\n\treturn a + b\n}",
		"func add(a, b int) int {\n\treturn a + b\n}")

	verdict, err := v.Validate(context.Background(), cand)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !verdict.IsSafe {
		t.Fatalf("clean candidate rejected: %+v", verdict.Violations)
	}
	if verdict.SafetyScore != 1.0 {
		t.Errorf("SafetyScore = %v, want 1.0", verdict.SafetyScore)
	}
	if len(verdict.Violations) != 0 {
		t.Errorf("unexpected violations: %+v", verdict.Violations)
	}
}

func TestValidate_SyntaxPhase(t *testing.T) {
	v := New()

	t.Run("unparseable text rejects", func(t *testing.T) {
		cand := goCandidate(t, "func f() {}", "this is not go code {{{")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if verdict.IsSafe {
			t.Fatal("expected syntactically broken candidate to be rejected")
		}
		if verdict.SafetyScore != 0 {
			t.Errorf("SafetyScore = %v, want 0", verdict.SafetyScore)
		}
		if !hasRule(verdict, RuleSyntax) {
			t.Errorf("expected %q violation, got %+v", RuleSyntax, verdict.Violations)
		}
	})

	t.Run("empty text rejects", func(t *testing.T) {
		cand := goCandidate(t, "func f() {}", "   \n\t")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if verdict.IsSafe || !hasRule(verdict, RuleSyntax) {
			t.Errorf("expected syntax rejection, got %+v", verdict)
		}
	})

	t.Run("kind mismatch rejects", func(t *testing.T) {
		cand := goCandidate(t, "func f() {}",
			"func (s *server) f() {}")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if verdict.IsSafe || !hasRule(verdict, RuleSyntax) {
			t.Errorf("expected kind-mismatch rejection, got %+v", verdict)
		}
	})
}

func TestValidate_HardRules(t *testing.T) {
	v := New()

	cases := []struct {
		name     string
		cand     Candidate
		wantRule string
	}{
		{
			name: "go process execution",
			cand: goCandidate(t, "func run() {}",
				"func run() {\n\texec.Command(\"rm\", \"-rf\", \"/\").Run()\n}"),
			wantRule: RuleProcessSpawn,
		},
		{
			name: "go filesystem write",
			cand: goCandidate(t, "func save() {}",
				"func save() {\n\tos.WriteFile(\"out.txt\", nil, 0o644)\n}"),
			wantRule: RuleFilesystemWrite,
		},
		{
			name: "go network dial",
			cand: goCandidate(t, "func connect() {}",
				"func connect() {\n\tnet.Dial(\"tcp\", \"example.com:80\")\n}"),
			wantRule: RuleNetworkSocket,
		},
		{
			name: "python dynamic execution",
			cand: pythonCandidate(t, "def run():\n    pass\n",
				"def run():\n    eval(\"1 + 1\")\n"),
			wantRule: RuleDynamicCode,
		},
		{
			name: "python subprocess",
			cand: pythonCandidate(t, "def run():\n    pass\n",
				"def run():\n    subprocess.run([\"ls\"])\n"),
			wantRule: RuleProcessSpawn,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := v.Validate(context.Background(), tc.cand)
			if err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if verdict.IsSafe {
				t.Fatalf("expected rejection, got safe verdict: %+v", verdict)
			}
			if verdict.SafetyScore != 0 {
				t.Errorf("SafetyScore = %v, want 0", verdict.SafetyScore)
			}
			if !hasRule(verdict, tc.wantRule) {
				t.Errorf("expected %q violation, got %+v", tc.wantRule, verdict.Violations)
			}
		})
	}
}

func TestValidate_SoftRules(t *testing.T) {
	v := New()

	t.Run("recover lowers score without rejecting", func(t *testing.T) {
		cand := goCandidate(t, "func guard() {}",
			"func guard() {\n\tdefer func() {\n\t\trecover()\n\t}()\n}")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if !verdict.IsSafe {
			t.Fatalf("soft violation must not reject: %+v", verdict.Violations)
		}
		if !hasRule(verdict, RuleExceptionSuppressed) {
			t.Fatalf("expected %q violation, got %+v", RuleExceptionSuppressed, verdict.Violations)
		}
		if math.Abs(verdict.SafetyScore-0.9) > 1e-9 {
			t.Errorf("SafetyScore = %v, want 0.9", verdict.SafetyScore)
		}
	})

	t.Run("bare except lowers score", func(t *testing.T) {
		cand := pythonCandidate(t, "def guard():\n    pass\n",
			"def guard():\n    try:\n        work()\n    except:\n        pass\n")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if !verdict.IsSafe || !hasRule(verdict, RuleExceptionSuppressed) {
			t.Errorf("expected soft exception-suppression violation, got %+v", verdict)
		}
	})

	t.Run("typed except is clean", func(t *testing.T) {
		cand := pythonCandidate(t, "def guard():\n    pass\n",
			"def guard():\n    try:\n        work()\n    except ValueError:\n        raise\n")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if hasRule(verdict, RuleExceptionSuppressed) {
			t.Errorf("typed except should not fire: %+v", verdict.Violations)
		}
	})

	t.Run("complexity increase lowers score", func(t *testing.T) {
		cand := goCandidate(t,
			"func pick(a int) int {\n\treturn a\n}",
			"func pick(a int) int {\n\tif a > 0 {\n\t\tif a > 10 {\n\t\t\treturn 10\n\t\t}\n\t\treturn a\n\t}\n\treturn 0\n}")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if !verdict.IsSafe || !hasRule(verdict, RuleComplexityIncrease) {
			t.Errorf("expected soft complexity violation, got %+v", verdict)
		}
	})

	t.Run("validation removal lowers score", func(t *testing.T) {
		cand := goCandidate(t,
			"func handle(in string) error {\n\tif err := validateInput(in); err != nil {\n\t\treturn err\n\t}\n\treturn process(in)\n}",
			"func handle(in string) error {\n\treturn process(in)\n}")
		verdict, err := v.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if !verdict.IsSafe || !hasRule(verdict, RuleValidationRemoved) {
			t.Errorf("expected soft validation-removal violation, got %+v", verdict)
		}
	})

	t.Run("score floors at zero", func(t *testing.T) {
		penalized := New(WithSoftPenalty(0.6))
		cand := goCandidate(t,
			"func handle(in string) error {\n\tif err := validateInput(in); err != nil {\n\t\treturn err\n\t}\n\treturn process(in)\n}",
			"func handle(in string) error {\n\tdefer func() {\n\t\trecover()\n\t}()\n\treturn process(in)\n}")
		verdict, err := penalized.Validate(context.Background(), cand)
		if err != nil {
			t.Fatalf("Validate error: %v", err)
		}
		if !verdict.IsSafe {
			t.Fatalf("soft violations must not reject: %+v", verdict.Violations)
		}
		if verdict.SafetyScore != 0 {
			t.Errorf("SafetyScore = %v, want floor 0", verdict.SafetyScore)
		}
	})
}

func TestValidate_UnsupportedLanguage(t *testing.T) {
	v := New()
	cand := Candidate{
		Unit: analyzer.SourceUnit{
			UnitID:   "pkg/example.rs:1:main",
			Language: "rust",
			Kind:     analyzer.UnitKindFunction,
		},
		ProposedText: "fn main() {}",
	}
	if _, err := v.Validate(context.Background(), cand); err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestValidate_ContextCancelled(t *testing.T) {
	v := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cand := goCandidate(t, "func f() {}", "func f() {}")
	if _, err := v.Validate(ctx, cand); err == nil {
		t.Fatal("expected context error")
	}
}
