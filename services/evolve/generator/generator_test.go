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
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
)

type stubChat struct {
	response string
	err      error
	lastReq  openai.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.response}},
		},
	}, nil
}

func testUnit() (analyzer.SourceUnit, analyzer.Opportunity) {
	unit := analyzer.SourceUnit{
		UnitID:     "pkg/calc.go:3:add",
		FilePath:   "pkg/calc.go",
		Name:       "add",
		Kind:       analyzer.UnitKindFunction,
		Language:   "go",
		StartLine:  3,
		EndLine:    8,
		SourceText: "func add(a, b int) int {\n\tif a < 0 {\n\t\treturn b\n\t}\n\treturn a + b\n}",
	}
	opp := analyzer.Opportunity{
		UnitID:   unit.UnitID,
		Reason:   "cyclomatic complexity 12 exceeds threshold 10",
		Priority: 0.8,
	}
	return unit, opp
}

func TestGenerate(t *testing.T) {
	t.Run("strips fenced response", func(t *testing.T) {
		stub := &stubChat{response: "```go\nfunc add(a, b int) int {\n\treturn a + b\n}\n```"}
		g := newGenerator(stub)
		unit, opp := testUnit()

		cand, err := g.Generate(context.Background(), unit, opp)
		if err != nil {
			t.Fatalf("Generate error: %v", err)
		}
		if strings.Contains(cand.ProposedText, "```") {
			t.Errorf("fences not stripped: %q", cand.ProposedText)
		}
		if !strings.HasPrefix(cand.ProposedText, "func add(") {
			t.Errorf("unexpected proposed text: %q", cand.ProposedText)
		}
		if cand.Unit.UnitID != unit.UnitID || cand.Opportunity.UnitID != opp.UnitID {
			t.Error("candidate does not carry unit and opportunity")
		}
	})

	t.Run("prompt carries unit source and constraints", func(t *testing.T) {
		stub := &stubChat{response: "func add(a, b int) int { return a + b }"}
		g := newGenerator(stub, WithModel("local-coder"), WithTemperature(0.1), WithMaxTokens(512))
		unit, opp := testUnit()

		if _, err := g.Generate(context.Background(), unit, opp); err != nil {
			t.Fatalf("Generate error: %v", err)
		}
		if stub.lastReq.Model != "local-coder" {
			t.Errorf("model = %q, want local-coder", stub.lastReq.Model)
		}
		if stub.lastReq.MaxTokens != 512 {
			t.Errorf("max tokens = %d, want 512", stub.lastReq.MaxTokens)
		}
		if len(stub.lastReq.Messages) != 2 {
			t.Fatalf("want system+user messages, got %d", len(stub.lastReq.Messages))
		}
		user := stub.lastReq.Messages[1].Content
		for _, want := range []string{unit.SourceText, unit.Name, opp.Reason, "same signature"} {
			if !strings.Contains(user, want) {
				t.Errorf("user prompt missing %q", want)
			}
		}
	})

	t.Run("empty completion fails", func(t *testing.T) {
		stub := &stubChat{response: "```go\n\n```"}
		g := newGenerator(stub)
		unit, opp := testUnit()
		if _, err := g.Generate(context.Background(), unit, opp); !errors.Is(err, ErrEmptyCompletion) {
			t.Fatalf("err = %v, want ErrEmptyCompletion", err)
		}
	})

	t.Run("transport error propagates", func(t *testing.T) {
		transport := errors.New("connection refused")
		stub := &stubChat{err: transport}
		g := newGenerator(stub)
		unit, opp := testUnit()
		if _, err := g.Generate(context.Background(), unit, opp); !errors.Is(err, transport) {
			t.Fatalf("err = %v, want wrapped transport error", err)
		}
	})
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "func f() {}", "func f() {}"},
		{"go fence", "```go\nfunc f() {}\n```", "func f() {}"},
		{"python fence", "```python\ndef f():\n    pass\n```", "def f():\n    pass"},
		{"bare fence", "```\nfunc f() {}\n```", "func f() {}"},
		{"surrounding whitespace", "  \n```go\nfunc f() {}\n```\n  ", "func f() {}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripCodeFences(tc.in); got != tc.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
