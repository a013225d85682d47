// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator produces candidate rewrites for flagged units using
// an OpenAI-compatible chat completion endpoint. Local inference servers
// that speak the same API work unchanged via WithBaseURL.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

var (
	// ErrEmptyCompletion indicates the model returned no usable code.
	ErrEmptyCompletion = errors.New("model returned empty completion")
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = openai.GPT4oMini

	// DefaultTemperature keeps rewrites conservative.
	DefaultTemperature = 0.3

	// DefaultMaxTokens bounds the completion length.
	DefaultMaxTokens = 2048
)

// chatClient is the slice of the OpenAI client Generate depends on,
// extracted so tests can stub completions.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithModel sets the completion model.
func WithModel(model string) Option {
	return func(g *LLMGenerator) {
		if model != "" {
			g.model = model
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temperature float32) Option {
	return func(g *LLMGenerator) {
		if temperature >= 0 {
			g.temperature = temperature
		}
	}
}

// WithMaxTokens sets the completion token budget.
func WithMaxTokens(maxTokens int) Option {
	return func(g *LLMGenerator) {
		if maxTokens > 0 {
			g.maxTokens = maxTokens
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *LLMGenerator) {
		if logger != nil {
			g.logger = logger.With(slog.String("component", "generator"))
		}
	}
}

// LLMGenerator generates candidate rewrites through a chat model.
//
// # Thread Safety
//
// LLMGenerator is safe for concurrent use; the underlying client is
// stateless per request and configuration is immutable after New.
type LLMGenerator struct {
	client      chatClient
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// New creates an LLMGenerator talking to api.openai.com with apiKey.
func New(apiKey string, opts ...Option) *LLMGenerator {
	return newGenerator(openai.NewClient(apiKey), opts...)
}

// NewWithBaseURL creates an LLMGenerator for an OpenAI-compatible server
// at baseURL, such as a local inference daemon.
func NewWithBaseURL(apiKey, baseURL string, opts ...Option) *LLMGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newGenerator(openai.NewClientWithConfig(cfg), opts...)
}

func newGenerator(client chatClient, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{
		client:      client,
		model:       DefaultModel,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		logger:      slog.Default().With(slog.String("component", "generator")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces a replacement for the opportunity's unit.
//
// # Description
//
// Builds a refactoring prompt from the unit source and the opportunity,
// requests a completion, and strips any surrounding code fences from the
// response. The returned text is untrusted and must pass validation
// before it is applied.
//
// # Outputs
//
//   - validator.Candidate: carries the unit, the opportunity, and the
//     proposed text. FileHash is left for the caller to fill in.
//   - error: transport failures or ErrEmptyCompletion.
func (g *LLMGenerator) Generate(ctx context.Context, unit analyzer.SourceUnit, opp analyzer.Opportunity) (validator.Candidate, error) {
	start := time.Now()
	initMetrics()

	system, user := buildRefactorPrompt(unit, opp)
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		recordGenerateMetrics(ctx, g.model, "error", time.Since(start))
		return validator.Candidate{}, fmt.Errorf("generate for %s: %w", unit.UnitID, err)
	}
	if len(resp.Choices) == 0 {
		recordGenerateMetrics(ctx, g.model, "empty", time.Since(start))
		return validator.Candidate{}, fmt.Errorf("generate for %s: %w", unit.UnitID, ErrEmptyCompletion)
	}

	proposed := stripCodeFences(resp.Choices[0].Message.Content)
	if strings.TrimSpace(proposed) == "" {
		recordGenerateMetrics(ctx, g.model, "empty", time.Since(start))
		return validator.Candidate{}, fmt.Errorf("generate for %s: %w", unit.UnitID, ErrEmptyCompletion)
	}

	g.logger.Debug("candidate generated",
		slog.String("unit_id", unit.UnitID),
		slog.String("model", g.model),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))
	recordGenerateMetrics(ctx, g.model, "ok", time.Since(start))
	return validator.Candidate{
		Unit:         unit,
		Opportunity:  opp,
		ProposedText: proposed,
	}, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, from a model response.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := trimmed[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the fence line including any language tag.
		body = body[nl+1:]
	} else {
		return trimmed
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
