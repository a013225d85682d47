// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the engine configuration: defaults, file loading,
// environment overrides, and validation.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the package validator instance.
var validate = validator.New()

// Config is the top-level engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Workspace contains the source tree settings.
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`

	// Analyzer contains analysis settings.
	Analyzer AnalyzerConfig `json:"analyzer" yaml:"analyzer"`

	// Validator contains validation settings.
	Validator ValidatorConfig `json:"validator" yaml:"validator"`

	// Generator contains candidate generation settings.
	Generator GeneratorConfig `json:"generator" yaml:"generator"`

	// Cycle contains cycle controller settings.
	Cycle CycleConfig `json:"cycle" yaml:"cycle"`

	// Publisher contains git and pull request settings.
	Publisher PublisherConfig `json:"publisher" yaml:"publisher"`

	// LogLevel controls slog verbosity.
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// WorkspaceConfig locates the tree the engine may modify.
type WorkspaceConfig struct {
	// Root is the directory all modifications are confined to.
	Root string `json:"root" yaml:"root" validate:"required"`

	// Paths are the workspace-relative files each cycle analyzes.
	Paths []string `json:"paths" yaml:"paths" validate:"min=1,dive,required"`
}

// AnalyzerConfig contains analysis settings.
type AnalyzerConfig struct {
	ComplexityThreshold int     `json:"complexity_threshold" yaml:"complexity_threshold" validate:"gt=0"`
	ComplexityWeight    float64 `json:"complexity_weight" yaml:"complexity_weight" validate:"gte=0,lte=1"`
	SignalWeight        float64 `json:"signal_weight" yaml:"signal_weight" validate:"gte=0,lte=1"`
	MaxFileSizeBytes    int64   `json:"max_file_size_bytes" yaml:"max_file_size_bytes" validate:"gt=0"`
	HistoryDir          string  `json:"history_dir" yaml:"history_dir"`
	HistoryRingSize     int     `json:"history_ring_size" yaml:"history_ring_size" validate:"gt=0"`
}

// ValidatorConfig contains validation settings.
type ValidatorConfig struct {
	SoftPenalty float64 `json:"soft_penalty" yaml:"soft_penalty" validate:"gt=0,lte=1"`
}

// GeneratorConfig contains candidate generation settings.
type GeneratorConfig struct {
	Model string `json:"model" yaml:"model" validate:"required"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty means the
	// hosted API.
	BaseURL string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key, so
	// the key itself never lands in a config file.
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env" validate:"required"`

	Temperature float32 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" validate:"gt=0"`
}

// CycleConfig contains cycle controller settings.
type CycleConfig struct {
	// MaxAttempts is the per-opportunity generation budget.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gt=0"`

	// TopOpportunities caps how many opportunities one cycle pursues.
	TopOpportunities int `json:"top_opportunities" yaml:"top_opportunities" validate:"gt=0"`

	// AnalyzeConcurrency bounds parallel file analysis.
	AnalyzeConcurrency int `json:"analyze_concurrency" yaml:"analyze_concurrency" validate:"gt=0"`
}

// PublisherConfig contains git and pull request settings.
type PublisherConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Push         bool   `json:"push" yaml:"push"`
	Remote       string `json:"remote" yaml:"remote"`
	BranchPrefix string `json:"branch_prefix" yaml:"branch_prefix"`
	BaseBranch   string `json:"base_branch" yaml:"base_branch"`
	AuthorName   string `json:"author_name" yaml:"author_name"`
	AuthorEmail  string `json:"author_email" yaml:"author_email" validate:"omitempty,email"`
	GitHubOwner  string `json:"github_owner" yaml:"github_owner"`
	GitHubRepo   string `json:"github_repo" yaml:"github_repo"`

	// TokenEnv names the environment variable holding the GitHub token.
	TokenEnv string `json:"token_env" yaml:"token_env"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Workspace: WorkspaceConfig{
			Root:  ".",
			Paths: []string{},
		},
		Analyzer: AnalyzerConfig{
			ComplexityThreshold: 10,
			ComplexityWeight:    0.6,
			SignalWeight:        0.4,
			MaxFileSizeBytes:    10 * 1024 * 1024,
			HistoryRingSize:     1000,
		},
		Validator: ValidatorConfig{
			SoftPenalty: 0.1,
		},
		Generator: GeneratorConfig{
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "EVOLVE_API_KEY",
			Temperature: 0.3,
			MaxTokens:   2048,
		},
		Cycle: CycleConfig{
			MaxAttempts:        3,
			TopOpportunities:   3,
			AnalyzeConcurrency: 4,
		},
		Publisher: PublisherConfig{
			Remote:       "origin",
			BranchPrefix: "evolve/",
			BaseBranch:   "main",
			AuthorName:   "evolve",
			AuthorEmail:  "evolve@aleutian.ai",
			TokenEnv:     "EVOLVE_GITHUB_TOKEN",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the file at configPath
// when present, then environment overrides, then validation.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadConfigFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("EVOLVE_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("EVOLVE_COMPLEXITY_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Analyzer.ComplexityThreshold = i
		}
	}
	if v := os.Getenv("EVOLVE_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Cycle.MaxAttempts = i
		}
	}
	if v := os.Getenv("EVOLVE_TOP_OPPORTUNITIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Cycle.TopOpportunities = i
		}
	}
	if v := os.Getenv("EVOLVE_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("EVOLVE_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("EVOLVE_SOFT_PENALTY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Validator.SoftPenalty = f
		}
	}
	if v := os.Getenv("EVOLVE_PUBLISHER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Publisher.Enabled = b
		}
	}
	if v := os.Getenv("EVOLVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks struct tags plus the cross-field invariants the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if math.Abs(c.Analyzer.ComplexityWeight+c.Analyzer.SignalWeight-1.0) > 1e-9 {
		return fmt.Errorf("analyzer weights must sum to 1.0, got %v + %v",
			c.Analyzer.ComplexityWeight, c.Analyzer.SignalWeight)
	}
	if c.Publisher.Enabled {
		hasGitHub := c.Publisher.GitHubOwner != "" || c.Publisher.GitHubRepo != ""
		if hasGitHub && (c.Publisher.GitHubOwner == "" || c.Publisher.GitHubRepo == "") {
			return fmt.Errorf("github_owner and github_repo must be set together")
		}
	}
	return nil
}

// APIKey resolves the generator API key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.Generator.APIKeyEnv)
}

// GitHubToken resolves the publisher token from the environment.
func (c *Config) GitHubToken() string {
	if c.Publisher.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Publisher.TokenEnv)
}
