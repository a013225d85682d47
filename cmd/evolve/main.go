// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command evolve runs one autonomous code-improvement cycle over a
// workspace: analyze, generate, validate, apply, publish.
//
// Usage:
//
//	go run ./cmd/evolve -config evolve.yaml
//	go run ./cmd/evolve -config evolve.yaml -paths pkg/calc.go,pkg/util.go
//
// Dry run (apply to disk, never commit or open a pull request):
//
//	go run ./cmd/evolve -config evolve.yaml -dry-run
//
// With a local OpenAI-compatible inference server:
//
//	EVOLVE_BASE_URL=http://localhost:11434/v1 EVOLVE_API_KEY=unused go run ./cmd/evolve -config evolve.yaml
//
// The process exits 0 when the cycle finishes DONE, 1 on FAILED or on a
// setup error. The full cycle report is written to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/config"
	"github.com/AleutianAI/evolve/services/evolve/cycle"
	"github.com/AleutianAI/evolve/services/evolve/generator"
	"github.com/AleutianAI/evolve/services/evolve/modifier"
	"github.com/AleutianAI/evolve/services/evolve/publisher"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

func main() {
	configPath := flag.String("config", "evolve.yaml", "Path to the config file")
	pathsFlag := flag.String("paths", "", "Comma-separated workspace-relative files (overrides config)")
	dryRun := flag.Bool("dry-run", false, "Apply to disk only, never commit or open a PR")
	flag.Parse()

	if err := run(*configPath, *pathsFlag, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "evolve: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, pathsFlag string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	paths := cfg.Workspace.Paths
	if pathsFlag != "" {
		paths = strings.Split(pathsFlag, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := buildController(cfg, dryRun, logger)
	if err != nil {
		return err
	}

	report, err := ctrl.RunCycle(ctx, paths)
	if report != nil {
		out, marshalErr := json.MarshalIndent(report, "", "  ")
		if marshalErr == nil {
			fmt.Println(string(out))
		}
	}
	return err
}

// buildController wires the engine from configuration.
func buildController(cfg config.Config, dryRun bool, logger *slog.Logger) (*cycle.Controller, error) {
	fs, err := modifier.NewOSFS(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}

	historyOpts := analyzer.DefaultHistoryOptions()
	historyOpts.RingSize = cfg.Analyzer.HistoryRingSize
	historyOpts.PersistDir = cfg.Analyzer.HistoryDir
	history, err := analyzer.NewHistory(&historyOpts)
	if err != nil {
		return nil, err
	}

	anlz := analyzer.New(
		analyzer.WithComplexityThreshold(cfg.Analyzer.ComplexityThreshold),
		analyzer.WithPriorityWeights(cfg.Analyzer.ComplexityWeight, cfg.Analyzer.SignalWeight),
		analyzer.WithMaxFileSize(cfg.Analyzer.MaxFileSizeBytes),
		analyzer.WithHistory(history),
		analyzer.WithLogger(logger),
	)
	vld := validator.New(
		validator.WithAnalyzer(anlz),
		validator.WithSoftPenalty(cfg.Validator.SoftPenalty),
		validator.WithLogger(logger),
	)
	mod := modifier.New(fs,
		modifier.WithAnalyzer(anlz),
		modifier.WithLogger(logger),
	)
	gen := generator.NewWithBaseURL(cfg.APIKey(), cfg.Generator.BaseURL,
		generator.WithModel(cfg.Generator.Model),
		generator.WithTemperature(cfg.Generator.Temperature),
		generator.WithMaxTokens(cfg.Generator.MaxTokens),
		generator.WithLogger(logger),
	)

	opts := []cycle.Option{
		cycle.WithAnalyzer(anlz),
		cycle.WithValidator(vld),
		cycle.WithModifier(mod),
		cycle.WithMaxAttempts(cfg.Cycle.MaxAttempts),
		cycle.WithTopOpportunities(cfg.Cycle.TopOpportunities),
		cycle.WithAnalyzeConcurrency(cfg.Cycle.AnalyzeConcurrency),
		cycle.WithLogger(logger),
	}
	if cfg.Publisher.Enabled && !dryRun {
		pub, err := publisher.New(cfg.Workspace.Root,
			publisher.WithAuthor(cfg.Publisher.AuthorName, cfg.Publisher.AuthorEmail),
			publisher.WithBranchPrefix(cfg.Publisher.BranchPrefix),
			publisher.WithRemote(cfg.Publisher.Remote),
			publisher.WithPush(cfg.Publisher.Push),
			publisher.WithGitHub(cfg.Publisher.GitHubOwner, cfg.Publisher.GitHubRepo,
				cfg.GitHubToken(), cfg.Publisher.BaseBranch),
			publisher.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cycle.WithPublisher(pub))
	}

	return cycle.New(fs, gen, opts...), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
