// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycle orchestrates one improvement pass: analyze the
// workspace, generate and validate candidates for the highest-priority
// opportunities, apply the safe ones, and publish or roll back the
// result. At most one cycle runs per controller.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/modifier"
	"github.com/AleutianAI/evolve/services/evolve/publisher"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

const (
	// DefaultMaxAttempts is the per-opportunity generation retry budget.
	DefaultMaxAttempts = 3

	// DefaultTopOpportunities caps how many opportunities one cycle
	// pursues, bounding generator calls and the cycle's blast radius.
	DefaultTopOpportunities = 3

	// DefaultAnalyzeConcurrency bounds parallel file analysis.
	DefaultAnalyzeConcurrency = 4
)

// Option configures a Controller.
type Option func(*Controller)

// WithAnalyzer sets the analyzer shared across phases.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(c *Controller) {
		if a != nil {
			c.analyzer = a
		}
	}
}

// WithValidator sets the candidate validator.
func WithValidator(v *validator.Validator) Option {
	return func(c *Controller) {
		if v != nil {
			c.validator = v
		}
	}
}

// WithModifier sets the modifier applying candidates.
func WithModifier(m *modifier.Modifier) Option {
	return func(c *Controller) {
		if m != nil {
			c.modifier = m
		}
	}
}

// WithPublisher enables publishing applied changes. Without one, a
// cycle finishes at DONE with the changes on disk only.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithMaxAttempts sets the per-opportunity generation budget.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithTopOpportunities caps the opportunities pursued per cycle.
func WithTopOpportunities(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.topN = n
		}
	}
}

// WithAnalyzeConcurrency bounds parallel file analysis.
func WithAnalyzeConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger.With(slog.String("component", "cycle"))
		}
	}
}

// Controller drives improvement cycles over a workspace.
//
// # Thread Safety
//
// Controller is safe for concurrent use. RunCycle is non-reentrant: a
// second call while a cycle is running fails immediately with
// ErrCycleInProgress instead of queueing.
type Controller struct {
	fs        modifier.FS
	analyzer  *analyzer.Analyzer
	validator *validator.Validator
	modifier  *modifier.Modifier
	generator Generator
	publisher Publisher
	logger    *slog.Logger

	maxAttempts int
	topN        int
	concurrency int

	runMu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

// New creates a Controller reading and writing through fs and
// generating candidates through gen.
func New(fs modifier.FS, gen Generator, opts ...Option) *Controller {
	c := &Controller{
		fs:          fs,
		generator:   gen,
		logger:      slog.Default().With(slog.String("component", "cycle")),
		maxAttempts: DefaultMaxAttempts,
		topN:        DefaultTopOpportunities,
		concurrency: DefaultAnalyzeConcurrency,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.analyzer == nil {
		c.analyzer = analyzer.New()
	}
	if c.validator == nil {
		c.validator = validator.New(validator.WithAnalyzer(c.analyzer))
	}
	if c.modifier == nil {
		c.modifier = modifier.New(fs, modifier.WithAnalyzer(c.analyzer))
	}
	return c
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// transition moves to a new state and records it in the report's audit
// trail.
func (c *Controller) transition(report *Report, to State) {
	c.stateMu.Lock()
	from := c.state
	c.state = to
	c.stateMu.Unlock()

	report.Transitions = append(report.Transitions, Transition{
		From: from, To: to, At: time.Now().UTC(),
	})
	c.logger.Info("cycle state changed",
		slog.String("cycle_id", report.CycleID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// pursuit pairs an opportunity with the unit it targets and the hash of
// the file it was analyzed from.
type pursuit struct {
	opp      analyzer.Opportunity
	unit     analyzer.SourceUnit
	fileHash string
}

// candidateItem tracks one generated candidate through validation and
// application.
type candidateItem struct {
	p       pursuit
	attempt int
	cand    validator.Candidate
}

// RunCycle executes one full improvement cycle over paths.
//
// # Description
//
// The cycle moves through the phases one at a time. Files are analyzed
// concurrently; per-file analysis failures are recorded and skipped,
// they do not abort the cycle. The top opportunities by priority each
// yield at most one candidate, with a bounded number of retries when
// the generator errors. Candidates are validated concurrently, safe
// ones are applied in priority order, and a candidate whose file
// drifted since analysis is rejected by the stale guard without
// sinking the cycle. When anything was applied and a publisher is
// configured, the cycle publishes; a publish failure rolls back every
// applied modification and the cycle fails. A cycle that applies
// nothing finishes DONE. Cancellation is checked between phases and
// between items; an application already in flight finishes first.
//
// # Outputs
//
//   - *Report: the cycle's audit trail. Non-nil whenever a cycle ran,
//     including failed ones.
//   - error: ErrCycleInProgress, ErrNoPaths, context cancellation, or
//     the publish failure that forced a rollback.
func (c *Controller) RunCycle(ctx context.Context, paths []string) (*Report, error) {
	initMetrics()
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if !c.runMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.runMu.Unlock()
	// The report keeps the terminal state; the controller returns to
	// IDLE so the next cycle's audit trail starts from there.
	defer func() {
		c.stateMu.Lock()
		c.state = StateIdle
		c.stateMu.Unlock()
	}()

	report := &Report{
		CycleID:   newCycleID(),
		StartedAt: time.Now().UTC(),
	}
	c.logger.Info("cycle started",
		slog.String("cycle_id", report.CycleID),
		slog.Int("paths", len(paths)))

	c.transition(report, StateAnalyzing)
	analyses, err := c.analyzeAll(ctx, paths, report)
	if err != nil {
		return c.fail(ctx, report, err)
	}

	pursued := c.selectOpportunities(analyses, report)

	c.transition(report, StateGenerating)
	items := c.generateAll(ctx, report, pursued)
	if ctx.Err() != nil {
		return c.fail(ctx, report, ctx.Err())
	}

	c.transition(report, StateValidating)
	safe := c.validateAll(ctx, report, items)
	if ctx.Err() != nil {
		return c.fail(ctx, report, ctx.Err())
	}

	c.transition(report, StateApplying)
	c.applyAll(ctx, report, safe)
	if ctx.Err() != nil {
		return c.fail(ctx, report, ctx.Err())
	}

	if len(report.Applied) > 0 && c.publisher != nil {
		c.transition(report, StatePublishing)
		result, err := c.publisher.Publish(ctx, buildPublishRequest(report))
		if err != nil {
			return c.fail(ctx, report, fmt.Errorf("publish: %w", err))
		}
		report.Publish = result
	}

	c.transition(report, StateDone)
	report.State = StateDone
	report.FinishedAt = time.Now().UTC()
	c.modifier.ClearBackups()
	c.logger.Info("cycle finished",
		slog.String("cycle_id", report.CycleID),
		slog.Int("applied", len(report.Applied)),
		slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	recordCycleMetrics(ctx, report)
	return report, nil
}

// fail moves the cycle to FAILED, rolling back anything applied. A
// rollback failure is an invariant violation and is joined into the
// returned error rather than swallowed.
func (c *Controller) fail(ctx context.Context, report *Report, cause error) (*Report, error) {
	if len(report.Applied) > 0 {
		if err := c.rollbackApplied(report); err != nil {
			cause = errors.Join(cause, err)
		}
	}
	c.transition(report, StateFailed)
	report.State = StateFailed
	report.FinishedAt = time.Now().UTC()
	c.modifier.ClearBackups()
	c.logger.Error("cycle failed",
		slog.String("cycle_id", report.CycleID),
		slog.String("error", cause.Error()),
		slog.Bool("rolled_back", report.RolledBack))
	recordCycleMetrics(ctx, report)
	return report, cause
}

// rollbackApplied reverts applied modifications, newest first. Rollback
// must run even when the cycle's context is cancelled, so it uses a
// fresh context. RolledBack is only set when every revert succeeded;
// partial failures are returned joined.
func (c *Controller) rollbackApplied(report *Report) error {
	rollbackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	for i := len(report.Applied) - 1; i >= 0; i-- {
		mod := report.Applied[i]
		if err := c.modifier.Rollback(rollbackCtx, mod.BackupID); err != nil {
			c.logger.Error("rollback failed",
				slog.String("cycle_id", report.CycleID),
				slog.String("file", mod.FilePath),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("rollback %s: %w", mod.FilePath, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	report.RolledBack = true
	return nil
}

// analyzeAll analyzes paths concurrently, recording per-file failures
// in the report. Only context cancellation is returned as an error.
func (c *Controller) analyzeAll(ctx context.Context, paths []string, report *Report) ([]*analyzer.Analysis, error) {
	var mu sync.Mutex
	var analyses []*analyzer.Analysis

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := c.fs.Read(path)
			if err == nil {
				var analysis *analyzer.Analysis
				analysis, err = c.analyzer.AnalyzeContent(gctx, content, path)
				if err == nil {
					mu.Lock()
					analyses = append(analyses, analysis)
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			report.AnalysisErrors = append(report.AnalysisErrors,
				fmt.Sprintf("%s: %v", path, err))
			mu.Unlock()
			c.logger.Warn("analysis skipped",
				slog.String("cycle_id", report.CycleID),
				slog.String("file", path),
				slog.String("error", err.Error()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.FilesAnalyzed = len(analyses)
	return analyses, nil
}

// selectOpportunities ranks all opportunities by priority and keeps the
// top slice.
func (c *Controller) selectOpportunities(analyses []*analyzer.Analysis, report *Report) []pursuit {
	var all []pursuit
	for _, analysis := range analyses {
		for _, opp := range analysis.Opportunities {
			unit := analysis.UnitByID(opp.UnitID)
			if unit == nil {
				continue
			}
			all = append(all, pursuit{opp: opp, unit: *unit, fileHash: analysis.Hash})
		}
	}
	report.OpportunitiesFound = len(all)

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].opp.Priority > all[j].opp.Priority
	})
	if len(all) > c.topN {
		all = all[:c.topN]
	}
	report.OpportunitiesPursued = len(all)
	return all
}

// generateAll requests one candidate per pursued opportunity, retrying
// generator errors up to the attempt budget. An opportunity whose
// budget is exhausted is dropped with its failures recorded.
func (c *Controller) generateAll(ctx context.Context, report *Report, pursued []pursuit) []candidateItem {
	var items []candidateItem
	for _, p := range pursued {
		if ctx.Err() != nil {
			return items
		}
		for attempt := 1; attempt <= c.maxAttempts; attempt++ {
			cand, err := c.generator.Generate(ctx, p.unit, p.opp)
			if err != nil {
				c.recordAttempt(report, p, attempt, AttemptGenerationFailed, nil, err.Error())
				if ctx.Err() != nil {
					return items
				}
				continue
			}
			cand.Unit = p.unit
			cand.FileHash = p.fileHash
			items = append(items, candidateItem{p: p, attempt: attempt, cand: cand})
			break
		}
	}
	return items
}

// validateAll checks every candidate concurrently, then records the
// outcomes in priority order so the audit trail stays deterministic.
// Only safe candidates are returned.
func (c *Controller) validateAll(ctx context.Context, report *Report, items []candidateItem) []candidateItem {
	type outcome struct {
		verdict *validator.Verdict
		err     error
	}
	outcomes := make([]outcome, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range items {
		g.Go(func() error {
			verdict, err := c.validator.Validate(gctx, items[i].cand)
			outcomes[i] = outcome{verdict: verdict, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var safe []candidateItem
	for i, it := range items {
		out := outcomes[i]
		switch {
		case out.err != nil:
			c.recordAttempt(report, it.p, it.attempt, AttemptRejected, nil, out.err.Error())
		case !out.verdict.IsSafe:
			c.recordAttempt(report, it.p, it.attempt, AttemptRejected, out.verdict.Violations, "")
		default:
			safe = append(safe, it)
		}
	}
	return safe
}

// applyAll writes safe candidates to disk in priority order. Apply
// failures, including the stale guard tripping after an earlier apply
// touched the same file, are recorded and skipped.
func (c *Controller) applyAll(ctx context.Context, report *Report, safe []candidateItem) {
	for _, it := range safe {
		if ctx.Err() != nil {
			return
		}
		result, err := c.modifier.Apply(ctx, it.cand)
		if err != nil {
			c.recordAttempt(report, it.p, it.attempt, AttemptApplyFailed, nil, err.Error())
			continue
		}
		c.recordAttempt(report, it.p, it.attempt, AttemptApplied, nil, "")
		report.Applied = append(report.Applied, *result)
	}
}

// recordAttempt appends to the audit trail and logs the attempt.
func (c *Controller) recordAttempt(report *Report, p pursuit, attempt int, outcome AttemptOutcome, violations []validator.Violation, detail string) {
	report.Attempts = append(report.Attempts, AttemptRecord{
		UnitID:     p.opp.UnitID,
		Attempt:    attempt,
		Outcome:    outcome,
		Violations: violations,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
	c.logger.Info("attempt recorded",
		slog.String("cycle_id", report.CycleID),
		slog.String("unit_id", p.opp.UnitID),
		slog.Int("attempt", attempt),
		slog.String("outcome", string(outcome)))
	recordAttemptMetrics(context.Background(), outcome)
}

// buildPublishRequest renders the commit and pull request content from
// the cycle's applied modifications.
func buildPublishRequest(report *Report) publisher.PublishRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated refactoring cycle %s.\n\n", report.CycleID)
	for _, mod := range report.Applied {
		fmt.Fprintf(&b, "- %s (+%d/-%d lines, ~%d changed)\n",
			mod.UnitID, mod.Stat.Added, mod.Stat.Deleted, mod.Stat.Changed)
	}
	title := fmt.Sprintf("refactor: reduce complexity in %d unit(s)", len(report.Applied))
	return publisher.PublishRequest{
		CycleID: report.CycleID,
		Title:   title,
		Body:    b.String(),
		Files:   report.appliedFiles(),
	}
}

// newCycleID returns a sortable, unique cycle identifier.
func newCycleID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
