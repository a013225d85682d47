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
	"time"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/modifier"
	"github.com/AleutianAI/evolve/services/evolve/publisher"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

var (
	// ErrCycleInProgress indicates RunCycle was called while another
	// cycle holds the controller. The second caller fails immediately,
	// it never queues.
	ErrCycleInProgress = errors.New("cycle already in progress")

	// ErrNoPaths indicates a cycle started with nothing to analyze.
	ErrNoPaths = errors.New("no paths to analyze")
)

// State is the controller's position in the cycle state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateAnalyzing  State = "ANALYZING"
	StateGenerating State = "GENERATING"
	StateValidating State = "VALIDATING"
	StateApplying   State = "APPLYING"
	StatePublishing State = "PUBLISHING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Generator produces a candidate rewrite for one flagged unit. The
// returned candidate is untrusted; the controller validates it before
// anything touches disk.
type Generator interface {
	Generate(ctx context.Context, unit analyzer.SourceUnit, opp analyzer.Opportunity) (validator.Candidate, error)
}

// Publisher records a cycle's applied changes for review.
type Publisher interface {
	Publish(ctx context.Context, req publisher.PublishRequest) (*publisher.PublishResult, error)
}

// AttemptOutcome classifies one generation attempt.
type AttemptOutcome string

const (
	AttemptApplied          AttemptOutcome = "applied"
	AttemptRejected         AttemptOutcome = "rejected"
	AttemptGenerationFailed AttemptOutcome = "generation_failed"
	AttemptApplyFailed      AttemptOutcome = "apply_failed"
)

// AttemptRecord is the audit entry for one generation attempt against
// one opportunity.
type AttemptRecord struct {
	UnitID     string                `json:"unit_id"`
	Attempt    int                   `json:"attempt"`
	Outcome    AttemptOutcome        `json:"outcome"`
	Violations []validator.Violation `json:"violations,omitempty"`
	Detail     string                `json:"detail,omitempty"`
	At         time.Time             `json:"at"`
}

// Transition is one audit entry in the cycle's state history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the full account of one cycle.
type Report struct {
	// CycleID uniquely identifies the cycle; it also names the publish
	// branch.
	CycleID string `json:"cycle_id"`

	// State is the terminal state, DONE or FAILED.
	State State `json:"state"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Transitions is the ordered state history.
	Transitions []Transition `json:"transitions"`

	// FilesAnalyzed counts files that analyzed cleanly; AnalysisErrors
	// collects per-file failures that did not stop the cycle.
	FilesAnalyzed  int      `json:"files_analyzed"`
	AnalysisErrors []string `json:"analysis_errors,omitempty"`

	// OpportunitiesFound is the total across all analyses;
	// OpportunitiesPursued is the top slice the cycle worked on.
	OpportunitiesFound   int `json:"opportunities_found"`
	OpportunitiesPursued int `json:"opportunities_pursued"`

	// Attempts is the per-attempt audit trail.
	Attempts []AttemptRecord `json:"attempts"`

	// Applied lists modifications that landed on disk and survived.
	Applied []modifier.ModificationResult `json:"applied"`

	// RolledBack is true when applied modifications were reverted
	// because publishing failed or the cycle was cancelled.
	RolledBack bool `json:"rolled_back,omitempty"`

	// Publish reports where the changes were recorded, when publishing
	// ran and succeeded.
	Publish *publisher.PublishResult `json:"publish,omitempty"`
}

// appliedFiles returns the unique file paths of applied modifications,
// in first-applied order.
func (r *Report) appliedFiles() []string {
	seen := make(map[string]struct{}, len(r.Applied))
	var files []string
	for _, mod := range r.Applied {
		if _, ok := seen[mod.FilePath]; ok {
			continue
		}
		seen[mod.FilePath] = struct{}{}
		files = append(files, mod.FilePath)
	}
	return files
}
