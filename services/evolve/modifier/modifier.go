// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modifier applies validated candidates to source files and
// reverts them. All writes go through an FS implementation and are
// atomic; every apply captures a backup first, so any modification can
// be rolled back byte for byte.
package modifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/evolve/services/evolve/analyzer"
	"github.com/AleutianAI/evolve/services/evolve/validator"
)

var (
	// ErrStaleCandidate indicates the file changed on disk since the
	// candidate's analysis was taken.
	ErrStaleCandidate = errors.New("stale candidate: file changed since analysis")

	// ErrMissingFileHash indicates a candidate without an analysis-time
	// hash. The stale guard cannot run without one, so the candidate is
	// refused outright.
	ErrMissingFileHash = errors.New("candidate has no analysis hash")

	// ErrSpliceOutOfRange indicates unit line bounds that do not fit the
	// current file.
	ErrSpliceOutOfRange = errors.New("unit lines out of range for file")

	// ErrUnparseableResult indicates the spliced file no longer parses.
	// The file on disk is untouched when this is returned.
	ErrUnparseableResult = errors.New("modified file does not parse")
)

// ModificationResult records one applied modification.
type ModificationResult struct {
	// ModificationID uniquely identifies this apply.
	ModificationID string `json:"modification_id"`

	// UnitID is the unit that was replaced.
	UnitID string `json:"unit_id"`

	// FilePath is the workspace-relative path that was modified.
	FilePath string `json:"file_path"`

	// BackupID names the backup capturing the pre-modification contents.
	BackupID string `json:"backup_id"`

	// OldHash and NewHash are the file's sha256 before and after.
	OldHash string `json:"old_hash"`
	NewHash string `json:"new_hash"`

	// Diff is the unified diff of the change.
	Diff string `json:"diff"`

	// Stat summarizes the diff.
	Stat DiffStat `json:"stat"`

	// AppliedAt is when the write landed.
	AppliedAt time.Time `json:"applied_at"`
}

// Option configures a Modifier.
type Option func(*Modifier)

// WithAnalyzer sets the analyzer used to re-parse spliced files before
// they are written. A default analyzer is created when unset.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(m *Modifier) {
		if a != nil {
			m.analyzer = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Modifier) {
		if logger != nil {
			m.logger = logger.With(slog.String("component", "modifier"))
		}
	}
}

// Modifier applies and reverts unit-level modifications.
//
// # Thread Safety
//
// Modifier is safe for concurrent use. Applies and rollbacks targeting
// the same file serialize on a per-path mutex; different files proceed in
// parallel.
type Modifier struct {
	fs       FS
	analyzer *analyzer.Analyzer
	backups  *backupStore
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Modifier writing through fs.
func New(fs FS, opts ...Option) *Modifier {
	m := &Modifier{
		fs:      fs,
		backups: newBackupStore(),
		logger:  slog.Default().With(slog.String("component", "modifier")),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.analyzer == nil {
		m.analyzer = analyzer.New()
	}
	return m
}

// fileLock returns the mutex serializing mutations of path.
func (m *Modifier) fileLock(path string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[path] = lock
	}
	return lock
}

// Apply replaces the candidate's unit in its file with the proposed text.
//
// # Description
//
// Apply holds the file's mutex for the full operation. It re-reads the
// file and refuses to proceed when its hash no longer matches the
// candidate's analysis-time hash (a candidate carrying no hash at all is
// refused the same way), splices the proposed text over the unit's line
// range, re-parses the spliced result, captures a backup of the original
// contents, and only then writes atomically. A failure at any step
// leaves the file untouched.
//
// # Inputs
//
//   - ctx: context for cancellation, checked before the write.
//   - cand: a candidate that already passed validation.
//
// # Outputs
//
//   - *ModificationResult: the applied change, including its backup ID
//     and unified diff.
//   - error: ErrMissingFileHash, ErrStaleCandidate,
//     ErrSpliceOutOfRange, ErrUnparseableResult, or an FS failure.
func (m *Modifier) Apply(ctx context.Context, cand validator.Candidate) (*ModificationResult, error) {
	start := time.Now()
	initMetrics()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := cand.Unit.FilePath
	lock := m.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.fs.Read(path)
	if err != nil {
		return nil, err
	}
	if cand.FileHash == "" {
		recordApplyMetrics(ctx, "stale", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, ErrMissingFileHash)
	}
	oldHash := HashBytes(current)
	if oldHash != cand.FileHash {
		recordApplyMetrics(ctx, "stale", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, ErrStaleCandidate)
	}

	newContent, err := spliceUnit(current, cand.Unit, cand.ProposedText)
	if err != nil {
		recordApplyMetrics(ctx, "splice_error", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, err)
	}

	if _, err := m.analyzer.ParseUnit(ctx, string(newContent), cand.Unit.Language); err != nil {
		recordApplyMetrics(ctx, "unparseable", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w: %v", cand.Unit.UnitID, ErrUnparseableResult, err)
	}

	unified, err := buildUnifiedDiff(path, current, newContent)
	if err != nil {
		recordApplyMetrics(ctx, "diff_error", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, err)
	}
	stat, err := statDiff(unified)
	if err != nil {
		recordApplyMetrics(ctx, "diff_error", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, err)
	}

	backup := m.backups.capture(path, current)
	if err := m.fs.WriteAtomic(ctx, path, newContent); err != nil {
		recordApplyMetrics(ctx, "write_error", time.Since(start))
		return nil, fmt.Errorf("apply %s: %w", cand.Unit.UnitID, err)
	}

	result := &ModificationResult{
		ModificationID: uuid.NewString(),
		UnitID:         cand.Unit.UnitID,
		FilePath:       path,
		BackupID:       backup.BackupID,
		OldHash:        oldHash,
		NewHash:        HashBytes(newContent),
		Diff:           unified,
		Stat:           stat,
		AppliedAt:      time.Now().UTC(),
	}
	m.logger.Info("modification applied",
		slog.String("unit_id", cand.Unit.UnitID),
		slog.String("file", path),
		slog.String("modification_id", result.ModificationID),
		slog.Int("lines_added", stat.Added),
		slog.Int("lines_deleted", stat.Deleted))
	recordApplyMetrics(ctx, "applied", time.Since(start))
	return result, nil
}

// Rollback restores the file captured by backupID.
//
// Rollback is idempotent: when the file already matches the backup, it
// returns nil without writing. The backup record is retained, so calling
// Rollback twice with the same ID succeeds both times.
func (m *Modifier) Rollback(ctx context.Context, backupID string) error {
	start := time.Now()
	initMetrics()

	if err := ctx.Err(); err != nil {
		return err
	}
	backup, err := m.backups.get(backupID)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", backupID, err)
	}

	lock := m.fileLock(backup.FilePath)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.fs.Read(backup.FilePath)
	if err == nil && HashBytes(current) == backup.Hash {
		recordRollbackMetrics(ctx, "noop", time.Since(start))
		return nil
	}
	if err := m.fs.WriteAtomic(ctx, backup.FilePath, backup.Content); err != nil {
		recordRollbackMetrics(ctx, "write_error", time.Since(start))
		return fmt.Errorf("rollback %s: %w", backupID, err)
	}
	m.logger.Info("modification rolled back",
		slog.String("backup_id", backupID),
		slog.String("file", backup.FilePath))
	recordRollbackMetrics(ctx, "restored", time.Since(start))
	return nil
}

// Backup returns the record for backupID.
func (m *Modifier) Backup(backupID string) (*BackupRecord, error) {
	return m.backups.get(backupID)
}

// BackupCount returns the number of retained backups.
func (m *Modifier) BackupCount() int {
	return m.backups.len()
}

// ClearBackups drops all retained backups. Called at the end of a cycle
// once its outcome is final.
func (m *Modifier) ClearBackups() {
	m.backups.clear()
}

// spliceUnit replaces the unit's line range in content with proposed
// text. Line bounds are 1-indexed and inclusive, matching the analyzer.
func spliceUnit(content []byte, unit analyzer.SourceUnit, proposed string) ([]byte, error) {
	lines := strings.Split(string(content), "\n")
	if unit.StartLine < 1 || unit.EndLine < unit.StartLine || unit.EndLine > len(lines) {
		return nil, fmt.Errorf("%w: lines %d-%d of %d",
			ErrSpliceOutOfRange, unit.StartLine, unit.EndLine, len(lines))
	}

	replacement := strings.Split(strings.TrimRight(proposed, "\n"), "\n")
	spliced := make([]string, 0, len(lines)-((unit.EndLine-unit.StartLine)+1)+len(replacement))
	spliced = append(spliced, lines[:unit.StartLine-1]...)
	spliced = append(spliced, replacement...)
	spliced = append(spliced, lines[unit.EndLine:]...)
	return []byte(strings.Join(spliced, "\n")), nil
}
