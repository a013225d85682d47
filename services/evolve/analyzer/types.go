// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the analyzer.
var (
	// ErrParse is returned when a source file cannot be parsed into a
	// structural model. Local to one file; a multi-file pass continues.
	ErrParse = errors.New("source parse failed")

	// ErrFileTooLarge is returned when input content exceeds the maximum file size.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidContent is returned when content is not valid UTF-8.
	ErrInvalidContent = errors.New("content is not valid UTF-8")

	// ErrUnsupportedLanguage is returned for file extensions without a parser.
	ErrUnsupportedLanguage = errors.New("unsupported source language")
)

// UnitKind classifies an addressable region of source code.
type UnitKind string

const (
	UnitKindFunction UnitKind = "function"
	UnitKindMethod   UnitKind = "method"
	UnitKindBlock    UnitKind = "block"
)

// SourceUnit is a named, addressable region of a file.
//
// # Description
//
// Produced by parsing a file. Immutable once created; a reanalysis of the
// same file supersedes its units rather than mutating them.
type SourceUnit struct {
	// UnitID uniquely identifies the unit within the tree.
	// Format: "<file_path>:<start_line>:<name>".
	UnitID string `json:"unit_id"`

	// FilePath is the path the unit was parsed from, relative to the
	// project root with forward slashes.
	FilePath string `json:"file_path"`

	// Name is the declared name of the function or method.
	Name string `json:"name"`

	// Kind is the structural kind of the unit.
	Kind UnitKind `json:"kind"`

	// Language is the canonical language name ("go", "python").
	Language string `json:"language"`

	// StartLine and EndLine are 1-indexed, inclusive.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// SourceText is the exact text of the unit.
	SourceText string `json:"source_text"`
}

// ComplexityMetric holds structural metrics for one unit.
type ComplexityMetric struct {
	// UnitID identifies the measured unit.
	UnitID string `json:"unit_id"`

	// Cyclomatic is the cyclomatic complexity. Always >= 1: a
	// straight-line unit has complexity 1.
	Cyclomatic int `json:"cyclomatic"`

	// BranchCount is the number of conditional branch points.
	BranchCount int `json:"branch_count"`

	// NestingDepth is the maximum nesting depth of control structures.
	NestingDepth int `json:"nesting_depth"`

	// LineCount is the number of source lines in the unit.
	LineCount int `json:"line_count"`
}

// Opportunity describes a unit worth handing to the generator.
//
// # Description
//
// Opportunities are ephemeral: generated fresh each cycle and never
// persisted as mutable state. Only the append-only analysis history keeps
// them for trend comparison.
type Opportunity struct {
	// UnitID identifies the unit the opportunity targets.
	UnitID string `json:"unit_id"`

	// Reason is a human-readable description of why the unit was flagged.
	Reason string `json:"reason"`

	// Priority is in [0,1], a weighted combination of normalized
	// complexity and the caller-supplied signal.
	Priority float64 `json:"priority"`
}

// Analysis is the result of one analyzer pass over one file.
type Analysis struct {
	// FilePath is the analyzed file.
	FilePath string `json:"file_path"`

	// Language is the detected language.
	Language string `json:"language"`

	// Hash is the SHA-256 of the analyzed content, hex encoded.
	Hash string `json:"hash"`

	// AnalyzedAtMilli is when the analysis ran (unix milliseconds).
	AnalyzedAtMilli int64 `json:"analyzed_at_milli"`

	// Units are the addressable regions found in the file.
	Units []SourceUnit `json:"units"`

	// Metrics holds one entry per unit, in unit order.
	Metrics []ComplexityMetric `json:"metrics"`

	// Opportunities are the ranked improvement opportunities. Only units
	// whose complexity exceeds the configured threshold appear here.
	Opportunities []Opportunity `json:"opportunities"`

	// Errors are non-fatal problems encountered during extraction.
	Errors []string `json:"errors,omitempty"`
}

// UnitByID returns the unit with the given ID, or nil if absent.
func (a *Analysis) UnitByID(unitID string) *SourceUnit {
	for i := range a.Units {
		if a.Units[i].UnitID == unitID {
			return &a.Units[i]
		}
	}
	return nil
}

// MetricFor returns the metric for the given unit, or nil if absent.
func (a *Analysis) MetricFor(unitID string) *ComplexityMetric {
	for i := range a.Metrics {
		if a.Metrics[i].UnitID == unitID {
			return &a.Metrics[i]
		}
	}
	return nil
}

// Validate checks internal consistency of the analysis.
//
// # Outputs
//
//   - error: Non-nil if a unit has an empty ID, a metric violates the
//     complexity floor, or a metric references an unknown unit.
func (a *Analysis) Validate() error {
	ids := make(map[string]struct{}, len(a.Units))
	for i := range a.Units {
		u := &a.Units[i]
		if u.UnitID == "" {
			return fmt.Errorf("unit %d (%s) has empty id", i, u.Name)
		}
		if u.StartLine < 1 || u.EndLine < u.StartLine {
			return fmt.Errorf("unit %s has invalid line range %d-%d", u.UnitID, u.StartLine, u.EndLine)
		}
		ids[u.UnitID] = struct{}{}
	}
	for i := range a.Metrics {
		m := &a.Metrics[i]
		if m.Cyclomatic < 1 {
			return fmt.Errorf("metric for %s has cyclomatic %d, minimum is 1", m.UnitID, m.Cyclomatic)
		}
		if _, ok := ids[m.UnitID]; !ok {
			return fmt.Errorf("metric references unknown unit %s", m.UnitID)
		}
	}
	for i := range a.Opportunities {
		o := &a.Opportunities[i]
		if o.Priority < 0 || o.Priority > 1 {
			return fmt.Errorf("opportunity for %s has priority %f outside [0,1]", o.UnitID, o.Priority)
		}
	}
	return nil
}

// GenerateUnitID creates a unique identifier for a unit based on its
// location and name.
func GenerateUnitID(filePath string, startLine int, name string) string {
	return fmt.Sprintf("%s:%d:%s", filePath, startLine, name)
}
