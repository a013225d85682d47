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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// historyFileName is the JSON persistence file inside the data directory.
const historyFileName = "analysis_history.json"

// Observation is one append-only analysis history entry for a unit.
type Observation struct {
	// Timestamp is when the observation was made.
	Timestamp time.Time `json:"timestamp"`

	// UnitID is the observed unit.
	UnitID string `json:"unit_id"`

	// FilePath is the file the unit lives in.
	FilePath string `json:"file_path"`

	// Cyclomatic is the observed cyclomatic complexity.
	Cyclomatic int `json:"cyclomatic"`
}

// Trend describes how a unit's complexity moved between analysis passes.
type Trend string

const (
	TrendImproved  Trend = "IMPROVED"
	TrendRegressed Trend = "REGRESSED"
	TrendUnchanged Trend = "UNCHANGED"
)

// HistoryOptions configures the analysis history.
type HistoryOptions struct {
	// RingSize is the size of the in-memory ring buffer (hot tier).
	// Default: 1000
	RingSize int

	// MaxColdEntries is the maximum entries in cold storage.
	// Default: 10000
	MaxColdEntries int

	// PersistDir is the optional directory for JSON persistence.
	// If empty, data is memory-only (lost on restart).
	PersistDir string
}

// DefaultHistoryOptions returns sensible defaults.
func DefaultHistoryOptions() HistoryOptions {
	return HistoryOptions{
		RingSize:       1000,
		MaxColdEntries: 10000,
	}
}

// History is the append-only analysis history, keyed by unit ID.
//
// # Description
//
// Records one Observation per unit per analysis pass so that repeated
// cycles can detect whether a previously-flagged unit's complexity has
// improved, regressed, or is unchanged. Uses a two-tier in-memory storage
// strategy: a ring buffer for recent observations and a cold slice with
// optional JSON persistence. Entries are only appended; nothing mutates a
// recorded observation.
//
// # Thread Safety
//
// Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	ring    *ringBuffer[Observation]
	cold    []Observation
	maxCold int
	dir     string
}

// NewHistory creates an analysis history.
//
// # Inputs
//
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *History: Ready-to-use history.
//   - error: Non-nil only if persisted data exists and cannot be decoded.
func NewHistory(opts *HistoryOptions) (*History, error) {
	if opts == nil {
		defaults := DefaultHistoryOptions()
		opts = &defaults
	}

	h := &History{
		ring:    newRingBuffer[Observation](opts.RingSize),
		cold:    make([]Observation, 0),
		maxCold: opts.MaxColdEntries,
		dir:     opts.PersistDir,
	}

	if h.dir != "" {
		if err := h.loadPersisted(); err != nil {
			return nil, fmt.Errorf("loading persisted history: %w", err)
		}
	}

	return h, nil
}

// Record appends an observation.
//
// If the ring buffer is full, the oldest half is flushed to cold storage
// first so nothing is silently lost within the retention window.
func (h *History) Record(obs Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	if h.ring.IsFull() {
		h.flushOldestToCold()
	}
	h.ring.Push(obs)
}

// flushOldestToCold moves the oldest half of the ring to cold storage.
// Must be called with the lock held.
func (h *History) flushOldestToCold() {
	count := h.ring.Len() / 2
	for i := 0; i < count; i++ {
		obs, ok := h.ring.Pop()
		if !ok {
			break
		}
		h.cold = append(h.cold, obs)
	}

	if len(h.cold) > h.maxCold {
		h.cold = h.cold[len(h.cold)-h.maxCold:]
	}
}

// ForUnit returns all observations for a unit, oldest first.
func (h *History) ForUnit(unitID string) []Observation {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Observation
	for _, obs := range h.cold {
		if obs.UnitID == unitID {
			out = append(out, obs)
		}
	}
	h.ring.ForEach(func(obs Observation) bool {
		if obs.UnitID == unitID {
			out = append(out, obs)
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// TrendFor compares the two most recent observations for a unit.
//
// # Outputs
//
//   - Trend: REGRESSED if complexity rose, IMPROVED if it fell, UNCHANGED
//     otherwise (including fewer than two observations).
func (h *History) TrendFor(unitID string) Trend {
	observations := h.ForUnit(unitID)
	if len(observations) < 2 {
		return TrendUnchanged
	}

	latest := observations[len(observations)-1]
	previous := observations[len(observations)-2]

	switch {
	case latest.Cyclomatic > previous.Cyclomatic:
		return TrendRegressed
	case latest.Cyclomatic < previous.Cyclomatic:
		return TrendImproved
	default:
		return TrendUnchanged
	}
}

// Len returns the total number of observations held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ring.Len() + len(h.cold)
}

// Persist saves all observations to the persistence directory, if one was
// configured. No-op otherwise.
func (h *History) Persist() error {
	if h.dir == "" {
		return nil
	}

	h.mu.RLock()
	all := make([]Observation, 0, len(h.cold)+h.ring.Len())
	all = append(all, h.cold...)
	all = append(all, h.ring.Slice()...)
	h.mu.RUnlock()

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal observations: %w", err)
	}

	return os.WriteFile(filepath.Join(h.dir, historyFileName), data, 0o644)
}

// loadPersisted loads observations from the persistence file, if present.
func (h *History) loadPersisted() error {
	data, err := os.ReadFile(filepath.Join(h.dir, historyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var observations []Observation
	if err := json.Unmarshal(data, &observations); err != nil {
		return err
	}
	h.cold = observations
	return nil
}

// Close persists data and releases resources.
func (h *History) Close() error {
	return h.Persist()
}
