// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modifier

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBackupNotFound indicates a rollback against an unknown backup ID.
	ErrBackupNotFound = errors.New("backup not found")
)

// BackupRecord captures a file's full contents immediately before a
// modification, so the modification can be reverted byte for byte.
type BackupRecord struct {
	// BackupID uniquely identifies this capture.
	BackupID string `json:"backup_id"`

	// FilePath is the workspace-relative path that was captured.
	FilePath string `json:"file_path"`

	// Content is the full original file contents.
	Content []byte `json:"content"`

	// Hash is the hex sha256 of Content.
	Hash string `json:"hash"`

	// CapturedAt is when the capture was taken.
	CapturedAt time.Time `json:"captured_at"`
}

// backupStore holds backup records for the life of a cycle.
//
// Thread safe. Records are kept until Clear; rollback does not remove
// them, which is what makes rollback idempotent.
type backupStore struct {
	mu      sync.RWMutex
	records map[string]*BackupRecord
}

func newBackupStore() *backupStore {
	return &backupStore{records: make(map[string]*BackupRecord)}
}

// capture stores the current contents of path and returns the record.
func (s *backupStore) capture(path string, content []byte) *BackupRecord {
	rec := &BackupRecord{
		BackupID:   uuid.NewString(),
		FilePath:   path,
		Content:    append([]byte(nil), content...),
		Hash:       HashBytes(content),
		CapturedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.records[rec.BackupID] = rec
	s.mu.Unlock()
	return rec
}

// get returns the record for backupID.
func (s *backupStore) get(backupID string) (*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[backupID]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return rec, nil
}

// clear drops all records.
func (s *backupStore) clear() {
	s.mu.Lock()
	s.records = make(map[string]*BackupRecord)
	s.mu.Unlock()
}

// len returns the number of stored records.
func (s *backupStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
