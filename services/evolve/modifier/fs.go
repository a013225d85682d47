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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathOutsideRoot indicates a path that escapes the workspace
	// root after cleaning.
	ErrPathOutsideRoot = errors.New("path outside workspace root")
)

// FS is the filesystem surface the modifier mutates through. Abstracting
// it keeps Apply and Rollback testable against an in-memory
// implementation and confines all writes to one choke point.
type FS interface {
	// Read returns the full contents of the file at path.
	Read(path string) ([]byte, error)

	// WriteAtomic replaces the file at path with data. The replacement
	// is all-or-nothing: observers never see a partially written file.
	WriteAtomic(ctx context.Context, path string, data []byte) error

	// Hash returns the hex sha256 of the file at path.
	Hash(path string) (string, error)
}

// OSFS implements FS against the real filesystem, confined to a root
// directory. All paths are interpreted relative to the root; absolute
// paths and traversal outside the root are rejected.
type OSFS struct {
	root string
}

var _ FS = (*OSFS)(nil)

// NewOSFS creates an OSFS rooted at dir.
func NewOSFS(dir string) (*OSFS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	return &OSFS{root: abs}, nil
}

// Root returns the absolute workspace root.
func (f *OSFS) Root() string {
	return f.root
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// escapes.
func (f *OSFS) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	abs := filepath.Join(f.root, filepath.Clean(path))
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return abs, nil
}

func (f *OSFS) Read(path string) ([]byte, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteAtomic writes to a temp file in the target's directory, fsyncs,
// then renames over the destination. Rename within one directory is
// atomic on POSIX filesystems.
func (f *OSFS) WriteAtomic(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	// Preserve the destination's mode when it already exists.
	if info, statErr := os.Stat(abs); statErr == nil {
		if err := os.Chmod(tmpName, info.Mode()); err != nil {
			return fmt.Errorf("chmod temp for %s: %w", path, err)
		}
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("rename temp over %s: %w", path, err)
	}
	return nil
}

func (f *OSFS) Hash(path string) (string, error) {
	data, err := f.Read(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex sha256 of data. Shared by the stale-candidate
// guard and backup records so all hashes compare like for like.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
