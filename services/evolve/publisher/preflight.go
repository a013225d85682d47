// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publisher

import (
	"errors"
	"fmt"
	"log/slog"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrDetachedHead indicates HEAD does not point at a branch, so a
	// cycle branch cannot be created from it.
	ErrDetachedHead = errors.New("repository is in detached HEAD state")

	// ErrDirtyWorktree indicates uncommitted changes outside the cycle's
	// own files. Publishing would commit over them.
	ErrDirtyWorktree = errors.New("uncommitted changes outside the cycle")
)

// preflight validates the repository state before any branch is
// created. The cycle's own files are expected to be modified and are
// exempt; untracked files are logged but do not block, since staging is
// per file and never picks them up.
func (p *GitPublisher) preflight(repo *git.Repository, head *plumbing.Reference, cycleFiles []string) error {
	if !head.Name().IsBranch() {
		return fmt.Errorf("%w: HEAD is %s", ErrDetachedHead, head.Name())
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("get worktree status: %w", err)
	}

	expected := make(map[string]struct{}, len(cycleFiles))
	for _, file := range cycleFiles {
		expected[file] = struct{}{}
	}

	var untracked int
	for path, fileStatus := range status {
		if _, ok := expected[path]; ok {
			continue
		}
		if fileStatus.Staging == git.Untracked && fileStatus.Worktree == git.Untracked {
			untracked++
			continue
		}
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, path)
	}
	if untracked > 0 {
		p.logger.Warn("untracked files present, left out of the commit",
			slog.Int("count", untracked))
	}
	return nil
}
