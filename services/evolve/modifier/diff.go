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
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// DiffStat summarizes a unified diff.
type DiffStat struct {
	Added   int `json:"added"`
	Changed int `json:"changed"`
	Deleted int `json:"deleted"`
}

// buildUnifiedDiff renders the unified diff between the old and new
// contents of a file.
func buildUnifiedDiff(path string, oldContent, newContent []byte) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(oldContent)),
		B:        difflib.SplitLines(string(newContent)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("render diff for %s: %w", path, err)
	}
	return text, nil
}

// statDiff parses a unified diff and returns its line counts. An empty
// diff yields a zero stat.
func statDiff(unified string) (DiffStat, error) {
	if unified == "" {
		return DiffStat{}, nil
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return DiffStat{}, fmt.Errorf("parse diff: %w", err)
	}
	stat := fd.Stat()
	return DiffStat{
		Added:   int(stat.Added),
		Changed: int(stat.Changed),
		Deleted: int(stat.Deleted),
	}, nil
}
