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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUnifiedDiff(t *testing.T) {
	oldContent := []byte("package p\n\nfunc f() int {\n\treturn 1\n}\n")
	newContent := []byte("package p\n\nfunc f() int {\n\treturn 2\n}\n")

	unified, err := buildUnifiedDiff("p.go", oldContent, newContent)
	require.NoError(t, err)
	assert.Contains(t, unified, "--- a/p.go")
	assert.Contains(t, unified, "+++ b/p.go")
	assert.Contains(t, unified, "-\treturn 1")
	assert.Contains(t, unified, "+\treturn 2")
}

func TestBuildUnifiedDiff_NoChange(t *testing.T) {
	content := []byte("package p\n")
	unified, err := buildUnifiedDiff("p.go", content, content)
	require.NoError(t, err)
	assert.Empty(t, unified)
}

func TestStatDiff(t *testing.T) {
	oldContent := []byte(strings.Join([]string{
		"package p",
		"",
		"func f() int {",
		"	if true {",
		"		return 1",
		"	}",
		"	return 0",
		"}",
		"",
	}, "\n"))
	newContent := []byte(strings.Join([]string{
		"package p",
		"",
		"func f() int {",
		"	return 0",
		"}",
		"",
	}, "\n"))

	unified, err := buildUnifiedDiff("p.go", oldContent, newContent)
	require.NoError(t, err)

	stat, err := statDiff(unified)
	require.NoError(t, err)
	assert.Equal(t, 3, stat.Added+stat.Changed+stat.Deleted,
		"three original lines disappeared")
}

func TestStatDiff_Empty(t *testing.T) {
	stat, err := statDiff("")
	require.NoError(t, err)
	assert.Zero(t, stat.Added)
	assert.Zero(t, stat.Deleted)
}
