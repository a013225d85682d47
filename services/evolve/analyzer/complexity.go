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
	sitter "github.com/smacker/go-tree-sitter"
)

// Node type tables driving the structural complexity computation. Standard
// cyclomatic complexity: start at 1, add 1 per conditional branch, loop,
// short-circuit boolean operator, and exception-handling clause.

var goDecisionNodes = map[string]bool{
	"if_statement":       true,
	"for_statement":      true,
	"expression_case":    true,
	"type_case":          true,
	"communication_case": true,
}

var pythonDecisionNodes = map[string]bool{
	"if_statement":           true,
	"elif_clause":            true,
	"for_statement":          true,
	"while_statement":        true,
	"conditional_expression": true,
	"case_clause":            true,
	"except_clause":          true,
}

// Branch points are the decision nodes that fork control flow on a
// condition; loops and exception clauses are excluded here.
var goBranchNodes = map[string]bool{
	"if_statement":       true,
	"expression_case":    true,
	"type_case":          true,
	"communication_case": true,
}

var pythonBranchNodes = map[string]bool{
	"if_statement":           true,
	"elif_clause":            true,
	"conditional_expression": true,
	"case_clause":            true,
}

// Nesting nodes contribute to the nesting depth metric.
var goNestingNodes = map[string]bool{
	"if_statement":                true,
	"for_statement":               true,
	"expression_switch_statement": true,
	"type_switch_statement":       true,
	"select_statement":            true,
}

var pythonNestingNodes = map[string]bool{
	"if_statement":    true,
	"for_statement":   true,
	"while_statement": true,
	"try_statement":   true,
	"with_statement":  true,
	"match_statement": true,
}

// measureUnit computes the complexity metric for a unit subtree.
//
// The node may be nil when re-location fails; the metric then degrades to
// the line-count floor with cyclomatic 1, preserving the >= 1 invariant.
func measureUnit(node *sitter.Node, unit *SourceUnit, lang string) ComplexityMetric {
	metric := ComplexityMetric{
		UnitID:     unit.UnitID,
		Cyclomatic: 1,
		LineCount:  unit.EndLine - unit.StartLine + 1,
	}
	if node == nil {
		return metric
	}

	decision, branch, nesting := goDecisionNodes, goBranchNodes, goNestingNodes
	if lang == "python" {
		decision, branch, nesting = pythonDecisionNodes, pythonBranchNodes, pythonNestingNodes
	}

	content := []byte(unit.SourceText)
	base := node.StartByte()

	var walk func(n *sitter.Node, depth int)
	walk = func(n *sitter.Node, depth int) {
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			childType := child.Type()

			if decision[childType] {
				metric.Cyclomatic++
			}
			if branch[childType] {
				metric.BranchCount++
			}
			if isShortCircuit(child, content, base, lang) {
				metric.Cyclomatic++
			}

			next := depth
			if nesting[childType] {
				next = depth + 1
				if next > metric.NestingDepth {
					metric.NestingDepth = next
				}
			}
			walk(child, next)
		}
	}
	walk(node, 0)

	return metric
}

// isShortCircuit reports whether a node is a short-circuit boolean
// operator use (&& and || in Go, "boolean_operator" in Python).
func isShortCircuit(node *sitter.Node, content []byte, base uint32, lang string) bool {
	switch lang {
	case "go":
		if node.Type() != "binary_expression" {
			return false
		}
		op := node.ChildByFieldName("operator")
		if op == nil {
			return false
		}
		start, end := op.StartByte()-base, op.EndByte()-base
		if int(end) > len(content) {
			return false
		}
		text := string(content[start:end])
		return text == "&&" || text == "||"
	case "python":
		return node.Type() == "boolean_operator"
	}
	return false
}
