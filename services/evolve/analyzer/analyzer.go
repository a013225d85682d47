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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// File size constants for security validation.
const (
	// DefaultMaxFileSize is the maximum file size the analyzer will accept (10MB).
	DefaultMaxFileSize = 10 * 1024 * 1024

	// WarnFileSize is the threshold at which a warning is logged (1MB).
	WarnFileSize = 1 * 1024 * 1024
)

// Default priority weighting. Empirically tuned in the original system;
// treated as configuration defaults, not contracts.
const (
	DefaultComplexityThreshold = 10
	DefaultComplexityWeight    = 0.6
	DefaultSignalWeight        = 0.4

	// defaultComplexityCeiling is the cyclomatic value at which normalized
	// complexity saturates at 1.0.
	defaultComplexityCeiling = 25
)

// SignalFunc supplies the external priority signal for a unit, in [0,1].
// Typically derived from recent evaluation-score decline.
type SignalFunc func(unitID string) float64

// Option configures an Analyzer instance.
type Option func(*Analyzer)

// WithComplexityThreshold sets the cyclomatic complexity above which a unit
// yields an improvement opportunity.
func WithComplexityThreshold(threshold int) Option {
	return func(a *Analyzer) {
		if threshold > 0 {
			a.threshold = threshold
		}
	}
}

// WithPriorityWeights sets the complexity/signal weighting for opportunity
// priority. Weights are clamped to non-negative and used as given; callers
// normally keep complexityWeight+signalWeight == 1.
func WithPriorityWeights(complexityWeight, signalWeight float64) Option {
	return func(a *Analyzer) {
		if complexityWeight >= 0 && signalWeight >= 0 {
			a.complexityWeight = complexityWeight
			a.signalWeight = signalWeight
		}
	}
}

// WithMaxFileSize sets the maximum file size the analyzer will accept.
func WithMaxFileSize(bytes int64) Option {
	return func(a *Analyzer) {
		if bytes > 0 {
			a.maxFileSize = bytes
		}
	}
}

// WithSignalFunc sets the external priority signal source. When unset, the
// signal is derived from the analysis history trend for the unit.
func WithSignalFunc(fn SignalFunc) Option {
	return func(a *Analyzer) {
		a.signalFn = fn
	}
}

// WithHistory attaches an analysis history. When set, every pass appends
// the observed complexity per unit, and trend comparison becomes available.
func WithHistory(h *History) Option {
	return func(a *Analyzer) {
		a.history = h
	}
}

// WithReadFile overrides how file content is loaded. Used by tests and by
// callers that route all filesystem access through a single seam.
func WithReadFile(fn func(path string) ([]byte, error)) Option {
	return func(a *Analyzer) {
		if fn != nil {
			a.readFile = fn
		}
	}
}

// WithLogger sets the logger. Nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger.With(slog.String("component", "analyzer"))
		}
	}
}

// Analyzer parses source files into structural models, computes complexity
// metrics per unit, and emits ranked improvement opportunities.
//
// # Description
//
// Uses tree-sitter to parse Go and Python sources. Each Analyze call
// creates its own tree-sitter parser instance internally, so a single
// Analyzer may analyze independent files concurrently.
//
// # Thread Safety
//
// Safe for concurrent use. The attached History synchronizes internally.
type Analyzer struct {
	maxFileSize      int64
	threshold        int
	complexityWeight float64
	signalWeight     float64
	ceiling          int

	signalFn SignalFunc
	history  *History
	readFile func(string) ([]byte, error)
	logger   *slog.Logger
}

// New creates an Analyzer with the given options.
//
// # Outputs
//
//   - *Analyzer: Configured analyzer, never nil.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		maxFileSize:      DefaultMaxFileSize,
		threshold:        DefaultComplexityThreshold,
		complexityWeight: DefaultComplexityWeight,
		signalWeight:     DefaultSignalWeight,
		ceiling:          defaultComplexityCeiling,
		readFile:         os.ReadFile,
		logger:           slog.Default().With(slog.String("component", "analyzer")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze parses a file, measures each unit, and emits opportunities.
//
// # Description
//
// Reads the file, parses it with tree-sitter, extracts function and method
// units, computes cyclomatic complexity per unit, and emits an opportunity
// for every unit whose complexity exceeds the configured threshold.
// Opportunities are sorted by priority, descending.
//
// Malformed source fails with an error wrapping ErrParse and produces zero
// opportunities; callers running multi-file passes treat this as local to
// the file, not fatal to the pass.
//
// # Inputs
//
//   - ctx: Context for cancellation. Checked before and after parsing.
//   - filePath: Path to the file. Forward slashes, no traversal sequences.
//
// # Outputs
//
//   - *Analysis: Units, metrics, and ranked opportunities. Nil on error.
//   - error: ErrParse (wrapped) for malformed source, ErrFileTooLarge,
//     ErrInvalidContent, ErrUnsupportedLanguage, or a context error.
func (a *Analyzer) Analyze(ctx context.Context, filePath string) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyze canceled before start: %w", err)
	}

	content, err := a.readFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}

	start := time.Now()
	analysis, err := a.AnalyzeContent(ctx, content, filePath)
	recordAnalyzeMetrics(ctx, languageForPath(filePath), time.Since(start), analysis, err == nil)
	return analysis, err
}

// AnalyzeContent analyzes already-loaded content.
//
// # Description
//
// Same contract as Analyze, with the file content supplied by the caller.
// The content must be the current on-disk bytes if the resulting units are
// later handed to the modifier; the modifier's stale-candidate guard
// enforces this at apply time.
func (a *Analyzer) AnalyzeContent(ctx context.Context, content []byte, filePath string) (*Analysis, error) {
	lang := languageForPath(filePath)
	if lang == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, filepath.Ext(filePath))
	}

	if int64(len(content)) > a.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), a.maxFileSize)
	}
	if len(content) > WarnFileSize {
		a.logger.Warn("analyzing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, filePath)
	}

	hash := sha256.Sum256(content)

	// New parser per call for thread safety.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammarFor(lang))

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse of %s: %w", filePath, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyze canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, fmt.Errorf("%s: %w", filePath, ErrParse)
	}

	analysis := &Analysis{
		FilePath:        filePath,
		Language:        lang,
		Hash:            hex.EncodeToString(hash[:]),
		AnalyzedAtMilli: time.Now().UnixMilli(),
		Units:           make([]SourceUnit, 0),
		Metrics:         make([]ComplexityMetric, 0),
		Opportunities:   make([]Opportunity, 0),
	}

	a.extractUnits(root, content, filePath, lang, analysis)

	for i := range analysis.Units {
		unit := &analysis.Units[i]
		metric := measureUnit(unitNode(root, unit), unit, lang)
		analysis.Metrics = append(analysis.Metrics, metric)

		if a.history != nil {
			a.history.Record(Observation{
				UnitID:     unit.UnitID,
				FilePath:   filePath,
				Cyclomatic: metric.Cyclomatic,
				Timestamp:  time.Now(),
			})
		}

		if metric.Cyclomatic > a.threshold {
			analysis.Opportunities = append(analysis.Opportunities, Opportunity{
				UnitID: unit.UnitID,
				Reason: fmt.Sprintf("cyclomatic complexity %d exceeds threshold %d",
					metric.Cyclomatic, a.threshold),
				Priority: a.priority(unit.UnitID, metric.Cyclomatic),
			})
		}
	}

	sort.SliceStable(analysis.Opportunities, func(i, j int) bool {
		return analysis.Opportunities[i].Priority > analysis.Opportunities[j].Priority
	})

	if err := analysis.Validate(); err != nil {
		return nil, fmt.Errorf("analysis validation failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyze canceled after extraction: %w", err)
	}

	a.logger.Debug("analyzed file",
		slog.String("file", filePath),
		slog.Int("units", len(analysis.Units)),
		slog.Int("opportunities", len(analysis.Opportunities)))

	return analysis, nil
}

// ParseUnit parses standalone unit text and returns its structural model.
//
// # Description
//
// Used by the validator's syntax phase and the modifier's re-parse
// verification. The text must form a complete unit declaration in the
// given language. Empty or whitespace-only text fails with ErrParse, as
// does text containing syntax errors or no unit declaration at all.
//
// # Outputs
//
//   - *SourceUnit: The first unit found in the text.
//   - error: Wrapping ErrParse on any structural failure.
func (a *Analyzer) ParseUnit(ctx context.Context, text, language string) (*SourceUnit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty unit text: %w", ErrParse)
	}

	grammar := grammarFor(language)
	if grammar == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	content := []byte(text)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, fmt.Errorf("unit text does not parse: %w", ErrParse)
	}

	scratch := &Analysis{FilePath: "unit", Language: language}
	a.extractUnits(root, content, "unit", language, scratch)
	if len(scratch.Units) == 0 {
		return nil, fmt.Errorf("no unit declaration found: %w", ErrParse)
	}
	return &scratch.Units[0], nil
}

// MeasureUnit computes the complexity metric for standalone unit text.
//
// Used by the validator's complexity-increase soft rule. Fails with the
// same errors as ParseUnit.
func (a *Analyzer) MeasureUnit(ctx context.Context, text, language string) (*ComplexityMetric, error) {
	unit, err := a.ParseUnit(ctx, text, language)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammarFor(language))

	content := []byte(text)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	metric := measureUnit(unitNode(tree.RootNode(), unit), unit, language)
	return &metric, nil
}

// Threshold returns the configured complexity threshold.
func (a *Analyzer) Threshold() int {
	return a.threshold
}

// priority combines normalized complexity with the external signal.
func (a *Analyzer) priority(unitID string, cyclomatic int) float64 {
	normalized := float64(cyclomatic) / float64(a.ceiling)
	if normalized > 1 {
		normalized = 1
	}

	signal := a.signalFor(unitID)
	p := a.complexityWeight*normalized + a.signalWeight*signal
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}

// signalFor resolves the external signal for a unit. Falls back to the
// history trend when no SignalFunc was supplied.
func (a *Analyzer) signalFor(unitID string) float64 {
	if a.signalFn != nil {
		s := a.signalFn(unitID)
		if s < 0 {
			return 0
		}
		if s > 1 {
			return 1
		}
		return s
	}

	if a.history != nil {
		switch a.history.TrendFor(unitID) {
		case TrendRegressed:
			return 1.0
		case TrendImproved:
			return 0.0
		}
	}

	// No information either way.
	return 0.5
}

// extractUnits walks the top level of the tree collecting function and
// method declarations.
func (a *Analyzer) extractUnits(root *sitter.Node, content []byte, filePath, lang string, analysis *Analysis) {
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			kind, ok := unitKindForNode(child.Type(), lang)
			if !ok {
				// Python methods live inside class bodies; descend into
				// containers but not into unit bodies.
				if isUnitContainer(child.Type(), lang) {
					walk(child)
				}
				continue
			}

			name := unitName(child, content)
			if name == "" {
				analysis.Errors = append(analysis.Errors,
					fmt.Sprintf("unnamed %s at line %d", child.Type(), child.StartPoint().Row+1))
				continue
			}

			analysis.Units = append(analysis.Units, SourceUnit{
				UnitID:     GenerateUnitID(filePath, int(child.StartPoint().Row+1), name),
				FilePath:   filePath,
				Name:       name,
				Kind:       kind,
				Language:   lang,
				StartLine:  int(child.StartPoint().Row + 1),
				EndLine:    int(child.EndPoint().Row + 1),
				SourceText: string(content[child.StartByte():child.EndByte()]),
			})
		}
	}
	walk(root)
}

// unitNode re-locates the tree-sitter node for a unit by start line.
func unitNode(root *sitter.Node, unit *SourceUnit) *sitter.Node {
	var found *sitter.Node
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if found != nil {
			return
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if _, ok := unitKindForNode(child.Type(), unit.Language); ok &&
				int(child.StartPoint().Row+1) == unit.StartLine {
				found = child
				return
			}
			if isUnitContainer(child.Type(), unit.Language) {
				walk(child)
			}
		}
	}
	walk(root)
	return found
}

// unitKindForNode maps a tree-sitter node type to a unit kind.
func unitKindForNode(nodeType, lang string) (UnitKind, bool) {
	switch lang {
	case "go":
		switch nodeType {
		case "function_declaration":
			return UnitKindFunction, true
		case "method_declaration":
			return UnitKindMethod, true
		}
	case "python":
		if nodeType == "function_definition" {
			return UnitKindFunction, true
		}
	}
	return "", false
}

// isUnitContainer reports whether units may be nested inside this node
// type (class bodies for Python, nothing extra for Go).
func isUnitContainer(nodeType, lang string) bool {
	if lang != "python" {
		return false
	}
	switch nodeType {
	case "class_definition", "block", "decorated_definition":
		return true
	}
	return false
}

// unitName extracts the declared name of a unit node.
func unitName(node *sitter.Node, content []byte) string {
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		return string(content[nameNode.StartByte():nameNode.EndByte()])
	}
	// Go method names are field_identifier children, not a "name" field in
	// older grammar revisions.
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "identifier" || child.Type() == "field_identifier" {
			return string(content[child.StartByte():child.EndByte()])
		}
	}
	return ""
}

// languageForPath maps a file extension to a canonical language name.
// Empty string means unsupported.
func languageForPath(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	}
	return ""
}

// grammarFor returns the tree-sitter grammar for a language, or nil.
func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	}
	return nil
}
