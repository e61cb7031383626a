// Package taint classifies security findings heuristically. TraceVariable
// follows one value inside a single file; Engine.AnalyzeSink walks the call
// graph from a sink back to its entry points and decides whether attacker
// input can reach it unsanitized.
package taint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jward/arbor/internal/graph"
)

// Decision is the verdict on a reported sink.
type Decision string

const (
	Verify            Decision = "VERIFY"
	Disprove          Decision = "DISPROVE"
	NeedsManualReview Decision = "NEEDS_MANUAL_REVIEW"
)

// GraphQuery is the slice of graph.Query the engine walks.
type GraphQuery interface {
	CallerChains(ctx context.Context, repoID, function, file string, maxHops int) ([]graph.CallPath, error)
	EntryPoints(ctx context.Context, repoID, function, file string, maxHops int) ([]graph.EntryPoint, error)
}

// SourceReader supplies the raw lines of a repository file.
type SourceReader interface {
	ReadLines(ctx context.Context, repoID, file string) ([]string, error)
}

// DirSource reads files from a checkout rooted at Root. It ignores repoID.
type DirSource struct {
	Root string
}

func (d DirSource) ReadLines(_ context.Context, _ string, file string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(file)))
	if err != nil {
		return nil, fmt.Errorf("taint: read %s: %w", file, err)
	}
	return strings.Split(string(data), "\n"), nil
}

type ChainStep struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

type ChainEntry struct {
	Function   string     `json:"function"`
	File       string     `json:"file"`
	SourceType SourceType `json:"sourceType"`
	Hops       int        `json:"hops,omitempty"`
}

// CallChain is one caller path, entry first. HasValidation is set when any
// function before the sink sanitizes or validates; ValidationLocation is
// the first such line.
type CallChain struct {
	Path               []ChainStep `json:"path"`
	EntryPoint         ChainEntry  `json:"entryPoint"`
	HasValidation      bool        `json:"hasValidation"`
	ValidationLocation *ChainStep  `json:"validationLocation,omitempty"`
	ValidationKind     string      `json:"validationKind,omitempty"`
}

type Verdict struct {
	Decision        Decision     `json:"decision"`
	Confidence      float64      `json:"confidence"`
	Reason          string       `json:"reason"`
	Sink            ChainStep    `json:"sink"`
	SinkType        SinkType     `json:"sinkType,omitempty"`
	Chains          []CallChain  `json:"chains"`
	EntryPoints     []ChainEntry `json:"entryPoints"`
	UserInputChains int          `json:"userInputChains"`
	ValidatedChains int          `json:"validatedChains"`
}

type Options struct {
	MaxHops  int
	SinkType SinkType // reported finding category, carried into the verdict
}

type EngineOption func(*Engine)

func WithRules(r *Rules) EngineOption {
	return func(e *Engine) { e.rules = r }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithMaxHops(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

type Engine struct {
	graph   GraphQuery
	sources SourceReader
	rules   *Rules
	cls     *Classifier
	logger  *slog.Logger
	maxHops int
}

func NewEngine(g GraphQuery, src SourceReader, opts ...EngineOption) *Engine {
	e := &Engine{graph: g, sources: src, logger: slog.Default(), maxHops: graph.DefaultMaxHops}
	for _, o := range opts {
		o(e)
	}
	e.cls = NewClassifier(e.rules, e.logger)
	return e
}

// TraceVariable is the package-level TraceVariable with the engine's rule
// pack applied.
func (e *Engine) TraceVariable(ctx context.Context, src, variable string, useLine int, language string) *DataFlowTrace {
	return e.cls.Trace(ctx, src, variable, useLine, language)
}

// AnalyzeSink decides whether user input reaches function unsanitized.
func (e *Engine) AnalyzeSink(ctx context.Context, repoID, function, file string, opts Options) (*Verdict, error) {
	hops := opts.MaxHops
	if hops <= 0 {
		hops = e.maxHops
	}
	paths, err := e.graph.CallerChains(ctx, repoID, function, file, hops)
	if err != nil {
		return nil, fmt.Errorf("taint: analyze %s: %w", function, err)
	}
	entries, err := e.graph.EntryPoints(ctx, repoID, function, file, hops)
	if err != nil {
		return nil, fmt.Errorf("taint: analyze %s: %w", function, err)
	}

	r := &lineCache{src: e.sources, repoID: repoID, logger: e.logger, files: map[string][]string{}}
	v := &Verdict{Sink: ChainStep{Function: function, File: file}, SinkType: opts.SinkType}
	for _, p := range paths {
		if v.Sink.Line == 0 {
			sink := p.Functions[len(p.Functions)-1]
			v.Sink = ChainStep{Function: sink.Name, File: sink.File, Line: sink.StartLine}
		}
		v.Chains = append(v.Chains, e.chain(ctx, r, p))
	}
	for _, ep := range entries {
		v.EntryPoints = append(v.EntryPoints, ChainEntry{
			Function:   ep.Function.Name,
			File:       ep.Function.File,
			SourceType: e.classifyFunction(ctx, r, ep.Function),
			Hops:       ep.Hops,
		})
	}
	decide(v)
	e.logger.Info("taint.verdict", "repo", repoID, "sink", function, "decision", v.Decision,
		"confidence", v.Confidence, "chains", len(v.Chains), "user_input", v.UserInputChains)
	return v, nil
}

func (e *Engine) chain(ctx context.Context, r *lineCache, p graph.CallPath) CallChain {
	c := CallChain{Path: make([]ChainStep, len(p.Functions))}
	for i, f := range p.Functions {
		line := f.StartLine
		if i < len(p.Lines) && p.Lines[i] > 0 {
			line = p.Lines[i]
		}
		c.Path[i] = ChainStep{Function: f.Name, File: f.File, Line: line}
	}
	entry := p.Entry()
	c.EntryPoint = ChainEntry{Function: entry.Name, File: entry.File, SourceType: e.classifyFunction(ctx, r, entry)}

	// The sink itself is excluded: only lines between entry and sink count.
	for _, f := range p.Functions[:len(p.Functions)-1] {
		lang := LanguageForFile(f.File)
		lines := r.function(ctx, f)
		for k, line := range lines {
			kind := ""
			switch {
			case e.cls.Sanitizes(ctx, lang, line):
				kind = KindSanitizer
			case e.cls.Validates(ctx, lang, line):
				kind = KindValidator
			}
			if kind != "" {
				c.HasValidation = true
				c.ValidationKind = kind
				c.ValidationLocation = &ChainStep{Function: f.Name, File: f.File, Line: max(f.StartLine, 1) + k}
				return c
			}
		}
	}
	return c
}

// classifyFunction returns USER_INPUT if any line of fn reads user input,
// otherwise the first other source class seen.
func (e *Engine) classifyFunction(ctx context.Context, r *lineCache, fn graph.FunctionRef) SourceType {
	lang := LanguageForFile(fn.File)
	found := Unknown
	for _, line := range r.function(ctx, fn) {
		switch st := e.cls.Source(ctx, lang, line); st {
		case UserInput:
			return st
		case Unknown:
		default:
			if found == Unknown {
				found = st
			}
		}
	}
	return found
}

func decide(v *Verdict) {
	for _, c := range v.Chains {
		if c.EntryPoint.SourceType != UserInput {
			continue
		}
		v.UserInputChains++
		if c.HasValidation {
			v.ValidatedChains++
		}
	}
	switch {
	case len(v.Chains) == 0:
		v.Decision, v.Confidence = NeedsManualReview, 0.3
		v.Reason = "no callers found in the graph"
	case v.UserInputChains == 0:
		v.Decision, v.Confidence = Disprove, 0.8
		v.Reason = "no caller chain starts from user input"
	case v.ValidatedChains == v.UserInputChains:
		v.Decision, v.Confidence = Disprove, 0.9
		v.Reason = "every user-input chain is sanitized or validated"
	case v.ValidatedChains == 0:
		v.Decision, v.Confidence = Verify, 0.9
		v.Reason = "user input reaches the sink with no sanitization"
	default:
		v.Decision, v.Confidence = Verify, 0.6
		v.Reason = fmt.Sprintf("%d of %d user-input chains are unsanitized", v.UserInputChains-v.ValidatedChains, v.UserInputChains)
	}
}

// lineCache memoises file reads for one analysis. Unreadable files are
// logged and treated as empty.
type lineCache struct {
	src    SourceReader
	repoID string
	logger *slog.Logger
	files  map[string][]string
}

func (c *lineCache) function(ctx context.Context, fn graph.FunctionRef) []string {
	lines, ok := c.files[fn.File]
	if !ok {
		var err error
		if c.src != nil {
			lines, err = c.src.ReadLines(ctx, c.repoID, fn.File)
		}
		if err != nil {
			c.logger.Warn("taint.read", "file", fn.File, "err", err)
		}
		c.files[fn.File] = lines
	}
	if len(lines) == 0 {
		return nil
	}
	start := max(fn.StartLine, 1) - 1
	end := len(lines)
	if fn.EndLine >= fn.StartLine && fn.EndLine > 0 {
		end = min(fn.EndLine, len(lines))
	}
	if start >= end {
		return nil
	}
	return lines[start:end]
}
