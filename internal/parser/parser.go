// Package parser turns raw source text into the canonical ParsedFile fact
// model used by the graph builder, the embedding pipeline, and the taint
// engine.
//
// Each language parser prefers a tree-sitter parse and falls back to
// line-oriented regular expressions when the grammar is unavailable, the parse
// fails, or the tree is too broken to yield declarations. Parsing never fails
// outright: a file that defeats both strategies degrades to an empty
// ParsedFile so the rest of the pipeline keeps going.
package parser

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// Parser extracts facts from one language family.
type Parser interface {
	// Language returns the canonical language name.
	Language() string
	// Extensions returns the lower-case file extensions handled, with dots.
	Extensions() []string
	// Parse never returns nil. Unparseable input yields an empty ParsedFile.
	Parse(src []byte, filePath string) *ParsedFile
}

// Option configures a Registry and the parsers it creates.
type Option func(*options)

type options struct {
	grammars bool
	logger   *slog.Logger
}

// WithoutGrammar disables tree-sitter so every parser uses its regex
// heuristics. Used in tests and on hosts built without cgo grammars.
func WithoutGrammar() Option {
	return func(o *options) { o.grammars = false }
}

// WithLogger sets the logger used to report degraded parses.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Registry dispatches files to parsers by extension.
type Registry struct {
	byExt  map[string]Parser
	logger *slog.Logger
}

// NewRegistry returns a Registry with every built-in parser registered.
func NewRegistry(opts ...Option) *Registry {
	o := options{grammars: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Registry{byExt: make(map[string]Parser), logger: o.logger}
	r.Register(NewTypeScriptParser(o.grammars))
	r.Register(NewJavaParser(o.grammars))
	r.Register(NewDartParser())
	r.Register(NewFreeMarkerParser())
	return r
}

// Register adds p, replacing any parser already bound to its extensions.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.byExt[ext] = p
	}
}

// ForFile returns the parser for path's extension.
func (r *Registry) ForFile(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Supports reports whether some parser handles path.
func (r *Registry) Supports(path string) bool {
	_, ok := r.ForFile(path)
	return ok
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Parse dispatches src to the parser for filePath. ok is false when no parser
// handles the extension. A panicking parser is contained and the file
// degrades to an empty ParsedFile.
func (r *Registry) Parse(src []byte, filePath string) (pf *ParsedFile, ok bool) {
	p, ok := r.ForFile(filePath)
	if !ok {
		return nil, false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("parse.failed", "file", filePath, "err", fmt.Sprint(rec))
			pf = emptyFile(filePath, p.Language())
			pf.Hash = ContentHash(src)
		}
	}()
	pf = p.Parse(src, filePath)
	if pf == nil {
		pf = emptyFile(filePath, p.Language())
	}
	pf.Hash = ContentHash(src)
	return pf, true
}

// ContentHash returns the hex BLAKE3-256 digest of src.
func ContentHash(src []byte) string {
	sum := blake3.Sum256(src)
	return hex.EncodeToString(sum[:])
}

func emptyFile(path, lang string) *ParsedFile {
	return &ParsedFile{FilePath: path, Language: lang}
}

// anonymousName is the placeholder for functions and classes without a name.
// The line keeps two anonymous declarations in one file from sharing an
// identity in the graph.
func anonymousName(line int) string {
	return fmt.Sprintf("anonymous_%d", line)
}

// markExports flags functions and classes whose names appear in pf.Exports.
func markExports(pf *ParsedFile) {
	if len(pf.Exports) == 0 {
		return
	}
	exported := make(map[string]bool, len(pf.Exports))
	for _, name := range pf.Exports {
		exported[name] = true
	}
	for i := range pf.Functions {
		if exported[pf.Functions[i].Name] {
			pf.Functions[i].IsExported = true
		}
	}
	for i := range pf.Classes {
		if exported[pf.Classes[i].Name] {
			pf.Classes[i].IsExported = true
		}
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
