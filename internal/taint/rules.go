package taint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
)

// Rule kinds passed to scripts in the "kind" global.
const (
	KindSource    = "source"
	KindSink      = "sink"
	KindSanitizer = "sanitizer"
	KindValidator = "validator"
)

// Rules is a pack of Risor scripts that extend the built-in pattern
// families. Each script sees the globals line, language and kind and
// evaluates to a category string; the empty string means no match.
// Scripts may import helper modules from the pack directory.
type Rules struct {
	dir     string
	scripts []ruleScript
	logger  *slog.Logger

	mu        sync.Mutex
	cache     map[ruleKey]string
	cacheSize int

	patterns sync.Map // string -> *regexp.Regexp
}

type ruleScript struct {
	name   string
	source string
}

type ruleKey struct {
	kind, language, line string
}

// DefaultRulesCacheSize bounds the per-line classification cache.
const DefaultRulesCacheSize = 4096

type RulesOption func(*Rules)

// WithRulesCacheSize caps the cached classifications; the cache is emptied
// when it is full. Values below 1 are ignored.
func WithRulesCacheSize(n int) RulesOption {
	return func(r *Rules) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

func WithRulesLogger(l *slog.Logger) RulesOption {
	return func(r *Rules) { r.logger = l }
}

// LoadRules reads every *.risor file directly under dir, in name order.
func LoadRules(dir string, opts ...RulesOption) (*Rules, error) {
	r := &Rules{dir: dir, logger: slog.Default(), cache: map[ruleKey]string{}, cacheSize: DefaultRulesCacheSize}
	for _, o := range opts {
		o(r)
	}
	names, err := doublestar.Glob(os.DirFS(dir), "*.risor")
	if err != nil {
		return nil, fmt.Errorf("taint: rules %s: %w", dir, err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("taint: loading rule %s: %w", name, err)
		}
		r.scripts = append(r.scripts, ruleScript{name: name, source: string(data)})
	}
	r.logger.Debug("taint.rules_loaded", "dir", dir, "scripts", len(r.scripts))
	return r, nil
}

// Len reports how many scripts the pack holds.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.scripts)
}

// Classify runs the pack against one line and returns the first non-empty
// category. Results, misses included, are cached per (kind, language, line)
// up to the cache size.
func (r *Rules) Classify(ctx context.Context, kind, language, line string) (string, error) {
	if r.Len() == 0 {
		return "", nil
	}
	key := ruleKey{kind: kind, language: language, line: line}
	r.mu.Lock()
	cat, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return cat, nil
	}

	for _, s := range r.scripts {
		out, err := r.eval(ctx, s, key)
		if err != nil {
			return "", err
		}
		if out != "" {
			cat = out
			break
		}
	}
	r.mu.Lock()
	if len(r.cache) >= r.cacheSize {
		clear(r.cache)
	}
	r.cache[key] = cat
	r.mu.Unlock()
	return cat, nil
}

func (r *Rules) eval(ctx context.Context, s ruleScript, key ruleKey) (string, error) {
	globals := map[string]any{
		"line":     key.line,
		"language": key.language,
		"kind":     key.kind,
		"matches":  r.matchesFn(),
	}
	opts := make([]risor.Option, 0, len(globals)+1)
	names := make([]string, 0, len(globals))
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
		names = append(names, name)
	}
	opts = append(opts, risor.WithImporter(importer.NewLocalImporter(importer.LocalImporterOptions{
		GlobalNames: names,
		SourceDir:   r.dir,
		Extensions:  []string{".risor"},
	})))

	result, err := risor.Eval(ctx, s.source, opts...)
	if err != nil {
		return "", fmt.Errorf("taint: rule %s: %w", s.name, err)
	}
	if str, ok := result.(*object.String); ok {
		return str.Value(), nil
	}
	return "", nil
}

// matchesFn creates the "matches" host function.
//
// matches(pattern, text) → bool
func (r *Rules) matchesFn() *object.Builtin {
	return object.NewBuiltin("matches", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("matches", 2, len(args))
		}
		pattern, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("matches: pattern must be a string, got %s", args[0].Type())
		}
		text, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("matches: text must be a string, got %s", args[1].Type())
		}
		re, err := r.compile(pattern.Value())
		if err != nil {
			return object.Errorf("matches: invalid pattern: %v", err)
		}
		return object.NewBool(re.MatchString(text.Value()))
	})
}

func (r *Rules) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.patterns.Store(pattern, re)
	return re, nil
}
