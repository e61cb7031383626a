package taint

import (
	"context"
	"log/slog"
)

// Classifier applies the built-in families and then, on a miss, the
// optional rule pack.
type Classifier struct {
	rules  *Rules
	logger *slog.Logger
}

func NewClassifier(rules *Rules, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{rules: rules, logger: logger}
}

func (c *Classifier) rule(ctx context.Context, kind, language, line string) string {
	if c.rules.Len() == 0 {
		return ""
	}
	cat, err := c.rules.Classify(ctx, kind, Family(language), line)
	if err != nil {
		c.logger.Warn("taint.rule", "kind", kind, "err", err)
		return ""
	}
	return cat
}

// Source returns the source class of an expression or line.
func (c *Classifier) Source(ctx context.Context, language, line string) SourceType {
	if st := familyFor(language).source(line); st != Unknown {
		return st
	}
	switch st := SourceType(c.rule(ctx, KindSource, language, line)); st {
	case UserInput, Database, Config, Session, ExternalAPI:
		return st
	}
	return Unknown
}

// Sink reports whether line performs a dangerous operation and which one.
func (c *Classifier) Sink(ctx context.Context, language, line string) (SinkType, bool) {
	if st, ok := familyFor(language).sink(line); ok {
		return st, true
	}
	if cat := c.rule(ctx, KindSink, language, line); cat != "" {
		return SinkType(cat), true
	}
	return "", false
}

func (c *Classifier) Sanitizes(ctx context.Context, language, line string) bool {
	return matchAny(familyFor(language).sanitization, line) || c.rule(ctx, KindSanitizer, language, line) != ""
}

func (c *Classifier) Validates(ctx context.Context, language, line string) bool {
	return matchAny(familyFor(language).validation, line) || c.rule(ctx, KindValidator, language, line) != ""
}
