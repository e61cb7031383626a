package taint

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// Step kinds on a DataFlowTrace source path.
const (
	StepParameter   = "parameter"
	StepAssignment  = "assignment"
	StepAlias       = "alias"
	StepPropagation = "propagation"
	StepUse         = "use"
)

type DataFlowStep struct {
	Line     int    `json:"line"`
	Code     string `json:"code"`
	Kind     string `json:"kind"`
	Variable string `json:"variable"`
}

// DataFlowSink is a dangerous use reached by the traced value. Sanitized
// and Validated record whether a matching line was seen between the
// binding and this sink.
type DataFlowSink struct {
	Type      SinkType `json:"type"`
	Line      int      `json:"line"`
	Code      string   `json:"code"`
	Variable  string   `json:"variable"`
	Sanitized bool     `json:"sanitized"`
	Validated bool     `json:"validated"`
}

type DataFlowTrace struct {
	Variable          string         `json:"variable"`
	SourceType        SourceType     `json:"sourceType"`
	SourcePath        []DataFlowStep `json:"sourcePath"`
	Sinks             []DataFlowSink `json:"sinks"`
	ValidationFound   bool           `json:"validationFound"`
	SanitizationFound bool           `json:"sanitizationFound"`
	Confidence        float64        `json:"confidence"`
	Language          string         `json:"language"`
}

var defaultClassifier = NewClassifier(nil, nil)

// TraceVariable traces variable, used at useLine (1-based) of src, back to
// its binding and forward to any sinks, using the built-in families only.
func TraceVariable(src, variable string, useLine int, language string) *DataFlowTrace {
	return defaultClassifier.Trace(context.Background(), src, variable, useLine, language)
}

var (
	identRe   = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
	controlRe = regexp.MustCompile(`^\s*(if|for|while|switch|catch|return|else|do|try|with|elif)\b`)
	declRe    = regexp.MustCompile(`\bfunction\b|=>|^\s*(async\s+)?def\s`)
	// sigRe is a typed or method signature opening its body on the same
	// line; modSigRe one whose brace is on the next line.
	sigRe    = regexp.MustCompile(`^\s*(?:[\w<>\[\]?,.@]+\s+)*[\w$]+\s*\([^;]*\)\s*(?::\s*[^{;=]+)?(?:\bthrows\b[^{;]*)?(?:async\s*)?\{\s*$`)
	modSigRe = regexp.MustCompile(`^\s*(?:@\w+\s+)*(?:(?:public|private|protected|static|final|abstract|synchronized|override)\s+)+[\w<>\[\]?,.\s]*\b\w+\s*\([^;]*\)\s*(?:\bthrows\b[^{;]*)?$`)
	// lhsRe finds a simple binding "name = expr" anywhere on a line.
	lhsRe = regexp.MustCompile(`(?:^|[^\w.$])([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+?)?\s*=\s*([^=>].*)$`)
	// userParamRe marks handler-style parameters as user input.
	userParamRe = regexp.MustCompile(`(?i)\b(req|request|body|query|params|input|form|payload)\b|HttpServletRequest|\bRequest\b`)
)

type binding struct {
	line int // 0-based
	kind string
	rhs  string
}

// Trace is TraceVariable with the classifier's rule pack consulted after
// the built-in families.
func (c *Classifier) Trace(ctx context.Context, src, variable string, useLine int, language string) *DataFlowTrace {
	lines := strings.Split(src, "\n")
	trace := &DataFlowTrace{Variable: variable, SourceType: Unknown, Language: Family(language)}
	if variable == "" || len(lines) == 0 {
		return trace
	}
	use := min(max(useLine, 1), len(lines)) - 1

	start := use
	b, found := findBinding(lines, variable, use)
	if found {
		trace.SourcePath = append(trace.SourcePath, DataFlowStep{Line: b.line + 1, Code: strings.TrimSpace(lines[b.line]), Kind: b.kind, Variable: variable})
		trace.SourceType = c.classifyBinding(ctx, language, b)
		if trace.SourceType == Unknown && b.kind == StepAssignment {
			if alias := strings.TrimSuffix(strings.TrimSpace(b.rhs), ";"); identRe.MatchString(alias) && alias != variable {
				if ab, ok := findBinding(lines, alias, b.line-1); ok {
					step := DataFlowStep{Line: ab.line + 1, Code: strings.TrimSpace(lines[ab.line]), Kind: StepAlias, Variable: alias}
					trace.SourcePath = append([]DataFlowStep{step}, trace.SourcePath...)
					trace.SourceType = c.classifyBinding(ctx, language, ab)
				}
			}
		}
		start = b.line + 1
		if b.line == use {
			start = use
		}
	} else {
		trace.SourceType = c.Source(ctx, language, lines[use])
	}
	if !found || b.line != use {
		trace.SourcePath = append(trace.SourcePath, DataFlowStep{Line: use + 1, Code: strings.TrimSpace(lines[use]), Kind: StepUse, Variable: variable})
	}

	c.scanForward(ctx, trace, lines, start, language)
	trace.Confidence = traceConfidence(trace)
	return trace
}

func (c *Classifier) classifyBinding(ctx context.Context, language string, b binding) SourceType {
	st := c.Source(ctx, language, b.rhs)
	if st == Unknown && b.kind == StepParameter && userParamRe.MatchString(b.rhs) {
		return UserInput
	}
	return st
}

// findBinding scans backward from line from for the assignment or
// parameter that binds name.
func findBinding(lines []string, name string, from int) (binding, bool) {
	q := regexp.QuoteMeta(name)
	assign := regexp.MustCompile(`(?:^|[^\w.$])` + q + `\s*(?::\s*[^=]+?)?\s*=\s*([^=>].*)$`)
	destructure := regexp.MustCompile(`[{\[][^}\]]*\b` + q + `\b[^}\]]*[}\]]\s*=\s*([^=>].*)$`)
	word := regexp.MustCompile(`\b` + q + `\b`)

	for i := min(from, len(lines)-1); i >= 0; i-- {
		line := lines[i]
		code := stripStrings(line)
		if !word.MatchString(code) {
			continue
		}
		if m := destructure.FindStringSubmatchIndex(code); m != nil {
			return binding{line: i, kind: StepAssignment, rhs: line[m[2]:m[3]]}, true
		}
		if m := assign.FindStringSubmatchIndex(code); m != nil && !controlRe.MatchString(code) {
			return binding{line: i, kind: StepAssignment, rhs: line[m[2]:m[3]]}, true
		}
		if param, ok := parameterOf(code, word); ok {
			return binding{line: i, kind: StepParameter, rhs: param}, true
		}
	}
	return binding{}, false
}

// stripStrings blanks the contents of string literals so that names and
// operators inside them are not mistaken for code. Byte offsets are kept.
func stripStrings(line string) string {
	b := []byte(line)
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case quote == 0:
			if c == '"' || c == '\'' || c == '`' {
				quote = c
			}
		case c == '\\' && i+1 < len(b):
			b[i], b[i+1] = ' ', ' '
			i++
		case c == quote:
			quote = 0
		default:
			b[i] = ' '
		}
	}
	return string(b)
}

// isDeclaration reports whether line opens a function. A bare call such
// as exec(cmd) never does.
func isDeclaration(line string) bool {
	return declRe.MatchString(line) || sigRe.MatchString(line) || modSigRe.MatchString(line)
}

// parameterOf returns the parameter declaration mentioning name when line
// declares a function.
func parameterOf(line string, word *regexp.Regexp) (string, bool) {
	if controlRe.MatchString(line) || !isDeclaration(line) {
		return "", false
	}
	open := strings.Index(line, "(")
	if open < 0 {
		// arrow with a bare parameter: x => ...
		if arrow := strings.Index(line, "=>"); arrow > 0 && word.MatchString(line[:arrow]) {
			return strings.TrimSpace(line[:arrow]), true
		}
		return "", false
	}
	end := strings.LastIndex(line, ")")
	if end < open {
		end = len(line)
	}
	for _, p := range strings.Split(line[open+1:end], ",") {
		if word.MatchString(p) {
			return strings.TrimSpace(p), true
		}
	}
	return "", false
}

// scanForward follows the value from line start to the end of src. A name
// assigned from a tainted expression is tainted too, one level deep.
func (c *Classifier) scanForward(ctx context.Context, trace *DataFlowTrace, lines []string, start int, language string) {
	tainted := map[string]bool{trace.Variable: true}
	derived := false
	mention := mentionRe(tainted)
	sanitized, validated := false, false

	for i := start; i < len(lines); i++ {
		line := lines[i]
		names := mention.FindAllString(line, -1)
		if len(names) == 0 {
			continue
		}
		if c.Sanitizes(ctx, language, line) {
			sanitized = true
			trace.SanitizationFound = true
		}
		if c.Validates(ctx, language, line) {
			validated = true
			trace.ValidationFound = true
		}
		if st, ok := c.Sink(ctx, language, line); ok {
			trace.Sinks = append(trace.Sinks, DataFlowSink{
				Type:      st,
				Line:      i + 1,
				Code:      strings.TrimSpace(line),
				Variable:  names[0],
				Sanitized: sanitized,
				Validated: validated,
			})
			continue
		}
		if derived {
			continue
		}
		if m := lhsRe.FindStringSubmatchIndex(stripStrings(line)); m != nil {
			lhs, rhs := line[m[2]:m[3]], line[m[4]:m[5]]
			if !tainted[lhs] && mention.MatchString(rhs) {
				tainted[lhs] = true
				derived = true
				mention = mentionRe(tainted)
				trace.SourcePath = append(trace.SourcePath, DataFlowStep{Line: i + 1, Code: strings.TrimSpace(line), Kind: StepPropagation, Variable: lhs})
			}
		}
	}
}

func mentionRe(names map[string]bool) *regexp.Regexp {
	parts := make([]string, 0, len(names))
	for n := range names {
		parts = append(parts, regexp.QuoteMeta(n))
	}
	return regexp.MustCompile(`\b(` + strings.Join(parts, "|") + `)\b`)
}

var sourceWeight = map[SourceType]float64{
	UserInput:   0.9,
	Session:     0.6,
	ExternalAPI: 0.6,
	Database:    0.5,
	Config:      0.3,
	Unknown:     0.2,
}

// traceConfidence is the likelihood that the traced value reaches a sink
// attacker-controlled.
func traceConfidence(t *DataFlowTrace) float64 {
	c := sourceWeight[t.SourceType]
	switch {
	case len(t.Sinks) == 0:
		c *= 0.5
	case t.SanitizationFound:
		c *= 0.4
	case t.ValidationFound:
		c *= 0.7
	}
	return math.Round(c*100) / 100
}
