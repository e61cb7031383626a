package taint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/graph"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/store"
)

type span struct {
	name       string
	start, end int
}

// checkout is a repository on disk plus the parsed view of it the graph is
// built from.
type checkout struct {
	root  string
	files []*parser.ParsedFile
}

func newCheckout(t *testing.T) *checkout {
	t.Helper()
	return &checkout{root: t.TempDir()}
}

func (c *checkout) add(t *testing.T, path, src string, spans ...span) {
	t.Helper()
	full := filepath.Join(c.root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(src), 0o644))

	lines := strings.Split(src, "\n")
	pf := &parser.ParsedFile{FilePath: path, Language: parser.TypeScript}
	for _, s := range spans {
		pf.Functions = append(pf.Functions, parser.FunctionInfo{
			Name:      s.name,
			Body:      strings.Join(lines[s.start-1:s.end], "\n"),
			StartLine: s.start,
			EndLine:   s.end,
		})
	}
	c.files = append(c.files, pf)
}

func (c *checkout) engine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "taint.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	_, err = graph.NewBuilder(s).BuildGraph(context.Background(), "acme/shop", c.files)
	require.NoError(t, err)
	return NewEngine(graph.NewQuery(s), DirSource{Root: c.root}, opts...)
}

const dbSource = `function runQuery(sql) {
  return db.exec(sql);
}
function orphan(sql) {
  return db.exec(sql);
}`

const routesSource = `function handler(req, res) {
  const name = req.body.name;
  return createUser(name);
}`

func usersSource(rowExpr string) string {
	return `function createUser(name) {
  const row = { name: ` + rowExpr + ` };
  return saveUser(row);
}
function saveUser(row) {
  return runQuery("INSERT INTO users VALUES ('" + row.name + "')");
}`
}

// userChain builds handler -> createUser -> saveUser -> runQuery, with the
// given expression stored on the row.
func userChain(t *testing.T, rowExpr string) *checkout {
	c := newCheckout(t)
	c.add(t, "src/db.ts", dbSource, span{"runQuery", 1, 3}, span{"orphan", 4, 6})
	c.add(t, "src/routes.ts", routesSource, span{"handler", 1, 4})
	c.add(t, "src/users.ts", usersSource(rowExpr), span{"createUser", 1, 4}, span{"saveUser", 5, 7})
	return c
}

func chainNames(c CallChain) []string {
	out := make([]string, len(c.Path))
	for i, s := range c.Path {
		out[i] = s.Function
	}
	return out
}

func TestAnalyzeSink_NoCallersNeedsReview(t *testing.T) {
	t.Parallel()
	e := userChain(t, "name").engine(t)

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "orphan", "src/db.ts", Options{})
	require.NoError(t, err)
	assert.Equal(t, NeedsManualReview, v.Decision)
	assert.InDelta(t, 0.3, v.Confidence, 1e-9)
	assert.Empty(t, v.Chains)
	assert.Empty(t, v.EntryPoints)
}

func TestAnalyzeSink_UnsanitizedUserInputVerifies(t *testing.T) {
	t.Parallel()
	e := userChain(t, "name").engine(t)

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "runQuery", "src/db.ts", Options{SinkType: SQLInjection})
	require.NoError(t, err)
	assert.Equal(t, Verify, v.Decision)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
	assert.Equal(t, SQLInjection, v.SinkType)
	assert.Equal(t, ChainStep{Function: "runQuery", File: "src/db.ts", Line: 1}, v.Sink)

	require.Len(t, v.Chains, 1)
	chain := v.Chains[0]
	assert.Equal(t, []string{"handler", "createUser", "saveUser", "runQuery"}, chainNames(chain))
	assert.Equal(t, 3, chain.Path[0].Line)
	assert.Equal(t, ChainEntry{Function: "handler", File: "src/routes.ts", SourceType: UserInput}, chain.EntryPoint)
	assert.False(t, chain.HasValidation)
	assert.Nil(t, chain.ValidationLocation)
	assert.Equal(t, 1, v.UserInputChains)

	require.Len(t, v.EntryPoints, 1)
	assert.Equal(t, "handler", v.EntryPoints[0].Function)
	assert.Equal(t, UserInput, v.EntryPoints[0].SourceType)
	assert.Equal(t, 3, v.EntryPoints[0].Hops)
}

func TestAnalyzeSink_SanitizedChainDisproves(t *testing.T) {
	t.Parallel()
	e := userChain(t, "sanitize(name)").engine(t)

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "runQuery", "src/db.ts", Options{})
	require.NoError(t, err)
	assert.Equal(t, Disprove, v.Decision)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)

	require.Len(t, v.Chains, 1)
	chain := v.Chains[0]
	assert.True(t, chain.HasValidation)
	assert.Equal(t, KindSanitizer, chain.ValidationKind)
	assert.Equal(t, &ChainStep{Function: "createUser", File: "src/users.ts", Line: 2}, chain.ValidationLocation)
	assert.Equal(t, 1, v.ValidatedChains)
}

func TestAnalyzeSink_NoUserInputDisproves(t *testing.T) {
	t.Parallel()
	c := newCheckout(t)
	c.add(t, "src/db.ts", dbSource, span{"runQuery", 1, 3})
	c.add(t, "src/jobs.ts", `function nightly() {
  const days = config.get("retention");
  return runQuery("DELETE FROM audit WHERE age > " + days);
}`, span{"nightly", 1, 4})
	e := c.engine(t)

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "runQuery", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, Disprove, v.Decision)
	assert.InDelta(t, 0.8, v.Confidence, 1e-9)
	require.Len(t, v.Chains, 1)
	assert.Equal(t, Config, v.Chains[0].EntryPoint.SourceType)
	assert.Zero(t, v.UserInputChains)
}

func TestAnalyzeSink_MixedChainsVerifyWithMediumConfidence(t *testing.T) {
	t.Parallel()
	c := newCheckout(t)
	c.add(t, "src/db.ts", dbSource, span{"runQuery", 1, 3})
	c.add(t, "src/routes.ts", `function publicSearch(req, res) {
  return runQuery("SELECT * FROM items WHERE name = '" + req.query.q + "'");
}
function adminSearch(req, res) {
  const q = escapeHtml(req.query.q);
  return runQuery("SELECT * FROM items WHERE name = '" + q + "'");
}`, span{"publicSearch", 1, 3}, span{"adminSearch", 4, 7})
	e := c.engine(t)

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "runQuery", "src/db.ts", Options{MaxHops: 2})
	require.NoError(t, err)
	assert.Equal(t, Verify, v.Decision)
	assert.InDelta(t, 0.6, v.Confidence, 1e-9)
	assert.Equal(t, 2, v.UserInputChains)
	assert.Equal(t, 1, v.ValidatedChains)
	assert.Contains(t, v.Reason, "1 of 2")
}

func TestAnalyzeSink_MissingFileIsTolerated(t *testing.T) {
	t.Parallel()
	c := userChain(t, "name")
	e := c.engine(t)
	require.NoError(t, os.Remove(filepath.Join(c.root, "src", "routes.ts")))

	v, err := e.AnalyzeSink(context.Background(), "acme/shop", "runQuery", "src/db.ts", Options{})
	require.NoError(t, err)
	require.Len(t, v.Chains, 1)
	assert.Equal(t, Unknown, v.Chains[0].EntryPoint.SourceType)
	assert.Equal(t, Disprove, v.Decision)
	assert.InDelta(t, 0.8, v.Confidence, 1e-9)
}

func TestTraceVariable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		language   string
		src        string
		variable   string
		line       int
		source     SourceType
		sinks      []SinkType
		sanitized  bool
		confidence float64
	}{
		{
			name:     "request body into sql",
			language: "typescript",
			src: `function create(req, res) {
  const name = req.body.name;
  db.query("SELECT * FROM users WHERE name = '" + name + "'");
}`,
			variable:   "name",
			line:       3,
			source:     UserInput,
			sinks:      []SinkType{SQLInjection},
			confidence: 0.9,
		},
		{
			name:     "sanitized before sink",
			language: "typescript",
			src: `function create(req, res) {
  const name = req.body.name;
  const safe = sanitize(name);
  db.query("INSERT INTO users VALUES ('" + safe + "')");
}`,
			variable:   "name",
			line:       3,
			source:     UserInput,
			sinks:      []SinkType{SQLInjection},
			sanitized:  true,
			confidence: 0.36,
		},
		{
			name:     "annotated java parameter",
			language: "java",
			src: `public void find(@RequestParam String id, Connection conn) throws SQLException {
  Statement st = conn.createStatement();
  ResultSet rs = st.executeQuery("SELECT * FROM t WHERE id = " + id);
}`,
			variable:   "id",
			line:       3,
			source:     UserInput,
			sinks:      []SinkType{SQLInjection},
			confidence: 0.9,
		},
		{
			name:     "python command",
			language: "python",
			src: `def run(request):
    cmd = request.args.get("cmd")
    os.system(cmd)`,
			variable:   "cmd",
			line:       3,
			source:     UserInput,
			sinks:      []SinkType{CommandInjection},
			confidence: 0.9,
		},
		{
			name:     "call without semicolon is not a declaration",
			language: "javascript",
			src: `function h(req, res) {
  const cmd = req.query.cmd
  exec(cmd)
}`,
			variable:   "cmd",
			line:       3,
			source:     UserInput,
			sinks:      []SinkType{CommandInjection},
			confidence: 0.9,
		},
		{
			name:     "config without sink",
			language: "javascript",
			src: `const retention = process.env.RETENTION_DAYS;
console.log(retention);`,
			variable:   "retention",
			line:       2,
			source:     Config,
			confidence: 0.15,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := TraceVariable(tt.src, tt.variable, tt.line, tt.language)
			assert.Equal(t, tt.source, tr.SourceType)
			var got []SinkType
			for _, s := range tr.Sinks {
				got = append(got, s.Type)
				assert.Equal(t, tt.sanitized, s.Sanitized)
			}
			assert.Equal(t, tt.sinks, got)
			assert.Equal(t, tt.sanitized, tr.SanitizationFound)
			assert.InDelta(t, tt.confidence, tr.Confidence, 1e-9)
		})
	}
}

func TestIsDeclaration(t *testing.T) {
	t.Parallel()
	for line, want := range map[string]bool{
		"function h(req, res) {":                         true,
		"const h = async (req, res) => {":                true,
		"def run(request):":                              true,
		"public void find(String id) throws IOException": true,
		"Future<void> load(String id) async {":           true,
		"handle(Request req): Response {":                true,
		"exec(cmd)":                                      false,
		"  os.system(cmd)":                               false,
		"  render(user);":                                false,
	} {
		assert.Equal(t, want, isDeclaration(line), line)
	}
}

func TestTraceVariable_FollowsOneAlias(t *testing.T) {
	t.Parallel()
	src := `function search(req, res) {
  const input = req.query.q;
  const term = input;
  res.send("<h1>" + term + "</h1>");
}`
	tr := TraceVariable(src, "term", 4, "typescript")
	assert.Equal(t, UserInput, tr.SourceType)
	assert.Equal(t, LangJavaScript, tr.Language)

	kinds := make([]string, len(tr.SourcePath))
	for i, s := range tr.SourcePath {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []string{StepAlias, StepAssignment, StepUse}, kinds)
	assert.Equal(t, 2, tr.SourcePath[0].Line)

	require.Len(t, tr.Sinks, 1)
	assert.Equal(t, XSS, tr.Sinks[0].Type)
	assert.Equal(t, 4, tr.Sinks[0].Line)
}

func TestTraceVariable_IgnoresNamesInsideStrings(t *testing.T) {
	t.Parallel()
	src := `function handler(req) {
  const id = req.params.id;
  db.query("SELECT * FROM t WHERE id = '" + id + "'");
}`
	tr := TraceVariable(src, "id", 3, "typescript")
	require.NotEmpty(t, tr.SourcePath)
	assert.Equal(t, 2, tr.SourcePath[0].Line)
	assert.Equal(t, UserInput, tr.SourceType)
}

func writeRule(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

const legacyRule = `func classify() {
  if kind == "source" && matches("legacyInput", line) {
    return "USER_INPUT"
  }
  if kind == "sink" && matches("unsafeRender", line) {
    return "XSS"
  }
  return ""
}
classify()
`

func TestRules_ExtendBuiltInFamilies(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeRule(t, dir, "legacy.risor", legacyRule)
	writeRule(t, dir, "README.md", "not a rule")

	rules, err := LoadRules(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, rules.Len())

	src := `function show() {
  const v = legacyInput();
  unsafeRender(v);
}`
	plain := TraceVariable(src, "v", 3, "typescript")
	assert.Equal(t, Unknown, plain.SourceType)
	assert.Empty(t, plain.Sinks)

	e := NewEngine(nil, nil, WithRules(rules))
	tr := e.TraceVariable(context.Background(), src, "v", 3, "typescript")
	assert.Equal(t, UserInput, tr.SourceType)
	require.Len(t, tr.Sinks, 1)
	assert.Equal(t, XSS, tr.Sinks[0].Type)

	cat, err := rules.Classify(context.Background(), KindSource, LangJavaScript, "x = legacyInput()")
	require.NoError(t, err)
	assert.Equal(t, "USER_INPUT", cat)
	cat, err = rules.Classify(context.Background(), KindSanitizer, LangJavaScript, "x = legacyInput()")
	require.NoError(t, err)
	assert.Empty(t, cat)
}

func TestRules_CacheIsBounded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeRule(t, dir, "legacy.risor", legacyRule)
	rules, err := LoadRules(dir, WithRulesCacheSize(2))
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 5 {
		cat, err := rules.Classify(ctx, KindSource, LangJavaScript, fmt.Sprintf("x%d = legacyInput()", i))
		require.NoError(t, err)
		assert.Equal(t, "USER_INPUT", cat)
	}
	rules.mu.Lock()
	cached := len(rules.cache)
	rules.mu.Unlock()
	assert.LessOrEqual(t, cached, 2)
}

func TestRules_ScriptErrorNamesRule(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeRule(t, dir, "broken.risor", "1 +")

	rules, err := LoadRules(dir)
	require.NoError(t, err)
	_, err = rules.Classify(context.Background(), KindSink, LangJava, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.risor")

	// The classifier logs and falls back to no match.
	c := NewClassifier(rules, nil)
	_, ok := c.Sink(context.Background(), "java", "x")
	assert.False(t, ok)
}

func TestFamilyAndLanguage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LangJavaScript, Family("TypeScript"))
	assert.Equal(t, LangJava, Family("groovy"))
	assert.Equal(t, LangDart, Family("flutter"))
	assert.Equal(t, LangPython, Family("py"))
	assert.Equal(t, LangDefault, Family("cobol"))

	assert.Equal(t, "typescript", LanguageForFile("a/b.tsx"))
	assert.Equal(t, "java", LanguageForFile("Svc.groovy"))
	assert.Equal(t, "python", LanguageForFile("x.py"))
	assert.Equal(t, LangDefault, LanguageForFile("page.ftl"))
}
