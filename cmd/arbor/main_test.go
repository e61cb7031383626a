package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor"
	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/taint"
)

func TestFindRepoRoot_NestedSubdirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	deep := filepath.Join(root, "sub", "deep")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	assert.Equal(t, root, findRepoRoot(deep))
	assert.Equal(t, root, findRepoRoot(root))
}

func TestFindRepoRoot_NoGitAncestor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	assert.Equal(t, dir, findRepoRoot(dir))
}

func TestDefaultConfigPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	assert.Empty(t, defaultConfigPath(root))

	p := filepath.Join(root, "arbor.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: debug\n"), 0o644))
	assert.Equal(t, p, defaultConfigPath(root))
}

func TestValidateFormat(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateFormat("json"))
	assert.NoError(t, validateFormat("text"))
	err := validateFormat("yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json or text")
}

func TestParseIntArg(t *testing.T) {
	t.Parallel()
	n, err := parseIntArg("12", "line")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = parseIntArg("x", "line")
	assert.ErrorContains(t, err, `invalid line "x"`)
	_, err = parseIntArg("0", "line")
	assert.ErrorContains(t, err, "must be positive")
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, splitList(" src/a.ts, ,src/b.ts "))
	assert.Nil(t, splitList(""))
}

func TestOutputResultText_Jobs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := outputResultText(&buf, CLIResult{Command: "status", Results: CLIJob{
		ID: "j1", RepoID: "github.com/acme/shop", Phase: "FAILED", Cancelled: true, TotalFiles: 4, FilesProcessed: 2,
	}, Error: "boom"})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "FAILED (cancelled)")
	assert.Contains(t, out, "2/4")
	assert.Contains(t, out, "Error: boom")
}

func TestOutputResultText_Verdict(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	v := &arbor.Verdict{
		Decision:   taint.Verify,
		Confidence: 0.6,
		Reason:     "1 of 2 user-input chains are unsanitized",
		Sink:       taint.ChainStep{Function: "runQuery", File: "src/db.ts", Line: 1},
		Chains: []taint.CallChain{
			{
				Path:       []taint.ChainStep{{Function: "handler"}, {Function: "runQuery"}},
				EntryPoint: taint.ChainEntry{Function: "handler", SourceType: taint.UserInput},
			},
			{
				Path:               []taint.ChainStep{{Function: "form"}, {Function: "runQuery"}},
				EntryPoint:         taint.ChainEntry{Function: "form", SourceType: taint.UserInput},
				HasValidation:      true,
				ValidationLocation: &taint.ChainStep{Function: "form", File: "src/form.ts", Line: 3},
				ValidationKind:     taint.KindSanitizer,
			},
		},
	}
	require.NoError(t, outputResultText(&buf, CLIResult{Command: "trace sink", Results: v}))
	out := buf.String()
	assert.Contains(t, out, "VERIFY (confidence 0.60)")
	assert.Contains(t, out, "handler -> runQuery (unsanitized)")
	assert.Contains(t, out, "sanitizer at src/form.ts:3")
}

func TestOutputResultText_Health(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := arbor.Health{Database: "ok", Breakers: []breaker.Stats{{Name: "git", State: "OPEN", Failures: 3}}}
	require.NoError(t, outputResultText(&buf, CLIResult{Command: "health", Results: h}))
	assert.Contains(t, buf.String(), "status: degraded")
	assert.Contains(t, buf.String(), "git")
}

func TestOutputResultText_FallsBackToJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, outputResultText(&buf, CLIResult{Results: map[string]int{"n": 1}}))
	assert.Contains(t, buf.String(), `"n": 1`)
}
