package arbor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/config"
	"github.com/jward/arbor/internal/index"
	"github.com/jward/arbor/internal/taint"
)

const shopURL = "https://github.com/acme/shop"

var shopFiles = map[string]string{
	"src/db.ts": `export function runQuery(sql) {
  return db.query("SELECT * FROM users WHERE name = '" + sql + "'");
}
`,
	"src/users.ts": `import { runQuery } from './db';
export function createUser(name) {
  return runQuery(name);
}
`,
	"src/routes.ts": `import { createUser } from './users';
export function handler(req, res) {
  const name = req.body.name;
  createUser(name);
}
`,
}

// dirCloner writes a fixed file tree into the clone directory.
type dirCloner struct {
	files map[string]string
	err   error
}

func (c *dirCloner) Clone(_ context.Context, _, _, dir string) error {
	if c.err != nil {
		return c.err
	}
	return writeTree(dir, c.files)
}

func writeTree(dir string, files map[string]string) error {
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// embedServer answers with 3-dimensional vectors counting SQL keywords and
// request references, so that search ranking is predictable.
func embedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var resp struct {
			Data []item `json:"data"`
		}
		for i, in := range req.Input {
			vec := []float32{float32(strings.Count(in, "SELECT")), float32(strings.Count(in, "req")), 1}
			resp.Data = append(resp.Data, item{Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "arbor.db")
	cfg.WorkDir = t.TempDir()
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.RatePerSecond = 0
	return cfg
}

func openEngine(t *testing.T, cfg config.Config, cloner index.Cloner) *Engine {
	t.Helper()
	e, err := Open(cfg, WithCloner(cloner))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func withEmbedding(t *testing.T, cfg config.Config) config.Config {
	cfg.Embedding.URL = embedServer(t).URL
	cfg.Embedding.Dimension = 3
	cfg.Embedding.MaxRetries = 1
	return cfg
}

func TestOpen_ReportsHealthy(t *testing.T) {
	t.Parallel()
	e := openEngine(t, testConfig(t), &dirCloner{})

	h := e.Health(context.Background())
	assert.True(t, h.OK)
	assert.Equal(t, "ok", h.Database)
	assert.False(t, h.Embedding)
	assert.Zero(t, h.Rules)
	names := make([]string, 0, len(h.Breakers))
	for _, b := range h.Breakers {
		names = append(names, b.Name)
		assert.Equal(t, breaker.Closed.String(), b.State)
	}
	assert.ElementsMatch(t, []string{breaker.Embedding, breaker.Vector, breaker.Graph, breaker.Git}, names)
}

func TestOpen_InvalidPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Database.Path = "/nonexistent/dir/arbor.db"
	_, err := Open(cfg)
	require.Error(t, err)
}

func TestOpen_LoadsRules(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Taint.RulesDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Taint.RulesDir, "legacy.risor"), []byte(`""`), 0o644))
	e := openEngine(t, cfg, &dirCloner{})
	assert.Equal(t, 1, e.Health(context.Background()).Rules)
}

func TestIndex_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := openEngine(t, withEmbedding(t, testConfig(t)), &dirCloner{files: shopFiles})

	st, err := e.Index(ctx, Job{RepoURL: shopURL})
	require.NoError(t, err)
	assert.Equal(t, index.PhaseComplete, st.Phase)
	assert.Equal(t, 100, st.Percentage)
	assert.Equal(t, 3, st.TotalFiles)
	assert.GreaterOrEqual(t, st.FunctionsIndexed, 3)

	stored, err := e.Status(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, index.PhaseComplete, stored.Phase)

	repoID := index.RepoID(shopURL)
	hits, err := e.Search(ctx, repoID, "SELECT users", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "src/db.ts", hits[0].File)

	root := t.TempDir()
	require.NoError(t, writeTree(root, shopFiles))
	v, err := e.AnalyzeSink(ctx, repoID, "runQuery", "src/db.ts", root, SinkOptions{})
	require.NoError(t, err)
	assert.Equal(t, taint.Verify, v.Decision)
	require.NotEmpty(t, v.Chains)
	assert.Equal(t, "handler", v.Chains[0].EntryPoint.Function)
	assert.Equal(t, taint.UserInput, v.Chains[0].EntryPoint.SourceType)
}

func TestAnalyzeSink_GraphBreakerOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := openEngine(t, testConfig(t), &dirCloner{})

	gb := e.breakers.Get(breaker.Graph)
	for i := 0; i < 100 && gb.State() != breaker.Open; i++ {
		_ = gb.Do(ctx, func(context.Context) error { return errors.New("database is locked") })
	}
	require.Equal(t, breaker.Open, gb.State())

	_, err := e.AnalyzeSink(ctx, index.RepoID(shopURL), "runQuery", "src/db.ts", t.TempDir(), SinkOptions{})
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.False(t, e.Health(ctx).OK)
}

func TestIndex_CloneFailureIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := openEngine(t, testConfig(t), &dirCloner{err: errors.New("remote hung up")})

	st, err := e.Index(ctx, Job{RepoURL: shopURL})
	require.Error(t, err)
	assert.Equal(t, index.PhaseFailed, st.Phase)

	stored, err := e.Status(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, index.PhaseFailed, stored.Phase)
	assert.Contains(t, stored.Error, "remote hung up")

	pending, err := e.Store().PendingJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "an in-process job never stays queued")
}

func TestSearch_EmbeddingDisabled(t *testing.T) {
	t.Parallel()
	e := openEngine(t, testConfig(t), &dirCloner{})
	_, err := e.Search(context.Background(), "github.com/acme/shop", "x", 5)
	assert.ErrorIs(t, err, ErrEmbeddingDisabled)
}

func TestStatusAndCancel_UnknownJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := openEngine(t, testConfig(t), &dirCloner{})

	_, err := e.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.Cancel(ctx, "missing"), ErrNotFound)
}

func TestEnqueue_ListsQueuedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := openEngine(t, testConfig(t), &dirCloner{})

	job, err := e.Enqueue(ctx, Job{RepoURL: shopURL, Branch: "main"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	jobs, err := e.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, index.PhaseQueued, jobs[0].Phase)
	assert.Equal(t, 1, e.Health(ctx).PendingJobs)
}

func TestTraceVariable(t *testing.T) {
	t.Parallel()
	e := openEngine(t, testConfig(t), &dirCloner{})
	src := shopFiles["src/routes.ts"]
	tr := e.TraceVariable(context.Background(), src, "name", 4, "typescript")
	assert.Equal(t, taint.UserInput, tr.SourceType)
	assert.Equal(t, "javascript", tr.Language)
}

func TestServe_RunsQueuedJobs(t *testing.T) {
	t.Parallel()
	e := openEngine(t, testConfig(t), &dirCloner{files: shopFiles})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := e.Enqueue(ctx, Job{RepoURL: shopURL})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- e.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		st, err := e.Status(context.Background(), job.ID)
		return err == nil && st.Phase == index.PhaseComplete
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return e.worker.Stats().Completed == 1 }, 5*time.Second, 10*time.Millisecond)

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/jobs/" + job.ID)
	require.NoError(t, err)
	var st JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, index.PhaseComplete, st.Phase)

	resp, err = http.Get(base + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.True(t, h.OK)
	assert.EqualValues(t, 1, h.Queue.Completed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestAllowOrigins(t *testing.T) {
	t.Parallel()
	check := allowOrigins([]string{"https://app.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("https://app.example.com")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, allowOrigins([]string{"*"})(req("https://any.example.com")))
}
