package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/breaker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Queue, cfg.Queue)
	assert.Equal(t, def.Index, cfg.Index)
	assert.Equal(t, 5, cfg.Taint.MaxHops)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: data/arbor.db
embedding:
  url: http://embed.local/v1/embeddings
  dimension: 8
  workers: 2
breakers:
  dependencies:
    embedding:
      failure_threshold: 2
      timeout: 15s
queue:
  concurrency: 4
  poll_interval: 500ms
taint:
  rules_dir: rules
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "data", "arbor.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "rules"), cfg.Taint.RulesDir)
	assert.True(t, cfg.Embedding.Enabled())
	assert.Equal(t, 8, cfg.Embedding.Dimension)
	assert.Equal(t, 128, cfg.Embedding.MaxBatchItems, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)

	emb := cfg.Breakers.Dependencies[breaker.Embedding]
	assert.Equal(t, 2, emb.FailureThreshold)
	assert.Equal(t, 15*time.Second, emb.Timeout)
	assert.Equal(t, breaker.DefaultConfig().ResetTimeout, emb.ResetTimeout, "missing fields come from the default breaker")
	assert.Contains(t, cfg.Breakers.Dependencies, breaker.Git)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "databse:\n  path: x.db\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "databse")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: reading")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabase, "/var/lib/arbor/env.db")
	t.Setenv(EnvGitToken, "ghp_env")
	t.Setenv(EnvEmbeddingURL, "http://env.local")
	t.Setenv(EnvLogLevel, "warn")

	path := writeConfig(t, "database:\n  path: file.db\ngit:\n  token: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/arbor/env.db", cfg.Database.Path)
	assert.Equal(t, "ghp_env", cfg.Git.Token)
	assert.Equal(t, "http://env.local", cfg.Embedding.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestApplyEnv_EmptyValueIgnored(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.applyEnv(func(key string) (string, bool) {
		if key == EnvWorkDir {
			return "", true
		}
		return "", false
	})
	assert.Equal(t, Default().WorkDir, cfg.WorkDir)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero dimension", func(c *Config) { c.Embedding.URL = "http://x"; c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"bad threshold", func(c *Config) { c.Embedding.URL = "http://x"; c.Embedding.ScoreThreshold = 2 }, "score_threshold"},
		{"bad breaker", func(c *Config) { c.Breakers.Dependencies["vector"] = breaker.Config{} }, "breakers.vector"},
		{"hops", func(c *Config) { c.Taint.MaxHops = 1000 }, "taint.max_hops"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("index.job", "job", "j1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"job":"j1"`)

	buf.Reset()
	NewLogger(LogConfig{}, &buf).Info("queue.requeued", "jobs", 2)
	assert.Contains(t, buf.String(), "jobs=2")
}
