// Package config loads arbor's YAML configuration, applies environment
// overrides and builds the process logger.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jward/arbor/internal/breaker"
)

// Environment variables that override file settings.
const (
	EnvDatabase        = "ARBOR_DB"
	EnvWorkDir         = "ARBOR_WORK_DIR"
	EnvEmbeddingURL    = "ARBOR_EMBEDDING_URL"
	EnvEmbeddingAPIKey = "ARBOR_EMBEDDING_API_KEY"
	EnvGitToken        = "ARBOR_GIT_TOKEN"
	EnvLogLevel        = "ARBOR_LOG_LEVEL"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	WorkDir   string          `yaml:"work_dir"`
	Git       GitConfig       `yaml:"git"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Breakers  BreakersConfig  `yaml:"breakers"`
	Index     IndexConfig     `yaml:"index"`
	Queue     QueueConfig     `yaml:"queue"`
	Taint     TaintConfig     `yaml:"taint"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type GitConfig struct {
	Token string `yaml:"token"`
}

// EmbeddingConfig configures the embedding endpoint and pipeline. An empty
// URL disables the embedding phase.
type EmbeddingConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Dimension      int           `yaml:"dimension"`
	MaxBatchTokens int           `yaml:"max_batch_tokens"`
	MaxBatchItems  int           `yaml:"max_batch_items"`
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ExistsTTL      time.Duration `yaml:"exists_ttl"`
	ScoreThreshold float64       `yaml:"score_threshold"`
}

func (e EmbeddingConfig) Enabled() bool { return e.URL != "" }

// BreakersConfig holds the default breaker tuning and per-dependency
// overrides keyed by dependency name (embedding, vector, graph, git).
type BreakersConfig struct {
	Default      breaker.Config            `yaml:"default"`
	Dependencies map[string]breaker.Config `yaml:"dependencies"`
}

type IndexConfig struct {
	MaxFileSize   int64 `yaml:"max_file_size"`
	ProgressEvery int   `yaml:"progress_every"`
	ParseWorkers  int   `yaml:"parse_workers"`
	BatchSize     int   `yaml:"batch_size"`
	// Grammars toggles tree-sitter; false forces the line heuristics.
	Grammars bool `yaml:"grammars"`
}

type QueueConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type TaintConfig struct {
	RulesDir string `yaml:"rules_dir"`
	MaxHops  int    `yaml:"max_hops"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "arbor.db"},
		WorkDir:  os.TempDir(),
		Embedding: EmbeddingConfig{
			Model:          "voyage-code-3",
			Dimension:      1024,
			MaxBatchTokens: 100_000,
			MaxBatchItems:  128,
			Workers:        4,
			MaxRetries:     5,
			RequestTimeout: 60 * time.Second,
			ExistsTTL:      5 * time.Minute,
		},
		Breakers: BreakersConfig{
			Default: breaker.DefaultConfig(),
			Dependencies: map[string]breaker.Config{
				breaker.Git: {FailureThreshold: 3, ResetTimeout: time.Minute, MonitorWindow: 5 * time.Minute, Timeout: 10 * time.Minute},
			},
		},
		Index: IndexConfig{
			MaxFileSize:   1 << 20,
			ProgressEvery: 50,
			BatchSize:     500,
			Grammars:      true,
		},
		Queue: QueueConfig{
			Concurrency:   2,
			PollInterval:  2 * time.Second,
			RatePerSecond: 1,
			Burst:         2,
		},
		Taint:  TaintConfig{MaxHops: 5},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
		cfg.fillBreakers()
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Database.Path, &c.Taint.RulesDir} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// fillBreakers lets a dependency override name only the fields it changes.
func (c *Config) fillBreakers() {
	d := c.Breakers.Default
	for name, b := range c.Breakers.Dependencies {
		if b.FailureThreshold == 0 {
			b.FailureThreshold = d.FailureThreshold
		}
		if b.ResetTimeout == 0 {
			b.ResetTimeout = d.ResetTimeout
		}
		if b.MonitorWindow == 0 {
			b.MonitorWindow = d.MonitorWindow
		}
		if b.Timeout == 0 {
			b.Timeout = d.Timeout
		}
		c.Breakers.Dependencies[name] = b
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Database.Path, EnvDatabase)
	set(&c.WorkDir, EnvWorkDir)
	set(&c.Embedding.URL, EnvEmbeddingURL)
	set(&c.Embedding.APIKey, EnvEmbeddingAPIKey)
	set(&c.Git.Token, EnvGitToken)
	set(&c.Log.Level, EnvLogLevel)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.Embedding.Enabled() {
		if c.Embedding.Dimension <= 0 {
			errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
		}
		if c.Embedding.Workers < 0 || c.Embedding.MaxBatchItems < 0 || c.Embedding.MaxBatchTokens < 0 {
			errs = append(errs, errors.New("embedding batch settings must not be negative"))
		}
		if c.Embedding.ScoreThreshold < 0 || c.Embedding.ScoreThreshold > 1 {
			errs = append(errs, fmt.Errorf("embedding.score_threshold must be within [0,1], got %g", c.Embedding.ScoreThreshold))
		}
	}
	errs = append(errs, validateBreaker("default", c.Breakers.Default)...)
	for name, b := range c.Breakers.Dependencies {
		errs = append(errs, validateBreaker(name, b)...)
	}
	if c.Index.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("index.max_file_size must be positive, got %d", c.Index.MaxFileSize))
	}
	if c.Index.ProgressEvery < 0 || c.Index.ParseWorkers < 0 || c.Index.BatchSize < 0 {
		errs = append(errs, errors.New("index settings must not be negative"))
	}
	if c.Queue.Concurrency < 0 || c.Queue.Burst < 0 || c.Queue.PollInterval < 0 {
		errs = append(errs, errors.New("queue settings must not be negative"))
	}
	if c.Taint.MaxHops < 0 || c.Taint.MaxHops > 100 {
		errs = append(errs, fmt.Errorf("taint.max_hops must be within [0,100], got %d", c.Taint.MaxHops))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validateBreaker(name string, b breaker.Config) []error {
	var errs []error
	if b.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("breakers.%s.failure_threshold must be positive", name))
	}
	if b.ResetTimeout <= 0 || b.MonitorWindow <= 0 {
		errs = append(errs, fmt.Errorf("breakers.%s windows must be positive", name))
	}
	if b.Timeout < 0 {
		errs = append(errs, fmt.Errorf("breakers.%s.timeout must not be negative", name))
	}
	return errs
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
