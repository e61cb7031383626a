package arbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/config"
	"github.com/jward/arbor/internal/embed"
	"github.com/jward/arbor/internal/events"
	"github.com/jward/arbor/internal/graph"
	"github.com/jward/arbor/internal/index"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/queue"
	"github.com/jward/arbor/internal/store"
	"github.com/jward/arbor/internal/taint"
)

// Engine owns one store, one breaker registry and one client per external
// system, and exposes indexing, search and taint analysis over them.
type Engine struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	cloner     index.Cloner

	store    *store.Store
	vectors  *store.VectorStore
	breakers *breaker.Registry
	pipeline *embed.Pipeline // nil when no embedding endpoint is configured
	bus      *events.Bus
	hub      *events.Hub
	query    *graph.Query
	orch     *index.Orchestrator
	worker   *queue.Worker
	rules    *taint.Rules
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient replaces the client used for the embedding endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithCloner replaces the go-git cloner, for tests and local mirrors.
func WithCloner(c index.Cloner) Option {
	return func(e *Engine) { e.cloner = c }
}

// Open creates the store at cfg.Database.Path, runs migrations and wires
// every component. The caller must Close the Engine.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cloner == nil {
		e.cloner = &index.GitCloner{Token: cfg.Git.Token}
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: cfg.Embedding.RequestTimeout}
	}
	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("arbor: create work dir: %w", err)
		}
	}

	s, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("arbor: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("arbor: migrate: %w", err)
	}
	vs, err := store.NewVectorStore(s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("arbor: vector store: %w", err)
	}
	e.store, e.vectors = s, vs

	if cfg.Taint.RulesDir != "" {
		rules, err := taint.LoadRules(cfg.Taint.RulesDir, taint.WithRulesLogger(e.logger))
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("arbor: %w", err)
		}
		e.rules = rules
	}

	e.breakers = breaker.NewRegistry(cfg.Breakers.Default, cfg.Breakers.Dependencies, breaker.WithLogger(e.logger))
	for _, name := range []string{breaker.Embedding, breaker.Vector, breaker.Graph, breaker.Git} {
		e.breakers.Get(name)
	}
	e.wire()
	return e, nil
}

func (e *Engine) wire() {
	cfg := e.cfg

	var vectors index.VectorIndex
	if cfg.Embedding.Enabled() {
		client := embed.NewClient(embed.ClientConfig{
			URL:        cfg.Embedding.URL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			MaxRetries: cfg.Embedding.MaxRetries,
		}, e.breakers.Get(breaker.Embedding),
			embed.WithHTTPClient(e.httpClient),
			embed.WithClientLogger(e.logger),
		)
		e.pipeline = embed.NewPipeline(client, e.vectors, embed.PipelineConfig{
			Dimension:      cfg.Embedding.Dimension,
			MaxBatchTokens: cfg.Embedding.MaxBatchTokens,
			MaxBatchItems:  cfg.Embedding.MaxBatchItems,
			Workers:        cfg.Embedding.Workers,
			ExistsTTL:      cfg.Embedding.ExistsTTL,
			ScoreThreshold: cfg.Embedding.ScoreThreshold,
		}, embed.WithVectorBreaker(e.breakers.Get(breaker.Vector)), embed.WithPipelineLogger(e.logger))
		vectors = e.pipeline
	}

	popts := []parser.Option{parser.WithLogger(e.logger)}
	if !cfg.Index.Grammars {
		popts = append(popts, parser.WithoutGrammar())
	}

	e.bus = events.NewBus(events.WithLogger(e.logger))
	hopts := []events.HubOption{events.WithHubLogger(e.logger)}
	if len(cfg.Server.AllowedOrigins) > 0 {
		hopts = append(hopts, events.WithOriginCheck(allowOrigins(cfg.Server.AllowedOrigins)))
	}
	e.hub = events.NewHub(e.bus, hopts...)
	e.query = graph.NewQuery(e.store, graph.WithQueryBreaker(e.breakers.Get(breaker.Graph)))

	e.orch = index.New(index.Deps{
		Statuses: e.store,
		Cancels:  e.store,
		Cloner:   e.cloner,
		Graph:    e.store,
		Vectors:  vectors,
		Parsers:  parser.NewRegistry(popts...),
	}, index.Config{
		WorkDir:       cfg.WorkDir,
		GitToken:      cfg.Git.Token,
		MaxFileSize:   cfg.Index.MaxFileSize,
		ProgressEvery: cfg.Index.ProgressEvery,
		ParseWorkers:  cfg.Index.ParseWorkers,
	},
		index.WithPublisher(e.bus),
		index.WithBreakers(e.breakers),
		index.WithLogger(e.logger),
		index.WithGraphOptions(graph.WithBatchSize(cfg.Index.BatchSize)),
	)

	e.worker = queue.NewWorker(e.store, e.orch, queue.Config{
		Concurrency:   cfg.Queue.Concurrency,
		PollInterval:  cfg.Queue.PollInterval,
		RatePerSecond: cfg.Queue.RatePerSecond,
		Burst:         cfg.Queue.Burst,
	}, queue.WithLogger(e.logger))
}

func allowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// Close releases the vector store statements and the database.
func (e *Engine) Close() error {
	if e.vectors != nil {
		e.vectors.Close()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Store returns the underlying store for direct graph access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Index runs job in-process to a terminal phase. The job is recorded in
// the queue first so that Status and Cancel work on it like on a queued
// job, and it is claimed so that no worker picks it up as well.
func (e *Engine) Index(ctx context.Context, job Job) (JobStatus, error) {
	job, err := queue.Enqueue(ctx, e.store, job)
	if err != nil {
		return JobStatus{}, fmt.Errorf("arbor: index: %w", err)
	}
	ok, err := e.store.ClaimJobID(ctx, job.ID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("arbor: index: %w", err)
	}
	if !ok {
		return JobStatus{}, fmt.Errorf("arbor: index: job %s already claimed", job.ID)
	}
	defer func() {
		if err := e.store.FinishJob(context.WithoutCancel(ctx), job.ID); err != nil {
			e.logger.Warn("arbor.finish", "job", job.ID, "err", err)
		}
	}()
	return e.orch.Run(ctx, job)
}

// Enqueue records job for the queue workers and wakes an idle worker in
// this process. The returned job carries its assigned id.
func (e *Engine) Enqueue(ctx context.Context, job Job) (Job, error) {
	job, err := queue.Enqueue(ctx, e.store, job)
	if err != nil {
		return Job{}, fmt.Errorf("arbor: %w", err)
	}
	e.worker.Notify()
	return job, nil
}

// Status returns the persisted status of a job, or ErrNotFound.
func (e *Engine) Status(ctx context.Context, jobID string) (JobStatus, error) {
	st, err := e.store.JobStatus(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("arbor: status: %w", err)
	}
	return st, nil
}

// Cancel sets the durable cancellation flag of a job. The running job
// observes it at its next phase boundary or progress checkpoint.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	if err := e.store.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("arbor: cancel: %w", err)
	}
	return nil
}

// ListJobs returns the most recent jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, limit int) ([]JobStatus, error) {
	jobs, err := e.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arbor: list jobs: %w", err)
	}
	return jobs, nil
}

// ErrEmbeddingDisabled is returned by Search when no embedding endpoint is
// configured.
var ErrEmbeddingDisabled = errors.New("arbor: embedding endpoint not configured")

// Search returns the indexed snippets of repoID closest to text.
func (e *Engine) Search(ctx context.Context, repoID, text string, limit int) ([]SearchResult, error) {
	if e.pipeline == nil {
		return nil, ErrEmbeddingDisabled
	}
	return e.pipeline.Search(ctx, repoID, text, limit)
}

// AnalyzeSink decides whether the sink function in file of repoID is
// reachable from user input. root is a checkout of the repository that
// the source lines are read from.
func (e *Engine) AnalyzeSink(ctx context.Context, repoID, function, file, root string, opts SinkOptions) (*Verdict, error) {
	return e.taintEngine(root).AnalyzeSink(ctx, repoID, function, file, opts)
}

// TraceVariable traces variable used at useLine of src within one file.
func (e *Engine) TraceVariable(ctx context.Context, src, variable string, useLine int, language string) *DataFlowTrace {
	return e.taintEngine("").TraceVariable(ctx, src, variable, useLine, language)
}

func (e *Engine) taintEngine(root string) *taint.Engine {
	return taint.NewEngine(e.query, taint.DirSource{Root: root},
		taint.WithRules(e.rules),
		taint.WithLogger(e.logger),
		taint.WithMaxHops(e.cfg.Taint.MaxHops),
	)
}
