// Package index runs repository indexing jobs: clone, detect the framework,
// parse, build the code graph, and embed snippets. A job moves through a
// fixed sequence of phases, persisting and publishing its status at every
// boundary and polling a durable cancellation flag there.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/events"
	"github.com/jward/arbor/internal/graph"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/store"
)

type (
	Job    = store.Job
	Status = store.JobStatus
	Phase  = store.Phase
)

const (
	PhaseQueued               = store.PhaseQueued
	PhaseCloning              = store.PhaseCloning
	PhaseDetectingFramework   = store.PhaseDetectingFramework
	PhaseParsing              = store.PhaseParsing
	PhaseBuildingGraph        = store.PhaseBuildingGraph
	PhaseGeneratingEmbeddings = store.PhaseGeneratingEmbeddings
	PhaseComplete             = store.PhaseComplete
	PhaseFailed               = store.PhaseFailed
)

// StatusStore persists job status. Writes after a terminal phase are
// ignored by the store.
type StatusStore interface {
	SaveStatus(ctx context.Context, st Status) (bool, error)
}

// Canceller reports the durable cancellation flag of a job.
type Canceller interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Cloner checks out branch of url into dir. An empty branch means the
// remote's default branch.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dir string) error
}

// GraphStore is the graph persistence the orchestrator writes through.
type GraphStore interface {
	graph.Store
	DeleteRepoGraph(ctx context.Context, repoID string) (int64, error)
	DeleteFileScope(ctx context.Context, repoID string, files []string) (int64, error)
}

// VectorIndex embeds snippets and scopes deletions for reindexing.
type VectorIndex interface {
	GenerateAndStoreEmbeddings(ctx context.Context, repoID string, snippets []parser.CodeSnippet) (int, error)
	DeleteRepo(ctx context.Context, repoID string) error
	DeleteFiles(ctx context.Context, repoID string, files []string) (int64, error)
}

// Config tunes the orchestrator.
type Config struct {
	WorkDir       string
	GitToken      string
	MaxFileSize   int64
	ProgressEvery int
	ParseWorkers  int
}

func DefaultConfig() Config {
	return Config{
		WorkDir:       os.TempDir(),
		MaxFileSize:   1 << 20,
		ProgressEvery: 50,
		ParseWorkers:  runtime.NumCPU(),
	}
}

// Deps are the collaborators a job runs against. Vectors may be nil, in
// which case the embedding phase passes without work.
type Deps struct {
	Statuses StatusStore
	Cancels  Canceller
	Cloner   Cloner
	Graph    GraphStore
	Vectors  VectorIndex
	Parsers  *parser.Registry
}

type Option func(*Orchestrator)

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithBreakers routes clone and graph deletion calls through reg.
func WithBreakers(reg *breaker.Registry) Option {
	return func(o *Orchestrator) { o.breakers = reg }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithGraphOptions configures the graph builders the orchestrator creates.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *Orchestrator) { o.graphOpts = append(o.graphOpts, opts...) }
}

// Orchestrator executes index jobs. It is safe for concurrent use; each Run
// owns its own clone directory.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	events    events.Publisher
	breakers  *breaker.Registry
	logger    *slog.Logger
	graphOpts []graph.Option
	now       func() time.Time

	builder   *graph.Builder
	framework *graph.FrameworkBuilder
}

func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = def.ProgressEvery
	}
	if cfg.ParseWorkers <= 0 {
		cfg.ParseWorkers = def.ParseWorkers
	}
	if deps.Parsers == nil {
		deps.Parsers = parser.NewRegistry()
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		events:   events.Discard,
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	gopts := append([]graph.Option{graph.WithLogger(o.logger), graph.WithBreaker(o.breakers.Get(breaker.Graph))}, o.graphOpts...)
	o.builder = graph.NewBuilder(deps.Graph, gopts...)
	o.framework = graph.NewFrameworkBuilder(deps.Graph, gopts...)
	return o
}

// Run executes job to a terminal phase and returns its final status. The
// returned error is nil only when the job completed; its text never carries
// credentials. The clone directory is removed on every exit path.
func (o *Orchestrator) Run(ctx context.Context, job Job) (st Status, err error) {
	start := o.now()
	repoID := RepoID(job.RepoURL)
	t := o.newTracker(job.ID, repoID)
	var dir string
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("index: panic: %v", rec)
		}
		if dir != "" {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				o.logger.Warn("index.cleanup", "job", job.ID, "dir", dir, "err", rmErr)
			}
		}
		if err != nil {
			err = &scrubbedError{err: err, secrets: []string{o.cfg.GitToken}}
			t.fail(ctx, err)
		}
		st = t.status()
		o.logger.Info("index.job",
			"job", job.ID,
			"repo", repoID,
			"phase", st.Phase,
			"cancelled", st.Cancelled,
			"elapsed", o.now().Sub(start),
		)
	}()

	t.begin(ctx)

	if err := t.advance(ctx, PhaseCloning); err != nil {
		return Status{}, err
	}
	dir, err = os.MkdirTemp(o.cfg.WorkDir, "job-"+sanitizeID(job.ID)+"-")
	if err != nil {
		return Status{}, fmt.Errorf("index: create clone dir: %w", err)
	}
	if err := o.breakers.Get(breaker.Git).Do(ctx, func(ctx context.Context) error {
		return o.deps.Cloner.Clone(ctx, job.RepoURL, job.Branch, dir)
	}); err != nil {
		return Status{}, fmt.Errorf("index: clone: %w", err)
	}

	if err := t.advance(ctx, PhaseDetectingFramework); err != nil {
		return Status{}, err
	}
	fw := ResolveFramework(dir, job.Framework)
	o.logger.Debug("index.framework", "job", job.ID, "framework", fw.Name, "override", job.Framework != "")

	if err := t.advance(ctx, PhaseParsing); err != nil {
		return Status{}, err
	}
	if err := o.clearPrevious(ctx, repoID, job); err != nil {
		return Status{}, err
	}
	found, err := o.discover(dir, fw.Excludes)
	if err != nil {
		return Status{}, fmt.Errorf("index: walk: %w", err)
	}
	sources := found.sources
	if job.Incremental {
		sources = onlyChanged(sources, job.ChangedFiles)
	}
	t.setTotal(len(sources))
	files, err := o.parseAll(ctx, t, dir, sources)
	if err != nil {
		return Status{}, err
	}

	if err := t.advance(ctx, PhaseBuildingGraph); err != nil {
		return Status{}, err
	}
	stats, err := o.builder.BuildGraph(ctx, repoID, files)
	if err != nil {
		return Status{}, fmt.Errorf("index: build graph: %w", err)
	}
	t.setFunctions(stats.Functions)
	if fw.Name == FrameworkOFBiz && len(found.artifacts) > 0 {
		if _, err := o.framework.Build(ctx, repoID, dir, found.artifacts); err != nil {
			return Status{}, fmt.Errorf("index: build framework graph: %w", err)
		}
	}

	if err := t.advance(ctx, PhaseGeneratingEmbeddings); err != nil {
		return Status{}, err
	}
	if o.deps.Vectors != nil {
		var snippets []parser.CodeSnippet
		for _, pf := range files {
			snippets = append(snippets, parser.Snippets(pf)...)
		}
		if _, err := o.deps.Vectors.GenerateAndStoreEmbeddings(ctx, repoID, snippets); err != nil {
			return Status{}, fmt.Errorf("index: embeddings: %w", err)
		}
	}

	if err := t.checkpoint(ctx); err != nil {
		return Status{}, err
	}
	t.complete(ctx)
	return t.status(), nil
}

// clearPrevious removes what an earlier run stored for the files this run
// rewrites: the whole repo for a full reindex, the changed files otherwise.
func (o *Orchestrator) clearPrevious(ctx context.Context, repoID string, job Job) error {
	gb := o.breakers.Get(breaker.Graph)
	if !job.Incremental {
		if err := gb.Do(ctx, func(ctx context.Context) error {
			_, err := o.deps.Graph.DeleteRepoGraph(ctx, repoID)
			return err
		}); err != nil {
			return fmt.Errorf("index: delete repo graph: %w", err)
		}
		if o.deps.Vectors != nil {
			if err := o.deps.Vectors.DeleteRepo(ctx, repoID); err != nil {
				return fmt.Errorf("index: delete repo vectors: %w", err)
			}
		}
		return nil
	}
	if len(job.ChangedFiles) == 0 {
		return nil
	}
	if err := gb.Do(ctx, func(ctx context.Context) error {
		_, err := o.deps.Graph.DeleteFileScope(ctx, repoID, job.ChangedFiles)
		return err
	}); err != nil {
		return fmt.Errorf("index: delete changed files: %w", err)
	}
	if o.deps.Vectors != nil {
		if _, err := o.deps.Vectors.DeleteFiles(ctx, repoID, job.ChangedFiles); err != nil {
			return fmt.Errorf("index: delete changed vectors: %w", err)
		}
	}
	return nil
}

func onlyChanged(sources, changed []string) []string {
	want := make(map[string]bool, len(changed))
	for _, c := range changed {
		want[c] = true
	}
	var out []string
	for _, s := range sources {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}

// scrubbedError hides credentials in the message while keeping the chain
// for errors.Is.
type scrubbedError struct {
	err     error
	secrets []string
}

func (e *scrubbedError) Error() string { return ScrubCredentials(e.err.Error(), e.secrets...) }
func (e *scrubbedError) Unwrap() error { return e.err }
