package embed

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/fault"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/store"
)

// Embedder produces vectors for inputs, in order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, inputType InputType) ([][]float32, error)
}

// VectorDB is the vector collection store the pipeline writes to.
type VectorDB interface {
	CreateCollection(ctx context.Context, name string, dimension int, distance string) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []store.Point) error
	DeleteByFiles(ctx context.Context, collection string, files []string) (int64, error)
	Search(ctx context.Context, collection string, query []float32, opts store.SearchOptions) ([]store.ScoredPoint, error)
}

type PipelineConfig struct {
	Dimension      int
	MaxBatchTokens int
	MaxBatchItems  int
	Workers        int
	ExistsTTL      time.Duration
	ScoreThreshold float64
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Dimension:      1024,
		MaxBatchTokens: 100_000,
		MaxBatchItems:  128,
		Workers:        4,
		ExistsTTL:      5 * time.Minute,
	}
}

type PipelineOption func(*Pipeline)

// WithVectorBreaker routes every vector store call through b.
func WithVectorBreaker(b *breaker.Breaker) PipelineOption {
	return func(p *Pipeline) { p.breaker = b }
}

func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func withNow(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline embeds snippets and stores them in one collection per repo.
type Pipeline struct {
	embedder Embedder
	vectors  VectorDB
	cfg      PipelineConfig
	breaker  *breaker.Breaker
	logger   *slog.Logger
	now      func() time.Time

	lookups singleflight.Group
	mu      sync.Mutex
	exists  map[string]existsEntry
}

type existsEntry struct {
	exists bool
	at     time.Time
}

func NewPipeline(e Embedder, v VectorDB, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.MaxBatchTokens <= 0 {
		cfg.MaxBatchTokens = def.MaxBatchTokens
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = def.MaxBatchItems
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ExistsTTL <= 0 {
		cfg.ExistsTTL = def.ExistsTTL
	}
	p := &Pipeline{
		embedder: e,
		vectors:  v,
		cfg:      cfg,
		breaker:  breaker.New(breaker.Vector, breaker.DefaultConfig()),
		logger:   slog.Default(),
		now:      time.Now,
		exists:   map[string]existsEntry{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CollectionName derives a repo's collection name. Distinct repo ids never
// share a name.
func CollectionName(repoID string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(repoID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	sum := blake3.Sum256([]byte(repoID))
	return "code_" + strings.Trim(sb.String(), "_") + "_" + hex.EncodeToString(sum[:4])
}

// GenerateAndStoreEmbeddings embeds snippets into repoID's collection and
// returns how many points were stored. Batches are drained by a bounded
// worker pool; the first unrecoverable error stops further batches from
// starting and is returned once in-flight work settles. A failed write
// counts as unrecoverable.
func (p *Pipeline) GenerateAndStoreEmbeddings(ctx context.Context, repoID string, snippets []parser.CodeSnippet) (int, error) {
	if len(snippets) == 0 {
		return 0, nil
	}
	start := time.Now()
	coll := CollectionName(repoID)
	if err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.vectors.CreateCollection(ctx, coll, p.cfg.Dimension, store.DistanceCosine)
	}); err != nil {
		return 0, fmt.Errorf("embed: ensure collection %s: %w", coll, err)
	}
	p.setExists(coll, true)

	batches := PackBatches(snippets, p.cfg.MaxBatchTokens, p.cfg.MaxBatchItems)
	queue := make(chan Batch, len(batches))
	for _, b := range batches {
		queue <- b
	}
	close(queue)

	// The writer's buffer holds every batch, so workers never wait on it.
	// A failed upsert cancels gctx and stops the remaining embed calls.
	upserts := make(chan []store.Point, len(batches))
	var stored int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for pts := range upserts {
			err := p.breaker.Do(context.WithoutCancel(gctx), func(ctx context.Context) error {
				return p.vectors.Upsert(ctx, coll, pts)
			})
			if err != nil {
				return fmt.Errorf("embed: upsert %s: %w", coll, err)
			}
			stored += len(pts)
		}
		return nil
	})

	var workers sync.WaitGroup
	for range min(p.cfg.Workers, len(batches)) {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for b := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				pts, err := p.embedBatch(gctx, repoID, b.Snippets)
				if err != nil {
					return err
				}
				upserts <- pts
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(upserts)
	}()
	err := g.Wait()

	p.logger.Info("embed.pipeline",
		"repo", repoID,
		"snippets", len(snippets),
		"batches", len(batches),
		"stored", stored,
		"elapsed", time.Since(start),
	)
	return stored, err
}

// embedBatch embeds snippets, splitting the batch in half whenever the
// endpoint reports a token limit. A single snippet over the limit fails.
func (p *Pipeline) embedBatch(ctx context.Context, repoID string, snippets []parser.CodeSnippet) ([]store.Point, error) {
	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = snippetText(s)
	}
	vectors, err := p.embedder.Embed(ctx, texts, InputDocument)
	if err != nil {
		if fault.IsTokenLimit(err) && len(snippets) > 1 {
			mid := len(snippets) / 2
			p.logger.Debug("embed.bisect", "repo", repoID, "size", len(snippets))
			left, err := p.embedBatch(ctx, repoID, snippets[:mid])
			if err != nil {
				return nil, err
			}
			right, err := p.embedBatch(ctx, repoID, snippets[mid:])
			if err != nil {
				return nil, err
			}
			return append(left, right...), nil
		}
		return nil, err
	}
	if len(vectors) != len(snippets) {
		return nil, fault.Permanentf("embed", "got %d vectors for %d snippets", len(vectors), len(snippets))
	}

	points := make([]store.Point, len(snippets))
	for i, s := range snippets {
		if len(vectors[i]) != p.cfg.Dimension {
			return nil, fault.Permanentf("embed", "vector for %s has dimension %d, want %d", s.Name, len(vectors[i]), p.cfg.Dimension)
		}
		points[i] = store.Point{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: map[string]any{
				"repoId":    repoID,
				"name":      s.Name,
				"file":      s.File,
				"startLine": s.StartLine,
				"endLine":   s.EndLine,
				"code":      s.Code,
			},
		}
	}
	return points, nil
}

// DeleteRepo drops repoID's collection.
func (p *Pipeline) DeleteRepo(ctx context.Context, repoID string) error {
	coll := CollectionName(repoID)
	if err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.vectors.DeleteCollection(ctx, coll)
	}); err != nil {
		return fmt.Errorf("embed: delete collection %s: %w", coll, err)
	}
	p.setExists(coll, false)
	return nil
}

// DeleteFiles removes the points of files from repoID's collection.
func (p *Pipeline) DeleteFiles(ctx context.Context, repoID string, files []string) (int64, error) {
	coll := CollectionName(repoID)
	ok, err := p.collectionExists(ctx, coll)
	if err != nil || !ok {
		return 0, err
	}
	n, err := breaker.Execute(ctx, p.breaker, func(ctx context.Context) (int64, error) {
		return p.vectors.DeleteByFiles(ctx, coll, files)
	})
	if err != nil {
		return 0, fmt.Errorf("embed: delete files in %s: %w", coll, err)
	}
	return n, nil
}

func (p *Pipeline) setExists(coll string, exists bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exists[coll] = existsEntry{exists: exists, at: p.now()}
}

// collectionExists answers from a TTL cache. Concurrent misses for the
// same collection share one lookup.
func (p *Pipeline) collectionExists(ctx context.Context, coll string) (bool, error) {
	p.mu.Lock()
	e, ok := p.exists[coll]
	p.mu.Unlock()
	if ok && p.now().Sub(e.at) < p.cfg.ExistsTTL {
		return e.exists, nil
	}
	v, err, _ := p.lookups.Do(coll, func() (any, error) {
		exists, err := breaker.Execute(ctx, p.breaker, func(ctx context.Context) (bool, error) {
			return p.vectors.CollectionExists(ctx, coll)
		})
		if err != nil {
			return false, err
		}
		p.setExists(coll, exists)
		return exists, nil
	})
	if err != nil {
		return false, fmt.Errorf("embed: collection exists %s: %w", coll, err)
	}
	return v.(bool), nil
}
