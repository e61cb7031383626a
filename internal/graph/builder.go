// Package graph turns parsed source facts into a per-repository property
// graph and answers traversal queries over it.
//
// The builder resolves CALLS, IMPORTS and heritage edges with textual
// heuristics. Resolution is tolerant: ambiguous names resolve to a
// deterministic best candidate and unresolvable ones are dropped.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/fault"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/store"
)

// DefaultBatchSize is the number of rows per bulk upsert.
const DefaultBatchSize = 500

// Store is the graph persistence the builder writes through.
type Store interface {
	EnsureIndexes(ctx context.Context, specs []store.IndexSpec) ([]string, error)
	CommitBatch(ctx context.Context, batch *store.Batch) (store.CommitStats, error)
	NodesByLabel(ctx context.Context, repoID, label string) ([]store.Node, error)
}

// IndexSpecs are the secondary indexes graph traversal relies on.
var IndexSpecs = []store.IndexSpec{
	{Name: "idx_nodes_repo_label_name", Table: "nodes", Columns: []string{"repo_id", "label", "name"}},
	{Name: "idx_nodes_repo_file", Table: "nodes", Columns: []string{"repo_id", "file"}},
	{Name: "idx_edges_repo_type", Table: "edges", Columns: []string{"repo_id", "type"}},
	{Name: "idx_edges_src", Table: "edges", Columns: []string{"src_id"}},
	{Name: "idx_edges_dst", Table: "edges", Columns: []string{"dst_id"}},
}

type Option func(*Builder)

// WithBatchSize sets the rows per bulk upsert. Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBreaker routes every store call through cb.
func WithBreaker(cb *breaker.Breaker) Option {
	return func(b *Builder) {
		if cb != nil {
			b.breaker = cb
		}
	}
}

type Builder struct {
	store     Store
	breaker   *breaker.Breaker
	batchSize int
	logger    *slog.Logger
}

func NewBuilder(s Store, opts ...Option) *Builder {
	b := &Builder{
		store:     s,
		breaker:   breaker.New(breaker.Graph, breaker.DefaultConfig()),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// BuildStats summarizes one BuildGraph run.
type BuildStats struct {
	Files          int
	Functions      int
	Classes        int
	Calls          int
	Imports        int
	Extends        int
	Implements     int
	Written        store.CommitStats
	FailedBatches  int
	IndexesCreated []string
	Duration       time.Duration
}

// BuildGraph upserts files' facts into the repoID scope. Every write is an
// upsert on node or edge identity, so rebuilding identical input leaves the
// graph unchanged. Call and heritage resolution also sees nodes already
// stored for the repo, which lets incremental builds link to unchanged
// files.
//
// A failed chunk is logged and counted; only context cancellation and
// failures loading the existing symbol set abort the build.
func (b *Builder) BuildGraph(ctx context.Context, repoID string, files []*parser.ParsedFile) (*BuildStats, error) {
	start := time.Now()
	stats := &BuildStats{Files: len(files)}

	created, err := breaker.Execute(ctx, b.breaker, func(ctx context.Context) ([]string, error) {
		return b.store.EnsureIndexes(ctx, IndexSpecs)
	})
	if err != nil {
		b.logger.Warn("graph.indexes", "repo", repoID, "err", err)
	}
	stats.IndexesCreated = created

	syms, err := b.loadSymbols(ctx, repoID, files)
	if err != nil {
		return nil, fmt.Errorf("graph: build %s: %w", repoID, err)
	}

	steps := []struct {
		name  string
		batch func() *store.Batch
	}{
		{"files", func() *store.Batch { return fileNodes(repoID, files) }},
		{"functions", func() *store.Batch { return functionNodes(repoID, files, stats) }},
		{"classes", func() *store.Batch { return classNodes(repoID, files, stats) }},
		{"calls", func() *store.Batch { return callEdges(repoID, files, syms, stats) }},
		{"imports", func() *store.Batch { return importEdges(repoID, files, syms, stats) }},
		{"heritage", func() *store.Batch { return heritageEdges(repoID, files, syms, stats) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("graph: build %s: %w", repoID, err)
		}
		stepStart := time.Now()
		if err := b.write(ctx, step.name, step.batch(), stats); err != nil {
			return stats, fmt.Errorf("graph: build %s: %w", repoID, err)
		}
		b.logger.Debug("graph.step", "repo", repoID, "step", step.name, "elapsed", time.Since(stepStart))
	}

	stats.Duration = time.Since(start)
	b.logger.Info("graph.build",
		"repo", repoID,
		"files", stats.Files,
		"functions", stats.Functions,
		"classes", stats.Classes,
		"nodes_written", stats.Written.NodesWritten,
		"edges_written", stats.Written.EdgesWritten,
		"edges_skipped", stats.Written.EdgesSkipped,
		"failed_batches", stats.FailedBatches,
		"elapsed", stats.Duration,
	)
	return stats, nil
}

// write commits batch in chunks. Chunk failures are counted, not returned.
func (b *Builder) write(ctx context.Context, step string, batch *store.Batch, stats *BuildStats) error {
	for i, chunk := range batch.Chunks(b.batchSize) {
		cs, err := breaker.Execute(ctx, b.breaker, func(ctx context.Context) (store.CommitStats, error) {
			return b.store.CommitBatch(ctx, chunk)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			stats.FailedBatches++
			b.logger.Warn("graph.batch_failed", "step", step, "chunk", i, "err", fault.BatchWriteErr("graph: "+step, err))
			continue
		}
		stats.Written.Add(cs)
	}
	return nil
}

// loadSymbols indexes this build's declarations together with those already
// stored for the repo.
func (b *Builder) loadSymbols(ctx context.Context, repoID string, files []*parser.ParsedFile) (*symbols, error) {
	syms := newSymbols()
	for _, label := range []string{LabelFile, LabelFunction, LabelClass} {
		nodes, err := b.nodesByLabel(ctx, repoID, label)
		if err != nil {
			return nil, fmt.Errorf("load %s nodes: %w", label, err)
		}
		for _, n := range nodes {
			switch label {
			case LabelFile:
				syms.files.add(n.File)
			case LabelFunction:
				syms.addFunction(n.Name, n.File)
			case LabelClass:
				syms.addClass(n.Name, n.File)
			}
		}
	}
	for _, pf := range files {
		syms.files.add(pf.FilePath)
		for _, fn := range pf.Functions {
			syms.addFunction(fn.Name, pf.FilePath)
		}
		for _, cls := range pf.Classes {
			syms.addClass(cls.Name, pf.FilePath)
			for _, m := range cls.Methods {
				syms.addFunction(QualifiedMethod(cls.Name, m.Name), pf.FilePath)
			}
		}
	}
	syms.finish()
	return syms, nil
}

func (b *Builder) nodesByLabel(ctx context.Context, repoID, label string) ([]store.Node, error) {
	return breaker.Execute(ctx, b.breaker, func(ctx context.Context) ([]store.Node, error) {
		return b.store.NodesByLabel(ctx, repoID, label)
	})
}

func fileKey(path string) store.NodeKey {
	return store.NodeKey{Label: LabelFile, Name: path, File: path}
}

func functionKey(name, file string) store.NodeKey {
	return store.NodeKey{Label: LabelFunction, Name: name, File: file}
}

func classKey(name, file string) store.NodeKey {
	return store.NodeKey{Label: LabelClass, Name: name, File: file}
}

func fileNodes(repoID string, files []*parser.ParsedFile) *store.Batch {
	batch := store.NewBatch()
	for _, pf := range files {
		batch.AddNode(store.Node{
			RepoID: repoID, Label: LabelFile, Name: pf.FilePath, File: pf.FilePath,
			Props: map[string]any{"path": pf.FilePath, "language": pf.Language, "hash": pf.Hash},
		})
	}
	return batch
}

func functionProps(fn parser.FunctionInfo) map[string]any {
	return map[string]any{
		"startLine":  fn.StartLine,
		"endLine":    fn.EndLine,
		"isExported": fn.IsExported,
		"isAsync":    fn.IsAsync,
		"params":     fn.ParamNames(),
		"returnType": fn.ReturnType,
	}
}

func functionNodes(repoID string, files []*parser.ParsedFile, stats *BuildStats) *store.Batch {
	batch := store.NewBatch()
	add := func(pf *parser.ParsedFile, name string, fn parser.FunctionInfo) {
		stats.Functions++
		batch.AddNode(store.Node{RepoID: repoID, Label: LabelFunction, Name: name, File: pf.FilePath, Props: functionProps(fn)})
		batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeContains, From: fileKey(pf.FilePath), To: functionKey(name, pf.FilePath)})
	}
	for _, pf := range files {
		for _, fn := range pf.Functions {
			add(pf, fn.Name, fn)
		}
		for _, cls := range pf.Classes {
			for _, m := range cls.Methods {
				add(pf, QualifiedMethod(cls.Name, m.Name), m)
			}
		}
	}
	return batch
}

func classNodes(repoID string, files []*parser.ParsedFile, stats *BuildStats) *store.Batch {
	batch := store.NewBatch()
	for _, pf := range files {
		for _, cls := range pf.Classes {
			stats.Classes++
			props := map[string]any{
				"startLine":     cls.StartLine,
				"endLine":       cls.EndLine,
				"isExported":    cls.IsExported,
				"propertyCount": len(cls.Properties),
				"methodCount":   len(cls.Methods),
			}
			if cls.Extends != "" {
				props["extendsName"] = cls.Extends
			}
			if len(cls.Implements) > 0 {
				props["implements"] = cls.Implements
			}
			key := classKey(cls.Name, pf.FilePath)
			batch.AddNode(store.Node{RepoID: repoID, Label: LabelClass, Name: cls.Name, File: pf.FilePath, Props: props})
			batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeContains, From: fileKey(pf.FilePath), To: key})
			for _, m := range cls.Methods {
				batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeHasMethod, From: key,
					To: functionKey(QualifiedMethod(cls.Name, m.Name), pf.FilePath)})
			}
		}
	}
	return batch
}

func callEdges(repoID string, files []*parser.ParsedFile, syms *symbols, stats *BuildStats) *store.Batch {
	batch := store.NewBatch()
	emit := func(file, caller, class string, fn parser.FunctionInfo) {
		seen := map[fnRef]bool{}
		for _, site := range scanCallSites(fn) {
			target, ok := syms.resolveCall(file, class, site.receiver, site.name)
			if !ok || seen[target] {
				continue
			}
			seen[target] = true
			stats.Calls++
			batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeCalls,
				From:  functionKey(caller, file),
				To:    functionKey(target.name, target.file),
				Props: map[string]any{"line": site.line},
			})
		}
	}
	for _, pf := range files {
		for _, fn := range pf.Functions {
			emit(pf.FilePath, fn.Name, "", fn)
		}
		for _, cls := range pf.Classes {
			for _, m := range cls.Methods {
				emit(pf.FilePath, QualifiedMethod(cls.Name, m.Name), cls.Name, m)
			}
		}
	}
	return batch
}

func importEdges(repoID string, files []*parser.ParsedFile, syms *symbols, stats *BuildStats) *store.Batch {
	batch := store.NewBatch()
	for _, pf := range files {
		symbolsByTarget := map[string][]string{}
		lineByTarget := map[string]int{}
		var order []string
		for _, imp := range pf.Imports {
			for _, target := range syms.files.resolve(pf.FilePath, pf.Language, imp) {
				if target == pf.FilePath {
					continue
				}
				if _, ok := lineByTarget[target]; !ok {
					lineByTarget[target] = imp.Line
					order = append(order, target)
				}
				symbolsByTarget[target] = append(symbolsByTarget[target], imp.SymbolNames()...)
			}
		}
		for _, target := range order {
			stats.Imports++
			syms.noteImport(pf.FilePath, target)
			batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeImports,
				From:  fileKey(pf.FilePath),
				To:    fileKey(target),
				Props: map[string]any{"symbols": dedupe(symbolsByTarget[target]), "line": lineByTarget[target]},
			})
		}
	}
	return batch
}

func heritageEdges(repoID string, files []*parser.ParsedFile, syms *symbols, stats *BuildStats) *store.Batch {
	batch := store.NewBatch()
	for _, pf := range files {
		for _, cls := range pf.Classes {
			from := classKey(cls.Name, pf.FilePath)
			if cls.Extends != "" {
				if name, file, ok := syms.resolveClass(cls.Extends, pf.FilePath); ok {
					stats.Extends++
					batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeExtends, From: from, To: classKey(name, file)})
				}
			}
			for _, iface := range cls.Implements {
				if name, file, ok := syms.resolveClass(iface, pf.FilePath); ok {
					stats.Implements++
					batch.AddEdge(store.Edge{RepoID: repoID, Type: EdgeImplements, From: from, To: classKey(name, file)})
				}
			}
		}
	}
	return batch
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
