package index

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/jward/arbor/internal/graph"
	"github.com/jward/arbor/internal/parser"
)

type discovered struct {
	sources   []string // parseable, relative slash paths
	artifacts []string // framework artifacts, relative slash paths
}

// discover walks root honouring excludes, the root .gitignore, the size
// ceiling, and the parser extension allow-list.
func (o *Orchestrator) discover(root string, excludes []string) (discovered, error) {
	ex := newExcluder(excludes)
	gi, _ := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))

	var out discovered
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || ex.dir(rel) || (gi != nil && gi.MatchesPath(rel+"/")) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if ex.file(rel) || (gi != nil && gi.MatchesPath(rel)) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > o.cfg.MaxFileSize {
			return nil
		}
		if o.deps.Parsers.Supports(rel) {
			out.sources = append(out.sources, rel)
		}
		if graph.IsFrameworkArtifact(rel) {
			out.artifacts = append(out.artifacts, rel)
		}
		return nil
	})
	sort.Strings(out.sources)
	sort.Strings(out.artifacts)
	return out, err
}

// parseAll parses paths (relative to root) on a worker pool. A single
// collector counts completions and reports progress every ProgressEvery
// files; a cancelled checkpoint stops the remaining work.
func (o *Orchestrator) parseAll(ctx context.Context, t *tracker, root string, paths []string) ([]*parser.ParsedFile, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan string, len(paths))
	for _, p := range paths {
		work <- p
	}
	close(work)

	results := make(chan *parser.ParsedFile, len(paths))
	var wg sync.WaitGroup
	for range min(o.cfg.ParseWorkers, len(paths)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				if ctx.Err() != nil {
					return
				}
				results <- o.parseFile(root, p)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var files []*parser.ParsedFile
	var stopErr error
	processed := 0
	for pf := range results {
		processed++
		if pf != nil {
			files = append(files, pf)
		}
		if stopErr != nil {
			continue
		}
		if processed%o.cfg.ProgressEvery == 0 || processed == len(paths) {
			if err := t.progress(ctx, processed); err != nil {
				stopErr = err
				cancel()
			}
		}
	}
	if stopErr != nil {
		return nil, stopErr
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FilePath < files[j].FilePath })
	return files, nil
}

// parseFile returns nil when the file cannot be read. Parse failures
// degrade to an empty ParsedFile inside the registry.
func (o *Orchestrator) parseFile(root, rel string) *parser.ParsedFile {
	src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		o.logger.Warn("index.read", "file", rel, "err", err)
		return nil
	}
	pf, ok := o.deps.Parsers.Parse(src, rel)
	if !ok {
		return nil
	}
	if pf.Empty() {
		o.logger.Debug("index.parse_empty", "file", rel)
	}
	return pf
}
