// Package arbor indexes source repositories into a code graph and a vector
// index and answers security questions against them.
//
// # Pipeline
//
// An index job moves through fixed phases:
//
//  1. Clone: shallow checkout of one branch with go-git.
//  2. Detect framework: OFBiz, Spring, Flutter, React/Express or generic.
//  3. Parse: tree-sitter grammars with line heuristics as fallback, one
//     ParsedFile per source file.
//  4. Build graph: File/Function/Class nodes with CONTAINS, DEFINES, CALLS
//     and IMPORTS edges plus framework artifacts, written in batches to
//     SQLite.
//  5. Generate embeddings: token-bounded batches sent to the embedding
//     endpoint and upserted into one vector collection per repository.
//
// Every phase boundary persists the job status, publishes an event and
// polls the job's cancellation flag.
//
// # Usage
//
// Open an Engine from a loaded configuration, enqueue work and query:
//
//	cfg, err := config.Load("arbor.yaml")
//	if err != nil { ... }
//	e, err := arbor.Open(cfg)
//	if err != nil { ... }
//	defer e.Close()
//
//	job, err := e.Enqueue(ctx, arbor.Job{RepoURL: "https://github.com/acme/shop"})
//	st, err := e.Status(ctx, job.ID)
//
//	hits, err := e.Search(ctx, "github.com/acme/shop", "password reset token", 10)
//	v, err := e.AnalyzeSink(ctx, "github.com/acme/shop", "runQuery", "src/db.ts", "/src/shop", arbor.SinkOptions{})
//
// [Engine.Serve] runs the queue workers together with the websocket event
// endpoint and a health endpoint until its context is cancelled.
//
// # Taint analysis
//
// [Engine.AnalyzeSink] walks CALLS edges backward from a reported sink to
// every entry point within MaxHops, classifies each entry's input source
// and looks for sanitization or validation along the way. The result is a
// VERIFY, DISPROVE or NEEDS_MANUAL_REVIEW verdict with a confidence.
// [Engine.TraceVariable] follows one variable within a single file.
//
// Pattern families are built in for JavaScript/TypeScript, Java, Dart and
// Python. A directory of Risor scripts (taint.rules_dir) can extend them;
// each script sees the globals line, language and kind and returns the
// source or sink class it recognizes, or an empty string.
package arbor
