package arbor

import (
	"github.com/jward/arbor/internal/embed"
	"github.com/jward/arbor/internal/store"
	"github.com/jward/arbor/internal/taint"
)

// Aliases for the internal types that appear in the Engine API, so callers
// outside this module never import internal packages.

type Job = store.Job
type JobStatus = store.JobStatus
type Phase = store.Phase
type SearchResult = embed.SearchResult
type Verdict = taint.Verdict
type SinkOptions = taint.Options
type DataFlowTrace = taint.DataFlowTrace

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = store.ErrNotFound
