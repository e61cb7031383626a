package store

import "time"

// Graph domain types

// NodeKey is the identity of a node within a repository. Re-upserting a node
// with the same key updates it in place.
type NodeKey struct {
	Label string
	Name  string
	File  string
}

type Node struct {
	ID     int64
	RepoID string
	Label  string
	Name   string
	File   string
	Props  map[string]any
}

func (n Node) Key() NodeKey {
	return NodeKey{Label: n.Label, Name: n.Name, File: n.File}
}

// Edge connects two nodes addressed by key. An edge whose endpoints do not
// both exist in the repository is skipped on write.
type Edge struct {
	RepoID string
	Type   string
	From   NodeKey
	To     NodeKey
	Props  map[string]any
}

// EdgeRow is a stored edge resolved to node ids, used for bulk traversal.
type EdgeRow struct {
	SrcID int64
	DstID int64
	Props map[string]any
}

// CommitStats reports what a write actually changed.
type CommitStats struct {
	NodesWritten int
	EdgesWritten int
	EdgesSkipped int
}

func (c *CommitStats) Add(o CommitStats) {
	c.NodesWritten += o.NodesWritten
	c.EdgesWritten += o.EdgesWritten
	c.EdgesSkipped += o.EdgesSkipped
}

// Vector domain types

// Distance metric names for collections.
const (
	DistanceCosine = "cosine"
)

type Collection struct {
	Name      string
	Dimension int
	Distance  string
	CreatedAt time.Time
}

// Point is one stored embedding. Payload["file"], when a string, is indexed
// so points can be deleted per file.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// SearchOptions narrows a nearest-neighbour query. Filter entries must equal
// the corresponding payload values.
type SearchOptions struct {
	Limit          int
	ScoreThreshold float64
	Filter         map[string]any
}

// Job domain types

// Phase is the lifecycle stage of an index job.
type Phase string

const (
	PhaseQueued               Phase = "queued"
	PhaseCloning              Phase = "cloning"
	PhaseDetectingFramework   Phase = "detecting-framework"
	PhaseParsing              Phase = "parsing"
	PhaseBuildingGraph        Phase = "building-graph"
	PhaseGeneratingEmbeddings Phase = "generating-embeddings"
	PhaseComplete             Phase = "complete"
	PhaseFailed               Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseQueued:               0,
	PhaseCloning:              1,
	PhaseDetectingFramework:   2,
	PhaseParsing:              3,
	PhaseBuildingGraph:        4,
	PhaseGeneratingEmbeddings: 5,
	PhaseComplete:             6,
	PhaseFailed:               6,
}

// Terminal reports whether p is complete or failed.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Rank orders phases; both terminal phases share the highest rank. Unknown
// phases rank below queued.
func (p Phase) Rank() int {
	r, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return r
}

// Job is a request to index one repository.
type Job struct {
	ID           string   `json:"id"`
	RepoURL      string   `json:"repoUrl"`
	Branch       string   `json:"branch,omitempty"`
	Framework    string   `json:"framework,omitempty"`
	Incremental  bool     `json:"incremental,omitempty"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
}

// JobStatus is the user-visible state of a job.
type JobStatus struct {
	ID               string     `json:"id"`
	RepoID           string     `json:"repoId"`
	Phase            Phase      `json:"phase"`
	Percentage       int        `json:"percentage"`
	FilesProcessed   int        `json:"filesProcessed"`
	TotalFiles       int        `json:"totalFiles"`
	FunctionsIndexed int        `json:"functionsIndexed"`
	Error            string     `json:"error,omitempty"`
	Cancelled        bool       `json:"cancelled,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Queue states of a job row.
const (
	QueuePending = "pending"
	QueueClaimed = "claimed"
	QueueDone    = "done"
)
