package store

import "sync"

// Batch buffers graph writes in memory so producers running in parallel can
// collect nodes and edges without touching SQLite. A single writer commits
// it afterwards, in chunks, through CommitBatch.
//
// Thread safety: the mutex protects appends. Readers must not call Add*
// concurrently with Chunks.
type Batch struct {
	mu    sync.Mutex
	Nodes []Node
	Edges []Edge
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) AddNode(n Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Nodes = append(b.Nodes, n)
}

func (b *Batch) AddEdge(e Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Edges = append(b.Edges, e)
}

// Len returns the number of buffered nodes and edges.
func (b *Batch) Len() (nodes, edges int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Nodes), len(b.Edges)
}

// Chunks splits the buffer into batches of at most size rows each. Node
// chunks come first so edges written afterwards can find their endpoints.
func (b *Batch) Chunks(size int) []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size <= 0 {
		size = len(b.Nodes) + len(b.Edges)
	}
	var out []*Batch
	for start := 0; start < len(b.Nodes); start += size {
		end := min(start+size, len(b.Nodes))
		out = append(out, &Batch{Nodes: b.Nodes[start:end]})
	}
	for start := 0; start < len(b.Edges); start += size {
		end := min(start+size, len(b.Edges))
		out = append(out, &Batch{Edges: b.Edges[start:end]})
	}
	return out
}
