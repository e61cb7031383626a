package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_ConcurrentAdds(t *testing.T) {
	t.Parallel()
	b := NewBatch()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.AddNode(fnNode("r", fmt.Sprintf("f%d_%d", w, i), "a.ts"))
			}
		}()
	}
	wg.Wait()

	nodes, edges := b.Len()
	assert.Equal(t, 400, nodes)
	assert.Zero(t, edges)
}

func TestBatch_ChunksNodesBeforeEdges(t *testing.T) {
	t.Parallel()
	b := NewBatch()
	for i := range 5 {
		b.AddNode(fnNode("r", fmt.Sprintf("f%d", i), "a.ts"))
	}
	for i := range 3 {
		b.AddEdge(Edge{RepoID: "r", Type: "CALLS",
			From: NodeKey{Label: "Function", Name: "f0", File: "a.ts"},
			To:   NodeKey{Label: "Function", Name: fmt.Sprintf("f%d", i+1), File: "a.ts"}})
	}

	chunks := b.Chunks(2)
	require.Len(t, chunks, 5)
	assert.Len(t, chunks[0].Nodes, 2)
	assert.Len(t, chunks[2].Nodes, 1)
	assert.Empty(t, chunks[2].Edges)
	assert.Len(t, chunks[3].Edges, 2)
	assert.Len(t, chunks[4].Edges, 1)

	s := newTestStore(t)
	var total CommitStats
	for _, c := range chunks {
		st, err := s.CommitBatch(context.Background(), c)
		require.NoError(t, err)
		total.Add(st)
	}
	assert.Equal(t, 5, total.NodesWritten)
	assert.Equal(t, 3, total.EdgesWritten)
}
