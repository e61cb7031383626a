package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/store"
)

const (
	DefaultMaxHops   = 5
	DefaultMaxChains = 50
	maxHopsCap       = 100
)

// QueryStore is the read side of graph persistence.
type QueryStore interface {
	FindNodes(ctx context.Context, repoID, label, name, file string) ([]store.Node, error)
	NodesByLabel(ctx context.Context, repoID, label string) ([]store.Node, error)
	EdgesByType(ctx context.Context, repoID, edgeType string) ([]store.EdgeRow, error)
}

// FunctionRef is a Function node as seen by traversal.
type FunctionRef struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// CallPath is a chain of calls ending at a sink, entry first. Lines[i] is
// the line in Functions[i] that calls Functions[i+1].
type CallPath struct {
	Functions []FunctionRef `json:"functions"`
	Lines     []int         `json:"lines"`
}

func (p CallPath) Entry() FunctionRef { return p.Functions[0] }

// EntryPoint is a function with no callers that reaches a target.
type EntryPoint struct {
	Function FunctionRef `json:"function"`
	Hops     int         `json:"hops"`
}

// Query answers call-graph questions. Nodes and CALLS edges are bulk-loaded
// per call and traversed in memory.
type Query struct {
	store     QueryStore
	breaker   *breaker.Breaker
	maxChains int
}

type QueryOption func(*Query)

func WithMaxChains(n int) QueryOption {
	return func(q *Query) {
		if n > 0 {
			q.maxChains = n
		}
	}
}

// WithQueryBreaker routes every store read through cb.
func WithQueryBreaker(cb *breaker.Breaker) QueryOption {
	return func(q *Query) {
		if cb != nil {
			q.breaker = cb
		}
	}
}

func NewQuery(s QueryStore, opts ...QueryOption) *Query {
	q := &Query{store: s, breaker: breaker.New(breaker.Graph, breaker.DefaultConfig()), maxChains: DefaultMaxChains}
	for _, o := range opts {
		o(q)
	}
	return q
}

type callGraphData struct {
	functions map[int64]FunctionRef
	forward   map[int64][]int64 // caller -> callees
	reverse   map[int64][]int64 // callee -> callers
	lines     map[[2]int64]int
}

func (q *Query) loadCallGraph(ctx context.Context, repoID string) (*callGraphData, error) {
	nodes, err := breaker.Execute(ctx, q.breaker, func(ctx context.Context) ([]store.Node, error) {
		return q.store.NodesByLabel(ctx, repoID, LabelFunction)
	})
	if err != nil {
		return nil, fmt.Errorf("load functions: %w", err)
	}
	edges, err := breaker.Execute(ctx, q.breaker, func(ctx context.Context) ([]store.EdgeRow, error) {
		return q.store.EdgesByType(ctx, repoID, EdgeCalls)
	})
	if err != nil {
		return nil, fmt.Errorf("load calls: %w", err)
	}
	data := &callGraphData{
		functions: make(map[int64]FunctionRef, len(nodes)),
		forward:   make(map[int64][]int64),
		reverse:   make(map[int64][]int64),
		lines:     make(map[[2]int64]int, len(edges)),
	}
	for _, n := range nodes {
		data.functions[n.ID] = functionRef(n)
	}
	for _, e := range edges {
		data.forward[e.SrcID] = append(data.forward[e.SrcID], e.DstID)
		data.reverse[e.DstID] = append(data.reverse[e.DstID], e.SrcID)
		data.lines[[2]int64{e.SrcID, e.DstID}] = propInt(e.Props, "line")
	}
	order := func(ids []int64) {
		sort.Slice(ids, func(i, j int) bool {
			a, b := data.functions[ids[i]], data.functions[ids[j]]
			if a.File != b.File {
				return a.File < b.File
			}
			return a.Name < b.Name
		})
	}
	for _, ids := range data.forward {
		order(ids)
	}
	for _, ids := range data.reverse {
		order(ids)
	}
	return data, nil
}

func functionRef(n store.Node) FunctionRef {
	return FunctionRef{
		ID:        n.ID,
		Name:      n.Name,
		File:      n.File,
		StartLine: propInt(n.Props, "startLine"),
		EndLine:   propInt(n.Props, "endLine"),
	}
}

// propInt reads a numeric property decoded from JSON.
func propInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func clampHops(maxHops int) int {
	if maxHops <= 0 {
		return DefaultMaxHops
	}
	return min(maxHops, maxHopsCap)
}

// targets finds the Function nodes named function, optionally in file.
func (q *Query) targets(ctx context.Context, repoID, function, file string) ([]store.Node, error) {
	nodes, err := breaker.Execute(ctx, q.breaker, func(ctx context.Context) ([]store.Node, error) {
		return q.store.FindNodes(ctx, repoID, LabelFunction, function, file)
	})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", function, err)
	}
	return nodes, nil
}

// CallerChains returns simple call paths that end at function, entry
// first. A path stops growing at a function with no further callers or
// after maxHops calls. At most the configured chain cap is returned.
func (q *Query) CallerChains(ctx context.Context, repoID, function, file string, maxHops int) ([]CallPath, error) {
	targets, err := q.targets(ctx, repoID, function, file)
	if err != nil || len(targets) == 0 {
		return nil, wrapQuery("caller chains", err)
	}
	data, err := q.loadCallGraph(ctx, repoID)
	if err != nil {
		return nil, wrapQuery("caller chains", err)
	}
	maxHops = clampHops(maxHops)

	var chains []CallPath
	onPath := map[int64]bool{}
	// path holds ids sink-first while walking callers.
	var walk func(path []int64) bool
	walk = func(path []int64) bool {
		head := path[len(path)-1]
		var next []int64
		for _, caller := range data.reverse[head] {
			if !onPath[caller] {
				next = append(next, caller)
			}
		}
		if len(path) > 1 && (len(next) == 0 || len(path)-1 >= maxHops) {
			chains = append(chains, data.chain(path))
			return len(chains) < q.maxChains
		}
		if len(path)-1 >= maxHops {
			return true
		}
		for _, caller := range next {
			onPath[caller] = true
			more := walk(append(path, caller))
			delete(onPath, caller)
			if !more {
				return false
			}
		}
		return true
	}
	for _, t := range targets {
		onPath[t.ID] = true
		more := walk([]int64{t.ID})
		delete(onPath, t.ID)
		if !more {
			break
		}
	}
	return chains, nil
}

// hasCaller reports whether id is called by a function other than itself.
func (d *callGraphData) hasCaller(id int64) bool {
	for _, caller := range d.reverse[id] {
		if caller != id {
			return true
		}
	}
	return false
}

// chain converts a sink-first id path into an entry-first CallPath.
func (d *callGraphData) chain(path []int64) CallPath {
	cp := CallPath{Functions: make([]FunctionRef, len(path)), Lines: make([]int, len(path)-1)}
	for i, id := range path {
		cp.Functions[len(path)-1-i] = d.functions[id]
	}
	for i := 0; i+1 < len(cp.Functions); i++ {
		cp.Lines[i] = d.lines[[2]int64{cp.Functions[i].ID, cp.Functions[i+1].ID}]
	}
	return cp
}

// EntryPoints returns the functions with no callers that reach function
// within maxHops calls, nearest first. A function that only calls itself
// counts as having no callers.
func (q *Query) EntryPoints(ctx context.Context, repoID, function, file string, maxHops int) ([]EntryPoint, error) {
	targets, err := q.targets(ctx, repoID, function, file)
	if err != nil || len(targets) == 0 {
		return nil, wrapQuery("entry points", err)
	}
	data, err := q.loadCallGraph(ctx, repoID)
	if err != nil {
		return nil, wrapQuery("entry points", err)
	}
	maxHops = clampHops(maxHops)

	type bfsEntry struct {
		id    int64
		depth int
	}
	visited := map[int64]int{}
	var queue []bfsEntry
	for _, t := range targets {
		visited[t.ID] = 0
		queue = append(queue, bfsEntry{id: t.ID})
	}
	var out []EntryPoint
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth > 0 && !data.hasCaller(current.id) {
			out = append(out, EntryPoint{Function: data.functions[current.id], Hops: current.depth})
		}
		if current.depth >= maxHops {
			continue
		}
		for _, caller := range data.reverse[current.id] {
			if _, seen := visited[caller]; !seen {
				visited[caller] = current.depth + 1
				queue = append(queue, bfsEntry{id: caller, depth: current.depth + 1})
			}
		}
	}
	return out, nil
}

// Callers returns the direct callers of function.
func (q *Query) Callers(ctx context.Context, repoID, function, file string) ([]FunctionRef, error) {
	return q.neighbours(ctx, repoID, function, file, "callers", func(d *callGraphData) map[int64][]int64 { return d.reverse })
}

// Callees returns the functions function calls directly.
func (q *Query) Callees(ctx context.Context, repoID, function, file string) ([]FunctionRef, error) {
	return q.neighbours(ctx, repoID, function, file, "callees", func(d *callGraphData) map[int64][]int64 { return d.forward })
}

func (q *Query) neighbours(ctx context.Context, repoID, function, file, op string, adj func(*callGraphData) map[int64][]int64) ([]FunctionRef, error) {
	targets, err := q.targets(ctx, repoID, function, file)
	if err != nil || len(targets) == 0 {
		return nil, wrapQuery(op, err)
	}
	data, err := q.loadCallGraph(ctx, repoID)
	if err != nil {
		return nil, wrapQuery(op, err)
	}
	seen := map[int64]bool{}
	var out []FunctionRef
	for _, t := range targets {
		for _, id := range adj(data)[t.ID] {
			if !seen[id] {
				seen[id] = true
				out = append(out, data.functions[id])
			}
		}
	}
	return out, nil
}

func wrapQuery(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("graph: %s: %w", op, err)
}
