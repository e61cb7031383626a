package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CommitBatch upserts all buffered nodes, then all buffered edges, within a
// single transaction. Nodes are keyed by (repo_id, label, name, file) and
// edges by (type, src, dst); writing the same facts again updates
// properties and never duplicates rows. Edges whose endpoints are missing
// are counted in EdgesSkipped.
//
// Callers bound the batch size; each statement carries every row of the
// batch, so very large batches may exceed SQLite's variable limit.
func (s *Store) CommitBatch(ctx context.Context, batch *Batch) (CommitStats, error) {
	var stats CommitStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	if len(batch.Nodes) > 0 {
		n, err := upsertNodesTx(ctx, tx, batch.Nodes)
		if err != nil {
			return stats, fmt.Errorf("commit batch: nodes: %w", err)
		}
		stats.NodesWritten = n
	}
	if len(batch.Edges) > 0 {
		n, err := upsertEdgesTx(ctx, tx, batch.Edges)
		if err != nil {
			return stats, fmt.Errorf("commit batch: edges: %w", err)
		}
		stats.EdgesWritten = n
		stats.EdgesSkipped = len(batch.Edges) - n
	}
	if err := tx.Commit(); err != nil {
		return CommitStats{}, fmt.Errorf("commit batch: commit: %w", err)
	}
	return stats, nil
}

// UpsertNodes writes nodes in one transaction.
func (s *Store) UpsertNodes(ctx context.Context, nodes []Node) (int, error) {
	st, err := s.CommitBatch(ctx, &Batch{Nodes: nodes})
	return st.NodesWritten, err
}

// UpsertEdges writes edges in one transaction and returns how many landed.
func (s *Store) UpsertEdges(ctx context.Context, edges []Edge) (int, error) {
	st, err := s.CommitBatch(ctx, &Batch{Edges: edges})
	return st.EdgesWritten, err
}

// --- Transaction-scoped set-oriented upserts ---

func upsertNodesTx(ctx context.Context, tx *sql.Tx, nodes []Node) (int, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO nodes (repo_id, label, name, file, props) VALUES ")
	args := make([]any, 0, len(nodes)*5)
	for i, n := range nodes {
		props, err := marshalProps(n.Props)
		if err != nil {
			return 0, fmt.Errorf("node %s %q: %w", n.Label, n.Name, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, n.RepoID, n.Label, n.Name, n.File, props)
	}
	sb.WriteString(" ON CONFLICT(repo_id, label, name, file) DO UPDATE SET props = excluded.props")
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// upsertEdgesTx resolves every edge's endpoints with a join against nodes
// and inserts the matches in one statement. Rows without both endpoints
// drop out of the join.
func upsertEdgesTx(ctx context.Context, tx *sql.Tx, edges []Edge) (int, error) {
	var sb strings.Builder
	sb.WriteString("WITH v(repo_id, type, sl, sn, sf, dl, dn, df, props) AS (VALUES ")
	args := make([]any, 0, len(edges)*9)
	for i, e := range edges {
		props, err := marshalProps(e.Props)
		if err != nil {
			return 0, fmt.Errorf("edge %s %q->%q: %w", e.Type, e.From.Name, e.To.Name, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, e.RepoID, e.Type,
			e.From.Label, e.From.Name, e.From.File,
			e.To.Label, e.To.Name, e.To.File, props)
	}
	sb.WriteString(`)
INSERT INTO edges (repo_id, type, src_id, dst_id, props)
SELECT v.repo_id, v.type, s.id, d.id, v.props
FROM v
JOIN nodes s ON s.repo_id = v.repo_id AND s.label = v.sl AND s.name = v.sn AND s.file = v.sf
JOIN nodes d ON d.repo_id = v.repo_id AND d.label = v.dl AND d.name = v.dn AND d.file = v.df
WHERE true
ON CONFLICT(type, src_id, dst_id) DO UPDATE SET props = excluded.props`)
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
