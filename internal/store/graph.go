package store

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Graph deletes ---

// DeleteRepoGraph removes every node and edge of a repository.
func (s *Store) DeleteRepoGraph(ctx context.Context, repoID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete repo graph: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE repo_id = ?", repoID); err != nil {
		return 0, fmt.Errorf("delete repo graph: edges: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE repo_id = ?", repoID)
	if err != nil {
		return 0, fmt.Errorf("delete repo graph: nodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// DeleteFileScope removes the nodes belonging to the given files, along with
// every edge touching them.
func (s *Store) DeleteFileScope(ctx context.Context, repoID string, files []string) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}
	args := append([]any{repoID}, stringsToArgs(files)...)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM nodes WHERE repo_id = ? AND file IN ("+placeholderList(len(files))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete file scope: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Graph queries ---

const nodeColumns = "id, repo_id, label, name, file, props"

func scanNode(sc interface{ Scan(...any) error }) (Node, error) {
	var n Node
	var props string
	if err := sc.Scan(&n.ID, &n.RepoID, &n.Label, &n.Name, &n.File, &props); err != nil {
		return Node{}, err
	}
	n.Props = unmarshalProps(props)
	return n, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodesByLabel returns every node of a label in a repository, ordered by id.
func (s *Store) NodesByLabel(ctx context.Context, repoID, label string) ([]Node, error) {
	nodes, err := s.queryNodes(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE repo_id = ? AND label = ? ORDER BY id", repoID, label)
	if err != nil {
		return nil, fmt.Errorf("nodes by label: %w", err)
	}
	return nodes, nil
}

// FindNodes returns nodes matching label and name. An empty file matches any
// file.
func (s *Store) FindNodes(ctx context.Context, repoID, label, name, file string) ([]Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE repo_id = ? AND label = ? AND name = ?"
	args := []any{repoID, label, name}
	if file != "" {
		query += " AND file = ?"
		args = append(args, file)
	}
	nodes, err := s.queryNodes(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	return nodes, nil
}

// NodeByKey returns the node with the given identity, or ErrNotFound.
func (s *Store) NodeByKey(ctx context.Context, repoID string, key NodeKey) (Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE repo_id = ? AND label = ? AND name = ? AND file = ?",
		repoID, key.Label, key.Name, key.File))
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("node by key: %w", err)
	}
	return n, nil
}

// EdgesByType bulk-loads every edge of one type in a repository for
// in-memory traversal.
func (s *Store) EdgesByType(ctx context.Context, repoID, edgeType string) ([]EdgeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT src_id, dst_id, props FROM edges WHERE repo_id = ? AND type = ? ORDER BY id", repoID, edgeType)
	if err != nil {
		return nil, fmt.Errorf("edges by type: %w", err)
	}
	defer rows.Close()
	var out []EdgeRow
	for rows.Next() {
		var e EdgeRow
		var props string
		if err := rows.Scan(&e.SrcID, &e.DstID, &props); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Props = unmarshalProps(props)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EdgeExists reports whether an edge of the given type joins the two keyed
// nodes.
func (s *Store) EdgeExists(ctx context.Context, repoID, edgeType string, from, to NodeKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM edges e
JOIN nodes s ON s.id = e.src_id
JOIN nodes d ON d.id = e.dst_id
WHERE e.repo_id = ? AND e.type = ?
  AND s.label = ? AND s.name = ? AND s.file = ?
  AND d.label = ? AND d.name = ? AND d.file = ?`,
		repoID, edgeType, from.Label, from.Name, from.File, to.Label, to.Name, to.File).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("edge exists: %w", err)
	}
	return n > 0, nil
}

// CountNodes counts nodes in a repository. An empty label counts all.
func (s *Store) CountNodes(ctx context.Context, repoID, label string) (int, error) {
	query := "SELECT COUNT(*) FROM nodes WHERE repo_id = ?"
	args := []any{repoID}
	if label != "" {
		query += " AND label = ?"
		args = append(args, label)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// CountEdges counts edges in a repository. An empty type counts all.
func (s *Store) CountEdges(ctx context.Context, repoID, edgeType string) (int, error) {
	query := "SELECT COUNT(*) FROM edges WHERE repo_id = ?"
	args := []any{repoID}
	if edgeType != "" {
		query += " AND type = ?"
		args = append(args, edgeType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}
