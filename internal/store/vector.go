package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

// VectorStore keeps embedding collections in SQLite. Vectors are stored as
// little-endian float32 blobs and payloads as zstd-compressed JSON. Search
// is an exhaustive cosine scan over the collection, which is adequate for
// per-repository collections of a few hundred thousand points.
type VectorStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewVectorStore returns a VectorStore sharing s's connection pool.
func NewVectorStore(s *Store) (*VectorStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("vector store: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("vector store: zstd decoder: %w", err)
	}
	return &VectorStore{db: s.db, enc: enc, dec: dec}, nil
}

// Close releases the codec resources. The shared database stays open.
func (v *VectorStore) Close() {
	v.enc.Close()
	v.dec.Close()
}

// CreateCollection creates name if absent. An existing collection with a
// different dimension is an error.
func (v *VectorStore) CreateCollection(ctx context.Context, name string, dimension int, distance string) error {
	if dimension <= 0 {
		return fmt.Errorf("vector store: create collection %s: dimension must be positive", name)
	}
	if _, err := v.db.ExecContext(ctx,
		"INSERT INTO collections (name, dimension, distance, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(name) DO NOTHING",
		name, dimension, distance, time.Now().UTC()); err != nil {
		return fmt.Errorf("vector store: create collection %s: %w", name, err)
	}
	c, err := v.Collection(ctx, name)
	if err != nil {
		return err
	}
	if c.Dimension != dimension {
		return fmt.Errorf("vector store: collection %s has dimension %d, want %d", name, c.Dimension, dimension)
	}
	return nil
}

// Collection returns a collection's metadata, or ErrNotFound.
func (v *VectorStore) Collection(ctx context.Context, name string) (Collection, error) {
	var c Collection
	err := v.db.QueryRowContext(ctx,
		"SELECT name, dimension, distance, created_at FROM collections WHERE name = ?", name,
	).Scan(&c.Name, &c.Dimension, &c.Distance, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, fmt.Errorf("vector store: collection %s: %w", name, err)
	}
	return c, nil
}

func (v *VectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("vector store: collection exists %s: %w", name, err)
	}
	return n > 0, nil
}

// DeleteCollection drops a collection and its points. Missing collections
// are not an error.
func (v *VectorStore) DeleteCollection(ctx context.Context, name string) error {
	if _, err := v.db.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("vector store: delete collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes points in one transaction, replacing any with the same id.
func (v *VectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	c, err := v.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("vector store: upsert: %w", err)
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vector store: upsert: begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (id, collection, file, vector, payload) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET collection = excluded.collection, file = excluded.file, vector = excluded.vector, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("vector store: upsert: prepare: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if len(p.Vector) != c.Dimension {
			return fmt.Errorf("vector store: upsert %s: point %s has dimension %d, want %d", collection, p.ID, len(p.Vector), c.Dimension)
		}
		payload, err := v.encodePayload(p.Payload)
		if err != nil {
			return fmt.Errorf("vector store: upsert %s: point %s: %w", collection, p.ID, err)
		}
		file, _ := p.Payload["file"].(string)
		if _, err := stmt.ExecContext(ctx, p.ID, collection, file, encodeVector(p.Vector), payload); err != nil {
			return fmt.Errorf("vector store: upsert %s: point %s: %w", collection, p.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteByFiles removes every point whose payload file is in files.
func (v *VectorStore) DeleteByFiles(ctx context.Context, collection string, files []string) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}
	args := append([]any{collection}, stringsToArgs(files)...)
	res, err := v.db.ExecContext(ctx,
		"DELETE FROM points WHERE collection = ? AND file IN ("+placeholderList(len(files))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("vector store: delete by files: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (v *VectorStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?", collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("vector store: count: %w", err)
	}
	return n, nil
}

// Search returns the points most similar to query by cosine similarity,
// highest first.
func (v *VectorStore) Search(ctx context.Context, collection string, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
	sqlQuery := "SELECT id, vector, payload FROM points WHERE collection = ?"
	args := []any{collection}
	if f, ok := opts.Filter["file"].(string); ok {
		sqlQuery += " AND file = ?"
		args = append(args, f)
	}
	rows, err := v.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}
	defer rows.Close()

	qnorm := norm(query)
	var hits []ScoredPoint
	for rows.Next() {
		var id string
		var vecBlob, payloadBlob []byte
		if err := rows.Scan(&id, &vecBlob, &payloadBlob); err != nil {
			return nil, fmt.Errorf("vector store: search: scan: %w", err)
		}
		score := cosine(query, qnorm, decodeVector(vecBlob))
		if score < opts.ScoreThreshold {
			continue
		}
		payload, err := v.decodePayload(payloadBlob)
		if err != nil {
			return nil, fmt.Errorf("vector store: search: point %s: %w", id, err)
		}
		if !matchesFilter(payload, opts.Filter) {
			continue
		}
		hits = append(hits, ScoredPoint{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		if fmt.Sprint(payload[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (v *VectorStore) encodePayload(payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return v.enc.EncodeAll(raw, nil), nil
}

func (v *VectorStore) decodePayload(blob []byte) (map[string]any, error) {
	raw, err := v.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(q []float32, qnorm float64, v []float32) float64 {
	if len(q) != len(v) || qnorm == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	vn := norm(v)
	if vn == 0 {
		return 0
	}
	return dot / (qnorm * vn)
}
