package embed

import (
	"context"
	"fmt"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/store"
)

// SearchResult is one semantic search hit.
type SearchResult struct {
	Name      string  `json:"name"`
	File      string  `json:"file"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Code      string  `json:"code"`
	Score     float64 `json:"score"`
}

// Search returns the snippets in repoID's collection closest to text. When
// the collection is known to be absent it returns no results without
// calling the embedding endpoint.
func (p *Pipeline) Search(ctx context.Context, repoID, text string, limit int) ([]SearchResult, error) {
	coll := CollectionName(repoID)
	ok, err := p.collectionExists(ctx, coll)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	vectors, err := p.embedder.Embed(ctx, []string{text}, InputQuery)
	if err != nil {
		return nil, fmt.Errorf("embed: search %s: %w", repoID, err)
	}
	if limit <= 0 {
		limit = 10
	}
	hits, err := breaker.Execute(ctx, p.breaker, func(ctx context.Context) ([]store.ScoredPoint, error) {
		return p.vectors.Search(ctx, coll, vectors[0], store.SearchOptions{Limit: limit, ScoreThreshold: p.cfg.ScoreThreshold})
	})
	if err != nil {
		return nil, fmt.Errorf("embed: search %s: %w", repoID, err)
	}
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{
			Name:      str(h.Payload["name"]),
			File:      str(h.Payload["file"]),
			StartLine: num(h.Payload["startLine"]),
			EndLine:   num(h.Payload["endLine"]),
			Code:      str(h.Payload["code"]),
			Score:     h.Score,
		}
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
