package embed

import (
	"unicode/utf8"

	"github.com/jward/arbor/internal/parser"
)

// EstimateTokens approximates a token count as ceil(chars/4).
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// snippetText is the text embedded for a snippet.
func snippetText(s parser.CodeSnippet) string {
	return "// " + s.File + " " + s.Name + "\n" + s.Code
}

// Batch is a group of snippets sent in one embedding request.
type Batch struct {
	Snippets []parser.CodeSnippet
	Tokens   int
}

// PackBatches groups snippets in order so that no batch exceeds maxTokens
// estimated tokens or maxItems snippets. A snippet larger than maxTokens on
// its own gets a batch to itself. Every snippet appears in exactly one
// batch.
func PackBatches(snippets []parser.CodeSnippet, maxTokens, maxItems int) []Batch {
	var out []Batch
	var cur Batch
	for _, s := range snippets {
		t := EstimateTokens(snippetText(s))
		full := len(cur.Snippets) > 0 &&
			((maxTokens > 0 && cur.Tokens+t > maxTokens) || (maxItems > 0 && len(cur.Snippets) >= maxItems))
		if full {
			out = append(out, cur)
			cur = Batch{}
		}
		cur.Snippets = append(cur.Snippets, s)
		cur.Tokens += t
	}
	if len(cur.Snippets) > 0 {
		out = append(out, cur)
	}
	return out
}
