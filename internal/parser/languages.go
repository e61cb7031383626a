package parser

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Grammar names. Dart and FreeMarker have no grammar in the binding and are
// parsed heuristically.
const (
	grammarTypeScript = "typescript"
	grammarTSX        = "tsx"
	grammarJavaScript = "javascript"
	grammarJava       = "java"
)

// grammars maps grammar names to tree-sitter Language objects.
// Lazily initialized on first call via sync.Once.
var (
	grammars     map[string]*sitter.Language
	grammarsOnce sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		grammars = map[string]*sitter.Language{
			grammarTypeScript: ts.GetLanguage(),
			grammarTSX:        tsx.GetLanguage(),
			grammarJavaScript: javascript.GetLanguage(),
			grammarJava:       java.GetLanguage(),
		}
	})
}

// grammarFor returns the tree-sitter Language for a grammar name.
func grammarFor(name string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := grammars[name]
	return l, ok && l != nil
}

// parseTree parses src with a fresh parser; sitter.Parser is not safe for
// concurrent use and parse workers run in parallel.
func parseTree(lang *sitter.Language, src []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)
	return p.ParseCtx(context.Background(), nil, src)
}

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

func startLine(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }
func endLine(n *sitter.Node) int   { return int(n.EndPoint().Row) + 1 }

// hasToken reports whether n has a direct anonymous child of the given type,
// e.g. the "async" or "default" keyword.
func hasToken(n *sitter.Node, tok string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c != nil && !c.IsNamed() && c.Type() == tok {
			return true
		}
	}
	return false
}

// childOfType returns the first direct child whose type is one of types.
func childOfType(n *sitter.Node, types ...string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		for _, t := range types {
			if c.Type() == t {
				return c
			}
		}
	}
	return nil
}

func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func trimTypeAnnotation(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), ":"))
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'\"`")
}
