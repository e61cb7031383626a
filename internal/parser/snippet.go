package parser

import (
	"fmt"
	"strings"
)

// MaxSnippetChars caps CodeSnippet.Code so a single snippet stays well inside
// an embedding model's input limit.
const MaxSnippetChars = 6000

// CodeSnippet is the unit of embedding.
type CodeSnippet struct {
	Name      string `json:"name"`
	Code      string `json:"code"`
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Snippets returns one snippet per top-level function, one per method named
// Class.method, and one stub per class listing its properties and method
// signatures.
func Snippets(pf *ParsedFile) []CodeSnippet {
	if pf == nil {
		return nil
	}
	var out []CodeSnippet
	for _, fn := range pf.Functions {
		out = append(out, CodeSnippet{
			Name:      fn.Name,
			Code:      capCode(fn.Body),
			File:      pf.FilePath,
			StartLine: fn.StartLine,
			EndLine:   fn.EndLine,
		})
	}
	for _, cls := range pf.Classes {
		for _, m := range cls.Methods {
			out = append(out, CodeSnippet{
				Name:      cls.Name + "." + m.Name,
				Code:      capCode(m.Body),
				File:      pf.FilePath,
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
			})
		}
		out = append(out, CodeSnippet{
			Name:      cls.Name,
			Code:      capCode(classStub(cls)),
			File:      pf.FilePath,
			StartLine: cls.StartLine,
			EndLine:   cls.EndLine,
		})
	}
	return out
}

func classStub(cls ClassInfo) string {
	var b strings.Builder
	b.WriteString("class ")
	b.WriteString(cls.Name)
	if cls.Extends != "" {
		b.WriteString(" extends ")
		b.WriteString(cls.Extends)
	}
	if len(cls.Implements) > 0 {
		b.WriteString(" implements ")
		b.WriteString(strings.Join(cls.Implements, ", "))
	}
	b.WriteString(" {\n")
	for _, p := range cls.Properties {
		fmt.Fprintf(&b, "  %s;\n", p)
	}
	for _, m := range cls.Methods {
		b.WriteString("  ")
		b.WriteString(Signature(m))
		b.WriteString(";\n")
	}
	b.WriteString("}")
	return b.String()
}

// Signature renders "async name(a: T, b): R".
func Signature(fn FunctionInfo) string {
	parts := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		if p.Type != "" {
			parts[i] = p.Name + ": " + p.Type
		} else {
			parts[i] = p.Name
		}
	}
	sig := fn.Name + "(" + strings.Join(parts, ", ") + ")"
	if fn.IsAsync {
		sig = "async " + sig
	}
	if fn.ReturnType != "" {
		sig += ": " + fn.ReturnType
	}
	return sig
}

func capCode(s string) string {
	if len(s) <= MaxSnippetChars {
		return s
	}
	cut := MaxSnippetChars
	// Avoid splitting a multi-byte rune.
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
