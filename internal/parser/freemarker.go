package parser

import (
	"regexp"
	"strings"
)

// FreeMarkerParser extracts macros, functions, imports, and includes from
// FreeMarker templates. Macros and functions become FunctionInfo entries and
// are always exported.
type FreeMarkerParser struct{}

func NewFreeMarkerParser() *FreeMarkerParser { return &FreeMarkerParser{} }

func (p *FreeMarkerParser) Language() string     { return FreeMarker }
func (p *FreeMarkerParser) Extensions() []string { return []string{".ftl", ".ftlh", ".ftlx"} }

var (
	ftlDefRe     = regexp.MustCompile(`<#(macro|function)\s+([\w.]+)([^>]*)>`)
	ftlImportRe  = regexp.MustCompile(`<#import\s+["']([^"']+)["']\s+as\s+(\w+)\s*/?>`)
	ftlIncludeRe = regexp.MustCompile(`<#include\s+["']([^"']+)["'][^>]*>`)
)

func (p *FreeMarkerParser) Parse(src []byte, filePath string) *ParsedFile {
	pf := emptyFile(filePath, FreeMarker)
	lines := splitLines(src)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		for _, m := range ftlImportRe.FindAllStringSubmatch(line, -1) {
			pf.Imports = append(pf.Imports, ImportInfo{
				Source:     m[1],
				Specifiers: []ImportSpecifier{{Name: "*", Alias: m[2], IsNamespace: true}},
				Line:       i + 1,
			})
		}
		for _, m := range ftlIncludeRe.FindAllStringSubmatch(line, -1) {
			pf.Imports = append(pf.Imports, ImportInfo{Source: m[1], Line: i + 1})
		}
		m := ftlDefRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		closer := "</#" + m[1] + ">"
		end := i
		for j := i; j < len(lines); j++ {
			if strings.Contains(lines[j], closer) {
				end = j
				break
			}
		}
		pf.Functions = append(pf.Functions, FunctionInfo{
			Name:       m[2],
			Params:     ftlParams(m[3]),
			Body:       joinLines(lines, i, end),
			StartLine:  i + 1,
			EndLine:    end + 1,
			IsExported: true,
		})
		pf.Exports = appendUnique(pf.Exports, m[2])
		i = end
	}
	return pf
}

// ftlParams splits "a b=1 c..." macro parameter lists on whitespace outside
// default-value expressions.
func ftlParams(s string) []Param {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "/"))
	s = strings.Trim(s, "()")
	var out []Param
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == ',' }) {
		if strings.HasPrefix(tok, "\"") || strings.HasPrefix(tok, "'") {
			continue
		}
		name, _, _ := strings.Cut(tok, "=")
		name = strings.TrimSuffix(name, "...")
		if name == "" || !isIdent(name) {
			continue
		}
		out = append(out, Param{Name: name})
	}
	return out
}

func isIdent(s string) bool {
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return s != ""
}
