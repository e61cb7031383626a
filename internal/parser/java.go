package parser

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// JavaParser handles Java source. Interfaces and enums are reported as
// classes; Java has no top-level functions.
type JavaParser struct {
	grammars bool
}

func NewJavaParser(useGrammars bool) *JavaParser {
	return &JavaParser{grammars: useGrammars}
}

func (p *JavaParser) Language() string     { return Java }
func (p *JavaParser) Extensions() []string { return []string{".java"} }

func (p *JavaParser) Parse(src []byte, filePath string) *ParsedFile {
	if p.grammars {
		if pf, ok := p.parseGrammar(src, filePath); ok {
			return pf
		}
	}
	return parseJavaHeuristic(src, filePath)
}

func (p *JavaParser) parseGrammar(src []byte, path string) (pf *ParsedFile, ok bool) {
	l, found := grammarFor(grammarJava)
	if !found {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			pf, ok = nil, false
		}
	}()
	tree, err := parseTree(l, src)
	if err != nil || tree == nil {
		return nil, false
	}
	defer tree.Close()
	root := tree.RootNode()

	ex := &javaExtractor{src: src, pf: emptyFile(path, Java)}
	for _, n := range namedChildren(root) {
		switch n.Type() {
		case "import_declaration":
			ex.importDecl(n)
		case "class_declaration", "interface_declaration", "enum_declaration", "record_declaration":
			ex.typeDecl(n)
		}
	}
	if root.HasError() && ex.pf.Empty() {
		return nil, false
	}
	return ex.pf, true
}

type javaExtractor struct {
	src []byte
	pf  *ParsedFile
}

func (e *javaExtractor) importDecl(n *sitter.Node) {
	text := strings.TrimSpace(nodeText(n, e.src))
	if imp, ok := javaImport(text, startLine(n)); ok {
		e.pf.Imports = append(e.pf.Imports, imp)
	}
}

// javaImport parses "import [static] a.b.C;" text.
func javaImport(text string, line int) (ImportInfo, bool) {
	text = strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(text, "import")), ";")
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "static "))
	if text == "" {
		return ImportInfo{}, false
	}
	imp := ImportInfo{Source: text, Line: line}
	last := text[strings.LastIndex(text, ".")+1:]
	if last == "*" {
		imp.Source = strings.TrimSuffix(text, ".*")
		imp.Specifiers = []ImportSpecifier{{Name: "*", IsNamespace: true}}
	} else {
		imp.Specifiers = []ImportSpecifier{{Name: last}}
	}
	return imp, true
}

func (e *javaExtractor) modifiers(n *sitter.Node) string {
	if m := childOfType(n, "modifiers"); m != nil {
		return nodeText(m, e.src)
	}
	return ""
}

func (e *javaExtractor) typeDecl(n *sitter.Node) {
	public := strings.Contains(e.modifiers(n), "public")
	cls := ClassInfo{
		Name:       nodeText(n.ChildByFieldName("name"), e.src),
		StartLine:  startLine(n),
		EndLine:    endLine(n),
		IsExported: public,
	}
	if cls.Name == "" {
		cls.Name = anonymousName(cls.StartLine)
	}
	if sc := n.ChildByFieldName("superclass"); sc != nil {
		cls.Extends = stripGenerics(strings.TrimSpace(strings.TrimPrefix(nodeText(sc, e.src), "extends")))
	}
	if ifs := n.ChildByFieldName("interfaces"); ifs != nil {
		cls.Implements = typeList(strings.TrimPrefix(strings.TrimSpace(nodeText(ifs, e.src)), "implements"))
	}
	if ext := childOfType(n, "extends_interfaces"); ext != nil {
		parents := typeList(strings.TrimPrefix(strings.TrimSpace(nodeText(ext, e.src)), "extends"))
		if len(parents) > 0 {
			cls.Extends = parents[0]
			cls.Implements = append(cls.Implements, parents[1:]...)
		}
	}

	body := n.ChildByFieldName("body")
	members := namedChildren(body)
	if body != nil && body.Type() == "enum_body" {
		if decls := childOfType(body, "enum_body_declarations"); decls != nil {
			members = namedChildren(decls)
		}
	}
	var nested []*sitter.Node
	for _, m := range members {
		switch m.Type() {
		case "method_declaration", "constructor_declaration", "compact_constructor_declaration":
			cls.Methods = append(cls.Methods, e.method(m, public || n.Type() == "interface_declaration"))
		case "field_declaration", "constant_declaration":
			for _, d := range namedChildren(m) {
				if d.Type() == "variable_declarator" {
					cls.Properties = append(cls.Properties, nodeText(d.ChildByFieldName("name"), e.src))
				}
			}
		case "class_declaration", "interface_declaration", "enum_declaration", "record_declaration":
			nested = append(nested, m)
		}
	}
	e.pf.Classes = append(e.pf.Classes, cls)
	if public {
		e.pf.Exports = appendUnique(e.pf.Exports, cls.Name)
	}
	for _, m := range nested {
		e.typeDecl(m)
	}
}

func (e *javaExtractor) method(n *sitter.Node, classVisible bool) FunctionInfo {
	mods := e.modifiers(n)
	fn := FunctionInfo{
		Name:      nodeText(n.ChildByFieldName("name"), e.src),
		Body:      nodeText(n, e.src),
		StartLine: startLine(n),
		EndLine:   endLine(n),
		// Interface members are implicitly public.
		IsExported: strings.Contains(mods, "public") || (classVisible && mods == "" && n.Parent() != nil && n.Parent().Type() == "interface_body"),
		IsAsync:    false,
	}
	if t := n.ChildByFieldName("type"); t != nil {
		fn.ReturnType = nodeText(t, e.src)
	}
	for _, p := range namedChildren(n.ChildByFieldName("parameters")) {
		switch p.Type() {
		case "formal_parameter", "spread_parameter":
			name := p.ChildByFieldName("name")
			if name == nil {
				// spread_parameter wraps a variable_declarator.
				if d := childOfType(p, "variable_declarator"); d != nil {
					name = d.ChildByFieldName("name")
				}
			}
			param := Param{Name: nodeText(name, e.src)}
			if t := p.ChildByFieldName("type"); t != nil {
				param.Type = nodeText(t, e.src)
			}
			fn.Params = append(fn.Params, param)
		}
	}
	return fn
}

func typeList(s string) []string {
	var out []string
	for _, part := range splitParams(s) {
		if name := stripGenerics(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Regex fallback.

var (
	javaImportRe = regexp.MustCompile(`^\s*import\s+(?:static\s+)?[\w.]+(?:\.\*)?\s*;`)
	javaTypeRe   = regexp.MustCompile(`^\s*((?:(?:public|protected|private|abstract|final|static|sealed|non-sealed|strictfp)\s+)*)(class|interface|enum|record)\s+([A-Za-z_]\w*)(?:<[^>]*>)?([^{]*)`)
	javaMethodRe = regexp.MustCompile(`^\s*((?:(?:public|protected|private|abstract|final|static|synchronized|native|default|strictfp)\s+)*)(?:<[^>]*>\s+)?([\w.<>\[\],?\s]+?\s+)?([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(?:throws\s+[\w.,\s]+)?\s*(?:[{;]|$)`)
	javaFieldRe  = regexp.MustCompile(`^\s*(?:(?:public|protected|private|final|static|transient|volatile)\s+)*[\w.<>\[\],?]+\s+([A-Za-z_]\w*)\s*(?:=[^;]*)?;`)
	javaAnnoRe   = regexp.MustCompile(`^\s*@\w+`)
)

func parseJavaHeuristic(src []byte, path string) *ParsedFile {
	pf := emptyFile(path, Java)
	lines := splitLines(src)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if javaImportRe.MatchString(line) {
			if imp, ok := javaImport(strings.TrimSpace(line), i+1); ok {
				pf.Imports = append(pf.Imports, imp)
			}
			continue
		}
		if m := javaTypeRe.FindStringSubmatch(line); m != nil {
			i = javaHeuristicType(lines, i, m, pf)
		}
	}
	return pf
}

// javaHeuristicType records the type declared at lines[i] and any nested
// types, returning the index of its closing line.
func javaHeuristicType(lines []string, i int, m []string, pf *ParsedFile) int {
	end := blockEnd(lines, i, 3)
	public := strings.Contains(m[1], "public")
	cls := ClassInfo{Name: m[3], StartLine: i + 1, EndLine: end + 1, IsExported: public}
	rest := m[4]
	if j := strings.Index(rest, "implements"); j >= 0 {
		cls.Implements = typeList(rest[j+len("implements"):])
		rest = rest[:j]
	}
	if j := strings.Index(rest, "extends"); j >= 0 {
		parents := typeList(rest[j+len("extends"):])
		if len(parents) > 0 {
			cls.Extends = parents[0]
			if m[2] == "interface" {
				cls.Implements = append(cls.Implements, parents[1:]...)
			}
		}
	}

	idx := len(pf.Classes)
	pf.Classes = append(pf.Classes, cls)
	if public {
		pf.Exports = appendUnique(pf.Exports, cls.Name)
	}

	members := memberLines(lines, i, end)
	skipUntil := -1
	for _, j := range members {
		if j <= skipUntil {
			continue
		}
		line := lines[j]
		if javaAnnoRe.MatchString(line) && !strings.Contains(line, "(") {
			continue
		}
		if nm := javaTypeRe.FindStringSubmatch(line); nm != nil {
			skipUntil = javaHeuristicType(lines, j, nm, pf)
			continue
		}
		if mm := javaMethodRe.FindStringSubmatch(line); mm != nil && !controlKeywords[mm[3]] && !strings.Contains(line, "=") {
			mEnd := j
			if !strings.HasSuffix(strings.TrimSpace(line), ";") {
				mEnd = blockEnd(lines, j, 3)
			}
			fn := FunctionInfo{
				Name:       mm[3],
				ReturnType: strings.TrimSpace(mm[2]),
				Body:       joinLines(lines, j, mEnd),
				StartLine:  j + 1,
				EndLine:    mEnd + 1,
				IsExported: strings.Contains(mm[1], "public") || (m[2] == "interface" && !strings.Contains(mm[1], "private")),
			}
			for _, p := range splitParams(mm[4]) {
				fields := strings.Fields(p)
				if len(fields) == 0 {
					continue
				}
				name := strings.TrimPrefix(fields[len(fields)-1], "...")
				typ := strings.Join(fields[:len(fields)-1], " ")
				fn.Params = append(fn.Params, Param{Name: name, Type: strings.TrimPrefix(typ, "final ")})
			}
			pf.Classes[idx].Methods = append(pf.Classes[idx].Methods, fn)
			skipUntil = mEnd
			continue
		}
		if fm := javaFieldRe.FindStringSubmatch(line); fm != nil {
			pf.Classes[idx].Properties = append(pf.Classes[idx].Properties, fm[1])
		}
	}
	return end
}
