package parser

import (
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// TypeScriptParser handles TypeScript and JavaScript, including JSX/TSX.
type TypeScriptParser struct {
	grammars bool
}

func NewTypeScriptParser(useGrammars bool) *TypeScriptParser {
	return &TypeScriptParser{grammars: useGrammars}
}

func (p *TypeScriptParser) Language() string { return TypeScript }

func (p *TypeScriptParser) Extensions() []string {
	return []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs"}
}

func (p *TypeScriptParser) Parse(src []byte, filePath string) *ParsedFile {
	lang, grammar := tsDialect(filePath)
	if p.grammars {
		if pf, ok := p.parseGrammar(src, filePath, lang, grammar); ok {
			return pf
		}
	}
	return parseTypeScriptHeuristic(src, filePath, lang)
}

func tsDialect(path string) (lang, grammar string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return TypeScript, grammarTSX
	case ".js", ".jsx", ".mjs", ".cjs":
		return JavaScript, grammarJavaScript
	default:
		return TypeScript, grammarTypeScript
	}
}

func (p *TypeScriptParser) parseGrammar(src []byte, path, lang, grammar string) (pf *ParsedFile, ok bool) {
	l, found := grammarFor(grammar)
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

	ex := &tsExtractor{src: src, pf: emptyFile(path, lang)}
	for _, n := range namedChildren(root) {
		ex.topLevel(n, false)
	}
	if root.HasError() && ex.pf.Empty() {
		return nil, false
	}
	markExports(ex.pf)
	return ex.pf, true
}

type tsExtractor struct {
	src []byte
	pf  *ParsedFile
}

func (e *tsExtractor) topLevel(n *sitter.Node, exported bool) {
	switch n.Type() {
	case "export_statement":
		e.exportStatement(n)
	case "function_declaration", "generator_function_declaration":
		e.pf.Functions = append(e.pf.Functions, e.function(n, n, e.name(n), exported))
	case "class_declaration", "abstract_class_declaration", "class":
		e.pf.Classes = append(e.pf.Classes, e.class(n, exported))
	case "interface_declaration":
		e.pf.Classes = append(e.pf.Classes, e.iface(n, exported))
	case "lexical_declaration", "variable_declaration":
		e.variables(n, exported)
	case "import_statement":
		e.importStatement(n)
	}
}

func (e *tsExtractor) name(n *sitter.Node) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return nodeText(name, e.src)
	}
	return anonymousName(startLine(n))
}

func (e *tsExtractor) exportStatement(n *sitter.Node) {
	if decl := n.ChildByFieldName("declaration"); decl != nil {
		before := len(e.pf.Functions) + len(e.pf.Classes)
		e.topLevel(decl, true)
		if len(e.pf.Functions)+len(e.pf.Classes) > before {
			e.recordLastExport()
		}
		if decl.Type() == "lexical_declaration" || decl.Type() == "variable_declaration" {
			for _, d := range namedChildren(decl) {
				if d.Type() == "variable_declarator" {
					if name := d.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
						e.pf.Exports = appendUnique(e.pf.Exports, nodeText(name, e.src))
					}
				}
			}
		}
		return
	}

	if clause := childOfType(n, "export_clause"); clause != nil {
		var specs []ImportSpecifier
		for _, s := range namedChildren(clause) {
			if s.Type() != "export_specifier" {
				continue
			}
			local := nodeText(s.ChildByFieldName("name"), e.src)
			exportedAs := local
			if alias := s.ChildByFieldName("alias"); alias != nil {
				exportedAs = nodeText(alias, e.src)
			}
			e.pf.Exports = appendUnique(e.pf.Exports, local)
			if exportedAs != local {
				e.pf.Exports = appendUnique(e.pf.Exports, exportedAs)
			}
			specs = append(specs, ImportSpecifier{Name: local})
		}
		if src := n.ChildByFieldName("source"); src != nil {
			e.pf.Imports = append(e.pf.Imports, ImportInfo{
				Source:     unquote(nodeText(src, e.src)),
				Specifiers: specs,
				Line:       startLine(n),
			})
		}
		return
	}

	if src := n.ChildByFieldName("source"); src != nil {
		// export * from './x'
		e.pf.Imports = append(e.pf.Imports, ImportInfo{
			Source:     unquote(nodeText(src, e.src)),
			Specifiers: []ImportSpecifier{{Name: "*", IsNamespace: true}},
			Line:       startLine(n),
		})
		return
	}

	if val := n.ChildByFieldName("value"); val != nil {
		switch val.Type() {
		case "identifier":
			e.pf.Exports = appendUnique(e.pf.Exports, nodeText(val, e.src))
		case "arrow_function", "function", "function_expression", "generator_function":
			fn := e.function(val, n, e.name(val), true)
			e.pf.Functions = append(e.pf.Functions, fn)
			e.pf.Exports = appendUnique(e.pf.Exports, fn.Name)
		case "class":
			cls := e.class(val, true)
			e.pf.Classes = append(e.pf.Classes, cls)
			e.pf.Exports = appendUnique(e.pf.Exports, cls.Name)
		}
	}
}

// recordLastExport adds the most recently appended declaration to Exports.
func (e *tsExtractor) recordLastExport() {
	fl, cl := len(e.pf.Functions), len(e.pf.Classes)
	var lastFn, lastCls int
	if fl > 0 {
		lastFn = e.pf.Functions[fl-1].StartLine
	}
	if cl > 0 {
		lastCls = e.pf.Classes[cl-1].StartLine
	}
	if fl > 0 && lastFn >= lastCls {
		e.pf.Exports = appendUnique(e.pf.Exports, e.pf.Functions[fl-1].Name)
	} else if cl > 0 {
		e.pf.Exports = appendUnique(e.pf.Exports, e.pf.Classes[cl-1].Name)
	}
}

// function builds a FunctionInfo from the function node fn. span is the node
// whose text and lines represent the declaration (the enclosing variable
// statement for arrow functions).
func (e *tsExtractor) function(fn, span *sitter.Node, name string, exported bool) FunctionInfo {
	info := FunctionInfo{
		Name:       name,
		Body:       nodeText(span, e.src),
		StartLine:  startLine(span),
		EndLine:    endLine(span),
		IsExported: exported,
		IsAsync:    hasToken(fn, "async"),
	}
	if params := fn.ChildByFieldName("parameters"); params != nil {
		info.Params = e.params(params)
	} else if single := fn.ChildByFieldName("parameter"); single != nil {
		info.Params = []Param{{Name: nodeText(single, e.src)}}
	}
	if rt := fn.ChildByFieldName("return_type"); rt != nil {
		info.ReturnType = trimTypeAnnotation(nodeText(rt, e.src))
	}
	return info
}

func (e *tsExtractor) params(list *sitter.Node) []Param {
	var out []Param
	for _, c := range namedChildren(list) {
		var p Param
		switch c.Type() {
		case "comment":
			continue
		case "identifier":
			p.Name = nodeText(c, e.src)
		case "assignment_pattern":
			p.Name = nodeText(c.ChildByFieldName("left"), e.src)
		default:
			pat := c.ChildByFieldName("pattern")
			if pat == nil {
				pat = c.ChildByFieldName("left")
			}
			if pat == nil && c.NamedChildCount() > 0 {
				pat = c.NamedChild(0)
			}
			if pat == nil {
				pat = c
			}
			p.Name = nodeText(pat, e.src)
			if t := c.ChildByFieldName("type"); t != nil {
				p.Type = trimTypeAnnotation(nodeText(t, e.src))
			}
		}
		out = append(out, p)
	}
	return out
}

var (
	heritageExtendsRe    = regexp.MustCompile(`extends\s+([A-Za-z_$][\w$.]*)`)
	heritageImplementsRe = regexp.MustCompile(`implements\s+([^{]+)`)
)

func (e *tsExtractor) class(n *sitter.Node, exported bool) ClassInfo {
	cls := ClassInfo{
		Name:       e.name(n),
		StartLine:  startLine(n),
		EndLine:    endLine(n),
		IsExported: exported,
	}
	if h := childOfType(n, "class_heritage"); h != nil {
		cls.Extends, cls.Implements = parseHeritage(nodeText(h, e.src))
	}
	body := n.ChildByFieldName("body")
	for _, m := range namedChildren(body) {
		switch m.Type() {
		case "method_definition", "method_signature", "abstract_method_signature":
			name := nodeText(m.ChildByFieldName("name"), e.src)
			fn := e.function(m, m, name, exported && !isPrivateMember(m, name, e.src))
			cls.Methods = append(cls.Methods, fn)
		case "public_field_definition", "field_definition":
			nameNode := m.ChildByFieldName("name")
			if nameNode == nil {
				nameNode = m.ChildByFieldName("property")
			}
			name := nodeText(nameNode, e.src)
			if name == "" {
				continue
			}
			cls.Properties = append(cls.Properties, name)
			if v := m.ChildByFieldName("value"); v != nil && (v.Type() == "arrow_function" || v.Type() == "function_expression" || v.Type() == "function") {
				fn := e.function(v, m, name, exported && !isPrivateMember(m, name, e.src))
				cls.Methods = append(cls.Methods, fn)
			}
		}
	}
	return cls
}

func (e *tsExtractor) iface(n *sitter.Node, exported bool) ClassInfo {
	cls := ClassInfo{
		Name:       e.name(n),
		StartLine:  startLine(n),
		EndLine:    endLine(n),
		IsExported: exported,
	}
	if ext := childOfType(n, "extends_type_clause", "extends_clause"); ext != nil {
		parents := splitParams(strings.TrimPrefix(strings.TrimSpace(nodeText(ext, e.src)), "extends"))
		if len(parents) > 0 {
			cls.Extends = stripGenerics(parents[0])
		}
	}
	for _, m := range namedChildren(n.ChildByFieldName("body")) {
		switch m.Type() {
		case "property_signature":
			cls.Properties = append(cls.Properties, nodeText(m.ChildByFieldName("name"), e.src))
		case "method_signature":
			name := nodeText(m.ChildByFieldName("name"), e.src)
			cls.Methods = append(cls.Methods, e.function(m, m, name, exported))
		}
	}
	return cls
}

func parseHeritage(text string) (extends string, implements []string) {
	if m := heritageExtendsRe.FindStringSubmatch(text); m != nil {
		extends = m[1]
	}
	if m := heritageImplementsRe.FindStringSubmatch(text); m != nil {
		for _, part := range splitParams(m[1]) {
			if name := stripGenerics(part); name != "" {
				implements = append(implements, name)
			}
		}
	}
	return extends, implements
}

func isPrivateMember(m *sitter.Node, name string, src []byte) bool {
	if strings.HasPrefix(name, "#") {
		return true
	}
	if mod := childOfType(m, "accessibility_modifier"); mod != nil {
		return nodeText(mod, src) == "private"
	}
	return false
}

func (e *tsExtractor) variables(n *sitter.Node, exported bool) {
	for _, d := range namedChildren(n) {
		if d.Type() != "variable_declarator" {
			continue
		}
		nameNode := d.ChildByFieldName("name")
		val := d.ChildByFieldName("value")
		if nameNode == nil || val == nil {
			continue
		}
		switch val.Type() {
		case "arrow_function", "function", "function_expression", "generator_function":
			name := nodeText(nameNode, e.src)
			if nameNode.Type() != "identifier" {
				name = anonymousName(startLine(d))
			}
			e.pf.Functions = append(e.pf.Functions, e.function(val, n, name, exported))
		case "class":
			cls := e.class(val, exported)
			if fn := val.ChildByFieldName("name"); fn == nil {
				cls.Name = nodeText(nameNode, e.src)
			}
			e.pf.Classes = append(e.pf.Classes, cls)
		case "call_expression":
			e.require(nameNode, val, startLine(n))
		}
	}
}

// require records CommonJS `const x = require('y')` and destructured forms.
func (e *tsExtractor) require(nameNode, call *sitter.Node, line int) {
	fn := call.ChildByFieldName("function")
	if fn == nil || nodeText(fn, e.src) != "require" {
		return
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return
	}
	arg := args.NamedChild(0)
	if arg.Type() != "string" {
		return
	}
	imp := ImportInfo{Source: unquote(nodeText(arg, e.src)), Line: line}
	switch nameNode.Type() {
	case "identifier":
		imp.Specifiers = []ImportSpecifier{{Name: nodeText(nameNode, e.src), IsDefault: true}}
	case "object_pattern":
		for _, p := range namedChildren(nameNode) {
			switch p.Type() {
			case "shorthand_property_identifier_pattern":
				imp.Specifiers = append(imp.Specifiers, ImportSpecifier{Name: nodeText(p, e.src)})
			case "pair_pattern":
				imp.Specifiers = append(imp.Specifiers, ImportSpecifier{
					Name:  nodeText(p.ChildByFieldName("key"), e.src),
					Alias: nodeText(p.ChildByFieldName("value"), e.src),
				})
			}
		}
	}
	e.pf.Imports = append(e.pf.Imports, imp)
}

func (e *tsExtractor) importStatement(n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		return
	}
	imp := ImportInfo{Source: unquote(nodeText(src, e.src)), Line: startLine(n)}
	if clause := childOfType(n, "import_clause"); clause != nil {
		for _, c := range namedChildren(clause) {
			switch c.Type() {
			case "identifier":
				imp.Specifiers = append(imp.Specifiers, ImportSpecifier{Name: nodeText(c, e.src), IsDefault: true})
			case "namespace_import":
				alias := ""
				if id := childOfType(c, "identifier"); id != nil {
					alias = nodeText(id, e.src)
				}
				imp.Specifiers = append(imp.Specifiers, ImportSpecifier{Name: "*", Alias: alias, IsNamespace: true})
			case "named_imports":
				for _, s := range namedChildren(c) {
					if s.Type() != "import_specifier" {
						continue
					}
					spec := ImportSpecifier{Name: nodeText(s.ChildByFieldName("name"), e.src)}
					if alias := s.ChildByFieldName("alias"); alias != nil {
						spec.Alias = nodeText(alias, e.src)
					}
					imp.Specifiers = append(imp.Specifiers, spec)
				}
			}
		}
	}
	e.pf.Imports = append(e.pf.Imports, imp)
}

// Regex fallback.

var (
	tsImportFromRe  = regexp.MustCompile(`^\s*import\s+(?:type\s+)?(.+?)\s+from\s+['"]([^'"]+)['"]`)
	tsImportBareRe  = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	tsRequireRe     = regexp.MustCompile(`^\s*(?:const|let|var)\s+([\w$]+|\{[^}]*\})\s*=\s*require\(\s*['"]([^'"]+)['"]\s*\)`)
	tsExportFromRe  = regexp.MustCompile(`^\s*export\s+(?:\*|\{([^}]*)\})\s+from\s+['"]([^'"]+)['"]`)
	tsExportListRe  = regexp.MustCompile(`^\s*export\s+\{([^}]*)\}`)
	tsExportDefault = regexp.MustCompile(`^\s*export\s+default\s+([A-Za-z_$][\w$]*)\s*;?\s*$`)
	tsFunctionRe    = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)?\s*(?:<[^>]*>)?\s*\(([^)]*)\)\s*(?::\s*([^{]+?))?\s*(?:\{|$)`)
	tsArrowRe       = regexp.MustCompile(`^\s*(export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=\s*(async\s+)?(?:function\s*)?(?:<[^>]*>)?\s*\(([^)]*)\)\s*(?::\s*([^=]+?)\s*)?(?:=>|\{|$)`)
	tsArrowOneRe    = regexp.MustCompile(`^\s*(export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(async\s+)?([A-Za-z_$][\w$]*)\s*=>`)
	tsClassRe       = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(?:abstract\s+)?(class|interface)\s+([A-Za-z_$][\w$]*)([^{]*)`)
	tsMethodRe      = regexp.MustCompile(`^\s*((?:(?:public|private|protected|static|readonly|abstract|override|async|get|set)\s+)*)(#?[A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*\(([^)]*)\)\s*(?::\s*([^{;]+?))?\s*(?:[{;]|$)`)
	tsPropArrowRe   = regexp.MustCompile(`^\s*((?:(?:public|private|protected|static|readonly)\s+)*)(#?[A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=\s*(async\s+)?\(([^)]*)\)\s*(?::\s*[^=]+)?=>`)
	tsPropRe        = regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|readonly|declare)\s+)*(#?[A-Za-z_$][\w$]*)\s*[?!]?\s*(?::\s*[^=;(]+)?(?:=\s*[^;]*)?;\s*$`)
)

func parseTypeScriptHeuristic(src []byte, path, lang string) *ParsedFile {
	pf := emptyFile(path, lang)
	lines := splitLines(src)

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}

		if m := tsExportFromRe.FindStringSubmatch(line); m != nil {
			imp := ImportInfo{Source: m[2], Line: i + 1}
			if m[1] == "" {
				imp.Specifiers = []ImportSpecifier{{Name: "*", IsNamespace: true}}
			} else {
				imp.Specifiers = parseNamedSpecifiers(m[1])
			}
			pf.Imports = append(pf.Imports, imp)
			continue
		}
		if m := tsImportFromRe.FindStringSubmatch(line); m != nil {
			pf.Imports = append(pf.Imports, ImportInfo{Source: m[2], Specifiers: parseImportClause(m[1]), Line: i + 1})
			continue
		}
		if m := tsImportBareRe.FindStringSubmatch(line); m != nil {
			pf.Imports = append(pf.Imports, ImportInfo{Source: m[1], Line: i + 1})
			continue
		}
		if m := tsRequireRe.FindStringSubmatch(line); m != nil {
			imp := ImportInfo{Source: m[2], Line: i + 1}
			if strings.HasPrefix(m[1], "{") {
				imp.Specifiers = parseNamedSpecifiers(strings.Trim(m[1], "{}"))
			} else {
				imp.Specifiers = []ImportSpecifier{{Name: m[1], IsDefault: true}}
			}
			pf.Imports = append(pf.Imports, imp)
			continue
		}
		if m := tsExportListRe.FindStringSubmatch(line); m != nil {
			for _, s := range parseNamedSpecifiers(m[1]) {
				pf.Exports = appendUnique(pf.Exports, s.Name)
				if s.Alias != "" {
					pf.Exports = appendUnique(pf.Exports, s.Alias)
				}
			}
			continue
		}
		if m := tsExportDefault.FindStringSubmatch(line); m != nil && m[1] != "class" && m[1] != "function" {
			pf.Exports = appendUnique(pf.Exports, m[1])
			continue
		}

		if m := tsClassRe.FindStringSubmatch(line); m != nil {
			end := blockEnd(lines, i, 3)
			cls := ClassInfo{Name: m[3], StartLine: i + 1, EndLine: end + 1, IsExported: m[1] != ""}
			if m[2] == "interface" {
				parents := splitParams(strings.TrimPrefix(strings.TrimSpace(m[4]), "extends"))
				if len(parents) > 0 {
					cls.Extends = stripGenerics(parents[0])
				}
			} else {
				cls.Extends, cls.Implements = parseHeritage(m[4])
			}
			heuristicClassMembers(lines, i, end, &cls)
			pf.Classes = append(pf.Classes, cls)
			if cls.IsExported {
				pf.Exports = appendUnique(pf.Exports, cls.Name)
			}
			i = end
			continue
		}

		if m := tsFunctionRe.FindStringSubmatch(line); m != nil {
			end := blockEnd(lines, i, 3)
			name := m[3]
			if name == "" {
				name = anonymousName(i + 1)
			}
			fn := FunctionInfo{
				Name:       name,
				Params:     heuristicParams(m[4]),
				ReturnType: strings.TrimSpace(m[5]),
				Body:       joinLines(lines, i, end),
				StartLine:  i + 1,
				EndLine:    end + 1,
				IsExported: m[1] != "",
				IsAsync:    m[2] != "",
			}
			pf.Functions = append(pf.Functions, fn)
			if fn.IsExported {
				pf.Exports = appendUnique(pf.Exports, fn.Name)
			}
			i = end
			continue
		}

		if m := tsArrowRe.FindStringSubmatch(line); m != nil && (strings.Contains(line, "=>") || strings.Contains(line, "function")) {
			end := arrowEnd(lines, i)
			fn := FunctionInfo{
				Name:       m[2],
				Params:     heuristicParams(m[4]),
				ReturnType: strings.TrimSpace(m[5]),
				Body:       joinLines(lines, i, end),
				StartLine:  i + 1,
				EndLine:    end + 1,
				IsExported: m[1] != "",
				IsAsync:    m[3] != "",
			}
			pf.Functions = append(pf.Functions, fn)
			if fn.IsExported {
				pf.Exports = appendUnique(pf.Exports, fn.Name)
			}
			i = end
			continue
		}
		if m := tsArrowOneRe.FindStringSubmatch(line); m != nil {
			end := arrowEnd(lines, i)
			fn := FunctionInfo{
				Name:       m[2],
				Params:     []Param{{Name: m[4]}},
				Body:       joinLines(lines, i, end),
				StartLine:  i + 1,
				EndLine:    end + 1,
				IsExported: m[1] != "",
				IsAsync:    m[3] != "",
			}
			pf.Functions = append(pf.Functions, fn)
			if fn.IsExported {
				pf.Exports = appendUnique(pf.Exports, fn.Name)
			}
			i = end
		}
	}
	markExports(pf)
	return pf
}

// arrowEnd finds the end of an arrow function: the close of its block body,
// or the first line ending in a semicolon for expression bodies.
func arrowEnd(lines []string, start int) int {
	if end := blockEnd(lines, start, 0); end != start || strings.Contains(lines[start], "{") {
		return end
	}
	for i := start; i < len(lines) && i < start+50; i++ {
		if strings.HasSuffix(strings.TrimSpace(lines[i]), ";") {
			return i
		}
	}
	return start
}

func heuristicClassMembers(lines []string, start, end int, cls *ClassInfo) {
	for _, i := range memberLines(lines, start, end) {
		line := lines[i]
		if m := tsPropArrowRe.FindStringSubmatch(line); m != nil {
			mEnd := arrowEnd(lines, i)
			cls.Properties = append(cls.Properties, m[2])
			cls.Methods = append(cls.Methods, FunctionInfo{
				Name:       m[2],
				Params:     heuristicParams(m[4]),
				Body:       joinLines(lines, i, mEnd),
				StartLine:  i + 1,
				EndLine:    mEnd + 1,
				IsExported: cls.IsExported && !strings.Contains(m[1], "private") && !strings.HasPrefix(m[2], "#"),
				IsAsync:    m[3] != "",
			})
			continue
		}
		if m := tsMethodRe.FindStringSubmatch(line); m != nil && !controlKeywords[m[2]] {
			mEnd := i
			if strings.Contains(line, "{") {
				mEnd = blockEnd(lines, i, 0)
			}
			cls.Methods = append(cls.Methods, FunctionInfo{
				Name:       m[2],
				Params:     heuristicParams(m[3]),
				ReturnType: strings.TrimSpace(m[4]),
				Body:       joinLines(lines, i, mEnd),
				StartLine:  i + 1,
				EndLine:    mEnd + 1,
				IsExported: cls.IsExported && !strings.Contains(m[1], "private") && !strings.HasPrefix(m[2], "#"),
				IsAsync:    strings.Contains(m[1], "async"),
			})
			continue
		}
		if m := tsPropRe.FindStringSubmatch(line); m != nil && !controlKeywords[m[1]] {
			cls.Properties = append(cls.Properties, m[1])
		}
	}
}

// heuristicParams parses "a: string, b = 1, ...rest" into Params.
func heuristicParams(list string) []Param {
	var out []Param
	for _, part := range splitParams(list) {
		if i := strings.Index(part, "="); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		p := Param{Name: part}
		if i := strings.Index(part, ":"); i >= 0 {
			p.Name = strings.TrimSpace(part[:i])
			p.Type = strings.TrimSpace(part[i+1:])
		}
		p.Name = strings.TrimSuffix(p.Name, "?")
		for _, mod := range []string{"public ", "private ", "protected ", "readonly "} {
			p.Name = strings.TrimPrefix(p.Name, mod)
		}
		out = append(out, p)
	}
	return out
}

func parseImportClause(clause string) []ImportSpecifier {
	clause = strings.TrimSpace(clause)
	var specs []ImportSpecifier
	if i := strings.Index(clause, "{"); i >= 0 {
		j := strings.LastIndex(clause, "}")
		if j > i {
			specs = append(specs, parseNamedSpecifiers(clause[i+1:j])...)
		}
		clause = strings.TrimSpace(strings.Trim(clause[:i], ", "))
	}
	if strings.HasPrefix(clause, "*") {
		alias := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(clause, "*")), "as"))
		return append([]ImportSpecifier{{Name: "*", Alias: alias, IsNamespace: true}}, specs...)
	}
	for _, part := range strings.Split(clause, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "*") {
			alias := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(part, "*")), "as"))
			specs = append(specs, ImportSpecifier{Name: "*", Alias: alias, IsNamespace: true})
		} else if part != "" {
			specs = append([]ImportSpecifier{{Name: part, IsDefault: true}}, specs...)
		}
	}
	return specs
}

func parseNamedSpecifiers(list string) []ImportSpecifier {
	var specs []ImportSpecifier
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "type "))
		if part == "" {
			continue
		}
		spec := ImportSpecifier{Name: part}
		if name, alias, ok := strings.Cut(part, " as "); ok {
			spec.Name, spec.Alias = strings.TrimSpace(name), strings.TrimSpace(alias)
		} else if name, alias, ok := strings.Cut(part, ":"); ok {
			spec.Name, spec.Alias = strings.TrimSpace(name), strings.TrimSpace(alias)
		}
		specs = append(specs, spec)
	}
	return specs
}
