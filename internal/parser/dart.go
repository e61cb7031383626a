package parser

import (
	"regexp"
	"strings"
)

// DartParser is heuristic only; the tree-sitter binding ships no Dart grammar.
// Names without a leading underscore are library-public and reported as
// exported.
type DartParser struct{}

func NewDartParser() *DartParser { return &DartParser{} }

func (p *DartParser) Language() string     { return Dart }
func (p *DartParser) Extensions() []string { return []string{".dart"} }

var (
	dartImportRe   = regexp.MustCompile(`^\s*(import|export)\s+['"]([^'"]+)['"]\s*(?:deferred\s+)?(?:as\s+(\w+))?\s*(?:(show|hide)\s+([\w\s,]+))?;`)
	dartTypeRe     = regexp.MustCompile(`^\s*(?:abstract\s+|base\s+|final\s+|sealed\s+|interface\s+)*(class|mixin|enum|extension)\s+([A-Za-z_$][\w$]*)?(?:<[^>]*>)?([^{]*)\{`)
	dartFunctionRe = regexp.MustCompile(`^\s*(?:(?:static|external|factory|@override)\s+)*([\w<>?,\s\[\]]+?\s+)?([A-Za-z_$][\w$.]*)\s*(?:<[^>]*>)?\s*\(([^)]*)\)\s*(async\*?|sync\*)?\s*(\{|=>)`)
	dartGetterRe   = regexp.MustCompile(`^\s*(?:static\s+)?([\w<>?,\s]+?)\s+(get|set)\s+([A-Za-z_$][\w$]*)\s*(?:\(([^)]*)\))?\s*(async)?\s*(\{|=>)`)
	dartFieldRe    = regexp.MustCompile(`^\s*(?:(?:static|final|late|const|var)\s+)*(?:[\w<>?,\[\]]+\s+)?([A-Za-z_$][\w$]*)\s*(?:=[^;]*)?;\s*$`)
)

func (p *DartParser) Parse(src []byte, filePath string) *ParsedFile {
	pf := emptyFile(filePath, Dart)
	lines := splitLines(src)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if m := dartImportRe.FindStringSubmatch(line); m != nil {
			imp := ImportInfo{Source: m[2], Line: i + 1}
			switch {
			case m[3] != "":
				imp.Specifiers = []ImportSpecifier{{Name: "*", Alias: m[3], IsNamespace: true}}
			case m[4] == "show":
				for _, name := range strings.Split(m[5], ",") {
					if name = strings.TrimSpace(name); name != "" {
						imp.Specifiers = append(imp.Specifiers, ImportSpecifier{Name: name})
					}
				}
			default:
				imp.Specifiers = []ImportSpecifier{{Name: "*", IsNamespace: true}}
			}
			pf.Imports = append(pf.Imports, imp)
			continue
		}
		if m := dartTypeRe.FindStringSubmatch(line); m != nil {
			end := blockEnd(lines, i, 0)
			name := m[2]
			if name == "" {
				name = anonymousName(i + 1)
			}
			cls := ClassInfo{Name: name, StartLine: i + 1, EndLine: end + 1, IsExported: dartPublic(name)}
			cls.Extends, cls.Implements = dartHeritage(m[3])
			dartMembers(lines, i, end, &cls)
			pf.Classes = append(pf.Classes, cls)
			if cls.IsExported {
				pf.Exports = appendUnique(pf.Exports, name)
			}
			i = end
			continue
		}
		if fn, end, ok := dartFunction(lines, i); ok {
			pf.Functions = append(pf.Functions, fn)
			if fn.IsExported {
				pf.Exports = appendUnique(pf.Exports, fn.Name)
			}
			i = end
		}
	}
	return pf
}

func dartPublic(name string) bool { return !strings.HasPrefix(name, "_") }

// dartHeritage reads "extends A with M implements B, C" clauses. Mixins are
// reported alongside implemented interfaces.
func dartHeritage(clause string) (extends string, implements []string) {
	clause = " " + clause + " "
	if j := strings.Index(clause, " implements "); j >= 0 {
		implements = typeList(clause[j+len(" implements "):])
		clause = clause[:j]
	}
	if j := strings.Index(clause, " with "); j >= 0 {
		implements = append(typeList(clause[j+len(" with "):]), implements...)
		clause = clause[:j]
	}
	if j := strings.Index(clause, " extends "); j >= 0 {
		extends = stripGenerics(strings.TrimSpace(clause[j+len(" extends "):]))
	} else if j := strings.Index(clause, " on "); j >= 0 {
		extends = stripGenerics(strings.TrimSpace(clause[j+len(" on "):]))
	}
	return extends, implements
}

func dartFunction(lines []string, i int) (FunctionInfo, int, bool) {
	line := lines[i]
	if m := dartGetterRe.FindStringSubmatch(line); m != nil {
		end := dartEnd(lines, i, m[6])
		return FunctionInfo{
			Name:       m[3],
			ReturnType: strings.TrimSpace(m[1]),
			Params:     dartParams(m[4]),
			Body:       joinLines(lines, i, end),
			StartLine:  i + 1,
			EndLine:    end + 1,
			IsExported: dartPublic(m[3]),
			IsAsync:    m[5] != "",
		}, end, true
	}
	m := dartFunctionRe.FindStringSubmatch(line)
	if m == nil {
		return FunctionInfo{}, i, false
	}
	name := m[2]
	if controlKeywords[name] || controlKeywords[strings.TrimSpace(m[1])] {
		return FunctionInfo{}, i, false
	}
	end := dartEnd(lines, i, m[5])
	return FunctionInfo{
		Name:       name,
		ReturnType: strings.TrimSpace(m[1]),
		Params:     dartParams(m[3]),
		Body:       joinLines(lines, i, end),
		StartLine:  i + 1,
		EndLine:    end + 1,
		IsExported: dartPublic(name),
		IsAsync:    strings.HasPrefix(m[4], "async"),
	}, end, true
}

func dartEnd(lines []string, i int, opener string) int {
	if opener == "{" {
		return blockEnd(lines, i, 0)
	}
	for j := i; j < len(lines) && j < i+50; j++ {
		if strings.HasSuffix(strings.TrimSpace(lines[j]), ";") {
			return j
		}
	}
	return i
}

// dartParams handles positional, {named} and [optional] parameter groups.
func dartParams(list string) []Param {
	list = strings.NewReplacer("{", "", "}", "", "[", "", "]", "").Replace(list)
	var out []Param
	for _, part := range splitParams(list) {
		if j := strings.Index(part, "="); j >= 0 {
			part = part[:j]
		}
		fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(part), "required "))
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimPrefix(fields[len(fields)-1], "this.")
		name = strings.TrimPrefix(name, "super.")
		out = append(out, Param{Name: name, Type: strings.Join(fields[:len(fields)-1], " ")})
	}
	return out
}

func dartMembers(lines []string, start, end int, cls *ClassInfo) {
	skipUntil := -1
	for _, j := range memberLines(lines, start, end) {
		if j <= skipUntil {
			continue
		}
		if fn, fEnd, ok := dartFunction(lines, j); ok {
			// Named constructors appear as Class.name.
			fn.Name = strings.TrimPrefix(fn.Name, cls.Name+".")
			cls.Methods = append(cls.Methods, fn)
			skipUntil = fEnd
			continue
		}
		if m := dartFieldRe.FindStringSubmatch(lines[j]); m != nil && !controlKeywords[m[1]] {
			cls.Properties = append(cls.Properties, m[1])
		}
	}
}
