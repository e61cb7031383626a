package graph

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/jward/arbor/internal/parser"
)

// fnRef identifies a Function node. class and short are derived from a
// qualified method name.
type fnRef struct {
	name  string
	file  string
	class string
	short string
}

type symbols struct {
	topLevel map[string][]fnRef // short name -> top-level functions
	byShort  map[string][]fnRef // short name -> every function and method
	methods  map[string][]fnRef // Class.method -> methods
	classes  map[string][]string
	imports  map[string]map[string]bool // file -> imported files
	files    *fileSet
	seen     map[fnRef]bool
	seenCls  map[[2]string]bool
}

func newSymbols() *symbols {
	return &symbols{
		topLevel: map[string][]fnRef{},
		byShort:  map[string][]fnRef{},
		methods:  map[string][]fnRef{},
		classes:  map[string][]string{},
		imports:  map[string]map[string]bool{},
		files:    newFileSet(),
		seen:     map[fnRef]bool{},
		seenCls:  map[[2]string]bool{},
	}
}

func (s *symbols) addFunction(name, file string) {
	ref := fnRef{name: name, file: file, short: name}
	if class, method, ok := strings.Cut(name, "."); ok {
		ref.class, ref.short = class, method
	}
	if s.seen[ref] {
		return
	}
	s.seen[ref] = true
	s.byShort[ref.short] = append(s.byShort[ref.short], ref)
	if ref.class == "" {
		s.topLevel[ref.short] = append(s.topLevel[ref.short], ref)
	} else {
		s.methods[name] = append(s.methods[name], ref)
	}
}

func (s *symbols) addClass(name, file string) {
	k := [2]string{name, file}
	if s.seenCls[k] {
		return
	}
	s.seenCls[k] = true
	s.classes[name] = append(s.classes[name], file)
}

// finish sorts candidate lists so resolution is independent of input order.
func (s *symbols) finish() {
	for _, m := range []map[string][]fnRef{s.topLevel, s.byShort, s.methods} {
		for _, refs := range m {
			sort.Slice(refs, func(i, j int) bool {
				if refs[i].file != refs[j].file {
					return refs[i].file < refs[j].file
				}
				return refs[i].name < refs[j].name
			})
		}
	}
	for _, files := range s.classes {
		sort.Strings(files)
	}
}

func (s *symbols) noteImport(from, to string) {
	if s.imports[from] == nil {
		s.imports[from] = map[string]bool{}
	}
	s.imports[from][to] = true
}

// pick prefers a candidate in file, then one in a file that file imports,
// then the first in sorted order.
func (s *symbols) pick(refs []fnRef, file string) (fnRef, bool) {
	if len(refs) == 0 {
		return fnRef{}, false
	}
	for _, r := range refs {
		if r.file == file {
			return r, true
		}
	}
	for _, r := range refs {
		if s.imports[file][r.file] {
			return r, true
		}
	}
	return refs[0], true
}

// resolveCall maps a call site to a known function. Calls on this/self, and
// bare calls inside a class, try the enclosing class's methods first.
func (s *symbols) resolveCall(file, class, receiver, name string) (fnRef, bool) {
	selfCall := receiver == "this" || receiver == "self"
	if class != "" && (selfCall || receiver == "") {
		if r, ok := s.pick(s.methods[QualifiedMethod(class, name)], file); ok {
			return r, true
		}
	}
	switch {
	case receiver == "":
		return s.pick(s.topLevel[name], file)
	case selfCall:
		return s.pick(s.byShort[name], file)
	}
	if _, isClass := s.classes[receiver]; isClass {
		if r, ok := s.pick(s.methods[QualifiedMethod(receiver, name)], file); ok {
			return r, true
		}
	}
	return s.pick(s.byShort[name], file)
}

// resolveClass finds the declaration a heritage clause names. Qualified
// names match on their last segment.
func (s *symbols) resolveClass(ref, file string) (name, declFile string, ok bool) {
	name = ref
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	files := s.classes[name]
	if len(files) == 0 {
		return "", "", false
	}
	for _, f := range files {
		if f == file {
			return name, f, true
		}
	}
	for _, f := range files {
		if s.imports[file][f] {
			return name, f, true
		}
	}
	return name, files[0], true
}

// --- call sites ---

type callSite struct {
	receiver string
	name     string
	line     int
}

var callSiteRe = regexp.MustCompile(`(?:([A-Za-z_$][\w$]*)\s*\??\.\s*)?([A-Za-z_$][\w$]*)\s*\(`)

// keywords and global builtins never resolve as bare calls.
var callDenylist = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true, "return": true,
	"function": true, "typeof": true, "instanceof": true, "new": true, "delete": true,
	"void": true, "await": true, "yield": true, "async": true, "do": true, "else": true,
	"try": true, "throw": true, "case": true, "super": true, "this": true, "import": true,
	"require": true, "synchronized": true, "assert": true, "sizeof": true,
	"console": true, "print": true, "println": true, "printf": true,
	"setTimeout": true, "setInterval": true, "clearTimeout": true, "clearInterval": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "String": true, "Number": true,
	"Boolean": true, "Array": true, "Object": true, "Promise": true, "Error": true,
	"RegExp": true, "Symbol": true, "Date": true, "Map": true, "Set": true,
	"describe": true, "it": true, "expect": true, "beforeEach": true, "afterEach": true,
}

// builtin collection and string methods never resolve as member calls.
var memberDenylist = map[string]bool{
	"then": true, "catch": true, "finally": true, "push": true, "pop": true, "shift": true,
	"unshift": true, "map": true, "filter": true, "reduce": true, "forEach": true,
	"find": true, "findIndex": true, "some": true, "every": true, "includes": true,
	"indexOf": true, "join": true, "split": true, "slice": true, "splice": true,
	"concat": true, "keys": true, "values": true, "entries": true, "toString": true,
	"toUpperCase": true, "toLowerCase": true, "trim": true, "replace": true,
	"match": true, "startsWith": true, "endsWith": true, "substring": true, "charAt": true,
	"equals": true, "hashCode": true, "valueOf": true, "length": true, "size": true,
	"stream": true, "collect": true, "append": true, "isEmpty": true,
}

// receivers whose members are platform APIs.
var builtinReceivers = map[string]bool{
	"console": true, "Math": true, "JSON": true, "Object": true, "Array": true,
	"Promise": true, "Number": true, "String": true, "Date": true, "Reflect": true,
	"window": true, "document": true, "System": true, "Integer": true, "Arrays": true,
	"Collections": true, "Objects": true, "Optional": true, "Future": true,
}

// scanCallSites finds name( and object.method( occurrences in fn's body.
// The declaring line's own name is skipped.
func scanCallSites(fn parser.FunctionInfo) []callSite {
	var sites []callSite
	short := fn.Name
	if _, m, ok := strings.Cut(short, "."); ok {
		short = m
	}
	for i, line := range strings.Split(fn.Body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		for _, m := range callSiteRe.FindAllStringSubmatchIndex(line, -1) {
			name := line[m[4]:m[5]]
			receiver := ""
			if m[2] >= 0 {
				receiver = line[m[2]:m[3]]
			}
			if i == 0 && receiver == "" && name == short {
				continue
			}
			before := strings.TrimSpace(line[:m[0]])
			if strings.HasSuffix(before, "new") || strings.HasSuffix(before, "function") {
				continue
			}
			if receiver == "" && callDenylist[name] {
				continue
			}
			if receiver != "" && (memberDenylist[name] || builtinReceivers[receiver]) {
				continue
			}
			sites = append(sites, callSite{receiver: receiver, name: name, line: fn.StartLine + i})
		}
	}
	return sites
}

// --- import paths ---

var candidateExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".dart", ".java", ".ftl"}

type fileSet struct {
	paths  map[string]bool
	byBase map[string][]string
}

func newFileSet() *fileSet {
	return &fileSet{paths: map[string]bool{}, byBase: map[string][]string{}}
}

func (fs *fileSet) add(p string) {
	if p == "" || fs.paths[p] {
		return
	}
	fs.paths[p] = true
	base := path.Base(p)
	fs.byBase[base] = append(fs.byBase[base], p)
}

func candidates(p string) []string {
	out := []string{p}
	for _, ext := range candidateExtensions {
		out = append(out, p+ext)
	}
	for _, ext := range candidateExtensions[:6] {
		out = append(out, p+"/index"+ext)
	}
	return out
}

// exact tries p with extension and index.* completion.
func (fs *fileSet) exact(p string) (string, bool) {
	for _, c := range candidates(p) {
		if fs.paths[c] {
			return c, true
		}
	}
	return "", false
}

// suffix finds the shortest known path ending in rel, with the same
// completion rules as exact.
func (fs *fileSet) suffix(rel string) (string, bool) {
	for _, c := range candidates(rel) {
		var best string
		for _, p := range fs.byBase[path.Base(c)] {
			if p != c && !strings.HasSuffix(p, "/"+c) {
				continue
			}
			if best == "" || len(p) < len(best) || (len(p) == len(best) && p < best) {
				best = p
			}
		}
		if best != "" {
			return best, true
		}
	}
	return "", false
}

// inDir lists known files of the given extension directly inside a
// directory whose path ends in dir.
func (fs *fileSet) inDir(dir, ext string) []string {
	var out []string
	for p := range fs.paths {
		d := path.Dir(p)
		if path.Ext(p) == ext && (d == dir || strings.HasSuffix(d, "/"+dir)) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// resolve maps an import source to known files.
func (fs *fileSet) resolve(from, language string, imp parser.ImportInfo) []string {
	src := strings.TrimSpace(imp.Source)
	one := func(p string, ok bool) []string {
		if ok {
			return []string{p}
		}
		return nil
	}
	switch {
	case src == "" || strings.HasPrefix(src, "dart:"):
		return nil
	case src == "." || src == ".." || strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../"):
		return one(fs.exact(path.Join(path.Dir(from), src)))
	case strings.HasPrefix(src, "package:"):
		rest := strings.TrimPrefix(src, "package:")
		_, rel, ok := strings.Cut(rest, "/")
		if !ok {
			return nil
		}
		if p, ok := fs.suffix("lib/" + rel); ok {
			return []string{p}
		}
		return one(fs.suffix(rel))
	case strings.HasPrefix(src, "@/") || strings.HasPrefix(src, "~/"):
		return one(fs.suffix(src[2:]))
	case strings.HasPrefix(src, "/"):
		return one(fs.suffix(strings.TrimPrefix(src, "/")))
	case language == parser.Java:
		return fs.resolveJava(imp)
	case language == parser.Dart || language == parser.FreeMarker:
		if p, ok := fs.exact(path.Join(path.Dir(from), src)); ok {
			return []string{p}
		}
		return one(fs.suffix(src))
	case strings.Contains(src, "/"):
		return one(fs.suffix(src))
	}
	return nil
}

// resolveJava maps a dotted import to its source file. Wildcard imports
// link every file in the package; static member imports fall back to the
// enclosing type.
func (fs *fileSet) resolveJava(imp parser.ImportInfo) []string {
	rel := strings.ReplaceAll(imp.Source, ".", "/")
	for _, spec := range imp.Specifiers {
		if spec.IsNamespace {
			return fs.inDir(rel, ".java")
		}
	}
	for range 2 {
		if p, ok := fs.suffix(rel + ".java"); ok {
			return []string{p}
		}
		i := strings.LastIndex(rel, "/")
		if i < 0 {
			break
		}
		rel = rel[:i]
	}
	return nil
}
