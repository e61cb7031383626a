package parser

// Language names produced by the parsers.
const (
	TypeScript = "typescript"
	JavaScript = "javascript"
	Java       = "java"
	Dart       = "dart"
	FreeMarker = "freemarker"
)

// ParsedFile is the canonical fact model every parser produces, regardless
// of language. Values are transient and owned by the caller.
type ParsedFile struct {
	FilePath  string         `json:"filePath"`
	Language  string         `json:"language"`
	Hash      string         `json:"hash,omitempty"`
	Functions []FunctionInfo `json:"functions"`
	Classes   []ClassInfo    `json:"classes"`
	Imports   []ImportInfo   `json:"imports"`
	Exports   []string       `json:"exports"`
}

// Empty reports whether no facts were extracted.
func (pf *ParsedFile) Empty() bool {
	return len(pf.Functions) == 0 && len(pf.Classes) == 0 && len(pf.Imports) == 0 && len(pf.Exports) == 0
}

type Param struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// FunctionInfo describes a function, method, or named lambda. Lines are
// 1-based and inclusive.
type FunctionInfo struct {
	Name       string  `json:"name"`
	Params     []Param `json:"params"`
	ReturnType string  `json:"returnType,omitempty"`
	Body       string  `json:"body"`
	StartLine  int     `json:"startLine"`
	EndLine    int     `json:"endLine"`
	IsExported bool    `json:"isExported"`
	IsAsync    bool    `json:"isAsync"`
}

// ParamNames returns the parameter names in order.
func (f FunctionInfo) ParamNames() []string {
	names := make([]string, len(f.Params))
	for i, p := range f.Params {
		names[i] = p.Name
	}
	return names
}

type ClassInfo struct {
	Name       string         `json:"name"`
	Methods    []FunctionInfo `json:"methods"`
	Properties []string       `json:"properties"`
	StartLine  int            `json:"startLine"`
	EndLine    int            `json:"endLine"`
	IsExported bool           `json:"isExported"`
	Extends    string         `json:"extends,omitempty"`
	Implements []string       `json:"implements,omitempty"`
}

type ImportSpecifier struct {
	Name        string `json:"name"`
	Alias       string `json:"alias,omitempty"`
	IsDefault   bool   `json:"isDefault"`
	IsNamespace bool   `json:"isNamespace"`
}

type ImportInfo struct {
	Source     string            `json:"source"`
	Specifiers []ImportSpecifier `json:"specifiers"`
	Line       int               `json:"line"`
}

// SymbolNames returns the imported names, preferring local aliases.
func (imp ImportInfo) SymbolNames() []string {
	names := make([]string, 0, len(imp.Specifiers))
	for _, s := range imp.Specifiers {
		if s.Alias != "" {
			names = append(names, s.Alias)
		} else {
			names = append(names, s.Name)
		}
	}
	return names
}
