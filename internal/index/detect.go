package index

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Framework names recognised by DetectFramework.
const (
	FrameworkOFBiz   = "ofbiz"
	FrameworkAngular = "angular"
	FrameworkReact   = "react"
	FrameworkNext    = "next"
	FrameworkFlutter = "flutter"
	FrameworkSpring  = "spring"
	FrameworkGeneric = "generic"
)

// Framework is a detected stack and the subtrees irrelevant to indexing it.
type Framework struct {
	Name     string
	Excludes []string
}

var commonExcludes = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/dist/**",
	"**/coverage/**",
	"**/vendor/**",
	"**/*.min.js",
	"**/*.bundle.js",
}

var frameworkExcludes = map[string][]string{
	FrameworkOFBiz:   {"runtime/**", "**/.gradle/**", "**/build/**", "**/webapp/**/js/lib/**"},
	FrameworkAngular: {"**/.angular/**", "**/e2e/**"},
	FrameworkReact:   {"**/build/**", "**/storybook-static/**"},
	FrameworkNext:    {"**/.next/**", "**/out/**"},
	FrameworkFlutter: {"**/.dart_tool/**", "**/build/**", "**/*.g.dart", "**/*.freezed.dart", "android/**", "ios/**"},
	FrameworkSpring:  {"**/target/**", "**/.gradle/**", "**/build/**", "**/generated-sources/**"},
	FrameworkGeneric: {"**/build/**", "**/target/**"},
}

// ForFramework returns the exclude set for name. Unknown names get the
// generic set under their own name.
func ForFramework(name string) Framework {
	extra, ok := frameworkExcludes[name]
	if !ok {
		extra = frameworkExcludes[FrameworkGeneric]
	}
	ex := make([]string, 0, len(commonExcludes)+len(extra))
	ex = append(ex, commonExcludes...)
	ex = append(ex, extra...)
	return Framework{Name: name, Excludes: ex}
}

// ResolveFramework honours an explicit override and detects otherwise.
func ResolveFramework(root, override string) Framework {
	if o := strings.ToLower(strings.TrimSpace(override)); o != "" {
		return ForFramework(o)
	}
	return DetectFramework(root)
}

// DetectFramework inspects marker files at root. The first match wins, in
// order: ofbiz, angular, next, react, flutter, spring, generic.
func DetectFramework(root string) Framework {
	fsys := os.DirFS(root)
	switch {
	case isOFBiz(fsys):
		return ForFramework(FrameworkOFBiz)
	case exists(fsys, "angular.json"):
		return ForFramework(FrameworkAngular)
	}
	if deps := packageDeps(fsys); deps != nil {
		if _, ok := deps["next"]; ok {
			return ForFramework(FrameworkNext)
		}
		if _, ok := deps["react"]; ok {
			return ForFramework(FrameworkReact)
		}
	}
	if isFlutter(fsys) {
		return ForFramework(FrameworkFlutter)
	}
	if isSpring(fsys) {
		return ForFramework(FrameworkSpring)
	}
	return ForFramework(FrameworkGeneric)
}

func exists(fsys fs.FS, name string) bool {
	_, err := fs.Stat(fsys, name)
	return err == nil
}

func isOFBiz(fsys fs.FS) bool {
	if exists(fsys, "ofbiz-component.xml") {
		return true
	}
	matches, _ := doublestar.Glob(fsys, "{applications,framework,plugins,specialpurpose}/*/ofbiz-component.xml")
	return len(matches) > 0
}

func packageDeps(fsys fs.FS) map[string]string {
	raw, err := fs.ReadFile(fsys, "package.json")
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if json.Unmarshal(raw, &pkg) != nil {
		return nil
	}
	deps := map[string]string{}
	for k, v := range pkg.DevDependencies {
		deps[k] = v
	}
	for k, v := range pkg.Dependencies {
		deps[k] = v
	}
	return deps
}

func isFlutter(fsys fs.FS) bool {
	raw, err := fs.ReadFile(fsys, "pubspec.yaml")
	if err != nil {
		return false
	}
	var spec struct {
		Dependencies map[string]yaml.Node `yaml:"dependencies"`
		Flutter      *yaml.Node           `yaml:"flutter"`
	}
	if yaml.Unmarshal(raw, &spec) != nil {
		return false
	}
	_, ok := spec.Dependencies["flutter"]
	return ok || spec.Flutter != nil
}

func isSpring(fsys fs.FS) bool {
	for _, name := range []string{"pom.xml", "build.gradle", "build.gradle.kts"} {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		s := string(raw)
		if strings.Contains(s, "org.springframework") || strings.Contains(s, "spring-boot") {
			return true
		}
	}
	return false
}

// excluder matches slash-separated paths relative to the repo root.
type excluder struct {
	patterns []string
	// dirPrefixes are the patterns ending in /** with that suffix removed,
	// so a whole directory can be pruned before descending.
	dirPrefixes []string
}

func newExcluder(patterns []string) *excluder {
	e := &excluder{}
	for _, p := range patterns {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" || !doublestar.ValidatePattern(p) {
			continue
		}
		e.patterns = append(e.patterns, p)
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			e.dirPrefixes = append(e.dirPrefixes, prefix)
		}
	}
	return e
}

func (e *excluder) file(rel string) bool {
	for _, p := range e.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (e *excluder) dir(rel string) bool {
	for _, p := range e.dirPrefixes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
