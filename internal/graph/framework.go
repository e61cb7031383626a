package graph

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/arbor/internal/store"
)

// artifact kinds recognized by the framework extension.
const (
	artifactComponent  = "component"
	artifactController = "controller"
	artifactScreens    = "screens"
	artifactForms      = "forms"
	artifactServices   = "services"
	artifactEntities   = "entities"
	artifactTemplate   = "template"
	artifactScript     = "script"
)

// artifactKind classifies a path by file-name convention, or returns "".
func artifactKind(p string) string {
	base := path.Base(p)
	switch {
	case base == "ofbiz-component.xml":
		return artifactComponent
	case base == "controller.xml" || strings.HasSuffix(base, "-controller.xml"):
		return artifactController
	case strings.HasSuffix(base, "Screens.xml"):
		return artifactScreens
	case strings.HasSuffix(base, "Forms.xml"):
		return artifactForms
	case strings.HasPrefix(base, "services") && strings.HasSuffix(base, ".xml"):
		return artifactServices
	case strings.HasPrefix(base, "entitymodel") && strings.HasSuffix(base, ".xml"):
		return artifactEntities
	case strings.HasSuffix(base, ".ftl"):
		return artifactTemplate
	case strings.HasSuffix(base, ".groovy"):
		return artifactScript
	}
	return ""
}

// IsFrameworkArtifact reports whether the framework extension reads p.
func IsFrameworkArtifact(p string) bool {
	return artifactKind(p) != ""
}

// FrameworkStats summarizes one framework build.
type FrameworkStats struct {
	Files         int
	Nodes         int
	Edges         int
	Unresolved    int
	Written       store.CommitStats
	FailedBatches int
	Duration      time.Duration
}

// FrameworkBuilder grafts the multi-artifact vocabulary (components,
// controllers, screens, services, ...) onto a repo's code graph.
type FrameworkBuilder struct {
	*Builder
	workers int
}

func NewFrameworkBuilder(s Store, opts ...Option) *FrameworkBuilder {
	return &FrameworkBuilder{Builder: NewBuilder(s, opts...), workers: 8}
}

// frameworkRef is an unresolved edge. The target is addressed by name,
// by location, or, with an empty name, by every node of toLabel declared
// in the location's file.
type frameworkRef struct {
	edgeType string
	from     store.NodeKey
	toLabel  string
	toName   string
	location string
	line     int
}

type frameworkFacts struct {
	file      string
	component string
	nodes     []store.Node
	refs      []frameworkRef
}

// Build reads paths (relative to root) and upserts framework nodes and
// edges into the repoID scope. Unreadable files are logged and skipped.
func (fb *FrameworkBuilder) Build(ctx context.Context, repoID, root string, paths []string) (*FrameworkStats, error) {
	start := time.Now()
	var selected []string
	for _, p := range paths {
		if IsFrameworkArtifact(p) {
			selected = append(selected, filepath.ToSlash(p))
		}
	}
	sort.Strings(selected)
	stats := &FrameworkStats{Files: len(selected)}
	if len(selected) == 0 {
		return stats, nil
	}

	facts := make([]*frameworkFacts, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fb.workers)
	for i, p := range selected {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
			if err != nil {
				fb.logger.Warn("framework.read", "file", p, "err", err)
				return nil
			}
			facts[i] = extractArtifact(repoID, p, string(src))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("graph: framework %s: %w", repoID, err)
	}

	functions, err := fb.nodesByLabel(ctx, repoID, LabelFunction)
	if err != nil {
		return stats, fmt.Errorf("graph: framework %s: load functions: %w", repoID, err)
	}
	res := newFrameworkResolver(selected, facts, functions)

	nodes := store.NewBatch()
	edges := store.NewBatch()
	for _, f := range facts {
		if f == nil {
			continue
		}
		for _, n := range f.nodes {
			nodes.AddNode(n)
		}
		for _, ref := range f.refs {
			targets := res.resolve(f.file, ref)
			if len(targets) == 0 {
				stats.Unresolved++
				continue
			}
			for _, to := range targets {
				var props map[string]any
				if ref.line > 0 {
					props = map[string]any{"line": ref.line}
				}
				edges.AddEdge(store.Edge{RepoID: repoID, Type: ref.edgeType, From: ref.from, To: to, Props: props})
			}
		}
	}
	stats.Nodes, _ = nodes.Len()
	_, stats.Edges = edges.Len()

	bs := &BuildStats{}
	for _, step := range []struct {
		name  string
		batch *store.Batch
	}{{"framework_nodes", nodes}, {"framework_edges", edges}} {
		if err := fb.write(ctx, step.name, step.batch, bs); err != nil {
			return stats, fmt.Errorf("graph: framework %s: %w", repoID, err)
		}
	}
	stats.Written = bs.Written
	stats.FailedBatches = bs.FailedBatches
	stats.Duration = time.Since(start)
	fb.logger.Info("framework.build",
		"repo", repoID,
		"files", stats.Files,
		"nodes", stats.Nodes,
		"edges", stats.Edges,
		"unresolved", stats.Unresolved,
		"failed_batches", stats.FailedBatches,
		"elapsed", stats.Duration,
	)
	return stats, nil
}

// --- targeted attribute extraction ---

var (
	tagRe        = regexp.MustCompile(`<(/?)([A-Za-z][\w:.-]*)((?:\s+[\w:.-]+\s*=\s*(?:"[^"]*"|'[^']*'))*)\s*(/?)>`)
	attrRe       = regexp.MustCompile(`([\w:.-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	ofbizUrlRe   = regexp.MustCompile(`<@ofbizUrl>\s*([^<]+?)\s*</@ofbizUrl>`)
	runServiceRe = regexp.MustCompile(`\b(?:runService|runSync|runAsync|runSyncIgnore|runSyncNoNewTransaction)\s*\(\s*["'](\w+)["']|\brun\s+service\s*:\s*["'](\w+)["']`)
)

type xmlTag struct {
	name        string
	attrs       map[string]string
	closing     bool
	selfClosing bool
	line        int
}

func scanTags(src string) []xmlTag {
	var tags []xmlTag
	line, last := 1, 0
	for _, m := range tagRe.FindAllStringSubmatchIndex(src, -1) {
		line += strings.Count(src[last:m[0]], "\n")
		last = m[0]
		t := xmlTag{
			name:        src[m[4]:m[5]],
			closing:     m[3] > m[2],
			selfClosing: m[9] > m[8],
			line:        line,
			attrs:       map[string]string{},
		}
		for _, a := range attrRe.FindAllStringSubmatch(src[m[6]:m[7]], -1) {
			v := a[2]
			if v == "" {
				v = a[3]
			}
			t.attrs[a[1]] = v
		}
		tags = append(tags, t)
	}
	return tags
}

func lineAt(src string, offset int) int {
	return strings.Count(src[:offset], "\n") + 1
}

func extractArtifact(repoID, file, src string) *frameworkFacts {
	f := &frameworkFacts{file: file}
	node := func(label, name string, props map[string]any) store.NodeKey {
		f.nodes = append(f.nodes, store.Node{RepoID: repoID, Label: label, Name: name, File: file, Props: props})
		return store.NodeKey{Label: label, Name: name, File: file}
	}
	ref := func(edgeType string, from store.NodeKey, toLabel, toName, location string, line int) {
		f.refs = append(f.refs, frameworkRef{edgeType: edgeType, from: from, toLabel: toLabel, toName: toName, location: location, line: line})
	}

	switch artifactKind(file) {
	case artifactComponent:
		extractComponent(f, src, node, ref)
	case artifactController:
		extractController(file, src, node, ref)
	case artifactScreens:
		extractWidgets(src, LabelScreen, "screen", node, ref)
	case artifactForms:
		extractWidgets(src, LabelForm, "form", node, ref)
	case artifactServices:
		for _, t := range scanTags(src) {
			if t.closing || t.name != "service" || t.attrs["name"] == "" {
				continue
			}
			engine, loc, invoke := t.attrs["engine"], t.attrs["location"], t.attrs["invoke"]
			key := node(LabelService, t.attrs["name"], map[string]any{
				"engine": engine, "location": loc, "invoke": invoke, "line": t.line,
			})
			switch engine {
			case "java":
				ref(EdgeImplementedBy, key, LabelFunction, QualifiedMethod(lastSegment(loc), invoke), "", t.line)
			case "groovy":
				ref(EdgeImplementedBy, key, LabelScript, "", loc, t.line)
			}
		}
	case artifactEntities:
		for _, t := range scanTags(src) {
			if t.closing || (t.name != "entity" && t.name != "view-entity") || t.attrs["entity-name"] == "" {
				continue
			}
			node(LabelEntity, t.attrs["entity-name"], map[string]any{
				"package": t.attrs["package-name"], "view": t.name == "view-entity", "line": t.line,
			})
		}
	case artifactTemplate:
		key := node(LabelTemplate, file, nil)
		for _, m := range ofbizUrlRe.FindAllStringSubmatchIndex(src, -1) {
			uri := strings.TrimPrefix(src[m[2]:m[3]], "/")
			if i := strings.IndexAny(uri, "?#"); i >= 0 {
				uri = uri[:i]
			}
			ref(EdgeInvokes, key, LabelRequestMap, uri, "", lineAt(src, m[0]))
		}
	case artifactScript:
		key := node(LabelScript, file, nil)
		for _, m := range runServiceRe.FindAllStringSubmatchIndex(src, -1) {
			name := ""
			if m[2] >= 0 {
				name = src[m[2]:m[3]]
			} else {
				name = src[m[4]:m[5]]
			}
			ref(EdgeCallsService, key, LabelService, name, "", lineAt(src, m[0]))
		}
	}
	return f
}

type nodeFunc func(label, name string, props map[string]any) store.NodeKey
type refFunc func(edgeType string, from store.NodeKey, toLabel, toName, location string, line int)

func extractComponent(f *frameworkFacts, src string, node nodeFunc, ref refFunc) {
	var comp store.NodeKey
	for _, t := range scanTags(src) {
		if t.closing {
			continue
		}
		switch t.name {
		case "ofbiz-component":
			f.component = t.attrs["name"]
			comp = node(LabelComponent, f.component, nil)
		case "webapp":
			if comp.Name == "" || t.attrs["name"] == "" {
				continue
			}
			loc := strings.TrimSuffix(t.attrs["location"], "/")
			webapp := node(LabelWebapp, t.attrs["name"], map[string]any{
				"mountPoint": t.attrs["mount-point"], "location": loc,
			})
			ref(EdgeDeclares, comp, LabelWebapp, webapp.Name, "", t.line)
			ref(EdgeMounts, webapp, LabelController, "", loc+"/WEB-INF/controller.xml", t.line)
		case "service-resource":
			if comp.Name != "" {
				ref(EdgeDeclares, comp, LabelService, "", t.attrs["location"], t.line)
			}
		case "entity-resource":
			if comp.Name != "" {
				ref(EdgeDeclares, comp, LabelEntity, "", t.attrs["location"], t.line)
			}
		}
	}
}

func extractController(file, src string, node nodeFunc, ref refFunc) {
	ctrl := node(LabelController, file, nil)
	var cur store.NodeKey
	for _, t := range scanTags(src) {
		if t.closing {
			if t.name == "request-map" {
				cur = store.NodeKey{}
			}
			continue
		}
		switch t.name {
		case "include":
			ref(EdgeIncludes, ctrl, LabelController, "", t.attrs["location"], t.line)
		case "request-map":
			uri := t.attrs["uri"]
			if uri == "" {
				continue
			}
			rm := node(LabelRequestMap, uri, map[string]any{"line": t.line})
			ref(EdgeHandles, ctrl, LabelRequestMap, uri, "", t.line)
			if !t.selfClosing {
				cur = rm
			}
		case "event":
			if cur.Name == "" {
				continue
			}
			p, invoke := t.attrs["path"], t.attrs["invoke"]
			switch t.attrs["type"] {
			case "service", "service-multi":
				ref(EdgeInvokes, cur, LabelService, invoke, "", t.line)
			case "java":
				ref(EdgeInvokes, cur, LabelFunction, QualifiedMethod(lastSegment(p), invoke), "", t.line)
			case "groovy":
				ref(EdgeInvokes, cur, LabelScript, "", p, t.line)
			}
		case "response":
			if cur.Name == "" || t.attrs["value"] == "" {
				continue
			}
			switch t.attrs["type"] {
			case "view", "view-last":
				ref(EdgeRespondsWith, cur, LabelViewMap, t.attrs["value"], "", t.line)
			case "request", "request-redirect", "request-redirect-noparam":
				ref(EdgeRespondsWith, cur, LabelRequestMap, t.attrs["value"], "", t.line)
			}
		case "view-map":
			name := t.attrs["name"]
			if name == "" {
				continue
			}
			vm := node(LabelViewMap, name, map[string]any{"type": t.attrs["type"], "page": t.attrs["page"], "line": t.line})
			ref(EdgeDeclares, ctrl, LabelViewMap, name, "", t.line)
			page := t.attrs["page"]
			switch t.attrs["type"] {
			case "screen":
				loc, screen, _ := strings.Cut(page, "#")
				ref(EdgeRenders, vm, LabelScreen, screen, loc, t.line)
			case "ftl":
				ref(EdgeRenders, vm, LabelTemplate, "", page, t.line)
			}
		}
	}
}

// extractWidgets handles screen and form definition files, which share
// their include and action vocabulary.
func extractWidgets(src, label, element string, node nodeFunc, ref refFunc) {
	var cur store.NodeKey
	for _, t := range scanTags(src) {
		if t.closing {
			if t.name == element || (element == "form" && t.name == "grid") {
				cur = store.NodeKey{}
			}
			continue
		}
		if t.name == element || (element == "form" && t.name == "grid") {
			if t.attrs["name"] == "" {
				continue
			}
			key := node(label, t.attrs["name"], map[string]any{"line": t.line})
			if !t.selfClosing {
				cur = key
			}
			continue
		}
		if cur.Name == "" {
			continue
		}
		switch t.name {
		case "include-screen", "decorator-screen":
			ref(EdgeIncludes, cur, LabelScreen, t.attrs["name"], t.attrs["location"], t.line)
		case "include-form", "include-grid":
			ref(EdgeIncludes, cur, LabelForm, t.attrs["name"], t.attrs["location"], t.line)
		case "html-template":
			ref(EdgeUsesTemplate, cur, LabelTemplate, "", t.attrs["location"], t.line)
		case "script":
			ref(EdgeRuns, cur, LabelScript, "", t.attrs["location"], t.line)
		case "service", "auto-fields-service":
			ref(EdgeCallsService, cur, LabelService, t.attrs["service-name"], "", t.line)
		}
	}
}

func lastSegment(dotted string) string {
	if i := strings.LastIndex(dotted, "."); i >= 0 {
		return dotted[i+1:]
	}
	return dotted
}

// --- resolution ---

type frameworkResolver struct {
	files    *fileSet
	compDirs map[string]string
	declared map[string]map[string][]string // label -> name -> files
	byFile   map[string]map[string][]string // label -> file -> names
}

func newFrameworkResolver(paths []string, facts []*frameworkFacts, functions []store.Node) *frameworkResolver {
	r := &frameworkResolver{
		files:    newFileSet(),
		compDirs: map[string]string{},
		declared: map[string]map[string][]string{},
		byFile:   map[string]map[string][]string{},
	}
	for _, p := range paths {
		r.files.add(p)
	}
	declare := func(label, name, file string) {
		if r.declared[label] == nil {
			r.declared[label] = map[string][]string{}
			r.byFile[label] = map[string][]string{}
		}
		r.declared[label][name] = append(r.declared[label][name], file)
		r.byFile[label][file] = append(r.byFile[label][file], name)
	}
	for _, f := range facts {
		if f == nil {
			continue
		}
		if f.component != "" {
			r.compDirs[f.component] = path.Dir(f.file)
		}
		for _, n := range f.nodes {
			declare(n.Label, n.Name, n.File)
		}
	}
	for _, n := range functions {
		declare(LabelFunction, n.Name, n.File)
	}
	for _, m := range r.declared {
		for _, files := range m {
			sort.Strings(files)
		}
	}
	return r
}

// locate maps a component:// or relative location to a known path.
func (r *frameworkResolver) locate(from, loc string) (string, bool) {
	if loc == "" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(loc, "component://"); ok {
		comp, rel, _ := strings.Cut(rest, "/")
		if dir, ok := r.compDirs[comp]; ok {
			if p := path.Join(dir, rel); r.files.paths[p] {
				return p, true
			}
		}
		return r.files.suffix(rel)
	}
	if p := path.Join(path.Dir(from), loc); r.files.paths[p] {
		return p, true
	}
	// Component-relative locations (webapp mounts, resource lists).
	for _, dir := range r.compDirs {
		if p := path.Join(dir, loc); r.files.paths[p] && strings.HasPrefix(from, dir+"/") {
			return p, true
		}
	}
	if strings.Contains(loc, ".") && !strings.Contains(loc, "/") {
		// Java-style dotted script path.
		return r.files.suffix(strings.ReplaceAll(loc, ".", "/") + ".groovy")
	}
	return r.files.suffix(strings.TrimPrefix(loc, "/"))
}

func (r *frameworkResolver) resolve(from string, ref frameworkRef) []store.NodeKey {
	key := func(name, file string) store.NodeKey {
		return store.NodeKey{Label: ref.toLabel, Name: name, File: file}
	}
	var file string
	if ref.location != "" {
		p, ok := r.locate(from, ref.location)
		if !ok {
			return nil
		}
		file = p
	}

	switch {
	case ref.toName == "" && (ref.toLabel == LabelTemplate || ref.toLabel == LabelScript || ref.toLabel == LabelController):
		if file == "" || len(r.byFile[ref.toLabel][file]) == 0 {
			return nil
		}
		return []store.NodeKey{key(file, file)}
	case ref.toName == "":
		var out []store.NodeKey
		for _, name := range r.byFile[ref.toLabel][file] {
			out = append(out, key(name, file))
		}
		return out
	}

	files := r.declared[ref.toLabel][ref.toName]
	if len(files) == 0 {
		return nil
	}
	want := file
	if want == "" {
		want = from
	}
	for _, f := range files {
		if f == want {
			return []store.NodeKey{key(ref.toName, f)}
		}
	}
	if file != "" {
		return nil
	}
	return []store.NodeKey{key(ref.toName, files[0])}
}
