package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/parser"
	"github.com/jward/arbor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func fn(name string, start int, body string) parser.FunctionInfo {
	lines := 1
	for _, c := range body {
		if c == '\n' {
			lines++
		}
	}
	return parser.FunctionInfo{Name: name, Body: body, StartLine: start, EndLine: start + lines - 1}
}

// sampleFiles is a three-file TypeScript project: a utility module, a
// base class module, and a service that uses both.
func sampleFiles() []*parser.ParsedFile {
	return []*parser.ParsedFile{
		{
			FilePath: "src/util.ts",
			Language: parser.TypeScript,
			Functions: []parser.FunctionInfo{
				fn("format", 1, "function format(s) {\n  return s.trim();\n}"),
				fn("helper", 5, "function helper() {\n  return format('x');\n}"),
			},
			Exports: []string{"format", "helper"},
		},
		{
			FilePath: "src/base.ts",
			Language: parser.TypeScript,
			Classes: []parser.ClassInfo{
				{Name: "BaseService", StartLine: 1, EndLine: 3, IsExported: true},
				{Name: "Auditable", StartLine: 5, EndLine: 7, IsExported: true},
			},
		},
		{
			FilePath: "src/service.ts",
			Language: parser.TypeScript,
			Imports: []parser.ImportInfo{
				{Source: "./util", Specifiers: []parser.ImportSpecifier{{Name: "format"}}, Line: 1},
				{Source: "./base", Specifiers: []parser.ImportSpecifier{{Name: "BaseService"}, {Name: "Auditable"}}, Line: 2},
				{Source: "react", Specifiers: []parser.ImportSpecifier{{Name: "React", IsDefault: true}}, Line: 3},
			},
			Classes: []parser.ClassInfo{{
				Name:       "UserService",
				StartLine:  5,
				EndLine:    15,
				Extends:    "BaseService",
				Implements: []string{"Auditable"},
				Properties: []string{"repo"},
				Methods: []parser.FunctionInfo{
					fn("find", 6, "find(id) {\n  const v = this.load(id);\n  return format(v);\n}"),
					fn("load", 11, "load(id) {\n  return this.repo.get(id);\n}"),
				},
			}},
		},
	}
}

func TestBuildGraph_NodesAndEdges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := NewBuilder(s).BuildGraph(ctx, "r1", sampleFiles())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 4, stats.Functions)
	assert.Equal(t, 3, stats.Classes)
	assert.Zero(t, stats.FailedBatches)
	assert.ElementsMatch(t, []string{
		"idx_nodes_repo_label_name", "idx_nodes_repo_file", "idx_edges_repo_type", "idx_edges_src", "idx_edges_dst",
	}, stats.IndexesCreated)

	count := func(label string) int {
		n, err := s.CountNodes(ctx, "r1", label)
		require.NoError(t, err)
		return n
	}
	assert.Equal(t, 3, count(LabelFile))
	assert.Equal(t, 4, count(LabelFunction))
	assert.Equal(t, 3, count(LabelClass))

	has := func(edgeType string, from, to store.NodeKey) bool {
		ok, err := s.EdgeExists(ctx, "r1", edgeType, from, to)
		require.NoError(t, err)
		return ok
	}
	find := functionKey("UserService.find", "src/service.ts")
	assert.True(t, has(EdgeCalls, find, functionKey("UserService.load", "src/service.ts")), "this.load resolves within the class")
	assert.True(t, has(EdgeCalls, find, functionKey("format", "src/util.ts")))
	assert.True(t, has(EdgeCalls, functionKey("helper", "src/util.ts"), functionKey("format", "src/util.ts")))
	assert.True(t, has(EdgeContains, fileKey("src/service.ts"), classKey("UserService", "src/service.ts")))
	assert.True(t, has(EdgeContains, fileKey("src/service.ts"), find))
	assert.True(t, has(EdgeHasMethod, classKey("UserService", "src/service.ts"), find))
	assert.True(t, has(EdgeImports, fileKey("src/service.ts"), fileKey("src/util.ts")))
	assert.True(t, has(EdgeImports, fileKey("src/service.ts"), fileKey("src/base.ts")))
	assert.True(t, has(EdgeExtends, classKey("UserService", "src/service.ts"), classKey("BaseService", "src/base.ts")))
	assert.True(t, has(EdgeImplements, classKey("UserService", "src/service.ts"), classKey("Auditable", "src/base.ts")))

	calls, err := s.CountEdges(ctx, "r1", EdgeCalls)
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "format's own declaration and builtin trim are not calls")

	imports, err := s.CountEdges(ctx, "r1", EdgeImports)
	require.NoError(t, err)
	assert.Equal(t, 2, imports, "package imports do not resolve to files")
}

func TestBuildGraph_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder(s, WithBatchSize(3))

	_, err := b.BuildGraph(ctx, "r1", sampleFiles())
	require.NoError(t, err)
	nodes1, err := s.CountNodes(ctx, "r1", "")
	require.NoError(t, err)
	edges1, err := s.CountEdges(ctx, "r1", "")
	require.NoError(t, err)

	stats, err := b.BuildGraph(ctx, "r1", sampleFiles())
	require.NoError(t, err)
	assert.Empty(t, stats.IndexesCreated, "indexes are only created once")

	nodes2, err := s.CountNodes(ctx, "r1", "")
	require.NoError(t, err)
	edges2, err := s.CountEdges(ctx, "r1", "")
	require.NoError(t, err)
	assert.Equal(t, nodes1, nodes2)
	assert.Equal(t, edges1, edges2)
}

func TestBuildGraph_IdentityIndependentOfOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	files := sampleFiles()
	reversed := []*parser.ParsedFile{files[2], files[1], files[0]}
	_, err := NewBuilder(s).BuildGraph(ctx, "r1", reversed)
	require.NoError(t, err)

	dup := &parser.ParsedFile{FilePath: "src/util.ts", Language: parser.TypeScript,
		Functions: []parser.FunctionInfo{fn("format", 1, "function format(s) {\n  return s;\n}")}}
	_, err = NewBuilder(s).BuildGraph(ctx, "r1", []*parser.ParsedFile{dup})
	require.NoError(t, err)

	nodes, err := s.FindNodes(ctx, "r1", LabelFunction, "format", "src/util.ts")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestBuildGraph_IncrementalResolvesAgainstStoredFunctions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder(s)

	files := sampleFiles()
	_, err := b.BuildGraph(ctx, "r1", files)
	require.NoError(t, err)

	// Rebuild only the service file, as an incremental reindex would.
	_, err = s.DeleteFileScope(ctx, "r1", []string{"src/service.ts"})
	require.NoError(t, err)
	_, err = b.BuildGraph(ctx, "r1", files[2:])
	require.NoError(t, err)

	ok, err := s.EdgeExists(ctx, "r1", EdgeCalls,
		functionKey("UserService.find", "src/service.ts"), functionKey("format", "src/util.ts"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EdgeExists(ctx, "r1", EdgeExtends,
		classKey("UserService", "src/service.ts"), classKey("BaseService", "src/base.ts"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildGraph_RepoScoped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder(s)

	_, err := b.BuildGraph(ctx, "r1", sampleFiles())
	require.NoError(t, err)
	_, err = b.BuildGraph(ctx, "r2", sampleFiles()[:1])
	require.NoError(t, err)

	n, err := s.CountNodes(ctx, "r2", LabelFunction)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingStore struct {
	*store.Store
	failEdges bool
}

func (f *failingStore) CommitBatch(ctx context.Context, b *store.Batch) (store.CommitStats, error) {
	if _, edges := b.Len(); edges > 0 && f.failEdges {
		return store.CommitStats{}, assert.AnError
	}
	return f.Store.CommitBatch(ctx, b)
}

func TestBuildGraph_FailedBatchIsNotFatal(t *testing.T) {
	t.Parallel()
	s := &failingStore{Store: newTestStore(t), failEdges: true}
	ctx := context.Background()

	stats, err := NewBuilder(s).BuildGraph(ctx, "r1", sampleFiles())
	require.NoError(t, err)
	assert.Positive(t, stats.FailedBatches)

	n, err := s.CountNodes(ctx, "r1", LabelFunction)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "node chunks still land")
}

func TestBuildGraph_OpenBreakerRejectsWrites(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := NewBuilder(s, WithBreaker(openBreaker(t))).BuildGraph(ctx, "r1", sampleFiles())
	require.ErrorIs(t, err, breaker.ErrOpen)

	n, err := s.CountNodes(ctx, "r1", LabelFunction)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildGraph_Cancelled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBuilder(s).BuildGraph(ctx, "r1", sampleFiles())
	require.ErrorIs(t, err, context.Canceled)
}

func TestScanCallSites(t *testing.T) {
	t.Parallel()
	f := fn("run", 10, "async function run(req) {\n  // skip(this)\n  const u = new User(req);\n  await api?.fetchUser(u);\n  if (ok(u)) { console.log(x); }\n  return items.map(render);\n}")
	var got []string
	for _, s := range scanCallSites(f) {
		got = append(got, s.receiver+"|"+s.name)
	}
	assert.Equal(t, []string{"api|fetchUser", "|ok"}, got)
	assert.Equal(t, 13, scanCallSites(f)[0].line)
}

func TestFileSetResolve(t *testing.T) {
	t.Parallel()
	fs := newFileSet()
	for _, p := range []string{
		"web/src/app/util.ts",
		"web/src/app/components/index.tsx",
		"web/src/lib/api.js",
		"mobile/lib/widgets/card.dart",
		"mobile/lib/main.dart",
		"server/src/main/java/com/acme/orders/OrderService.java",
		"server/src/main/java/com/acme/orders/Order.java",
		"themes/common/macros.ftl",
		"themes/common/page.ftl",
	} {
		fs.add(p)
	}
	imp := func(src string) parser.ImportInfo { return parser.ImportInfo{Source: src} }

	assert.Equal(t, []string{"web/src/app/util.ts"}, fs.resolve("web/src/app/page.ts", parser.TypeScript, imp("./util")))
	assert.Equal(t, []string{"web/src/app/components/index.tsx"}, fs.resolve("web/src/app/page.ts", parser.TypeScript, imp("./components")))
	assert.Equal(t, []string{"web/src/lib/api.js"}, fs.resolve("web/src/app/page.ts", parser.TypeScript, imp("../lib/api")))
	assert.Equal(t, []string{"web/src/lib/api.js"}, fs.resolve("web/src/app/page.ts", parser.TypeScript, imp("@/lib/api")))
	assert.Nil(t, fs.resolve("web/src/app/page.ts", parser.TypeScript, imp("react")))
	assert.Equal(t, []string{"mobile/lib/widgets/card.dart"}, fs.resolve("mobile/lib/main.dart", parser.Dart, imp("package:shop/widgets/card.dart")))
	assert.Equal(t, []string{"mobile/lib/widgets/card.dart"}, fs.resolve("mobile/lib/main.dart", parser.Dart, imp("widgets/card.dart")))
	assert.Nil(t, fs.resolve("mobile/lib/main.dart", parser.Dart, imp("dart:async")))
	assert.Equal(t, []string{"server/src/main/java/com/acme/orders/Order.java"},
		fs.resolve("x/Y.java", parser.Java, imp("com.acme.orders.Order")))
	assert.Equal(t, []string{"server/src/main/java/com/acme/orders/Order.java"},
		fs.resolve("x/Y.java", parser.Java, imp("com.acme.orders.Order.create")))
	assert.Equal(t, []string{
		"server/src/main/java/com/acme/orders/Order.java",
		"server/src/main/java/com/acme/orders/OrderService.java",
	}, fs.resolve("x/Y.java", parser.Java, parser.ImportInfo{
		Source: "com.acme.orders", Specifiers: []parser.ImportSpecifier{{Name: "*", IsNamespace: true}},
	}))
	assert.Equal(t, []string{"themes/common/macros.ftl"}, fs.resolve("themes/common/page.ftl", parser.FreeMarker, imp("macros.ftl")))
	assert.Equal(t, []string{"themes/common/macros.ftl"}, fs.resolve("themes/shop/home.ftl", parser.FreeMarker, imp("/common/macros.ftl")))
}
