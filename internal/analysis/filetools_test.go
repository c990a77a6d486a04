package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildStore writes an analysis with the given product and dep records.
func buildStore(t *testing.T, tools *FileTools, path string, products map[string][]string, deps map[string][]string) {
	t.Helper()
	st := newStore()
	for src, arts := range products {
		st.products[src] = arts
	}
	for src, d := range deps {
		st.deps[src] = d
	}
	require.NoError(t, tools.write(path, st))
}

func TestIsNonEmpty(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	missing := filepath.Join(dir, "missing")
	ok, err := tools.IsNonEmpty(missing)
	require.NoError(t, err)
	require.False(t, ok, "missing file is empty, not an error")

	empty := filepath.Join(dir, "empty")
	buildStore(t, tools, empty, nil, nil)
	ok, err = tools.IsNonEmpty(empty)
	require.NoError(t, err)
	require.False(t, ok)

	full := filepath.Join(dir, "full")
	buildStore(t, tools, full, map[string][]string{"/a.src": {"/a.out"}}, nil)
	ok, err = tools.IsNonEmpty(full)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSplit_PartitionsSources(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	src := filepath.Join(dir, "global")
	buildStore(t, tools, src, map[string][]string{
		"/r/a.src": {"/r/classes/a.out"},
		"/r/b.src": {"/r/classes/b.out"},
		"/r/c.src": {"/r/classes/c.out"},
	}, map[string][]string{
		"/r/a.src": {"B"},
	})

	extracted := filepath.Join(dir, "extracted")
	remainder := filepath.Join(dir, "remainder")
	err := tools.Split(src, []SplitSpec{{Sources: []string{"/r/a.src", "/r/b.src"}, Out: extracted}}, remainder)
	require.NoError(t, err)

	ex, err := tools.ParseProducts(extracted, "")
	require.NoError(t, err)
	require.Len(t, ex, 2)
	require.Equal(t, []string{"/r/classes/a.out"}, ex["/r/a.src"])

	rest, err := tools.ParseProducts(remainder, "")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, []string{"/r/classes/c.out"}, rest["/r/c.src"])
}

func TestSplit_DiscardsRemainderWhenUnset(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	src := filepath.Join(dir, "global")
	buildStore(t, tools, src, map[string][]string{
		"/r/a.src": {"/r/classes/a.out"},
		"/r/b.src": {"/r/classes/b.out"},
	}, nil)

	out := filepath.Join(dir, "out")
	require.NoError(t, tools.Split(src, []SplitSpec{{Sources: []string{"/r/a.src"}, Out: out}}, ""))

	products, err := tools.ParseProducts(out, "")
	require.NoError(t, err)
	require.Len(t, products, 1)
}

func TestMerge_LaterInputsWin(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	older := filepath.Join(dir, "older")
	newer := filepath.Join(dir, "newer")
	buildStore(t, tools, older, map[string][]string{
		"/r/a.src": {"/r/classes/a.out"},
		"/r/b.src": {"/r/classes/b.out"},
	}, nil)
	buildStore(t, tools, newer, map[string][]string{
		"/r/a.src": {"/r/classes/a.out2"},
	}, nil)

	merged := filepath.Join(dir, "merged")
	require.NoError(t, tools.Merge([]string{older, newer}, merged))

	products, err := tools.ParseProducts(merged, "")
	require.NoError(t, err)
	require.Equal(t, []string{"/r/classes/a.out2"}, products["/r/a.src"])
	require.Equal(t, []string{"/r/classes/b.out"}, products["/r/b.src"])
}

func TestMerge_SkipsMissingInputs(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	present := filepath.Join(dir, "present")
	buildStore(t, tools, present, map[string][]string{"/r/a.src": {"/r/classes/a.out"}}, nil)

	merged := filepath.Join(dir, "merged")
	require.NoError(t, tools.Merge([]string{filepath.Join(dir, "absent"), present}, merged))

	ok, err := tools.IsNonEmpty(merged)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRelativizeLocalize_RoundTrip(t *testing.T) {
	root := t.TempDir()
	tools := NewFileTools(root)

	orig := filepath.Join(root, "orig")
	buildStore(t, tools, orig, map[string][]string{
		filepath.Join(root, "src", "a.src"): {filepath.Join(root, "classes", "a.out")},
	}, map[string][]string{
		filepath.Join(root, "src", "a.src"): {filepath.Join(root, "lib", "dep.jar")},
	})

	portable := filepath.Join(root, "portable")
	require.NoError(t, tools.Relativize(orig, portable))

	// The portable form must not mention the machine-specific root.
	data, err := os.ReadFile(portable)
	require.NoError(t, err)
	require.NotContains(t, string(data), root)

	restored := filepath.Join(root, "restored")
	require.NoError(t, tools.Localize(portable, restored))

	origData, err := os.ReadFile(orig)
	require.NoError(t, err)
	restoredData, err := os.ReadFile(restored)
	require.NoError(t, err)
	require.Equal(t, string(origData), string(restoredData))
}

func TestWrite_Deterministic(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	products := map[string][]string{
		"/r/b.src": {"/r/classes/b2.out", "/r/classes/b1.out"},
		"/r/a.src": {"/r/classes/a.out"},
	}

	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	buildStore(t, tools, first, products, nil)
	buildStore(t, tools, second, products, nil)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseDeps_ResolvesClassNames(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	path := filepath.Join(dir, "analysis")
	buildStore(t, tools, path, nil, map[string][]string{
		"/r/a.src": {"com/example/Dep.class", "/r/lib/direct.jar"},
	})

	called := 0
	index := func() (map[string]string, error) {
		called++
		return map[string]string{"com/example/Dep.class": "/r/lib/dep.jar"}, nil
	}

	deps, err := tools.ParseDeps(path, index, "")
	require.NoError(t, err)
	require.Equal(t, 1, called)
	require.ElementsMatch(t, []string{"/r/lib/dep.jar", "/r/lib/direct.jar"}, deps["/r/a.src"])
}

func TestParseDeps_ExcludesOwnProducts(t *testing.T) {
	dir := t.TempDir()
	tools := NewFileTools(dir)

	path := filepath.Join(dir, "analysis")
	buildStore(t, tools, path, nil, map[string][]string{
		"/r/a.src": {"/r/classes/internal.out", "/r/lib/dep.jar"},
	})

	deps, err := tools.ParseDeps(path, nil, "/r/classes")
	require.NoError(t, err)
	require.Equal(t, []string{"/r/lib/dep.jar"}, deps["/r/a.src"])
}
