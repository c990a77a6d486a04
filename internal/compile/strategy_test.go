package compile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/classpath"
	"git.home.luguber.info/inful/incbuild/internal/config"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/workspace"
)

type fixture struct {
	cfg      *config.Config
	layout   *workspace.Layout
	tools    *analysis.FileTools
	strategy *Strategy
	checker  *invalidation.FingerprintChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.BuildRoot = t.TempDir()
	require.NoError(t, cfg.Validate())

	layout := workspace.NewLayout(cfg.Workdir)
	tools := analysis.NewFileTools(cfg.BuildRoot)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		cfg:      cfg,
		layout:   layout,
		tools:    tools,
		strategy: NewStrategy(cfg, layout, tools, logger),
		checker:  invalidation.NewFingerprintChecker(cfg.BuildRoot, layout.FingerprintsDir()),
	}
}

// target creates source files under the build root and returns a target
// owning them.
func (f *fixture) target(t *testing.T, id string, sources ...string) *invalidation.Target {
	t.Helper()
	for _, src := range sources {
		path := filepath.Join(f.cfg.BuildRoot, src)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content of "+src), 0o644))
	}
	return &invalidation.Target{ID: id, Sources: sources}
}

func (f *fixture) edit(t *testing.T, src string) {
	t.Helper()
	path := filepath.Join(f.cfg.BuildRoot, src)
	require.NoError(t, os.WriteFile(path, []byte("edited "+src), 0o644))
}

func (f *fixture) check(t *testing.T, targets []*invalidation.Target) *invalidation.Check {
	t.Helper()
	check, err := f.checker.Check(t.Context(), targets, f.cfg.PartitionSizeHint, nil)
	require.NoError(t, err)
	return check
}

// compileOK is a compiler stand-in: for every source it appends a product
// record mapping the source to a class file it creates under classesDir.
func (f *fixture) compileOK(t *testing.T) CompileFn {
	return func(_ context.Context, _ []*invalidation.Target, sources []string,
		analysisOut string, _ []classpath.Entry, classesDir, _ string) error {
		return writeCompileResult(t, sources, analysisOut, classesDir)
	}
}

func writeCompileResult(t *testing.T, sources []string, analysisOut, classesDir string) error {
	t.Helper()
	var b strings.Builder
	b.WriteString("incbuild analysis v1\n")
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	for _, src := range sorted {
		class := filepath.Join(classesDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".class")
		if err := os.WriteFile(class, []byte("class for "+src), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(&b, "product\t%s\t%s\n", src, class)
	}
	return os.WriteFile(analysisOut, []byte(b.String()), 0o644)
}

// validSources parses the canonical valid store's source set.
func (f *fixture) validSources(t *testing.T) []string {
	t.Helper()
	products, err := f.tools.ParseProducts(f.layout.ValidAnalysis(), f.layout.ClassesDir())
	require.NoError(t, err)
	out := make([]string, 0, len(products))
	for src := range products {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (f *fixture) invalidSources(t *testing.T) []string {
	t.Helper()
	products, err := f.tools.ParseProducts(f.layout.InvalidAnalysis(), f.layout.ClassesDir())
	require.NoError(t, err)
	out := make([]string, 0, len(products))
	for src := range products {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (f *fixture) abs(src string) string {
	return filepath.Join(f.cfg.BuildRoot, src)
}

func TestPrepareNoInvalidTargetsIsNoOp(t *testing.T) {
	f := newFixture(t)

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)

	// Seed a valid store, then prepare with nothing invalid.
	require.NoError(t, os.WriteFile(f.layout.ValidAnalysis(),
		[]byte("incbuild analysis v1\nproduct\t/r/a.src\t/r/a.class\n"), 0o644))
	before, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)

	require.NoError(t, sess.Prepare(t.Context(), &invalidation.Check{}))

	deleted, err := sess.DeletedSources()
	require.NoError(t, err)
	require.Empty(t, deleted)

	after, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)
	require.Equal(t, before, after, "no-op prepare must not rewrite the valid store")
}

func TestPrepareAgainWithSameInvalidTargetsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.target(t, "src/a:a", "src/a/a.src")
	b := f.target(t, "src/b:b", "src/b/b.src")
	targets := []*invalidation.Target{a, b}

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)
	check := f.check(t, targets)
	require.NoError(t, sess.Prepare(t.Context(), check))
	require.NoError(t, sess.CompileChunk(t.Context(), check, nil, nil, f.compileOK(t)))

	// Invalidate a, prepare once.
	f.edit(t, "src/a/a.src")
	sess2, err := f.strategy.NewSession()
	require.NoError(t, err)
	check2 := f.check(t, targets)
	require.Len(t, check2.InvalidVTS, 1)
	require.NoError(t, sess2.Prepare(t.Context(), check2))

	validBefore, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)
	invalidBefore, err := os.ReadFile(f.layout.InvalidAnalysis())
	require.NoError(t, err)

	// A second prepare, as after an aborted build, sees the same invalid
	// target and must leave both canonical stores byte-identical.
	sess3, err := f.strategy.NewSession()
	require.NoError(t, err)
	check3 := f.check(t, targets)
	require.Len(t, check3.InvalidVTS, 1)
	require.NoError(t, sess3.Prepare(t.Context(), check3))

	validAfter, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)
	invalidAfter, err := os.ReadFile(f.layout.InvalidAnalysis())
	require.NoError(t, err)
	require.Equal(t, validBefore, validAfter, "repeated prepare must not rewrite the valid store")
	require.Equal(t, invalidBefore, invalidAfter, "repeated prepare must not rewrite the invalid store")
}

func TestDeletedSourcesBeforePrepareIsError(t *testing.T) {
	f := newFixture(t)

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)

	_, err = sess.DeletedSources()
	require.Error(t, err)
}

func TestCompileChunkBeforePrepareIsError(t *testing.T) {
	f := newFixture(t)

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)

	err = sess.CompileChunk(t.Context(), &invalidation.Check{}, nil, nil, f.compileOK(t))
	require.Error(t, err)
}

func TestPrepareMovesInvalidatedAnalysisOut(t *testing.T) {
	f := newFixture(t)
	a := f.target(t, "src/a:a", "src/a/a.src")
	b := f.target(t, "src/b:b", "src/b/b.src")
	targets := []*invalidation.Target{a, b}

	// First build: everything compiles and the valid store covers a and b.
	sess, err := f.strategy.NewSession()
	require.NoError(t, err)
	check := f.check(t, targets)
	require.NoError(t, sess.Prepare(t.Context(), check))
	require.NoError(t, sess.CompileChunk(t.Context(), check, nil, nil, f.compileOK(t)))
	require.Equal(t, []string{f.abs("src/a/a.src"), f.abs("src/b/b.src")}, f.validSources(t))

	// Edit a: its analysis must move from valid to invalid during prepare.
	f.edit(t, "src/a/a.src")
	sess2, err := f.strategy.NewSession()
	require.NoError(t, err)
	check2 := f.check(t, targets)
	require.Len(t, check2.InvalidVTS, 1)
	require.NoError(t, sess2.Prepare(t.Context(), check2))

	require.Equal(t, []string{f.abs("src/b/b.src")}, f.validSources(t))
	require.Equal(t, []string{f.abs("src/a/a.src")}, f.invalidSources(t))
}
