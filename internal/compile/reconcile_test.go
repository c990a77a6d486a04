package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/incbuild/internal/invalidation"
)

// seedPortable plants a portable analysis at the target's deterministic
// scratch path, as a cache fetch would, mapping each source to a class file.
func (f *fixture) seedPortable(t *testing.T, target *invalidation.Target, sources ...string) {
	t.Helper()

	local := filepath.Join(t.TempDir(), "local.analysis")
	var b strings.Builder
	b.WriteString("incbuild analysis v1\n")
	for _, src := range sources {
		class := filepath.Join(f.layout.ClassesDir(),
			strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".class")
		fmt.Fprintf(&b, "product\t%s\t%s\n", f.abs(src), class)
	}
	require.NoError(t, os.WriteFile(local, []byte(b.String()), 0o644))
	require.NoError(t, f.tools.Relativize(local, f.strategy.targetPortableScratch(target)))
}

func TestPostProcessCachedTargetsSupersedesPriorAnalysis(t *testing.T) {
	f := newFixture(t)
	a := f.target(t, "src/a:a", "src/a/old.src", "src/a/kept.src")
	b := f.target(t, "src/b:b", "src/b/b.src")
	targets := []*invalidation.Target{a, b}

	// Full build records analysis and sources for both targets.
	sess, err := f.strategy.NewSession()
	require.NoError(t, err)
	check := f.check(t, targets)
	require.NoError(t, sess.Prepare(t.Context(), check))
	require.NoError(t, sess.CompileChunk(t.Context(), check, nil, nil, f.compileOK(t)))

	// A cache hit delivers analysis for target a covering only kept.src:
	// upstream, old.src was removed from the target.
	f.seedPortable(t, a, "src/a/kept.src")

	sess2, err := f.strategy.NewSession()
	require.NoError(t, err)
	hitVTS := []*invalidation.VersionedTargetSet{{Targets: []*invalidation.Target{a}}}
	require.NoError(t, sess2.PostProcessCachedTargets(t.Context(), hitVTS))

	// The cached analysis fully supersedes the target's prior records: the
	// dropped source is gone, the unrelated target untouched.
	require.Equal(t, []string{f.abs("src/a/kept.src"), f.abs("src/b/b.src")}, f.validSources(t))

	prev, err := f.strategy.previousTargetSources(a)
	require.NoError(t, err)
	require.Equal(t, []string{f.abs("src/a/kept.src")}, prev)
}

func TestPostProcessCachedTargetsNothingLocalizedIsNoOp(t *testing.T) {
	f := newFixture(t)
	a := f.target(t, "src/a:a", "src/a/a.src")
	targets := []*invalidation.Target{a}

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)
	check := f.check(t, targets)
	require.NoError(t, sess.Prepare(t.Context(), check))
	require.NoError(t, sess.CompileChunk(t.Context(), check, nil, nil, f.compileOK(t)))

	before, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)

	// No portable file exists for the claimed hit; the store is untouched,
	// never truncated.
	sess2, err := f.strategy.NewSession()
	require.NoError(t, err)
	hitVTS := []*invalidation.VersionedTargetSet{{Targets: []*invalidation.Target{a}}}
	require.NoError(t, sess2.PostProcessCachedTargets(t.Context(), hitVTS))

	after, err := os.ReadFile(f.layout.ValidAnalysis())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPostProcessCachedTargetsEmptyInput(t *testing.T) {
	f := newFixture(t)

	sess, err := f.strategy.NewSession()
	require.NoError(t, err)
	require.NoError(t, sess.PostProcessCachedTargets(t.Context(), nil))
}
