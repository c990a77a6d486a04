package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/incbuild/internal/logfields"
)

// Layout describes the persistent task working directory. All canonical
// analysis state, compiled classes and per-target bookkeeping live under it.
type Layout struct {
	workdir string
}

// NewLayout creates a layout rooted at workdir. Directories are created
// lazily by EnsureDirs, so a clean goal that wipes the workdir beforehand
// does not race directory creation.
func NewLayout(workdir string) *Layout {
	return &Layout{workdir: workdir}
}

// Workdir returns the task working directory root.
func (l *Layout) Workdir() string { return l.workdir }

// AnalysisDir holds the canonical and scratch analysis files.
func (l *Layout) AnalysisDir() string { return filepath.Join(l.workdir, "analysis") }

// ValidAnalysis is the canonical analysis file for currently valid sources.
func (l *Layout) ValidAnalysis() string {
	return filepath.Join(l.AnalysisDir(), "global_analysis.valid")
}

// InvalidAnalysis is the canonical analysis file for invalidated sources.
func (l *Layout) InvalidAnalysis() string {
	return filepath.Join(l.AnalysisDir(), "global_analysis.invalid")
}

// CacheTmpRoot is the well-known scratch root used to munge analysis files
// before caching. It must be well-known so cache hits can be reconciled by
// the same naming rule without extra bookkeeping.
func (l *Layout) CacheTmpRoot() string {
	return filepath.Join(l.AnalysisDir(), "artifact_cache_tmpdir")
}

// ClassesDir is the shared classes output directory.
func (l *Layout) ClassesDir() string { return filepath.Join(l.workdir, "classes") }

// ResourcesDir is the shared resources output directory.
func (l *Layout) ResourcesDir() string { return filepath.Join(l.workdir, "resources") }

// TargetSourcesDir holds the per-target sources records.
func (l *Layout) TargetSourcesDir() string { return filepath.Join(l.workdir, "target_sources") }

// FingerprintsDir holds per-target input fingerprints for invalidation.
func (l *Layout) FingerprintsDir() string { return filepath.Join(l.workdir, "fingerprints") }

// EnsureDirs creates the working directories needed during execution.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.AnalysisDir(),
		l.CacheTmpRoot(),
		l.ClassesDir(),
		l.ResourcesDir(),
		l.TargetSourcesDir(),
		l.FingerprintsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create working directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewScratchDir creates a fresh uuid-named directory under the cache scratch
// root and returns its path.
func (l *Layout) NewScratchDir() (string, error) {
	dir := filepath.Join(l.CacheTmpRoot(), uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	slog.Debug("Created scratch directory", logfields.Path(dir))
	return dir, nil
}

// RemoveCacheTmp removes the entire cache scratch root. Call only at process
// shutdown: background cache work may reference files under it until then.
func (l *Layout) RemoveCacheTmp() error {
	if err := os.RemoveAll(l.CacheTmpRoot()); err != nil {
		return fmt.Errorf("cleanup scratch root: %w", err)
	}
	return nil
}
