// Package compile implements the incremental compilation orchestrator: it
// decides what to rebuild, partitions the work, drives the compiler callback
// per partition, and keeps the canonical analysis stores consistent across
// partial failures.
package compile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/cachework"
	"git.home.luguber.info/inful/incbuild/internal/classindex"
	"git.home.luguber.info/inful/incbuild/internal/classpath"
	"git.home.luguber.info/inful/incbuild/internal/config"
	"git.home.luguber.info/inful/incbuild/internal/depcheck"
	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/eventstore"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/metrics"
	"git.home.luguber.info/inful/incbuild/internal/scm"
	"git.home.luguber.info/inful/incbuild/internal/workspace"
)

// CompileFn invokes the actual compiler on one partition. The partition's
// prior analysis is pre-seeded at analysisOut; the compiler updates it in
// place. Success with an absent or empty analysisOut means the compiler
// produced no analysis.
type CompileFn func(ctx context.Context, targets []*invalidation.Target, sources []string,
	analysisOut string, cp []classpath.Entry, classesDir, progress string) error

// Strategy holds the long-lived collaborators of the orchestrator. All
// per-invocation state lives on a Session.
type Strategy struct {
	cfg    *config.Config
	layout *workspace.Layout
	tools  analysis.Tools
	logger *slog.Logger

	recorder metrics.Recorder
	runner   *cachework.Runner
	cache    cachework.ArtifactCache
	detector scm.ChangeDetector
	analyzer *depcheck.Analyzer
	events   eventstore.Store
	boot     classindex.BootClasspath
}

// NewStrategy creates an orchestrator over the given workspace layout and
// analysis tools.
func NewStrategy(cfg *config.Config, layout *workspace.Layout, tools analysis.Tools, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		cfg:      cfg,
		layout:   layout,
		tools:    tools,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
		cache:    cachework.NoopCache{},
	}
}

// SetRecorder injects a metrics recorder (optional).
func (s *Strategy) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.recorder = r
}

// SetCacheWork injects the artifact cache and the background runner that
// carries cache writes. Without both, caching is disabled.
func (s *Strategy) SetCacheWork(cache cachework.ArtifactCache, runner *cachework.Runner) {
	if cache == nil {
		cache = cachework.NoopCache{}
	}
	s.cache = cache
	s.runner = runner
}

// SetChangeDetector injects the SCM change detector used by the
// partition-stability heuristic.
func (s *Strategy) SetChangeDetector(d scm.ChangeDetector) { s.detector = d }

// SetDepAnalyzer injects the dependency analyzer (optional).
func (s *Strategy) SetDepAnalyzer(a *depcheck.Analyzer) { s.analyzer = a }

// SetEventStore injects the build-event journal (optional).
func (s *Strategy) SetEventStore(store eventstore.Store) { s.events = store }

// EventStore returns the configured journal, nil when none is set.
func (s *Strategy) EventStore() eventstore.Store { return s.events }

// SetBootClasspath configures the bootstrap classpath scanned by the class
// index ahead of the compile classpath.
func (s *Strategy) SetBootClasspath(boot classindex.BootClasspath) { s.boot = boot }

// Layout exposes the workspace layout.
func (s *Strategy) Layout() *workspace.Layout { return s.layout }

// NewSession starts a compile invocation. EnsureDirs runs here so a clean
// goal wiping the workdir beforehand stays safe.
func (s *Strategy) NewSession() (*Session, error) {
	if err := s.layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return &Session{
		s:       s,
		buildID: uuid.NewString(),
	}, nil
}

// Shutdown drains background cache work and, when delete_scratch is set,
// removes the scratch root. Scratch files must outlive sessions because
// pending cache writes reference them, so this runs once at process exit.
func (s *Strategy) Shutdown(ctx context.Context) {
	if s.runner != nil {
		s.runner.Stop(ctx)
	}
	if s.cfg.DeleteScratch {
		if err := s.layout.RemoveCacheTmp(); err != nil {
			s.logger.Warn("Scratch cleanup failed", logfields.Error(err))
		}
	}
}

// Session carries the state of one compile invocation: the deleted-source
// set computed by Prepare, the memoized class index, and the products
// registered as partitions commit.
type Session struct {
	s       *Strategy
	buildID string

	prepared       bool
	deletedSources []string

	index    *classindex.Session
	products map[string][]string // absolute source -> output artifacts
}

// BuildID identifies this invocation in logs and the event journal.
func (sess *Session) BuildID() string { return sess.buildID }

// DeletedSources returns the global deleted-source set computed by Prepare.
// Calling it before Prepare is a programming error.
func (sess *Session) DeletedSources() ([]string, error) {
	if !sess.prepared {
		return nil, errInternal("deleted sources requested before Prepare")
	}
	return sess.deletedSources, nil
}

// registerProducts merges the products recorded in the analysis at path into
// the session registry, attaching any recorded resources for each source's
// owning target.
func (sess *Session) registerProducts(path string) error {
	products, err := sess.s.tools.ParseProducts(path, sess.s.layout.ClassesDir())
	if err != nil {
		return err
	}
	if sess.products == nil {
		sess.products = make(map[string][]string, len(products))
	}
	for src, artifacts := range products {
		sess.products[src] = artifacts
	}
	return nil
}

// RegisterProducts records the products of the analysis at path, typically
// the global valid store when every target is already valid and no compile
// loop runs.
func (sess *Session) RegisterProducts(path string) error {
	return sess.registerProducts(path)
}

// Products returns the artifacts registered so far for the given absolute
// source path.
func (sess *Session) Products(source string) []string {
	return sess.products[source]
}

func errInternal(msg string) error {
	return errors.New(errors.CategoryInternal, errors.SeverityFatal, msg)
}

// emit journals an event, tolerating both construction and append failures.
// The journal is advisory; it never fails a build.
func (sess *Session) emit(ctx context.Context, event eventstore.Event, buildErr error) {
	if buildErr != nil {
		sess.s.logger.Warn("Failed to create journal event",
			logfields.BuildID(sess.buildID), logfields.Error(buildErr))
		return
	}
	if err := eventstore.AppendEvent(ctx, sess.s.events, event); err != nil {
		sess.s.logger.Warn("Failed to journal event",
			logfields.BuildID(sess.buildID), logfields.Error(err))
	}
}

// absSources returns the target's sources as absolute paths anchored at the
// build root.
func (s *Strategy) absSources(t *invalidation.Target) []string {
	out := make([]string, 0, len(t.Sources))
	for _, src := range t.Sources {
		out = append(out, filepath.Join(s.cfg.BuildRoot, src))
	}
	return out
}

// move transfers a scratch file to its destination. With delete_scratch the
// file is renamed; otherwise it is copied and the scratch copy left behind
// for inspection.
func (s *Strategy) move(src, dest string) error {
	if s.cfg.DeleteScratch {
		if err := os.Rename(src, dest); err == nil {
			return nil
		}
		// Cross-device rename fails; fall through to copy then delete.
		if err := copyFile(src, dest); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dest + ".tmp." + uuid.NewString()[:8]
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
