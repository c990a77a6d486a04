package compile

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/classindex"
	"git.home.luguber.info/inful/incbuild/internal/classpath"
	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/eventstore"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/metrics"
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// partition is one compile batch: its target sets, de-duplicated absolute
// sources, and the scratch analysis file seeded from the invalid store.
type partition struct {
	vts      []*invalidation.VersionedTargetSet
	targets  []*invalidation.Target
	sources  []string
	analysis string
}

// CompileChunk drives the compile loop for one invalidation check. Partitions
// compile strictly sequentially; after each success the partition's analysis
// is merged into the valid store, products are registered, dependencies are
// checked, a background cache write is scheduled, the invalid store is
// trimmed, target sources are recorded, and only then are the target sets
// committed. A compile failure is fatal for the invocation but leaves every
// earlier partition fully committed and the canonical stores untouched by
// the failed partition.
func (sess *Session) CompileChunk(ctx context.Context, check *invalidation.Check,
	upstream, extraCompileTime []classpath.Entry, compileFn CompileFn) error {
	s := sess.s

	if !sess.prepared {
		return errInternal("CompileChunk called before Prepare")
	}
	if len(check.InvalidVTS) == 0 {
		return nil
	}

	cp := classpath.Dedupe(append(append([]classpath.Entry{}, upstream...), extraCompileTime...))
	if err := classpath.Validate(cp, s.cfg.BuildRoot); err != nil {
		return err
	}

	classesDir := s.layout.ClassesDir()
	sess.index = classindex.NewSession(s.boot, classpath.Paths(cp, s.cfg.Confs), classesDir)

	scratch, err := s.layout.NewScratchDir()
	if err != nil {
		return err
	}

	partitions, err := sess.buildPartitions(check.InvalidPartitioned, scratch)
	if err != nil {
		return err
	}

	for i, p := range partitions {
		progress := fmt.Sprintf("partition %d of %d", i+1, len(partitions))
		if err := sess.compilePartition(ctx, i, p, partitions[i+1:], cp, classesDir, progress, compileFn); err != nil {
			return err
		}
	}
	return nil
}

// buildPartitions materializes the checker's grouping: per-partition sources
// are de-duplicated (a source claimed by several targets compiles once, with
// the duplicates enumerated in a warning), and the invalid store is split
// into per-partition analysis files in a single pass. The global
// deleted-source set rides with the first partition so its stale records are
// pruned as soon as anything compiles.
func (sess *Session) buildPartitions(groups [][]*invalidation.VersionedTargetSet, scratch string) ([]*partition, error) {
	s := sess.s

	partitions := make([]*partition, 0, len(groups))
	var specs []analysis.SplitSpec

	for i, group := range groups {
		p := &partition{
			vts:      group,
			analysis: filepath.Join(scratch, fmt.Sprintf("partition%d.analysis", i)),
		}

		seen := sets.New[string]()
		var duplicates []string
		for _, vts := range group {
			for _, t := range vts.Targets {
				p.targets = append(p.targets, t)
				for _, src := range s.absSources(t) {
					if seen.Has(src) {
						duplicates = append(duplicates, src)
						continue
					}
					seen.Add(src)
					p.sources = append(p.sources, src)
				}
			}
		}
		if len(duplicates) > 0 {
			sort.Strings(duplicates)
			s.logger.Warn("Sources claimed by multiple targets compile once",
				logfields.Partition(i),
				logfields.Path(strings.Join(duplicates, ", ")))
		}

		splitSources := p.sources
		if i == 0 && len(sess.deletedSources) > 0 {
			splitSources = append(append([]string{}, p.sources...), sess.deletedSources...)
		}
		specs = append(specs, analysis.SplitSpec{Sources: splitSources, Out: p.analysis})
		partitions = append(partitions, p)
	}

	start := time.Now()
	if err := s.tools.Split(s.layout.InvalidAnalysis(), specs, ""); err != nil {
		return nil, errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"split invalid analysis into partitions")
	}
	s.recorder.ObserveStageDuration("split", time.Since(start))
	return partitions, nil
}

func (sess *Session) compilePartition(ctx context.Context, idx int, p *partition,
	rest []*partition, cp []classpath.Entry, classesDir, progress string, compileFn CompileFn) error {
	s := sess.s

	s.logger.Info("Compiling partition",
		logfields.BuildID(sess.buildID),
		logfields.Partition(idx),
		logfields.Targets(len(p.targets)),
		logfields.Sources(len(p.sources)))

	start := time.Now()
	err := compileFn(ctx, p.targets, p.sources, p.analysis, cp, classesDir, progress)
	duration := time.Since(start)
	if err != nil {
		s.recorder.ObservePartitionDuration(duration, metrics.ResultFailed)
		s.recorder.IncPartitionResult(metrics.ResultFailed)
		ev, evErr := eventstore.NewPartitionFailed(sess.buildID, idx, err.Error())
		sess.emit(ctx, ev, evErr)
		return errors.Wrap(err, errors.CategoryCompile, errors.SeverityFatal,
			"partition compile failed").WithContext("partition", idx)
	}

	s.recorder.ObservePartitionDuration(duration, metrics.ResultSuccess)
	s.recorder.IncPartitionResult(metrics.ResultSuccess)
	s.recorder.AddSourcesCompiled(len(p.sources))

	hasAnalysis, err := s.tools.IsNonEmpty(p.analysis)
	if err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"inspect partition analysis")
	}
	if hasAnalysis {
		if err := sess.mergeIntoValid(p.analysis); err != nil {
			return err
		}
		if err := sess.registerProducts(p.analysis); err != nil {
			return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"register partition products")
		}
		// Dependency checks run after the merge: a warn-mode violation still
		// leaves a usable incremental build behind.
		if err := sess.checkDeps(p); err != nil {
			return err
		}
		sess.scheduleCacheWrites(p)
	}

	if err := sess.trimInvalid(rest); err != nil {
		return err
	}

	// Sources are recorded even when no analysis was produced: the record
	// reflects what the target was last compiled from, not what it emitted.
	for _, t := range p.targets {
		if err := s.recordTargetSources(t, s.absSources(t)); err != nil {
			return errors.Wrap(err, errors.CategoryFileSystem, errors.SeverityFatal,
				"record target sources").WithContext("target", t.ID)
		}
	}

	// Committing the target sets is last: everything above is re-derivable
	// until this point, so a crash mid-partition re-runs the partition.
	for _, vts := range p.vts {
		if err := vts.Update(); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal,
				"commit target set").WithContext("vts", vts.String())
		}
	}

	ev, evErr := eventstore.NewPartitionCompiled(sess.buildID, idx, targetIDs(p.targets), len(p.sources), duration)
	sess.emit(ctx, ev, evErr)
	return nil
}

// mergeIntoValid folds a partition's fresh analysis into the valid store.
// When the valid store is empty the partition file is adopted by copy, never
// by move: the background cache work chain still reads the scratch file.
func (sess *Session) mergeIntoValid(partitionAnalysis string) error {
	s := sess.s
	validStore := s.layout.ValidAnalysis()
	start := time.Now()
	defer func() { s.recorder.ObserveStageDuration("merge", time.Since(start)) }()

	validNonEmpty, err := s.tools.IsNonEmpty(validStore)
	if err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"inspect valid analysis store")
	}
	if !validNonEmpty {
		if err := copyFile(partitionAnalysis, validStore); err != nil {
			return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"adopt partition analysis as valid store")
		}
		return nil
	}

	scratchDir := filepath.Dir(partitionAnalysis)
	merged := filepath.Join(scratchDir, filepath.Base(partitionAnalysis)+".merged")
	if err := s.tools.Merge([]string{validStore, partitionAnalysis}, merged); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"merge partition analysis into valid store")
	}
	if err := s.move(merged, validStore); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"replace valid analysis store")
	}
	return nil
}

func (sess *Session) checkDeps(p *partition) error {
	s := sess.s
	if s.analyzer == nil || !s.cfg.DepCheck.Enabled() {
		return nil
	}
	deps, err := s.tools.ParseDeps(p.analysis, sess.index.Index, s.layout.ClassesDir())
	if err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"parse partition dependency facts")
	}
	return s.analyzer.Check(p.sources, deps)
}

// trimInvalid shrinks the invalid store down to the sources of partitions
// not yet compiled. After the last partition the store is empty.
func (sess *Session) trimInvalid(rest []*partition) error {
	s := sess.s
	start := time.Now()
	defer func() { s.recorder.ObserveStageDuration("trim", time.Since(start)) }()

	var remaining []string
	for _, p := range rest {
		remaining = append(remaining, p.sources...)
	}

	scratch, err := s.layout.NewScratchDir()
	if err != nil {
		return err
	}
	trimmed := filepath.Join(scratch, "invalid_trimmed.analysis")
	if err := s.tools.Split(s.layout.InvalidAnalysis(),
		[]analysis.SplitSpec{{Sources: remaining, Out: trimmed}}, ""); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"trim invalid analysis store")
	}
	if err := s.move(trimmed, s.layout.InvalidAnalysis()); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"replace invalid analysis store")
	}
	return nil
}

func targetIDs(targets []*invalidation.Target) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}
