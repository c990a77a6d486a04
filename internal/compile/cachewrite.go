package compile

import (
	"context"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/cachework"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
)

// targetAnalysisScratch is the deterministic scratch path holding a single
// target's analysis split. Cache writes produce it and cache-hit
// reconciliation finds it again by the same rule, so no bookkeeping needs to
// survive between processes.
func (s *Strategy) targetAnalysisScratch(t *invalidation.Target) string {
	return filepath.Join(s.layout.CacheTmpRoot(), t.SafeID()+".analysis")
}

// targetPortableScratch is the machine-independent form of the target's
// analysis, the file that actually travels through the artifact cache.
func (s *Strategy) targetPortableScratch(t *invalidation.Target) string {
	return filepath.Join(s.layout.CacheTmpRoot(), t.SafeID()+".analysis.portable")
}

// scheduleCacheWrites submits one background work chain per cacheable target
// of a successfully compiled partition: split the target's analysis out of
// the partition file, relativize it, then upload it together with the
// target's classes and resources. The call returns immediately; failures are
// logged by the runner and never fail the build.
func (sess *Session) scheduleCacheWrites(p *partition) {
	s := sess.s
	if s.runner == nil {
		return
	}

	for _, vts := range p.vts {
		fingerprint := vts.Fingerprint
		for _, t := range vts.Targets {
			if t.NoCache {
				s.logger.Debug("Target opted out of caching", logfields.Target(t.ID))
				continue
			}
			sess.submitCacheWrite(t, fingerprint, p.analysis)
		}
	}
}

func (sess *Session) submitCacheWrite(t *invalidation.Target, fingerprint, partitionAnalysis string) {
	s := sess.s

	absSources := s.absSources(t)
	analysisScratch := s.targetAnalysisScratch(t)
	portableScratch := s.targetPortableScratch(t)
	key := t.SafeID() + "-" + fingerprint

	// Artifacts are snapshotted now, while the session's product registry
	// reflects this partition.
	var classes []string
	for _, src := range absSources {
		classes = append(classes, sess.products[src]...)
	}
	resourcesDir := filepath.Join(s.layout.ResourcesDir(), t.SafeID())

	chain := cachework.Chain{
		Label: t.ID,
		Steps: []cachework.Step{
			{Name: "split", Run: func(context.Context) error {
				return s.tools.Split(partitionAnalysis,
					[]analysis.SplitSpec{{Sources: absSources, Out: analysisScratch}}, "")
			}},
			{Name: "relativize", Run: func(context.Context) error {
				return s.tools.Relativize(analysisScratch, portableScratch)
			}},
			{Name: "upload", Run: func(stepCtx context.Context) error {
				files := append([]string{portableScratch}, existingFiles(classes)...)
				files = append(files, filesUnder(resourcesDir)...)
				return s.cache.Insert(stepCtx, key, s.layout.Workdir(), files)
			}},
		},
	}

	if err := s.runner.Submit(chain); err != nil {
		s.logger.Warn("Cache write not scheduled",
			logfields.Target(t.ID), logfields.Error(err))
	}
}

func existingFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func filesUnder(dir string) []string {
	var out []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out
}
