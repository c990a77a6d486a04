package compile

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/eventstore"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
)

// PostProcessCachedTargets folds cache-hit analysis into the valid store.
// The artifact cache restored each hit target's portable analysis at its
// deterministic scratch path; this localizes those files, strips the
// targets' previously recorded analysis out of the valid store, and merges
// the trimmed remainder with the localized replacements. The strip set is
// read before any mutation: cached analysis supersedes whatever the store
// held for those targets, even sources the target no longer owns.
//
// With nothing to localize this is a strict no-op; the valid store is never
// truncated on an empty merge.
func (sess *Session) PostProcessCachedTargets(ctx context.Context, cachedVTS []*invalidation.VersionedTargetSet) error {
	s := sess.s
	if len(cachedVTS) == 0 {
		return nil
	}

	var targets []*invalidation.Target
	for _, vts := range cachedVTS {
		targets = append(targets, vts.Targets...)
	}

	// Previously recorded sources form the strip set, gathered first.
	var stripSet []string
	for _, t := range targets {
		prev, err := s.previousTargetSources(t)
		if err != nil {
			return errors.Wrap(err, errors.CategoryFileSystem, errors.SeverityFatal,
				"read previous target sources").WithContext("target", t.ID)
		}
		stripSet = append(stripSet, prev...)
	}
	sort.Strings(stripSet)

	localized, cachedSources, err := sess.localizeCached(targets)
	if err != nil {
		return err
	}
	if len(localized) == 0 {
		return nil
	}

	scratch, err := s.layout.NewScratchDir()
	if err != nil {
		return err
	}
	validStore := s.layout.ValidAnalysis()

	trimmed := filepath.Join(scratch, "valid_trimmed.analysis")
	stripped := filepath.Join(scratch, "stripped.analysis")
	if err := s.tools.Split(validStore,
		[]analysis.SplitSpec{{Sources: stripSet, Out: stripped}}, trimmed); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"strip superseded analysis from valid store")
	}

	merged := filepath.Join(scratch, "valid_merged.analysis")
	inputs := append([]string{trimmed}, localized...)
	if err := s.tools.Merge(inputs, merged); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"merge localized cache-hit analysis")
	}
	if err := s.move(merged, validStore); err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"replace valid analysis store")
	}

	hitCount := 0
	for _, t := range targets {
		srcs, ok := cachedSources[t.ID]
		if !ok {
			continue
		}
		hitCount++
		if err := s.recordTargetSources(t, srcs); err != nil {
			return errors.Wrap(err, errors.CategoryFileSystem, errors.SeverityFatal,
				"record cached target sources").WithContext("target", t.ID)
		}
	}

	s.recorder.AddCacheHitTargets(hitCount)
	s.logger.Info("Reconciled cache hits",
		logfields.BuildID(sess.buildID),
		logfields.Targets(hitCount))

	ev, evErr := eventstore.NewCacheHitsApplied(sess.buildID, hitCount)
	sess.emit(ctx, ev, evErr)
	return nil
}

// localizeCached rewrites each restored portable analysis back to machine
// paths. Targets whose portable file is absent simply did not hit the cache
// at this layer and are skipped.
func (sess *Session) localizeCached(targets []*invalidation.Target) ([]string, map[string][]string, error) {
	s := sess.s

	var localized []string
	cachedSources := make(map[string][]string)
	for _, t := range targets {
		portable := s.targetPortableScratch(t)
		if _, err := os.Stat(portable); os.IsNotExist(err) {
			continue
		}
		local := s.targetAnalysisScratch(t)
		if err := s.tools.Localize(portable, local); err != nil {
			return nil, nil, errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"localize cached analysis").WithContext("target", t.ID)
		}
		localized = append(localized, local)

		products, err := s.tools.ParseProducts(local, s.layout.ClassesDir())
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"read cached analysis sources").WithContext("target", t.ID)
		}
		srcs := make([]string, 0, len(products))
		for src := range products {
			srcs = append(srcs, src)
		}
		sort.Strings(srcs)
		cachedSources[t.ID] = srcs
	}
	return localized, cachedSources, nil
}
