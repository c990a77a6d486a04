package compile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/eventstore"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// Prepare reconciles the canonical analysis stores against the invalidation
// check before any compilation runs. Analysis for invalidated and deleted
// sources is split out of the valid store and folded into the invalid store,
// so the valid store only ever describes sources that are current.
//
// With no invalid targets this is a strict no-op: the deleted-source set is
// empty and neither store is touched.
func (sess *Session) Prepare(ctx context.Context, check *invalidation.Check) error {
	s := sess.s

	if len(check.InvalidVTS) == 0 {
		sess.deletedSources = nil
		sess.prepared = true
		ev, err := eventstore.NewCompilePrepared(sess.buildID, 0, 0)
		sess.emit(ctx, ev, err)
		return nil
	}

	start := time.Now()
	invalidSources := sets.New[string]()
	invalidTargets := 0
	for _, vts := range check.InvalidVTS {
		for _, t := range vts.Targets {
			invalidTargets++
			invalidSources.AddAll(s.absSources(t)...)
		}
	}

	validStore := s.layout.ValidAnalysis()
	nonEmpty, err := s.tools.IsNonEmpty(validStore)
	if err != nil {
		return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"inspect valid analysis store")
	}

	var deleted []string
	if nonEmpty {
		deleted, err = sess.findDeletedSources(validStore)
		if err != nil {
			return err
		}

		splitSet := invalidSources.Clone()
		splitSet.AddAll(deleted...)

		scratch, err := s.layout.NewScratchDir()
		if err != nil {
			return err
		}
		newlyInvalid := filepath.Join(scratch, "newly_invalid.analysis")
		stillValid := filepath.Join(scratch, "still_valid.analysis")

		if err := s.tools.Split(validStore,
			[]analysis.SplitSpec{{Sources: splitSet.Values(), Out: newlyInvalid}},
			stillValid); err != nil {
			return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"split valid analysis on invalidated sources")
		}

		invalidStore := s.layout.InvalidAnalysis()
		hasNewlyInvalid, err := s.tools.IsNonEmpty(newlyInvalid)
		if err != nil {
			return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"inspect newly invalid analysis")
		}
		if hasNewlyInvalid {
			merged := filepath.Join(scratch, "invalid_merged.analysis")
			if err := s.tools.Merge([]string{invalidStore, newlyInvalid}, merged); err != nil {
				return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
					"merge newly invalid analysis into invalid store")
			}
			if err := s.move(merged, invalidStore); err != nil {
				return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
					"replace invalid analysis store")
			}
		}

		// The valid store is replaced last: a crash before this point leaves
		// the prior valid store intact, and the invalid store at worst holds
		// extra records that a later build re-derives.
		if err := s.move(stillValid, validStore); err != nil {
			return errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
				"replace valid analysis store")
		}
	}

	sess.deletedSources = deleted
	sess.prepared = true

	s.recorder.SetInvalidTargets(invalidTargets)
	s.recorder.ObserveStageDuration("prepare", time.Since(start))
	s.logger.Info("Prepared analysis stores",
		logfields.BuildID(sess.buildID),
		logfields.Targets(invalidTargets),
		logfields.Sources(len(deleted)))

	ev, evErr := eventstore.NewCompilePrepared(sess.buildID, invalidTargets, len(deleted))
	sess.emit(ctx, ev, evErr)
	return nil
}

// findDeletedSources returns sources recorded in the valid store that no
// longer exist on disk. Deletion is tracked globally rather than per target;
// the whole set rides along with the first compiled partition.
func (sess *Session) findDeletedSources(validStore string) ([]string, error) {
	products, err := sess.s.tools.ParseProducts(validStore, sess.s.layout.ClassesDir())
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryAnalysis, errors.SeverityFatal,
			"read valid analysis sources")
	}

	var deleted []string
	for src := range products {
		if _, statErr := os.Stat(src); os.IsNotExist(statErr) {
			deleted = append(deleted, src)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}
