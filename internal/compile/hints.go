package compile

import (
	"context"
	"path/filepath"

	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// InvalidationHints computes the partitioning inputs for an invalidation
// check: the configured partition size hint plus the set of locally-changed
// target ids, when that heuristic applies.
//
// The heuristic segregates targets with uncommitted local edits into their
// own partition so repeated edit-compile cycles keep hitting a small, stable
// batch. It is abandoned (nil) when the SCM is unavailable, when it is
// disabled by configuration, or when more targets changed than the
// configured limit, in which case partitioning falls back to size alone.
func (s *Strategy) InvalidationHints(ctx context.Context, targets []*invalidation.Target) (int, sets.Set[string]) {
	sizeHint := s.cfg.PartitionSizeHint

	limit := s.cfg.ChangedTargetsHeuristicLimit
	if limit <= 0 || s.detector == nil {
		return sizeHint, nil
	}

	changed, err := s.detector.ChangedFiles(ctx, true, s.cfg.BuildRoot)
	if err != nil {
		s.logger.Debug("Change detection unavailable, skipping locality heuristic",
			logfields.Error(err))
		return sizeHint, nil
	}

	// Inverse index: build-root-relative source path -> owning target ids.
	owners := make(map[string][]string)
	for _, t := range targets {
		for _, src := range t.Sources {
			key := filepath.ToSlash(src)
			owners[key] = append(owners[key], t.ID)
		}
	}

	changedTargets := sets.New[string]()
	for _, path := range changed {
		for _, id := range owners[filepath.ToSlash(path)] {
			changedTargets.Add(id)
		}
	}

	if changedTargets.Len() == 0 || changedTargets.Len() > limit {
		return sizeHint, nil
	}

	s.logger.Debug("Locally changed targets will lead partitioning",
		logfields.Targets(changedTargets.Len()))
	return sizeHint, changedTargets
}
