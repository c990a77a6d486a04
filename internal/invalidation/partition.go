package invalidation

import (
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// Partition groups invalid target sets into compile batches of roughly
// sizeHint sources each. Locally-changed targets, when provided, are
// segregated into a leading partition of their own: repeated local edits
// then keep hitting the same small partition instead of reshaping every
// batch.
func Partition(invalid []*VersionedTargetSet, sizeHint int, locallyChanged sets.Set[string]) [][]*VersionedTargetSet {
	if len(invalid) == 0 {
		return nil
	}

	var local, rest []*VersionedTargetSet
	if locallyChanged != nil {
		for _, vts := range invalid {
			if containsAny(vts, locallyChanged) {
				local = append(local, vts)
			} else {
				rest = append(rest, vts)
			}
		}
	} else {
		rest = invalid
	}

	var partitions [][]*VersionedTargetSet
	if len(local) > 0 {
		partitions = append(partitions, local)
	}
	partitions = append(partitions, bySize(rest, sizeHint)...)
	return partitions
}

func containsAny(vts *VersionedTargetSet, ids sets.Set[string]) bool {
	for _, t := range vts.Targets {
		if ids.Has(t.ID) {
			return true
		}
	}
	return false
}

// bySize packs sets in order until each batch reaches the hint. A hint of
// zero packs everything into one batch.
func bySize(vts []*VersionedTargetSet, sizeHint int) [][]*VersionedTargetSet {
	if len(vts) == 0 {
		return nil
	}
	if sizeHint <= 0 {
		return [][]*VersionedTargetSet{vts}
	}

	var partitions [][]*VersionedTargetSet
	var current []*VersionedTargetSet
	count := 0
	for _, v := range vts {
		current = append(current, v)
		count += v.SourceCount()
		if count >= sizeHint {
			partitions = append(partitions, current)
			current = nil
			count = 0
		}
	}
	if len(current) > 0 {
		partitions = append(partitions, current)
	}
	return partitions
}
