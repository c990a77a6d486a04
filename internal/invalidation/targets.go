// Package invalidation models build targets, versioned target sets and the
// checker that decides which targets must be recompiled.
package invalidation

import (
	"fmt"
	"sort"
	"strings"
)

// Target is a build-graph node: a stable identifier plus the source files it
// owns. Targets are owned by the build graph and read-only here.
type Target struct {
	// ID is the stable target identifier, e.g. "src/jvm/lib:lib".
	ID string `yaml:"id"`

	// Sources are file paths relative to the build root.
	Sources []string `yaml:"sources"`

	// Deps are the identifiers of the targets this target declares a
	// dependency on.
	Deps []string `yaml:"deps,omitempty"`

	// NoCache opts the target out of artifact caching.
	NoCache bool `yaml:"no_cache,omitempty"`
}

// SafeID returns the target identifier in filesystem-safe form, used to name
// per-target records and scratch files.
func (t *Target) SafeID() string {
	r := strings.NewReplacer("/", ".", ":", ".", "\\", ".")
	return r.Replace(t.ID)
}

// VersionedTargetSet groups one or more targets at a specific input state.
// It is created by a Checker and becomes immutable evidence once Update is
// called.
type VersionedTargetSet struct {
	Targets     []*Target
	Fingerprint string

	valid  bool
	commit func(*VersionedTargetSet) error
}

// Valid reports whether the set has been committed as valid.
func (v *VersionedTargetSet) Valid() bool { return v.valid }

// Update commits the set as valid. Downstream invalidation keys on this
// commit, so it must only happen after all analysis accounting is complete.
func (v *VersionedTargetSet) Update() error {
	if v.commit != nil {
		if err := v.commit(v); err != nil {
			return err
		}
	}
	v.valid = true
	return nil
}

// SourceCount returns the total number of sources across the set's targets.
func (v *VersionedTargetSet) SourceCount() int {
	n := 0
	for _, t := range v.Targets {
		n += len(t.Sources)
	}
	return n
}

// TargetIDs returns the sorted identifiers of the set's targets.
func (v *VersionedTargetSet) TargetIDs() []string {
	ids := make([]string, 0, len(v.Targets))
	for _, t := range v.Targets {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

func (v *VersionedTargetSet) String() string {
	return fmt.Sprintf("vts(%s)", strings.Join(v.TargetIDs(), ","))
}
