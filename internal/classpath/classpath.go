// Package classpath models compile classpath entries and enforces that every
// entry lives inside the build root, which keeps analysis relativization
// well-defined.
package classpath

import (
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// Entry is one classpath element for a build configuration.
type Entry struct {
	Conf string
	Path string
}

// Validate ensures every entry resolves inside buildRoot. A violation is a
// fatal configuration error, never silently relaxed.
func Validate(entries []Entry, buildRoot string) error {
	for _, e := range entries {
		rel, err := filepath.Rel(buildRoot, e.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errors.New(errors.CategoryConfig, errors.SeverityFatal,
				"classpath entry is located outside the build root").
				WithContext("entry", e.Path).
				WithContext("build_root", buildRoot)
		}
	}
	return nil
}

// Dedupe removes duplicate (conf, path) pairs, preserving first-seen order.
func Dedupe(entries []Entry) []Entry {
	seen := sets.New[Entry]()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if seen.Has(e) {
			continue
		}
		seen.Add(e)
		out = append(out, e)
	}
	return out
}

// Paths returns the entry paths for the given confs, preserving order.
func Paths(entries []Entry, confs []string) []string {
	wanted := sets.New(confs...)
	var out []string
	for _, e := range entries {
		if wanted.Has(e.Conf) {
			out = append(out, e.Path)
		}
	}
	return out
}
