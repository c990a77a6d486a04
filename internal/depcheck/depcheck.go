// Package depcheck verifies that targets declare the dependencies their
// compiled sources actually use, and flags declared dependencies that go
// unused. Each check runs independently in warn or fatal mode.
package depcheck

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/config"
	"git.home.luguber.info/inful/incbuild/internal/errors"
	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// BuildView is the slice of the build graph the analyzer needs: file and
// source ownership plus declared dependency edges.
type BuildView struct {
	// OwnerOfSource maps an absolute source path to its owning target id.
	OwnerOfSource map[string]string
	// OwnerOfFile maps an absolute dependency path (jar, class file) to the
	// target id that produces or owns it.
	OwnerOfFile map[string]string
	// Direct maps a target id to its directly declared dependency ids.
	Direct map[string][]string
	// Transitive maps a target id to its transitively declared dependency ids.
	Transitive map[string][]string
}

// Analyzer checks compiled sources against declared dependencies.
type Analyzer struct {
	cfg    config.DepCheckConfig
	view   *BuildView
	logger *slog.Logger

	whitelist sets.Set[string]
}

// New creates an analyzer for one compile invocation.
func New(cfg config.DepCheckConfig, view *BuildView, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:       cfg,
		view:      view,
		logger:    logger,
		whitelist: sets.New(cfg.Whitelist...),
	}
}

// Check inspects the actual dependencies of the given compiled sources.
// Violations are logged in warn mode and returned as a fatal deps error in
// fatal mode. Products are expected to be registered before this runs, so a
// warn outcome still leaves a usable incremental build behind.
func (a *Analyzer) Check(sources []string, actual analysis.Deps) error {
	used := a.usedDeps(sources, actual)

	var fatal []string
	report := func(s config.Strictness, kind, msg string) {
		if !s.Enabled {
			return
		}
		if s.Mode == config.ModeFatal {
			fatal = append(fatal, msg)
			return
		}
		a.logger.Warn("Dependency check violation", slog.String("check", kind), slog.String("detail", msg))
	}

	for _, owner := range sortedKeys(used) {
		deps := used[owner]
		direct := sets.New(a.view.Direct[owner]...)
		transitive := sets.New(a.view.Transitive[owner]...)

		for _, dep := range deps.Values() {
			if !transitive.Has(dep) {
				if a.whitelist.Has(owner) {
					continue
				}
				report(a.cfg.MissingDeps, "missing_deps",
					fmt.Sprintf("%s uses %s but does not depend on it", owner, dep))
			} else if !direct.Has(dep) {
				report(a.cfg.MissingDirectDeps, "missing_direct_deps",
					fmt.Sprintf("%s uses %s but only depends on it transitively", owner, dep))
			}
		}

		if a.cfg.UnnecessaryDeps.Enabled {
			for _, dep := range direct.Values() {
				if !deps.Has(dep) {
					report(a.cfg.UnnecessaryDeps, "unnecessary_deps",
						fmt.Sprintf("%s declares %s but does not use it", owner, dep))
				}
			}
		}
	}

	if len(fatal) > 0 {
		sort.Strings(fatal)
		return errors.New(errors.CategoryDeps, errors.SeverityFatal,
			"dependency check failed").
			WithContext("violations", strings.Join(fatal, "; "))
	}
	return nil
}

// usedDeps maps each owning target to the set of target ids its compiled
// sources actually reached.
func (a *Analyzer) usedDeps(sources []string, actual analysis.Deps) map[string]sets.Set[string] {
	used := make(map[string]sets.Set[string])
	for _, src := range sources {
		owner, ok := a.view.OwnerOfSource[src]
		if !ok {
			a.logger.Debug("Compiled source has no owning target", logfields.Path(src))
			continue
		}
		for _, dep := range actual[src] {
			depOwner, ok := a.view.OwnerOfFile[dep]
			if !ok || depOwner == owner {
				continue
			}
			if used[owner] == nil {
				used[owner] = sets.New[string]()
			}
			used[owner].Add(depOwner)
		}
	}
	return used
}

func sortedKeys(m map[string]sets.Set[string]) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
