package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/incbuild/internal/classindex"
	"git.home.luguber.info/inful/incbuild/internal/classpath"
	"git.home.luguber.info/inful/incbuild/internal/depcheck"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
)

// Manifest is the build-graph input: targets with their sources and declared
// dependencies, plus the classpath configuration. It stands in for a full
// build-graph service, which is out of scope for this tool.
type Manifest struct {
	Targets   []*invalidation.Target `yaml:"targets"`
	Classpath []manifestEntry        `yaml:"classpath,omitempty"`
	Boot      bootEntries            `yaml:"boot,omitempty"`
}

type manifestEntry struct {
	Conf string `yaml:"conf"`
	Path string `yaml:"path"`
}

type bootEntries struct {
	OverrideDirs  []string `yaml:"override_dirs,omitempty"`
	BootPath      []string `yaml:"boot_path,omitempty"`
	ExtensionDirs []string `yaml:"extension_dirs,omitempty"`
}

// LoadManifest reads and validates a target manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(m.Targets))
	for _, t := range m.Targets {
		if t.ID == "" {
			return nil, fmt.Errorf("manifest %s: target without id", path)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("manifest %s: duplicate target id %s", path, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return &m, nil
}

// ClasspathEntries resolves the manifest's classpath against the build root.
func (m *Manifest) ClasspathEntries(buildRoot string) []classpath.Entry {
	out := make([]classpath.Entry, 0, len(m.Classpath))
	for _, e := range m.Classpath {
		p := e.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(buildRoot, p)
		}
		out = append(out, classpath.Entry{Conf: e.Conf, Path: p})
	}
	return out
}

// BootClasspath converts the manifest's boot section.
func (m *Manifest) BootClasspath() classindex.BootClasspath {
	return classindex.BootClasspath{
		OverrideDirs:  m.Boot.OverrideDirs,
		BootPath:      m.Boot.BootPath,
		ExtensionDirs: m.Boot.ExtensionDirs,
	}
}

// BuildView derives the dependency-check view from the manifest: source
// ownership plus direct and transitive dependency edges.
func (m *Manifest) BuildView(buildRoot string) *depcheck.BuildView {
	ownerOfSource := make(map[string]string)
	direct := make(map[string][]string, len(m.Targets))
	for _, t := range m.Targets {
		for _, src := range t.Sources {
			ownerOfSource[filepath.Join(buildRoot, src)] = t.ID
		}
		direct[t.ID] = append([]string(nil), t.Deps...)
	}

	transitive := make(map[string][]string, len(m.Targets))
	for _, t := range m.Targets {
		seen := make(map[string]struct{})
		var walk func(id string)
		walk = func(id string) {
			for _, dep := range direct[id] {
				if _, ok := seen[dep]; ok {
					continue
				}
				seen[dep] = struct{}{}
				transitive[t.ID] = append(transitive[t.ID], dep)
				walk(dep)
			}
		}
		walk(t.ID)
	}

	// Dependency facts reference other targets' files; source ownership
	// covers both maps here.
	return &depcheck.BuildView{
		OwnerOfSource: ownerOfSource,
		OwnerOfFile:   ownerOfSource,
		Direct:        direct,
		Transitive:    transitive,
	}
}
