// Package classindex builds the upstream class index: a mapping from class
// file name to the classpath entry that defines it, in classloading
// precedence order. First entry defining a class wins, later duplicates are
// ignored, exactly as a classloader would resolve them.
package classindex

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const classSuffix = ".class"

// BootClasspath describes the bootstrap entries searched before the compile
// classpath. Order reflects classloading: override jars, then the boot
// classpath, then extension jars.
type BootClasspath struct {
	// OverrideDirs are directories whose jars override the boot classpath.
	OverrideDirs []string
	// BootPath entries may be jars or loose class directories.
	BootPath []string
	// ExtensionDirs are directories whose jars extend the boot classpath.
	ExtensionDirs []string
}

// Jars returns the bootstrap entries in classloading precedence order.
// Per the classloading rules, overrides and extensions must be jars; loose
// directories there are not found by the loader and are skipped.
func (b BootClasspath) Jars() []string {
	var out []string
	out = append(out, jarsInDirs(b.OverrideDirs)...)
	for _, entry := range b.BootPath {
		if info, err := os.Stat(entry); err == nil && (info.IsDir() || isArchive(entry)) {
			out = append(out, entry)
		}
	}
	out = append(out, jarsInDirs(b.ExtensionDirs)...)
	return out
}

func jarsInDirs(dirs []string) []string {
	var out []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".jar") {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
	}
	return out
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".jar") || strings.HasSuffix(path, ".zip")
}

// Session memoizes one class index for the lifetime of a compile invocation.
// The inputs are fixed at construction; Index builds at most once.
type Session struct {
	boot       BootClasspath
	classpath  []string
	classesDir string

	once  sync.Once
	index map[string]string
	err   error
}

// NewSession creates an index session for the given compile classpath. The
// shared classes output directory is excluded from the scan; its contents
// are accounted for via recorded products instead.
func NewSession(boot BootClasspath, classpath []string, classesDir string) *Session {
	return &Session{boot: boot, classpath: classpath, classesDir: classesDir}
}

// Index returns the memoized class → defining-entry map, building it on
// first use.
func (s *Session) Index() (map[string]string, error) {
	s.once.Do(func() {
		s.index, s.err = s.build()
	})
	return s.index, s.err
}

func (s *Session) build() (map[string]string, error) {
	index := make(map[string]string)

	entries := s.boot.Jars()
	for _, cp := range s.classpath {
		if cp != s.classesDir {
			entries = append(entries, cp)
		}
	}

	for _, entry := range entries {
		info, err := os.Stat(entry)
		if err != nil {
			continue
		}
		switch {
		case !info.IsDir() && isArchive(entry):
			if err := indexArchive(index, entry); err != nil {
				return nil, err
			}
		case info.IsDir():
			if err := indexDir(index, entry); err != nil {
				return nil, err
			}
		}
	}
	return index, nil
}

// indexArchive records every class in the archive's central directory.
func indexArchive(index map[string]string, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if !strings.HasSuffix(f.Name, classSuffix) {
			continue
		}
		if _, ok := index[f.Name]; !ok {
			index[f.Name] = path
		}
	}
	return nil
}

// indexDir walks the directory recursively, following symlinks, recording
// each class file keyed by its path relative to the entry.
func indexDir(index map[string]string, root string) error {
	return walkFollow(root, root, index, make(map[string]struct{}))
}

func walkFollow(root, dir string, index map[string]string, visited map[string]struct{}) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil
	}
	if _, ok := visited[resolved]; ok {
		return nil
	}
	visited[resolved] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read classpath directory %s: %w", dir, err)
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		info, err := os.Stat(full) // follows symlinks
		if err != nil {
			continue
		}
		if info.IsDir() {
			if err := walkFollow(root, full, index, visited); err != nil {
				return err
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), classSuffix) {
			continue
		}
		cls, err := filepath.Rel(root, full)
		if err != nil {
			continue
		}
		cls = filepath.ToSlash(cls)
		if _, ok := index[cls]; !ok {
			index[cls] = full
		}
	}
	return nil
}
