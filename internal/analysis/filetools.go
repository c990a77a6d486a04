package analysis

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	header = "incbuild analysis v1"

	recProduct = "product"
	recDep     = "dep"

	// portableRoot replaces the build root in relativized analyses so they
	// can be restored on any machine.
	portableRoot = "$BUILDROOT"
)

// FileTools is a line-oriented Tools implementation. Records are kept sorted
// so equal analyses are byte-identical, which the orchestrator's no-op paths
// rely on.
type FileTools struct {
	buildRoot string
}

var _ Tools = (*FileTools)(nil)

// NewFileTools creates analysis tools anchored at buildRoot.
func NewFileTools(buildRoot string) *FileTools {
	return &FileTools{buildRoot: buildRoot}
}

// store is the in-memory form of one analysis file.
type store struct {
	products map[string][]string
	deps     map[string][]string
}

func newStore() *store {
	return &store{
		products: make(map[string][]string),
		deps:     make(map[string][]string),
	}
}

func (s *store) sources() []string {
	seen := make(map[string]struct{}, len(s.products))
	var out []string
	for src := range s.products {
		seen[src] = struct{}{}
		out = append(out, src)
	}
	for src := range s.deps {
		if _, ok := seen[src]; !ok {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out
}

// replace adopts every record the other store holds for src, dropping any
// prior records for it.
func (s *store) replace(src string, other *store) {
	delete(s.products, src)
	delete(s.deps, src)
	if p, ok := other.products[src]; ok {
		s.products[src] = append([]string(nil), p...)
	}
	if d, ok := other.deps[src]; ok {
		s.deps[src] = append([]string(nil), d...)
	}
}

func (s *store) isEmpty() bool {
	return len(s.products) == 0 && len(s.deps) == 0
}

func (t *FileTools) read(path string) (*store, error) {
	st := newStore()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("open analysis %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if first {
			first = false
			if text != header {
				return nil, fmt.Errorf("analysis %s: unrecognized header %q", path, text)
			}
			continue
		}
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("analysis %s:%d: malformed record", path, line)
		}
		switch fields[0] {
		case recProduct:
			st.products[fields[1]] = append(st.products[fields[1]], fields[2])
		case recDep:
			st.deps[fields[1]] = append(st.deps[fields[1]], fields[2])
		default:
			return nil, fmt.Errorf("analysis %s:%d: unknown record kind %q", path, line, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read analysis %s: %w", path, err)
	}
	return st, nil
}

// write persists the store atomically: scratch file in the destination
// directory, then rename.
func (t *FileTools) write(path string, st *store) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".analysis-*")
	if err != nil {
		return fmt.Errorf("create scratch analysis: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintln(w, header)
	for _, src := range st.sources() {
		products := append([]string(nil), st.products[src]...)
		sort.Strings(products)
		for _, p := range products {
			fmt.Fprintf(w, "%s\t%s\t%s\n", recProduct, src, p)
		}
		deps := append([]string(nil), st.deps[src]...)
		sort.Strings(deps)
		for _, d := range deps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", recDep, src, d)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write analysis %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close analysis %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace analysis %s: %w", path, err)
	}
	return nil
}

// IsNonEmpty implements Tools.
func (t *FileTools) IsNonEmpty(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	st, err := t.read(path)
	if err != nil {
		return false, err
	}
	return !st.isEmpty(), nil
}

// Split implements Tools.
func (t *FileTools) Split(src string, specs []SplitSpec, remainder string) error {
	st, err := t.read(src)
	if err != nil {
		return err
	}

	outs := make([]*store, len(specs))
	membership := make(map[string]int)
	for i, spec := range specs {
		outs[i] = newStore()
		for _, s := range spec.Sources {
			if _, taken := membership[s]; !taken {
				membership[s] = i
			}
		}
	}

	rest := newStore()
	for _, source := range st.sources() {
		if i, ok := membership[source]; ok {
			outs[i].replace(source, st)
		} else {
			rest.replace(source, st)
		}
	}

	for i, spec := range specs {
		if err := t.write(spec.Out, outs[i]); err != nil {
			return err
		}
	}
	if remainder != "" {
		if err := t.write(remainder, rest); err != nil {
			return err
		}
	}
	return nil
}

// Merge implements Tools.
func (t *FileTools) Merge(inputs []string, out string) error {
	merged := newStore()
	for _, in := range inputs {
		st, err := t.read(in)
		if err != nil {
			return err
		}
		for _, src := range st.sources() {
			merged.replace(src, st)
		}
	}
	return t.write(out, merged)
}

// Relativize implements Tools.
func (t *FileTools) Relativize(in, out string) error {
	return t.rewrite(in, out, func(p string) string {
		if rel, ok := t.relTo(p); ok {
			return portableRoot + "/" + rel
		}
		return p
	})
}

// Localize implements Tools.
func (t *FileTools) Localize(in, out string) error {
	return t.rewrite(in, out, func(p string) string {
		if rest, ok := strings.CutPrefix(p, portableRoot+"/"); ok {
			return filepath.Join(t.buildRoot, filepath.FromSlash(rest))
		}
		return p
	})
}

func (t *FileTools) rewrite(in, out string, f func(string) string) error {
	st, err := t.read(in)
	if err != nil {
		return err
	}
	next := newStore()
	for src, products := range st.products {
		for _, p := range products {
			next.products[f(src)] = append(next.products[f(src)], f(p))
		}
	}
	for src, deps := range st.deps {
		for _, d := range deps {
			next.deps[f(src)] = append(next.deps[f(src)], f(d))
		}
	}
	return t.write(out, next)
}

func (t *FileTools) relTo(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return "", false
	}
	rel, err := filepath.Rel(t.buildRoot, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ParseProducts implements Tools.
func (t *FileTools) ParseProducts(path, classesRoot string) (map[string][]string, error) {
	st, err := t.read(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(st.products))
	for src, products := range st.products {
		out[src] = append([]string(nil), products...)
		sort.Strings(out[src])
	}
	return out, nil
}

// ParseDeps implements Tools.
func (t *FileTools) ParseDeps(path string, index ClassIndexSupplier, classesRoot string) (Deps, error) {
	st, err := t.read(path)
	if err != nil {
		return nil, err
	}

	var classIndex map[string]string
	resolve := func(ref string) (string, error) {
		if filepath.IsAbs(ref) {
			return ref, nil
		}
		// A relative reference is a class name; resolve it to its defining
		// classpath entry in classloading order.
		if classIndex == nil {
			if index == nil {
				return "", nil
			}
			classIndex, err = index()
			if err != nil {
				return "", err
			}
		}
		return classIndex[ref], nil
	}

	deps := make(Deps, len(st.deps))
	for src, refs := range st.deps {
		for _, ref := range refs {
			p, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			if p == "" {
				continue
			}
			if classesRoot != "" {
				if rel, relErr := filepath.Rel(classesRoot, p); relErr == nil && !strings.HasPrefix(rel, "..") {
					continue
				}
			}
			deps[src] = append(deps[src], p)
		}
		sort.Strings(deps[src])
	}
	return deps, nil
}
