// Package analysis defines the narrow contract the orchestrator needs from a
// compiler's analysis files: durable source→output mappings plus dependency
// facts, supporting split, merge, relativize and localize.
package analysis

// SplitSpec names a destination file and the source set whose records should
// be extracted into it.
type SplitSpec struct {
	// Sources are absolute source paths to extract.
	Sources []string
	// Out is the destination analysis file.
	Out string
}

// Deps maps an absolute source path to the file paths it depends on.
type Deps map[string][]string

// ClassIndexSupplier lazily supplies the class name → defining classpath
// entry map. It is only invoked when dependency facts reference class names
// rather than concrete paths.
type ClassIndexSupplier func() (map[string]string, error)

// Tools manipulates analysis files. Implementations own the file format; the
// orchestrator only relies on the operations below.
//
// All multi-file operations must be atomic per output: a crash mid-operation
// may leave scratch files behind but never a partially written destination.
type Tools interface {
	// IsNonEmpty reports whether path holds analysis for at least one source.
	// A missing file is empty, not an error.
	IsNonEmpty(path string) (bool, error)

	// Split extracts the records for each spec's source set out of src into
	// the spec's destination. Records not matched by any spec are written to
	// remainder; an empty remainder path discards them. A source matched by
	// several specs lands in the first.
	Split(src string, specs []SplitSpec, remainder string) error

	// Merge combines the input analyses into out. Later inputs win when two
	// hold records for the same source. Missing inputs are skipped.
	Merge(inputs []string, out string) error

	// Relativize rewrites absolute paths in the analysis at in to a portable,
	// machine-independent form at out.
	Relativize(in, out string) error

	// Localize rewrites a portable analysis at in back to absolute paths for
	// this machine at out.
	Localize(in, out string) error

	// ParseProducts returns the source → output-artifact mapping recorded at
	// path. Artifacts are absolute; classesRoot identifies the shared output
	// directory the products were compiled into. A missing file yields an
	// empty map.
	ParseProducts(path, classesRoot string) (map[string][]string, error)

	// ParseDeps returns per-source dependency facts. Class-name references
	// are resolved through the supplied index; products under classesRoot
	// are excluded, as they are accounted for separately.
	ParseDeps(path string, index ClassIndexSupplier, classesRoot string) (Deps, error)
}
