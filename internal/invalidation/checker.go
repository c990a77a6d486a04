package invalidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"git.home.luguber.info/inful/incbuild/internal/util/sets"
)

// Check is the result of an invalidation pass: the invalid sets, both flat
// and grouped into compile partitions.
type Check struct {
	InvalidVTS         []*VersionedTargetSet
	InvalidPartitioned [][]*VersionedTargetSet
}

// Checker decides which targets are invalid (must be recompiled) and groups
// them into caller-sized partitions.
type Checker interface {
	// Check returns the invalid target sets for the given targets. sizeHint
	// bounds the rough number of sources per partition (zero means a single
	// partition); locallyChanged, when non-nil, names targets to segregate
	// into their own partition for edit-compile-test stability.
	Check(ctx context.Context, targets []*Target, sizeHint int, locallyChanged sets.Set[string]) (*Check, error)
}

// FingerprintChecker is a file-backed Checker: each target's input state is
// fingerprinted from its source contents, and the fingerprint recorded on
// commit. A target is invalid when its current fingerprint differs from the
// recorded one (or none was recorded).
type FingerprintChecker struct {
	buildRoot       string
	fingerprintsDir string
}

var _ Checker = (*FingerprintChecker)(nil)

// NewFingerprintChecker creates a checker storing per-target fingerprints
// under fingerprintsDir.
func NewFingerprintChecker(buildRoot, fingerprintsDir string) *FingerprintChecker {
	return &FingerprintChecker{buildRoot: buildRoot, fingerprintsDir: fingerprintsDir}
}

// Check implements Checker.
func (c *FingerprintChecker) Check(ctx context.Context, targets []*Target, sizeHint int, locallyChanged sets.Set[string]) (*Check, error) {
	var invalid []*VersionedTargetSet
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fp, err := c.fingerprint(target)
		if err != nil {
			return nil, err
		}
		recorded, err := c.recorded(target)
		if err != nil {
			return nil, err
		}
		if fp == recorded {
			continue
		}
		vts := &VersionedTargetSet{
			Targets:     []*Target{target},
			Fingerprint: fp,
			commit:      c.commit,
		}
		invalid = append(invalid, vts)
	}

	return &Check{
		InvalidVTS:         invalid,
		InvalidPartitioned: Partition(invalid, sizeHint, locallyChanged),
	}, nil
}

// fingerprint hashes the target's source paths and contents. Missing files
// contribute their absence, so deleting a source invalidates its target.
func (c *FingerprintChecker) fingerprint(target *Target) (string, error) {
	h := sha256.New()
	srcs := append([]string(nil), target.Sources...)
	sort.Strings(srcs)
	for _, src := range srcs {
		fmt.Fprintf(h, "%s\n", src)
		f, err := os.Open(filepath.Join(c.buildRoot, src))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(h, "<absent>")
				continue
			}
			return "", fmt.Errorf("fingerprint %s: %w", src, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("fingerprint %s: %w", src, err)
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *FingerprintChecker) recorded(target *Target) (string, error) {
	data, err := os.ReadFile(c.fingerprintPath(target))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read fingerprint for %s: %w", target.ID, err)
	}
	return string(data), nil
}

// commit records each target's fingerprint, marking it valid for subsequent
// checks.
func (c *FingerprintChecker) commit(vts *VersionedTargetSet) error {
	if err := os.MkdirAll(c.fingerprintsDir, 0o750); err != nil {
		return fmt.Errorf("create fingerprints directory: %w", err)
	}
	for _, target := range vts.Targets {
		if err := os.WriteFile(c.fingerprintPath(target), []byte(vts.Fingerprint), 0o644); err != nil {
			return fmt.Errorf("record fingerprint for %s: %w", target.ID, err)
		}
	}
	return nil
}

func (c *FingerprintChecker) fingerprintPath(target *Target) string {
	return filepath.Join(c.fingerprintsDir, target.SafeID())
}
