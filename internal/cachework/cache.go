// Package cachework runs best-effort artifact cache reads and writes for
// compiled targets. Cache writes are scheduled as background work chains so
// a compile invocation never blocks on upload.
package cachework

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArtifactCache stores and retrieves per-target compile artifacts keyed by
// target fingerprint.
type ArtifactCache interface {
	// Insert stores the given files under key. Paths are preserved relative
	// to root so Fetch can restore them into another root.
	Insert(ctx context.Context, key string, root string, files []string) error

	// Fetch restores a previously inserted entry into destRoot. It returns
	// false if the key is not present.
	Fetch(ctx context.Context, key string, destRoot string) (bool, error)
}

// NoopCache ignores inserts and never hits. It is the default when no cache
// is configured.
type NoopCache struct{}

func (NoopCache) Insert(_ context.Context, _ string, _ string, _ []string) error { return nil }

func (NoopCache) Fetch(_ context.Context, _ string, _ string) (bool, error) { return false, nil }

// DirCache is a local filesystem artifact cache. Each key maps to a
// directory holding the cached files with their root-relative layout.
// Entries are written to a temp directory and renamed into place so readers
// never observe a partial entry.
type DirCache struct {
	root string
}

// NewDirCache creates a cache rooted at dir, creating it if needed.
func NewDirCache(dir string) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DirCache{root: dir}, nil
}

func (c *DirCache) entryDir(key string) string {
	return filepath.Join(c.root, key)
}

// Insert stores files under key, replacing any existing entry.
func (c *DirCache) Insert(ctx context.Context, key string, root string, files []string) error {
	tmp, err := os.MkdirTemp(c.root, ".insert-*")
	if err != nil {
		return fmt.Errorf("create cache staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, f)
		if err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("cache file %s is outside root %s", f, root)
		}
		dest := filepath.Join(tmp, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create cache entry dir: %w", err)
		}
		if err := copyFile(f, dest); err != nil {
			return fmt.Errorf("stage cache file: %w", err)
		}
	}

	entry := c.entryDir(key)
	if err := os.RemoveAll(entry); err != nil {
		return fmt.Errorf("replace cache entry: %w", err)
	}
	if err := os.Rename(tmp, entry); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Fetch restores the entry for key into destRoot.
func (c *DirCache) Fetch(ctx context.Context, key string, destRoot string) (bool, error) {
	entry := c.entryDir(key)
	info, err := os.Stat(entry)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat cache entry: %w", err)
	}
	if !info.IsDir() {
		return false, nil
	}

	err = filepath.Walk(entry, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(entry, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(destRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return false, fmt.Errorf("restore cache entry: %w", err)
	}
	return true, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
