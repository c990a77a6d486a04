package scm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
)

// GitDetector detects local changes via the git worktree status.
type GitDetector struct {
	repoPath string
}

var _ ChangeDetector = (*GitDetector)(nil)

// NewGitDetector creates a detector for the repository at repoPath. The
// repository is resolved lazily so construction never fails.
func NewGitDetector(repoPath string) *GitDetector {
	return &GitDetector{repoPath: repoPath}
}

// ChangedFiles implements ChangeDetector.
func (d *GitDetector) ChangedFiles(ctx context.Context, includeUntracked bool, relativeTo string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := git.PlainOpenWithOptions(d.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("open repository at %s: %w", d.repoPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("resolve worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("compute worktree status: %w", err)
	}

	root := wt.Filesystem.Root()
	var changed []string
	for file, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		if st.Worktree == git.Untracked && !includeUntracked {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(file))
		rel, err := filepath.Rel(relativeTo, abs)
		if err != nil {
			return nil, fmt.Errorf("rebase changed path %s: %w", abs, err)
		}
		changed = append(changed, rel)
	}

	sort.Strings(changed)
	return changed, nil
}
