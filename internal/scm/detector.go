// Package scm reports locally modified source paths, used by the
// partition-stability heuristic to segregate locally-changed targets.
package scm

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no source control system can be found for
// the build root. Callers treat this as "heuristic disabled", not a failure.
var ErrUnavailable = errors.New("scm unavailable")

// ChangeDetector reports files modified locally but not yet committed.
type ChangeDetector interface {
	// ChangedFiles returns paths changed in the working copy, relative to
	// relativeTo. Untracked files are included when includeUntracked is set.
	ChangedFiles(ctx context.Context, includeUntracked bool, relativeTo string) ([]string, error)
}
