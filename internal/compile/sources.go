package compile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/incbuild/internal/invalidation"
)

// recordTargetSources overwrites the durable record of the sources a target
// was last compiled from. The write is atomic so a crash never leaves a
// truncated record behind.
func (s *Strategy) recordTargetSources(t *invalidation.Target, absSources []string) error {
	path := s.targetSourcesPath(t)
	tmp := path + ".tmp." + uuid.NewString()[:8]

	var b strings.Builder
	for _, src := range absSources {
		b.WriteString(src)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// previousTargetSources reads the sources a target was last compiled from.
// An absent record reads as empty, never as an error: a target that has not
// been compiled has no previous sources.
func (s *Strategy) previousTargetSources(t *invalidation.Target) ([]string, error) {
	data, err := os.ReadFile(s.targetSourcesPath(t))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (s *Strategy) targetSourcesPath(t *invalidation.Target) string {
	return filepath.Join(s.layout.TargetSourcesDir(), t.SafeID())
}
