package artifact

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// FSSink writes artifacts under a local root directory, mirroring the key
// layout as a directory tree. Used for local runs and tests.
type FSSink struct {
	root string
}

// NewFSSink creates the root directory if needed.
func NewFSSink(root string) (*FSSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "artifact: create sink root")
	}
	return &FSSink{root: root}, nil
}

func (s *FSSink) Put(_ context.Context, key string, data []byte) error {
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrapf(err, "artifact: mkdir for %s", key)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return eris.Wrapf(err, "artifact: write %s", key)
	}
	return nil
}
