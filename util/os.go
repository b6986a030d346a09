package util

import (
	"os"

	"github.com/pkg/errors"
)

// EnsureDir creates path and any missing parents, returning a wrapped
// error instead of panicking — every other component in this module
// reports failures through error returns, so a filesystem helper that
// panics doesn't fit callers that need to surface IOFailure cleanly.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrap(err, "ensure dir exists")
	}
	return nil
}
