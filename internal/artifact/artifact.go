// Package artifact stores the binary payloads referenced by catalog and result
// records: image tarballs, datasets, groundtruth files and captured container output.
package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store reads and writes artifacts by key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open makes the artifact available as a local file. Callers must Close it.
	Open(ctx context.Context, key string) (*LocalFile, error)
	// Reader streams the artifact. Callers must Close it.
	Reader(ctx context.Context, key string) (io.ReadCloser, error)
	// Save stores r under a generated key below prefix and returns the key.
	Save(ctx context.Context, prefix, name string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// LocalFile is an artifact readable from the local filesystem.
// Temporary copies of remote artifacts are removed by Close.
type LocalFile struct {
	Path string
	temp bool
}

// Close removes the local copy if one was made. It is safe to call more than once.
func (f *LocalFile) Close() error {
	if f == nil || !f.temp || f.Path == "" {
		return nil
	}
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// NewKey returns "<prefix>/<uuid>/<name>" with name reduced to its base.
func NewKey(prefix, name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "data"
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return uuid.NewString() + "/" + name
	}
	return prefix + "/" + uuid.NewString() + "/" + name
}

// ValidKey rejects empty keys and keys escaping the store root.
func ValidKey(key string) bool {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
