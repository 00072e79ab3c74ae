package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	outputFileName = "output.dat"
	stderrFileName = "stderr.dat"
)

// workspace is the per-run temp directory holding captured stdout and stderr.
type workspace struct {
	dir string
}

func newWorkspace(root string) (*workspace, error) {
	dir, err := os.MkdirTemp(root, "rgd-job-")
	if err != nil {
		return nil, fmt.Errorf("create job workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) dataPath() string { return filepath.Join(w.dir, outputFileName) }
func (w *workspace) logPath() string  { return filepath.Join(w.dir, stderrFileName) }

func (w *workspace) sizes() (data, log int64) {
	if fi, err := os.Stat(w.dataPath()); err == nil {
		data = fi.Size()
	}
	if fi, err := os.Stat(w.logPath()); err == nil {
		log = fi.Size()
	}
	return data, log
}

// remove deletes the workspace. It is safe on a nil workspace.
func (w *workspace) remove() {
	if w == nil {
		return
	}
	if err := os.RemoveAll(w.dir); err != nil {
		slog.Warn("failed to remove job workspace", "dir", w.dir, "error", err)
	}
}
