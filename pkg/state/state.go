package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the runtime folder layout under a data path.
type Paths struct {
	Root      string
	Store     string
	State     string
	Crash     string
	Abort     string
	Audit     string
	Retention string
	Tmp       string
}

// Layout computes the paths without touching the filesystem.
func Layout(dataPath string) Paths {
	statePath := filepath.Join(dataPath, "state")
	return Paths{
		Root:      dataPath,
		Store:     filepath.Join(dataPath, "store"),
		State:     statePath,
		Crash:     filepath.Join(statePath, "crash"),
		Abort:     filepath.Join(statePath, "abort"),
		Audit:     filepath.Join(statePath, "audit"),
		Retention: filepath.Join(statePath, "retention"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

// EnsureStateDirs creates the layout under dataPath. Every directory must
// be a real directory (not a symlink), not group/other writable, and
// writable by the process.
func EnsureStateDirs(dataPath string) (Paths, error) {
	p := Layout(dataPath)
	for _, dir := range []string{p.Store, p.Crash, p.Abort, p.Audit, p.Retention, p.Tmp} {
		if err := ensureDir(dir); err != nil {
			return Paths{}, err
		}
	}
	return p, nil
}

func ensureDir(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("cannot create parent for %s: %w", p, err)
	}
	if fi, err := os.Lstat(p); err == nil {
		if err := checkDir(p, fi); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return fmt.Errorf("cannot create path %s: %w", p, err)
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if err := checkDir(p, fi); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p, ".validate-*")
	if err != nil {
		return fmt.Errorf("path not writable: %s: %w", p, err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return nil
}

func checkDir(p string, fi os.FileInfo) error {
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("path is a symlink: %s", p)
	}
	if !fi.IsDir() {
		return fmt.Errorf("path exists and is not a directory: %s", p)
	}
	if fi.Mode().Perm()&0o022 != 0 {
		return fmt.Errorf("path has permissive mode (group/other write): %s", p)
	}
	return nil
}
