// Package backup keeps the latest pre-mutation copy of each patched file.
//
// Retention is single-slot: a new backup for a path supersedes the previous
// one. Backups live in a directory of their own, never next to the target,
// so a backup is never mistaken for source by the supervised service.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Restore and Load when no backup exists for a path.
var ErrNotFound = errors.New("backup not found")

// Store saves and restores byte-identical file copies keyed by path.
type Store interface {
	Save(path string, data []byte) error
	Load(path string) ([]byte, error)
	Restore(path string) error
}

// Dir is a Store that keeps one file per target under a directory.
type Dir struct {
	root string
	mu   sync.Mutex
}

func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("backup dir is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory holding the backups.
func (d *Dir) Root() string { return d.root }

// slot maps a target path to its backup file. The hash keeps names flat and
// collision free, the base name keeps them readable.
func (d *Dir) slot(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(d.root, hex.EncodeToString(sum[:8])+"-"+filepath.Base(abs)+".bak")
}

// Save writes data as the backup for path, replacing any previous backup.
// The write goes through a temp file so a failed save never leaves a torn slot.
func (d *Dir) Save(path string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst := d.slot(path)
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("backup %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup %s: %w", path, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup %s: %w", path, err)
	}
	return nil
}

// Load returns the backed-up bytes for path.
func (d *Dir) Load(path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := os.ReadFile(d.slot(path)) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return b, err
}

// Restore rewrites path with its backup, keeping the current file mode when
// the target still exists.
func (d *Dir) Restore(path string) error {
	b, err := d.Load(path)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(path, b, mode); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}
