package patch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/autoheal/internal/backup"
)

// Result describes a successful apply.
type Result struct {
	Path    string
	Hunks   int
	Changed bool
}

// Applier applies validated diffs to files. Every attempt backs the target up
// first; a failed write is rolled back from that backup. Applies to the same
// path never overlap.
type Applier struct {
	backups backup.Store
	locks   PathLocks
	log     *slog.Logger

	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte, os.FileMode) error
}

func NewApplier(backups backup.Store, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		backups:   backups,
		log:       log,
		readFile:  os.ReadFile,
		writeFile: os.WriteFile,
	}
}

// Apply applies text to path. Errors match ErrFileNotFound, ErrBackupFailure or
// ErrApplyFailure; in every error case the file holds its pre-attempt bytes.
func (a *Applier) Apply(path, text string) (Result, error) {
	unlock := a.locks.Lock(path)
	defer unlock()

	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrApplyFailure, err)
	}
	orig, err := a.readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: read %s: %v", ErrApplyFailure, path, err)
	}

	if err := a.backups.Save(path, orig); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackupFailure, err)
	}

	updated, hunks, err := ApplyUnified(orig, text)
	if err != nil {
		// nothing was written yet
		return Result{}, fmt.Errorf("%w: %v", ErrApplyFailure, err)
	}
	if hunks == 0 || string(updated) == string(orig) {
		return Result{Path: path, Hunks: hunks}, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("%w: %s vanished during apply", ErrFileNotFound, path)
	}
	if err := a.writeFile(path, updated, fi.Mode().Perm()); err != nil {
		if rerr := a.backups.Restore(path); rerr != nil {
			a.log.Error("rollback failed", "file", path, "error", rerr)
			return Result{}, fmt.Errorf("%w: write %s: %v (rollback: %v)", ErrApplyFailure, path, err, rerr)
		}
		a.log.Warn("patch rolled back", "file", path, "error", err)
		return Result{}, fmt.Errorf("%w: write %s: %v", ErrApplyFailure, path, err)
	}
	return Result{Path: path, Hunks: hunks, Changed: true}, nil
}
