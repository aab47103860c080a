// Package state persists the patch history and the restart counter as one
// JSON document.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxPatches is the number of history entries kept; older ones are evicted.
const MaxPatches = 50

// TimeLayout is the layout of PatchRecord.Time.
const TimeLayout = "2006-01-02 15:04:05"

// Status is the lifecycle stage of a patch record.
type Status string

const (
	StatusGenerated  Status = "generated"
	StatusRejected   Status = "rejected"
	StatusValidated  Status = "validated"
	StatusApplied    Status = "applied"
	StatusRolledBack Status = "rolled_back"
)

// PatchRecord is one patch attempt.
type PatchRecord struct {
	ID     string `json:"id,omitempty"`
	File   string `json:"file"`
	Time   string `json:"time"`
	Patch  string `json:"patch"`
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewRecord returns a generated record stamped with a fresh id and the current time.
func NewRecord(file, patch string) PatchRecord {
	return PatchRecord{
		ID:     uuid.NewString(),
		File:   file,
		Time:   time.Now().Format(TimeLayout),
		Patch:  patch,
		Status: StatusGenerated,
	}
}

// State is the persisted document.
type State struct {
	Patches  []PatchRecord `json:"patches"`
	Restarts int           `json:"restarts"`
}

// Store reads and rewrites the state file. Every access reads the whole file
// and every update rewrites it; within a process calls are serialised.
type Store struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

func New(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load returns the current state. A missing file is an empty state; a corrupt
// one is logged and treated as empty.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (State, error) {
	b, err := os.ReadFile(s.path) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return State{Patches: []PatchRecord{}}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state %s: %w", s.path, err)
	}
	var st State
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &st); err != nil {
			s.log.Warn("state file corrupt, starting empty", "path", s.path, "error", err)
			return State{Patches: []PatchRecord{}}, nil
		}
	}
	if st.Patches == nil {
		st.Patches = []PatchRecord{}
	}
	return st, nil
}

func (s *Store) saveLocked(st State) error {
	if st.Patches == nil {
		st.Patches = []PatchRecord{}
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *Store) update(fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return State{}, err
	}
	fn(&st)
	if err := s.saveLocked(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// AppendPatch pushes rec and keeps only the most recent MaxPatches entries.
func (s *Store) AppendPatch(rec PatchRecord) error {
	_, err := s.update(func(st *State) {
		st.Patches = append(st.Patches, rec)
		if n := len(st.Patches); n > MaxPatches {
			st.Patches = append([]PatchRecord(nil), st.Patches[n-MaxPatches:]...)
		}
	})
	return err
}

// IncrementRestarts bumps the restart counter and returns the new value.
func (s *Store) IncrementRestarts() (int, error) {
	st, err := s.update(func(st *State) { st.Restarts++ })
	if err != nil {
		return 0, err
	}
	return st.Restarts, nil
}

// Restarts returns the persisted restart counter.
func (s *Store) Restarts() (int, error) {
	st, err := s.Load()
	if err != nil {
		return 0, err
	}
	return st.Restarts, nil
}

// HealthScore starts at 100 and subtracts 30 when marker appears in any tail
// line, 20 when restarts exceed 2 and 10 when the history holds more than 5
// entries. The result is not clamped.
func HealthScore(tail []string, marker string, restarts, historyLen int) int {
	score := 100
	if marker != "" {
		for _, line := range tail {
			if strings.Contains(line, marker) {
				score -= 30
				break
			}
		}
	}
	if restarts > 2 {
		score -= 20
	}
	if historyLen > 5 {
		score -= 10
	}
	return score
}
