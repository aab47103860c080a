package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/autoheal/internal/detector"
)

// WritePIDFile writes the pid on the first line, the JSON-encoded spec on the
// second and the process start time on the third, so a later daemon can tell
// its orphan from a process that reused the pid.
func WritePIDFile(path string, pid int, spec Spec) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create pidfile dir: %w", err)
		}
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n" + detector.MetaFor(pid).String() + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
// It returns the PID and, if present, the JSON-encoded Spec that follows.
// For files that contain only the PID, spec will be nil.
func ReadPIDFile(path string) (int, *Spec, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(rest), &spec); err != nil {
		// Return PID even if spec cannot be parsed
		return pid, nil, nil
	}
	return pid, &spec, nil
}

// RemovePIDFile deletes the pidfile, ignoring a missing file.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// PIDAlive reports whether the pid recorded in path belongs to a live process
// that is still the one the pidfile was written for.
func PIDAlive(path string) (int, bool) {
	r, found, err := detector.Read(path)
	if err != nil || !found {
		return 0, false
	}
	return r.PID, r.Alive()
}

// ReapStale stops a service instance left running by a previous daemon, as
// recorded in the pidfile at path. It signals the whole process group with
// SIGTERM, escalates to SIGKILL after timeout and removes the pidfile. It
// returns the pid it stopped, or 0 when nothing was running.
func ReapStale(path string, timeout time.Duration) (int, error) {
	pid, alive := PIDAlive(path)
	if !alive {
		RemovePIDFile(path)
		return 0, nil
	}
	if err := terminateGroup(pid); err != nil {
		_ = terminateProcess(pid)
	}
	if !waitGone(pid, timeout) {
		if err := killGroup(pid); err != nil {
			_ = killProcess(pid)
		}
		if !waitGone(pid, killGrace) {
			return pid, fmt.Errorf("stale instance (pid %d) did not exit after SIGKILL", pid)
		}
	}
	RemovePIDFile(path)
	return pid, nil
}

func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !(detector.Record{PID: pid}).Alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
