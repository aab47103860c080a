// Package detector decides whether the pid recorded in a service pidfile still
// belongs to the process that wrote it. A pidfile holds the pid on the first
// line, optionally the launch spec as JSON on the second and a Meta line on
// the third.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Meta identifies one incarnation of a pid.
type Meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Record is the parsed content of a pidfile.
type Record struct {
	PID  int
	Meta Meta
}

// MetaFor captures the start time of pid; it is zero when unavailable.
func MetaFor(pid int) Meta {
	return Meta{StartUnix: procStartUnix(pid)}
}

// String renders m as a pidfile line.
func (m Meta) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// Parse reads the pidfile format. Missing or malformed meta is ignored.
func Parse(data []byte) (Record, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid pid: %w", err)
	}
	if pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid %d", pid)
	}
	r := Record{PID: pid}
	if len(lines) >= 3 {
		var m Meta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &m); err == nil {
			r.Meta = m
		}
	}
	return r, nil
}

// Read parses the pidfile at path. A missing file reports found=false.
func Read(path string) (r Record, found bool, err error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	r, err = Parse(data)
	if err != nil {
		return Record{}, true, fmt.Errorf("%s: %w", path, err)
	}
	return r, true, nil
}

// Alive reports whether r.PID runs and, when both start times are known,
// started when the pidfile says it did. A mismatch means the pid was reused.
func (r Record) Alive() bool {
	if !pidAlive(r.PID) {
		return false
	}
	if r.Meta.StartUnix > 0 {
		if cur := procStartUnix(r.PID); cur > 0 && cur != r.Meta.StartUnix {
			return false
		}
	}
	return true
}
