// Package logmon reads bounded windows from the end of the service error log
// and looks for the failure marker.
package logmon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultMarker is the failure signature searched in the log.
	DefaultMarker = "Traceback"
	// DefaultWindow is how many trailing bytes are inspected and captured.
	DefaultWindow = 5000

	chunkSize = 4096
)

// Snapshot is the trailing part of the error log at capture time.
type Snapshot struct {
	Content    string    `json:"content"`
	CapturedAt time.Time `json:"captured_at"`
}

// Monitor is a read-only view of one log file. A missing file reads as empty.
type Monitor struct {
	path   string
	marker string
}

func New(path, marker string) *Monitor {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Monitor{path: path, marker: marker}
}

func (m *Monitor) Path() string   { return m.path }
func (m *Monitor) Marker() string { return m.marker }

// TailBytes returns at most the last n bytes of the log.
func (m *Monitor) TailBytes(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := fi.Size()
	off := size - int64(n)
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return string(buf), nil
}

// TailLines returns at most the last n lines, oldest first. The file is read
// backwards in chunks until enough newlines have been seen.
func (m *Monitor) TailLines(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pos := fi.Size()
	var data []byte
	for pos > 0 {
		// one extra newline covers the terminator of the last line
		if bytes.Count(data, []byte{'\n'}) > n {
			break
		}
		step := int64(chunkSize)
		if step > pos {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		data = append(chunk, data...)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if pos > 0 && len(lines) > 0 {
		// the first line may be cut mid-way; drop it unless it is all we have
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// HasFailureSignature reports whether the marker occurs in the last
// windowBytes bytes of the log.
func (m *Monitor) HasFailureSignature(windowBytes int) (bool, error) {
	tail, err := m.TailBytes(windowBytes)
	if err != nil {
		return false, err
	}
	return strings.Contains(tail, m.marker), nil
}

// Capture takes a snapshot of the last windowBytes bytes.
func (m *Monitor) Capture(windowBytes int) (Snapshot, error) {
	tail, err := m.TailBytes(windowBytes)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Content: tail, CapturedAt: time.Now()}, nil
}

// Watch calls fn whenever the log file is written or created until ctx is
// done. The parent directory is watched so rotation and late creation are
// seen. It returns an error only when the watch cannot be set up; callers are
// expected to fall back to polling in that case.
func (m *Monitor) Watch(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(m.path)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fn()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("log watch error", "path", m.path, "error", err)
			}
		}
	}()
	return nil
}
