// Package patch validates oracle-produced unified diffs and applies them to
// files with backup and rollback.
package patch

import (
	"errors"
	"strings"
)

var (
	// ErrFormatInvalid matches every *RejectError.
	ErrFormatInvalid = errors.New("invalid patch format")
	// ErrApplyFailure means the patch could not be applied; the target was
	// left or restored byte-identical to its previous content.
	ErrApplyFailure = errors.New("patch apply failed")
	// ErrBackupFailure means the pre-apply backup failed; nothing was written.
	ErrBackupFailure = errors.New("backup failed")
	// ErrFileNotFound means the target does not exist (or vanished mid-apply).
	ErrFileNotFound = errors.New("target file not found")
)

const (
	ReasonInvalidHeader = "invalid header"
	ReasonMissingHunk   = "missing hunk"
)

// RejectError carries the rejected patch back to the caller so it can be
// reported without ever being written.
type RejectError struct {
	Reason string
	Patch  string
}

func (e *RejectError) Error() string { return "patch rejected: " + e.Reason }

func (e *RejectError) Is(target error) bool { return target == ErrFormatInvalid }

// Validate checks the shape of a unified diff for path. The first line must be
// "--- <path>", optionally followed by a tab and a timestamp, and the text must
// carry at least one "@@" hunk marker. A bare "---"/"+++" header pair naming
// path on both lines is a valid no-op.
func Validate(path, text string) error {
	lines := strings.Split(text, "\n")
	name, ok := headerName(lines[0], "--- ")
	if !ok || name != path {
		return &RejectError{Reason: ReasonInvalidHeader, Patch: text}
	}
	if strings.Contains(text, "@@") {
		return nil
	}
	if isHeaderOnly(lines, path) {
		return nil
	}
	return &RejectError{Reason: ReasonMissingHunk, Patch: text}
}

// headerName extracts the file name of a "--- " or "+++ " header line.
func headerName(line, prefix string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	name := line[len(prefix):]
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimRight(name, " "), true
}

// isHeaderOnly reports whether the non-blank lines are exactly the "---"
// line followed by "+++ <path>".
func isHeaderOnly(lines []string, path string) bool {
	var body []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			body = append(body, l)
		}
	}
	if len(body) != 2 {
		return false
	}
	name, ok := headerName(body[1], "+++ ")
	return ok && name == path
}
