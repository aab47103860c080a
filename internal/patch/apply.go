package patch

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// normalized is a single-file diff rewritten so every hunk header carries
// exact line counts. Unanchored hunks came from range-less "@@" markers and
// are located by content search.
type normalized struct {
	text     string
	anchored []bool
}

// normalize rewrites hunk headers with counts computed from their bodies,
// turns bare "@@" markers into parseable ones and drops "\ No newline" lines.
// Model output often gets the counts wrong; the body is what gets applied.
func normalize(text string) (normalized, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "--- ") {
		return normalized{}, errors.New("missing --- header")
	}
	// timestamps are dropped, go-diff only accepts its own layouts
	name, _ := headerName(lines[0], "--- ")
	out := []string{"--- " + name}
	i := 1
	if i < len(lines) && strings.HasPrefix(lines[i], "+++ ") {
		newName, _ := headerName(lines[i], "+++ ")
		out = append(out, "+++ "+newName)
		i++
	} else {
		out = append(out, "+++ "+name)
	}
	for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
		i++
	}

	var n normalized
	for i < len(lines) {
		header := lines[i]
		i++
		var body []string
		for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
			l := lines[i]
			if strings.HasPrefix(l, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
				return normalized{}, errors.New("patch touches more than one file")
			}
			switch {
			case l == "":
				body = append(body, " ")
			case l[0] == ' ' || l[0] == '-' || l[0] == '+':
				body = append(body, l)
			case l[0] == '\\':
				// "\ No newline at end of file"
			default:
				body = append(body, " "+l)
			}
			i++
		}
		var origN, newN int
		for _, l := range body {
			switch l[0] {
			case ' ':
				origN++
				newN++
			case '-':
				origN++
			case '+':
				newN++
			}
		}
		origStart, newStart, section, anchored := 1, 1, "", false
		if m := hunkHeader.FindStringSubmatch(header); m != nil {
			origStart, _ = strconv.Atoi(m[1])
			newStart, _ = strconv.Atoi(m[3])
			section = m[5]
			anchored = true
		}
		if origN == 0 && newN == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("@@ -%d,%d +%d,%d @@%s", origStart, origN, newStart, newN, section))
		out = append(out, body...)
		n.anchored = append(n.anchored, anchored)
	}
	n.text = strings.Join(out, "\n") + "\n"
	return n, nil
}

// ApplyUnified applies a single-file unified diff to original and returns the
// new content and the number of hunks applied. Each hunk's context and removed
// lines must match the original, at the stated line or the nearest offset after
// the previous hunk. Added lines take the file's line ending. A diff without
// hunks returns original unchanged.
func ApplyUnified(original []byte, text string) ([]byte, int, error) {
	n, err := normalize(text)
	if err != nil {
		return nil, 0, err
	}
	if len(n.anchored) == 0 {
		return original, 0, nil
	}
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(n.text)).ReadAllFiles()
	if err != nil {
		return nil, 0, fmt.Errorf("parse diff: %w", err)
	}
	if len(fds) != 1 {
		return nil, 0, fmt.Errorf("expected one file diff, got %d", len(fds))
	}
	hunks := fds[0].Hunks
	if len(hunks) == 0 {
		return original, 0, nil
	}
	if len(hunks) != len(n.anchored) {
		return nil, 0, fmt.Errorf("parsed %d hunks, expected %d", len(hunks), len(n.anchored))
	}

	content := string(original)
	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
		content = strings.ReplaceAll(content, "\r\n", "\n")
	}
	trailingNL := strings.HasSuffix(content, "\n")
	var src []string
	if content != "" {
		src = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}

	out := make([]string, 0, len(src))
	cursor := 0
	for hi, h := range hunks {
		ops := hunkOps(h.Body)
		var old []string
		for _, o := range ops {
			if o[0] != '+' {
				old = append(old, o[1:])
			}
		}
		preferred := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			preferred = int(h.OrigStartLine)
		}
		idx := locate(src, old, cursor, preferred, n.anchored[hi])
		if idx < 0 {
			return nil, 0, fmt.Errorf("hunk %d does not match near line %d", hi+1, h.OrigStartLine)
		}
		out = append(out, src[cursor:idx]...)
		k := idx
		for _, o := range ops {
			switch o[0] {
			case ' ':
				out = append(out, src[k])
				k++
			case '-':
				k++
			case '+':
				out = append(out, o[1:])
			}
		}
		cursor = k
	}
	out = append(out, src[cursor:]...)

	result := strings.Join(out, eol)
	if len(out) > 0 && (trailingNL || content == "") {
		result += eol
	}
	return []byte(result), len(hunks), nil
}

func hunkOps(body []byte) []string {
	var ops []string
	for _, l := range bytes.Split(body, []byte{'\n'}) {
		if len(l) == 0 {
			continue
		}
		switch l[0] {
		case ' ', '-', '+':
			ops = append(ops, string(l))
		}
	}
	return ops
}

// locate finds where old occurs in src at or after cursor. Anchored hunks
// prefer the offset closest to preferred; unanchored ones take the first match.
func locate(src, old []string, cursor, preferred int, anchored bool) int {
	if len(old) == 0 {
		if !anchored {
			return -1
		}
		return min(max(preferred, cursor), len(src))
	}
	fits := func(i int) bool {
		if i < cursor || i+len(old) > len(src) {
			return false
		}
		for j, l := range old {
			if !lineEqual(src[i+j], l) {
				return false
			}
		}
		return true
	}
	if !anchored {
		for i := cursor; i+len(old) <= len(src); i++ {
			if fits(i) {
				return i
			}
		}
		return -1
	}
	for d := 0; d <= len(src); d++ {
		if fits(preferred + d) {
			return preferred + d
		}
		if d > 0 && fits(preferred-d) {
			return preferred - d
		}
	}
	return -1
}

func lineEqual(a, b string) bool {
	return a == b || strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
}
