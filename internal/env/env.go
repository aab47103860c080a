// Package env composes the environment handed to the supervised service.
package env

import (
	"os"
	"strings"
)

// Split parses a KEY=VALUE entry. Entries without '=' or with an empty key
// are rejected.
func Split(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// Compose merges layers of KEY=VALUE entries; later entries override earlier
// ones and keys keep the position of their first appearance. Each value has
// its ${VAR} references expanded against the entries composed before it and
// then the daemon's own environment. Unknown references are left as written.
func Compose(layers ...[]string) []string {
	m := make(map[string]string)
	var order []string
	lookup := func(k string) (string, bool) {
		if v, ok := m[k]; ok {
			return v, true
		}
		return os.LookupEnv(k)
	}
	for _, layer := range layers {
		for _, kv := range layer {
			k, v, ok := Split(kv)
			if !ok {
				continue
			}
			if _, seen := m[k]; !seen {
				order = append(order, k)
			}
			m[k] = Expand(v, lookup)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Expand replaces ${VAR} references in s using lookup. It does not recurse
// into substituted values.
func Expand(s string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			break
		}
		name := s[start+2 : start+2+end]
		b.WriteString(s[:start])
		if v, ok := lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[start : start+3+end])
		}
		s = s[start+3+end:]
	}
	b.WriteString(s)
	return b.String()
}
