// Package oracle asks an external language model for source patches and
// log analyses.
package oracle

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable covers every oracle failure: transport, model, empty reply
// and deadline expiry.
var ErrUnavailable = errors.New("oracle unavailable")

// Request is the input of one patch generation.
type Request struct {
	File         string // path the diff header must name
	Code         string // current content of File
	ErrorContext string // recent error log excerpt
}

// Oracle produces a unified diff for a request. The result is opaque text;
// validating it is the caller's job.
type Oracle interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Analyzer explains a log excerpt in prose.
type Analyzer interface {
	Analyze(ctx context.Context, logs string) (string, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, logs string) (string, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, logs string) (string, error) { return f(ctx, logs) }

// StripFences removes a markdown code fence wrapping the whole reply, with or
// without a language tag. Anything else is returned trimmed of outer blank lines.
func StripFences(s string) string {
	t := strings.Trim(s, "\r\n")
	trimmed := strings.TrimSpace(t)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return t
	}
	body := strings.TrimSuffix(trimmed, "```")
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return t
	}
	return strings.Trim(body[nl+1:], "\r\n")
}
