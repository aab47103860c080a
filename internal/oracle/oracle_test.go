package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model               string `json:"model"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
	Messages            []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func fakeOpenAI(t *testing.T, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateSendsPromptAndStripsFences(t *testing.T) {
	var seen chatRequest
	srv := fakeOpenAI(t, "```diff\n--- app.py\n+++ app.py\n@@\n-a\n+b\n```", &seen)
	o, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := o.Generate(context.Background(), Request{File: "app.py", Code: "a\n", ErrorContext: "Traceback"})
	require.NoError(t, err)
	assert.Equal(t, "--- app.py\n+++ app.py\n@@\n-a\n+b", out)

	assert.Equal(t, DefaultModel, seen.Model)
	assert.Equal(t, DefaultPatchMaxTokens, seen.MaxCompletionTokens)
	require.Len(t, seen.Messages, 1)
	assert.Contains(t, seen.Messages[0].Content, "--- app.py")
	assert.Contains(t, seen.Messages[0].Content, "Traceback")
}

func TestAnalyzeUsesAnalysisBudget(t *testing.T) {
	var seen chatRequest
	srv := fakeOpenAI(t, "division by zero in handler", &seen)
	o, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test"})
	require.NoError(t, err)

	out, err := o.Analyze(context.Background(), "ZeroDivisionError")
	require.NoError(t, err)
	assert.Equal(t, "division by zero in handler", out)
	assert.Equal(t, "gpt-test", seen.Model)
	assert.Equal(t, DefaultAnalysisMaxTokens, seen.MaxCompletionTokens)
}

func TestEmptyReplyIsUnavailable(t *testing.T) {
	srv := fakeOpenAI(t, "   ", nil)
	o, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), Request{File: "app.py"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()
	o, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), Request{File: "app.py"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestDeadlineIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	o, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	start := time.Now()
	_, err = o.Generate(context.Background(), Request{File: "app.py"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(Config{})
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"--- a\n+++ a\n":               "--- a\n+++ a",
		"```\n--- a\n```":              "--- a",
		"```diff\n--- a\n+++ a\n```\n": "--- a\n+++ a",
		"text ``` inside":              "text ``` inside",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripFences(in), "input %q", in)
	}
}

func TestFuncAdapters(t *testing.T) {
	var o Oracle = Func(func(ctx context.Context, req Request) (string, error) { return "--- " + req.File, nil })
	out, err := o.Generate(context.Background(), Request{File: "x.py"})
	require.NoError(t, err)
	assert.Equal(t, "--- x.py", out)

	var a Analyzer = AnalyzerFunc(func(ctx context.Context, logs string) (string, error) { return "ok", nil })
	out, err = a.Analyze(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
