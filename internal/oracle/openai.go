package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	DefaultModel             = "gpt-4o-mini"
	DefaultTimeout           = 60 * time.Second
	DefaultPatchMaxTokens    = 400
	DefaultAnalysisMaxTokens = 500
)

// Config configures the OpenAI client.
type Config struct {
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PatchMaxTokens    int           `mapstructure:"patch_max_tokens"`
	AnalysisMaxTokens int           `mapstructure:"analysis_max_tokens"`
}

// OpenAI implements Oracle and Analyzer with the chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    Config
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("oracle api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PatchMaxTokens <= 0 {
		cfg.PatchMaxTokens = DefaultPatchMaxTokens
	}
	if cfg.AnalysisMaxTokens <= 0 {
		cfg.AnalysisMaxTokens = DefaultAnalysisMaxTokens
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	slog.Info("initializing oracle client", "model", cfg.Model)
	return &OpenAI{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

func patchPrompt(req Request) string {
	return fmt.Sprintf(`You are an expert developer fixing a crashing web service.

Given the following code and recent errors:

Code:
%s

Error Logs:
%s

Provide a minimal unified diff patch that fixes the issue.
Reply with the diff only. The header must name the file exactly:

--- %s
+++ %s
@@ -<line>,<count> +<line>,<count> @@
 context line
-old line
+new line
`, req.Code, req.ErrorContext, req.File, req.File)
}

const analysisPrompt = `Analyze these logs and explain:
- What caused the errors
- Where they happen in code
- How to fix them

Logs:
%s
`

func (o *OpenAI) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrUnavailable)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	slog.Debug("oracle reply", "model", o.cfg.Model, "finish_reason", resp.Choices[0].FinishReason)
	return content, nil
}

// Generate asks for a unified diff fixing req.File.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	out, err := o.complete(ctx, patchPrompt(req), o.cfg.PatchMaxTokens)
	if err != nil {
		return "", err
	}
	return StripFences(out), nil
}

// Analyze asks for a prose explanation of logs.
func (o *OpenAI) Analyze(ctx context.Context, logs string) (string, error) {
	return o.complete(ctx, fmt.Sprintf(analysisPrompt, logs), o.cfg.AnalysisMaxTokens)
}
