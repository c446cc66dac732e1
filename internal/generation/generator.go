// Package generation produces grounded answers with OpenAI chat completions.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/embedding"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second

	// DefaultMaxContextTokens caps the retrieved knowledge placed in the
	// system instruction.
	DefaultMaxContextTokens = 12000
)

// CompletionsAPI is the OpenAI chat completions service.
type CompletionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config tunes the generator. Zero values fall back to the defaults.
type Config struct {
	Model            string
	Temperature      float64
	Timeout          time.Duration
	MaxContextTokens int
}

// Request is a single-turn completion.
type Request struct {
	System string
	User   string
}

// Result carries the answer and the token usage reported upstream.
// UsageKnown is false when the response carried no usage block.
type Result struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	UsageKnown       bool
}

// TotalTokens returns prompt plus completion tokens.
func (r *Result) TotalTokens() int64 {
	return r.PromptTokens + r.CompletionTokens
}

// Generator calls the chat completions API.
type Generator struct {
	api    CompletionsAPI
	cfg    Config
	logger *slog.Logger
}

// NewGenerator creates a generator. If logger is nil, slog.Default() is used.
func NewGenerator(api CompletionsAPI, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	return &Generator{api: api, cfg: cfg, logger: logger}
}

// Generate runs the completion. Rate limited calls are retried with backoff;
// any other failure is returned as a generation service failure.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	var resp *openai.ChatCompletion

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		r, err := g.api.New(callCtx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(req.System),
				openai.UserMessage(req.User),
			},
			Model:       openai.ChatModel(g.cfg.Model),
			Temperature: openai.Float(g.cfg.Temperature),
		})
		if err != nil {
			if embedding.IsRateLimited(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(r.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("completion returned no choices"))
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, apperr.Wrap(fmt.Errorf("chat completion failed: %w", err),
			apperr.CategoryGenerationService, apperr.CodeGenerationFailed,
			"The answer service is unavailable, try again later.", true)
	}

	usage := resp.Usage
	return &Result{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		UsageKnown:       usage.PromptTokens+usage.CompletionTokens > 0,
	}, nil
}

// GroundedPrompt builds the system instruction that restricts the model to
// the retrieved knowledge. Knowledge beyond the context budget is dropped.
func (g *Generator) GroundedPrompt(knowledge []string, fallback string) string {
	var sb strings.Builder
	sb.WriteString("You are a customer support assistant. Answer the user's question using ONLY the knowledge below. ")
	sb.WriteString("Do not use any other information and do not guess. ")
	fmt.Fprintf(&sb, "If the knowledge does not contain the answer, reply exactly: %q\n\n", fallback)
	sb.WriteString("Knowledge:\n")

	budget := g.cfg.MaxContextTokens * 4 // Rough estimate: 1 token ≈ 4 characters
	for i, k := range knowledge {
		entry := fmt.Sprintf("[%d] %s\n\n", i+1, strings.TrimSpace(k))
		if len(entry) > budget {
			g.logger.Warn("truncating retrieved knowledge", "kept", i, "total", len(knowledge))
			break
		}
		budget -= len(entry)
		sb.WriteString(entry)
	}
	return strings.TrimRight(sb.String(), "\n")
}
