// Package llm generates coach replies through OpenAI-compatible chat
// completion providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/mistakeknot/huddle/internal/core"
)

var (
	ErrRateLimited     = errors.New("text generation rate limited")
	ErrTimeout         = errors.New("text generation timed out")
	ErrInvalidResponse = errors.New("text generation returned an invalid response")
)

const (
	GeminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Request is a bounded prompt: History must already be trimmed to the
// context window.
type Request struct {
	SystemPrompt string
	History      []core.Turn
	NewTurn      string
	MaxTokens    int
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Provider is one named chat completion backend.
type Provider struct {
	name        string
	model       string
	temperature float32
	client      *openai.Client
}

// NewProvider builds a provider; an empty baseURL means the OpenAI API.
func NewProvider(name, apiKey, model, baseURL string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{name: name, model: model, temperature: 0.7, client: openai.NewClientWithConfig(cfg)}
}

func NewOpenAI(apiKey, model string) *Provider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return NewProvider("openai", apiKey, model, "")
}

func NewGemini(apiKey, model string) *Provider {
	if model == "" {
		model = DefaultGeminiModel
	}
	return NewProvider("gemini", apiKey, model, GeminiBaseURL)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    Messages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", core.NewFault(core.KindTransientExternal, "generate "+p.name, classify(ctx, err))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", core.NewFault(core.KindTransientExternal, "generate "+p.name, fmt.Errorf("%w: empty completion", ErrInvalidResponse))
	}
	return resp.Choices[0].Message.Content, nil
}

// Messages lays out the system prompt, the bounded history and the new
// user turn in order.
func Messages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == core.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.NewTurn})
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
}

type named interface {
	Generator
	Name() string
}

// Chain tries providers in order and returns the first reply. When every
// provider fails, the last error is returned.
type Chain struct {
	providers []named
	logger    *slog.Logger
}

func NewChain(logger *slog.Logger, providers ...*Provider) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, p := range providers {
		c.providers = append(c.providers, p)
	}
	return c
}

func (c *Chain) Len() int { return len(c.providers) }

func (c *Chain) Generate(ctx context.Context, req Request) (string, error) {
	if len(c.providers) == 0 {
		return "", core.NewFault(core.KindTransientExternal, "generate", fmt.Errorf("%w: no providers configured", ErrInvalidResponse))
	}
	var lastErr error
	for i, p := range c.providers {
		text, err := p.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(c.providers)-1 {
			c.logger.Warn("text generation provider failed, trying next", "provider", p.Name(), "error", err)
		}
	}
	return "", lastErr
}
