package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
	"github.com/rs/zerolog"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// promptFunc matches anthropic.PromptWithSettings reduced to its text output.
type promptFunc func(system, user, schema, apiKey string, settings types.RequestSettings) (string, error)

// AnthropicClient sends prompts to the Messages API through llmkit.
type AnthropicClient struct {
	apiKey      string
	maxTokens   int
	temperature float64
	prompt      promptFunc
	logger      zerolog.Logger
}

var _ Generator = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from configuration.
func NewAnthropicClient(cfg AnthropicConfig, logger zerolog.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &AnthropicClient{
		apiKey:      cfg.APIKey,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		prompt:      llmkitPrompt,
		logger:      logger,
	}, nil
}

func llmkitPrompt(system, user, schema, apiKey string, settings types.RequestSettings) (string, error) {
	response, err := anthropic.PromptWithSettings(system, user, schema, apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(response.Content) == 0 {
		return "", ErrEmptyResponse
	}
	return response.Content[0].Text, nil
}

// Backend implements Generator.
func (c *AnthropicClient) Backend() string { return "anthropic" }

// Generate implements Generator. llmkit calls are not cancellable, so ctx is
// only checked before the request starts.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Model == "" {
		return "", fmt.Errorf("anthropic: model is required")
	}

	schema := ""
	if req.Schema != nil {
		schema = req.Schema.JSONSchema()
	}
	settings := types.RequestSettings{
		Model:       req.Model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	c.logger.Debug().
		Str("model", req.Model).
		Int("prompt_bytes", len(req.Prompt)).
		Bool("structured", schema != "").
		Msg("Sending messages request")

	start := time.Now()
	text, err := c.prompt(req.System, req.Prompt, schema, c.apiKey, settings)
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			err = ErrEmptyResponse
		}
	}
	if err != nil {
		err = fmt.Errorf("anthropic %s: %w", req.Model, err)
	}
	observe(c.Backend(), req.Model, err, time.Since(start).Seconds())
	return text, err
}
