package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smsto/smsto/schema"
)

// OpenAI talks to any OpenAI-compatible chat-completion endpoint. With
// BaseURL pointed at a local Ollama or llama.cpp server the whole pipeline
// stays offline.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAI builds the client from cfg. Model is required; APIKey may be a
// placeholder for local endpoints that ignore it.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrUnavailable)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Classify implements Provider. The context carries the hard deadline; a
// call that outlives it is reported as ErrTimeout and its output discarded.
func (p *OpenAI) Classify(ctx context.Context, payload schema.Payload) (schema.Label, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(payload)},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return schema.Label{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return schema.Label{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return schema.Label{}, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	return ParseLabel(resp.Choices[0].Message.Content, p.model)
}

// ModelVersion implements Provider.
func (p *OpenAI) ModelVersion() string { return p.model }

// ParseLabel turns raw model text into a normalized label: first balanced
// JSON object, schema validation, then Normalize. Anything that fails on
// the way out is ErrMalformed.
func ParseLabel(raw, modelVersion string) (schema.Label, error) {
	text, ok := ExtractJSON(raw)
	if !ok {
		return schema.Label{}, fmt.Errorf("%w: no JSON object in output", ErrMalformed)
	}
	if err := schema.ValidateLabelJSON([]byte(text)); err != nil {
		return schema.Label{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var label schema.Label
	if err := json.Unmarshal([]byte(text), &label); err != nil {
		return schema.Label{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	label.ModelVersion = modelVersion
	return label.Normalize(), nil
}
