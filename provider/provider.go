// Package provider abstracts the external labeling capability consulted for
// messages the rule engine is not confident about.
//
// A provider is a black box: given one message payload it returns a
// structurally valid label or a typed error. The caller owns the deadline —
// a provider exceeding its context is a timeout and any partial work is
// discarded. Strong rule hits never reach a provider.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/smsto/smsto/schema"
)

// Typed provider failures. The pipeline recovers from all of them locally
// by falling back to rule-only output; none is fatal to a batch.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrMalformed   = errors.New("provider returned malformed output")
	ErrUnavailable = errors.New("provider unavailable")
)

// Provider labels one message. Implementations must honor ctx cancellation
// and must only return labels that pass schema validation.
type Provider interface {
	Classify(ctx context.Context, payload schema.Payload) (schema.Label, error)
	ModelVersion() string
}

// Config selects and parameterizes a provider. It is the runtime-mutable
// part of the service settings.
type Config struct {
	// Kind is "mock" or "openai". Anything else builds a mock.
	Kind string `json:"kind" yaml:"kind"`
	// BaseURL points at any OpenAI-compatible endpoint (Ollama,
	// llama.cpp server, OpenAI itself). Empty means the client default.
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// Health is the result of a configuration check.
type Health struct {
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	ModelVersion string `json:"model_version"`
}

// Build constructs the provider described by cfg.
func Build(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAI(cfg)
	default:
		return NewMock(), nil
	}
}

// HealthCheck validates cfg without performing inference.
func HealthCheck(cfg Config) Health {
	switch cfg.Kind {
	case "openai":
		if cfg.Model == "" {
			return Health{OK: false, Message: "model is required", ModelVersion: "unknown"}
		}
		return Health{OK: true, Message: fmt.Sprintf("openai-compatible endpoint ready (%s)", cfg.Model), ModelVersion: cfg.Model}
	default:
		return Health{OK: true, Message: "mock provider (rules-only)", ModelVersion: "mock"}
	}
}
