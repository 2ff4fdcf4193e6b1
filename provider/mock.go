package provider

import (
	"context"

	"github.com/smsto/smsto/schema"
)

// Mock is a deterministic offline provider. It echoes the rule entities back
// in a low-confidence 其他/其他 label, which keeps the full pipeline runnable
// with no model installed (and keeps tests hermetic).
type Mock struct{}

// NewMock returns the mock provider.
func NewMock() *Mock { return &Mock{} }

// Classify implements Provider.
func (m *Mock) Classify(ctx context.Context, payload schema.Payload) (schema.Label, error) {
	if err := ctx.Err(); err != nil {
		return schema.Label{}, ErrTimeout
	}
	return schema.Label{
		Industry:      schema.IndustryOther,
		Type:          schema.TypeOther,
		Entities:      payload.Entities,
		Confidence:    0.55,
		NeedsReview:   true,
		Reasons:       []string{"mock_provider"},
		Signals:       payload.Signals,
		RulesVersion:  schema.RulesVersion,
		ModelVersion:  "mock",
		SchemaVersion: schema.SchemaVersion,
	}, nil
}

// ModelVersion implements Provider.
func (m *Mock) ModelVersion() string { return "mock" }
