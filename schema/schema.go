// Package schema defines the label taxonomy, entity value object and the
// persisted label layout shared by the rule engine, the model provider and
// the store.
//
// The taxonomy is fixed: six industries and ten message types. Every label
// written anywhere in the system is a member of both enumerations; anything
// else is normalized to 其他 (other) and flagged for review.
package schema

import (
	"fmt"
	"math"
)

// Version stamps recorded on every label for provenance.
const (
	SchemaVersion = "schema_v1"
	RulesVersion  = "rules_v1"
)

// Industries is the first-level taxonomy (行业大类).
var Industries = []string{"金融", "通用", "政务", "渠道", "互联网", "其他"}

// Types is the second-level taxonomy (短信类型).
var Types = []string{
	"验证码",
	"交易提醒",
	"账单催缴",
	"保险续保",
	"物流取件",
	"会员账号变更",
	"政务通知",
	"风险提示",
	"营销推广",
	"其他",
}

// Fallback values used when nothing better is known.
const (
	IndustryOther = "其他"
	TypeOther     = "其他"
)

// ValidIndustry reports whether v is a member of the industry enumeration.
func ValidIndustry(v string) bool { return contains(Industries, v) }

// ValidType reports whether v is a member of the type enumeration.
func ValidType(v string) bool { return contains(Types, v) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Entities holds the structured fields extracted from a message. All fields
// are independently optional; nil means "not detected", not "absent in the
// source text".
type Entities struct {
	Brand            *string  `json:"brand"`
	VerificationCode *string  `json:"verification_code"`
	Amount           *float64 `json:"amount"`
	Balance          *float64 `json:"balance"`
	AccountSuffix    *string  `json:"account_suffix"`
	TimeText         *string  `json:"time_text"`
	URL              *string  `json:"url"`
	PhoneInText      *string  `json:"phone_in_text"`
}

// Merge returns e with nil fields filled from other. Non-nil fields of the
// receiver always win: a detection is never discarded for a nil field on the
// other side.
func (e Entities) Merge(other Entities) Entities {
	if e.Brand == nil {
		e.Brand = other.Brand
	}
	if e.VerificationCode == nil {
		e.VerificationCode = other.VerificationCode
	}
	if e.Amount == nil {
		e.Amount = other.Amount
	}
	if e.Balance == nil {
		e.Balance = other.Balance
	}
	if e.AccountSuffix == nil {
		e.AccountSuffix = other.AccountSuffix
	}
	if e.TimeText == nil {
		e.TimeText = other.TimeText
	}
	if e.URL == nil {
		e.URL = other.URL
	}
	if e.PhoneInText == nil {
		e.PhoneInText = other.PhoneInText
	}
	return e
}

// Label is the reviewable classification result for one message. It is the
// JSON-serializable persisted layout: enums, entities, confidence, review
// flag, explanation trail and provenance stamps.
type Label struct {
	Industry      string         `json:"industry"`
	Type          string         `json:"type"`
	Entities      Entities       `json:"entities"`
	Confidence    float64        `json:"confidence"`
	NeedsReview   bool           `json:"needs_review"`
	Reasons       []string       `json:"reasons"`
	Signals       map[string]any `json:"signals"`
	RulesVersion  string         `json:"rules_version"`
	ModelVersion  string         `json:"model_version"`
	SchemaVersion string         `json:"schema_version"`
}

// Normalize repairs a label in place and returns it: out-of-enum values fall
// back to 其他 with a review flag, confidence is clamped into [0,1], version
// stamps are filled when missing. Model output goes through Normalize before
// anything else touches it.
func (l Label) Normalize() Label {
	if !ValidIndustry(l.Industry) {
		l.Industry = IndustryOther
		l.NeedsReview = true
		l.Reasons = append(l.Reasons, "normalize:invalid_industry")
	}
	if !ValidType(l.Type) {
		l.Type = TypeOther
		l.NeedsReview = true
		l.Reasons = append(l.Reasons, "normalize:invalid_type")
	}
	if math.IsNaN(l.Confidence) || math.IsInf(l.Confidence, 0) {
		l.Confidence = 0.5
		l.NeedsReview = true
		l.Reasons = append(l.Reasons, "normalize:invalid_confidence")
	}
	if l.Confidence < 0 {
		l.Confidence = 0
	}
	if l.Confidence > 1 {
		l.Confidence = 1
	}
	if l.RulesVersion == "" {
		l.RulesVersion = RulesVersion
	}
	if len(l.Reasons) == 0 {
		l.Reasons = []string{"no_reason"}
	}
	if l.Signals == nil {
		l.Signals = map[string]any{}
	}
	l.SchemaVersion = SchemaVersion
	return l
}

// ErrorFallback builds the label persisted when the model provider fails and
// the rules produced no candidate of their own.
func ErrorFallback(entities Entities, signals map[string]any, cause string) Label {
	if signals == nil {
		signals = map[string]any{}
	}
	return Label{
		Industry:      IndustryOther,
		Type:          TypeOther,
		Entities:      entities,
		Confidence:    0.25,
		NeedsReview:   true,
		Reasons:       []string{"model_error:" + cause},
		Signals:       signals,
		RulesVersion:  RulesVersion,
		ModelVersion:  "error",
		SchemaVersion: SchemaVersion,
	}
}

// ValidationError describes a manual-edit rejection: which field violated
// which constraint. The original label is left unchanged by the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid label: %s %s", e.Field, e.Reason)
}

// Validate checks a manually edited label against the hard invariants.
// Unlike Normalize it rejects instead of repairing: a human edit that falls
// outside the taxonomy is an operator mistake, not model noise.
func (l Label) Validate() error {
	if !ValidIndustry(l.Industry) {
		return &ValidationError{Field: "industry", Reason: "not in the fixed enumeration"}
	}
	if !ValidType(l.Type) {
		return &ValidationError{Field: "type", Reason: "not in the fixed enumeration"}
	}
	if math.IsNaN(l.Confidence) || l.Confidence < 0 || l.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
	}
	return nil
}

// Message is an imported message row. Content is immutable after import; the
// has_* flags come from a lightweight scan at import time and are advisory
// (filterable), not authoritative — the full extractor runs at labeling time.
type Message struct {
	ID                  int64   `json:"id"`
	Content             string  `json:"content"`
	ReceivedAt          *string `json:"received_at"`
	Sender              *string `json:"sender"`
	Phone               *string `json:"phone"`
	Source              *string `json:"source"`
	HasURL              bool    `json:"has_url"`
	HasAmount           bool    `json:"has_amount"`
	HasVerificationCode bool    `json:"has_verification_code"`
	Label               *Label  `json:"label,omitempty"`
}

// Payload is the input handed to a model provider for one message: the raw
// content plus whatever the rule pass already extracted.
type Payload struct {
	MessageID int64          `json:"message_id"`
	Content   string         `json:"content"`
	Entities  Entities       `json:"entities"`
	Signals   map[string]any `json:"signals"`
}

// Str returns a pointer to s, for building optional fields in literals.
func Str(s string) *string { return &s }

// Num returns a pointer to f, for building optional fields in literals.
func Num(f float64) *float64 { return &f }
