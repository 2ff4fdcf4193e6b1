package schema

import (
	"math"
	"testing"
)

func TestNormalize_InvalidEnums(t *testing.T) {
	l := Label{Industry: "电信", Type: "未知类型", Confidence: 0.7}.Normalize()

	if l.Industry != IndustryOther {
		t.Fatalf("industry: got %q", l.Industry)
	}
	if l.Type != TypeOther {
		t.Fatalf("type: got %q", l.Type)
	}
	if !l.NeedsReview {
		t.Fatal("needs_review should be set for out-of-enum values")
	}
	if l.SchemaVersion != SchemaVersion {
		t.Fatalf("schema_version: got %q", l.SchemaVersion)
	}
}

func TestNormalize_Confidence(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"clamp high", 1.5, 1},
		{"clamp low", -0.5, 0},
		{"nan", math.NaN(), 0.5},
		{"inf", math.Inf(1), 0.5},
		{"kept", 0.77, 0.77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Label{Industry: "金融", Type: "验证码", Confidence: tt.in}.Normalize()
			if l.Confidence != tt.want {
				t.Fatalf("confidence: got %v, want %v", l.Confidence, tt.want)
			}
		})
	}
}

func TestNormalize_FillsDefaults(t *testing.T) {
	l := Label{Industry: "金融", Type: "验证码", Confidence: 0.9}.Normalize()
	if l.RulesVersion != RulesVersion {
		t.Fatalf("rules_version: got %q", l.RulesVersion)
	}
	if len(l.Reasons) != 1 || l.Reasons[0] != "no_reason" {
		t.Fatalf("reasons: got %v", l.Reasons)
	}
	if l.Signals == nil {
		t.Fatal("signals should be non-nil after normalize")
	}
}

func TestValidate(t *testing.T) {
	ok := Label{Industry: "金融", Type: "验证码", Confidence: 0.9}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid label rejected: %v", err)
	}

	tests := []struct {
		name  string
		label Label
		field string
	}{
		{"bad industry", Label{Industry: "体育", Type: "验证码", Confidence: 0.5}, "industry"},
		{"bad type", Label{Industry: "金融", Type: "闲聊", Confidence: 0.5}, "type"},
		{"confidence above 1", Label{Industry: "金融", Type: "验证码", Confidence: 1.5}, "confidence"},
		{"confidence below 0", Label{Industry: "金融", Type: "验证码", Confidence: -0.1}, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.label.Validate()
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("want *ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field: got %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestEntitiesMerge(t *testing.T) {
	rule := Entities{VerificationCode: Str("123456"), Amount: Num(12.5)}
	model := Entities{VerificationCode: Str("999999"), Brand: Str("招商银行")}

	merged := rule.Merge(model)

	if *merged.VerificationCode != "123456" {
		t.Fatalf("rule detection overwritten: %q", *merged.VerificationCode)
	}
	if merged.Brand == nil || *merged.Brand != "招商银行" {
		t.Fatal("model-only field not merged")
	}
	if merged.Amount == nil || *merged.Amount != 12.5 {
		t.Fatal("rule amount lost")
	}
}

func TestValidateLabelJSON(t *testing.T) {
	good := `{"industry":"金融","type":"验证码","entities":{"brand":null},"confidence":0.9,"needs_review":false,"reasons":["rule"]}`
	if err := ValidateLabelJSON([]byte(good)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	tests := []struct {
		name string
		in   string
	}{
		{"industry outside enum", `{"industry":"体育","type":"验证码","entities":{},"confidence":0.9,"needs_review":false,"reasons":[]}`},
		{"confidence out of range", `{"industry":"金融","type":"验证码","entities":{},"confidence":2,"needs_review":false,"reasons":[]}`},
		{"missing required", `{"industry":"金融"}`},
		{"not json", `labels are great`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateLabelJSON([]byte(tt.in)); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}
