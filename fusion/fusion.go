// Package fusion reconciles the rule classifier's candidate with an
// optional model candidate into one authoritative label.
//
// Policy: a strong rule hit is authoritative and the model is never
// consulted for it. On gray-zone messages the higher-confidence candidate
// wins, but any disagreement on industry or type forces a review flag,
// caps confidence below the confident threshold and records both
// candidates for the operator.
package fusion

import (
	"fmt"

	"github.com/smsto/smsto/schema"
)

// conflictCeiling caps the confidence of a fused label whose two sources
// disagreed; a conflicted label is never allowed to look confident.
const conflictCeiling = 0.85

// Input carries the two candidates. Either may be absent: Model is nil for
// strong hits and for provider failures, Rule is nil only when the rule
// stage itself was skipped.
type Input struct {
	Rule          *schema.Label
	Model         *schema.Label
	RuleStrongHit bool
}

// Fuse resolves Input into the final label. Entities are merged field-wise
// with the winner preferred; a rule-detected entity is never discarded in
// favor of a nil model field. Version stamps come from the components that
// actually contributed.
func Fuse(in Input) schema.Label {
	switch {
	case in.Rule != nil && in.Model == nil:
		return in.Rule.Normalize()

	case in.Rule == nil && in.Model != nil:
		return in.Model.Normalize()

	case in.Rule == nil && in.Model == nil:
		return schema.Label{
			Industry:     schema.IndustryOther,
			Type:         schema.TypeOther,
			Confidence:   0.4,
			NeedsReview:  true,
			Reasons:      []string{"no_rule_no_model"},
			ModelVersion: "n/a",
		}.Normalize()
	}

	rule, model := *in.Rule, *in.Model

	var out schema.Label
	switch {
	case in.RuleStrongHit:
		out = rule
	case model.Confidence >= rule.Confidence:
		out = model
		out.Entities = model.Entities.Merge(rule.Entities)
	default:
		out = rule
		out.Entities = rule.Entities.Merge(model.Entities)
	}

	agree := rule.Industry == model.Industry && rule.Type == model.Type
	otherPair := rule.Industry == schema.IndustryOther && rule.Type == schema.TypeOther
	if agree && !in.RuleStrongHit && !otherPair {
		// Two independent sources landing on the same pair is confident
		// enough to clear the gray-zone review flag. Agreeing on 其他/其他
		// does not count: that pair means neither source knew.
		out.NeedsReview = false
		if model.Confidence > out.Confidence {
			out.Confidence = model.Confidence
		}
	}

	if !agree {
		out.NeedsReview = true
		out.Confidence = out.Confidence * 0.85
		if out.Confidence > conflictCeiling {
			out.Confidence = conflictCeiling
		}
		out.Reasons = append(out.Reasons, "fusion_conflict")
		if out.Signals == nil {
			out.Signals = map[string]any{}
		}
		out.Signals["fusion_rule_candidate"] = candidate(rule)
		out.Signals["fusion_model_candidate"] = candidate(model)
	}

	// Provenance: the model stamp only applies when the model contributed.
	if out.ModelVersion == "" || out.ModelVersion == "n/a" {
		if model.ModelVersion != "" {
			out.ModelVersion = model.ModelVersion
		}
	}

	return out.Normalize()
}

func candidate(l schema.Label) string {
	return fmt.Sprintf("%s/%s@%.2f", l.Industry, l.Type, l.Confidence)
}
