// Package rules implements the deterministic rule classifier: an ordered,
// prioritized table of keyword/pattern rules over message text and the
// entities extracted from it.
//
// Strong rules are tried first, in priority order; the first strong match
// wins outright and short-circuits evaluation. When no strong rule fires,
// every weak rule is scored and the best gray-zone candidate is returned
// with a review flag. A message no rule recognizes falls back to 其他/其他.
package rules

import (
	"fmt"
	"strings"

	"github.com/smsto/smsto/schema"
)

// Confidence bands. Strong rules carry their own ceiling (>= strongFloor);
// weak matches always land inside the gray zone.
const (
	strongFloor  = 0.85
	grayCeiling  = 0.85
	fallbackConf = 0.30
)

// Result is the classifier output for one message.
type Result struct {
	Label     schema.Label
	StrongHit bool
	// Matched lists every rule identifier that matched, winner first.
	Matched []string
}

// weakRule is a scored keyword rule contributing to the gray-zone pick.
// Order in the table is priority order: earlier wins ties.
type weakRule struct {
	id       string
	industry string
	smsType  string
	base     float64
	keywords []string
}

var weakRules = []weakRule{
	{"bill_due", "金融", "账单催缴", 0.75, []string{"账单", "催缴", "欠费", "缴费", "逾期", "应还", "最低还款"}},
	{"insurance_renewal", "金融", "保险续保", 0.72, []string{"续保", "保单", "投保", "保险到期", "车险"}},
	{"risk_alert", "通用", "风险提示", 0.65, []string{"风险", "诈骗", "异常登录", "账户异常", "冻结", "安全提醒", "谨防"}},
	{"account_change", "互联网", "会员账号变更", 0.60, []string{"会员", "账号", "密码", "变更", "实名", "绑定"}},
	// Catch-all: promotional copy. Kept last so anything more specific
	// outranks it on ties.
	{"marketing", "渠道", "营销推广", 0.55, []string{"优惠", "折扣", "活动", "专享", "抢购", "特价", "退订", "领取", "回复TD"}},
}

var logisticsKeywords = []string{"取件码", "快递", "驿站", "丰巢", "菜鸟", "中通", "圆通", "申通", "韵达", "顺丰", "京东物流"}

var govKeywords = []string{"公安", "税务", "社保", "公积金", "政府", "政务", "人民法院", "检察院", "交警", "医保"}

var financialKeywords = []string{"银行", "证券", "保险", "信用卡", "贷款", "还款", "入账", "扣款", "消费", "交易", "转账", "转入", "转出"}

var codeKeywords = []string{"验证码", "校验码", "动态码", "OTP"}

// Classify runs the rule table over one message. It is deterministic and
// total: the same input always yields the same output, and there is always
// a winner — a strong rule, the best weak rule, or the fallback.
func Classify(content, sender string, ents schema.Entities) Result {
	signals := baseSignals(ents)

	if r, ok := strongMatch(content, sender, ents, signals); ok {
		return r
	}

	return weakMatch(content, signals, ents)
}

// strongMatch tries the strong rules in priority order. First match wins.
func strongMatch(content, sender string, ents schema.Entities, signals map[string]any) (Result, bool) {
	if ents.VerificationCode != nil && containsAny(content, codeKeywords) {
		industry := guessIndustryFromSender(sender)
		if industry == "" {
			industry = "通用"
		}
		signals["rule"] = "verification_code"
		return strongResult("verification_code", industry, "验证码", 0.98, ents, signals,
			fmt.Sprintf("rule: verification_code=%s", *ents.VerificationCode)), true
	}

	if containsAny(content, logisticsKeywords) {
		signals["rule"] = "logistics_pickup"
		return strongResult("logistics_pickup", "通用", "物流取件", 0.92, ents, signals,
			"rule: logistics_pickup"), true
	}

	if containsAny(content, govKeywords) {
		signals["rule"] = "gov_notice"
		return strongResult("gov_notice", "政务", "政务通知", 0.93, ents, signals,
			"rule: gov_org_keyword"), true
	}

	if financialTransactionLike(content, sender) {
		signals["rule"] = "financial_transaction"
		return strongResult("financial_transaction", "金融", "交易提醒", 0.90, ents, signals,
			"rule: financial_transaction"), true
	}

	return Result{}, false
}

// weakMatch scores every weak rule and returns the best candidate, or the
// fallback when nothing matches. Ties break toward table order.
func weakMatch(content string, signals map[string]any, ents schema.Entities) Result {
	var (
		winner  *weakRule
		best    float64
		matched []string
		reasons []string
	)

	for i := range weakRules {
		r := &weakRules[i]
		hits := keywordHits(content, r.keywords)
		if len(hits) == 0 {
			continue
		}
		matched = append(matched, r.id)
		reasons = append(reasons, fmt.Sprintf("rule: %s keywords=%s", r.id, strings.Join(hits, ",")))
		signals["kw:"+r.id] = hits

		score := r.base + 0.03*float64(len(hits)-1)
		if score > grayCeiling {
			score = grayCeiling
		}
		if winner == nil || score > best {
			winner = r
			best = score
		}
	}

	if winner == nil {
		signals["rule"] = "fallback"
		return Result{
			Label: schema.Label{
				Industry:      schema.IndustryOther,
				Type:          schema.TypeOther,
				Entities:      ents,
				Confidence:    fallbackConf,
				NeedsReview:   true,
				Reasons:       []string{"rule: no_match_fallback"},
				Signals:       signals,
				RulesVersion:  schema.RulesVersion,
				ModelVersion:  "n/a",
				SchemaVersion: schema.SchemaVersion,
			},
			Matched: []string{"fallback"},
		}
	}

	signals["rule"] = winner.id
	// Winner goes first in Matched; reasons keep every matched rule for
	// explainability.
	ordered := append([]string{winner.id}, remove(matched, winner.id)...)
	return Result{
		Label: schema.Label{
			Industry:      winner.industry,
			Type:          winner.smsType,
			Entities:      ents,
			Confidence:    best,
			NeedsReview:   true,
			Reasons:       reasons,
			Signals:       signals,
			RulesVersion:  schema.RulesVersion,
			ModelVersion:  "n/a",
			SchemaVersion: schema.SchemaVersion,
		},
		Matched: ordered,
	}
}

func strongResult(id, industry, smsType string, conf float64, ents schema.Entities, signals map[string]any, reason string) Result {
	return Result{
		Label: schema.Label{
			Industry:      industry,
			Type:          smsType,
			Entities:      ents,
			Confidence:    conf,
			NeedsReview:   false,
			Reasons:       []string{reason},
			Signals:       signals,
			RulesVersion:  schema.RulesVersion,
			ModelVersion:  "n/a",
			SchemaVersion: schema.SchemaVersion,
		},
		StrongHit: true,
		Matched:   []string{id},
	}
}

func baseSignals(ents schema.Entities) map[string]any {
	signals := map[string]any{}
	if ents.Brand != nil {
		signals["brand"] = *ents.Brand
	}
	if ents.URL != nil {
		signals["has_url"] = true
	}
	if ents.VerificationCode != nil {
		signals["has_verification_code"] = true
	}
	if ents.Amount != nil {
		signals["has_amount"] = true
	}
	return signals
}

func guessIndustryFromSender(sender string) string {
	s := strings.ToLower(sender)
	if s == "" {
		return ""
	}
	for _, kw := range []string{"bank", "银行", "证券", "保险"} {
		if strings.Contains(s, kw) {
			return "金融"
		}
	}
	return ""
}

func financialTransactionLike(content, sender string) bool {
	if containsAny(content, financialKeywords) {
		return true
	}
	return containsAny(sender, []string{"银行", "证券", "保险"})
}

func keywordHits(s string, kws []string) []string {
	var hits []string
	for _, k := range kws {
		if strings.Contains(s, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

func containsAny(s string, kws []string) bool {
	for _, k := range kws {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
