// Package extract turns raw SMS text into structured entities: URLs,
// verification codes, amounts, balances, account suffixes, time references,
// in-text phone numbers and brand hints.
//
// Extraction is deterministic, side-effect-free and total — absence of a
// pattern yields a nil field, never an error. Fields are detected
// independently: one detection never suppresses another.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/smsto/smsto/schema"
)

var (
	urlRe   = regexp.MustCompile(`https?://\S+|www\.[^\s]+\.[^\s]+`)
	phoneRe = regexp.MustCompile(`\b1\d{10}\b`)
	// Digit run of verification-code length, used only when a code keyword
	// is present in the message.
	digitsRe        = regexp.MustCompile(`\b\d{4,8}\b`)
	codeNearKwRe    = regexp.MustCompile(`(?:验证码|校验码|动态码|OTP)\D{0,6}(\d{4,8})`)
	symbolAmountRe  = regexp.MustCompile(`(?:￥|¥|RMB|CNY)\s*(\d+(?:[.,，]\d+)?)`)
	suffixAmountRe  = regexp.MustCompile(`(\d+(?:[.,，]\d+)?)\s*(?:元|块|人民币)`)
	accountSuffixRe = regexp.MustCompile(`(?:尾号|末四位|后四位)\D{0,4}(\d{3,6})`)
	// Balance is anchored on its keyword: the number that follows 余额 is
	// the balance even when the message also carries a transaction amount.
	balanceRe = regexp.MustCompile(`(?:可用余额|账户余额|余额)\D{0,4}([\d,，]+(?:\.\d+)?)`)
	timeRe          = regexp.MustCompile(`\b\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}(?:日)?(?:\s*\d{1,2}:\d{2}(?::\d{2})?)?\b|\b\d{1,2}:\d{2}(?::\d{2})?\b`)
)

var codeKeywords = []string{"验证码", "校验码", "动态码", "OTP"}

var amountKeywords = []string{"金额", "支付", "扣款", "消费", "入账", "转入", "转出", "还款", "退款"}

// Known brand names checked in content when no sender is available.
var brandKeywords = []string{
	"中国银行", "工商银行", "建设银行", "农业银行", "招商银行", "交通银行",
	"邮储银行", "平安银行", "兴业银行", "中信银行", "浦发银行", "光大银行",
	"民生银行", "支付宝", "微信", "京东物流", "京东", "美团", "饿了么",
	"拼多多", "顺丰",
}

// Extract runs all entity detectors over content. sender may be empty; when
// present it is preferred as the brand hint.
func Extract(content, sender string) schema.Entities {
	var out schema.Entities

	if b := Brand(content, sender); b != "" {
		out.Brand = &b
	}
	if m := urlRe.FindString(content); m != "" {
		out.URL = &m
	}
	if m := phoneRe.FindString(content); m != "" {
		out.PhoneInText = &m
	}
	if c := verificationCode(content); c != "" {
		out.VerificationCode = &c
	}
	if v, ok := amount(content); ok {
		out.Amount = &v
	}
	if m := balanceRe.FindStringSubmatch(content); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			out.Balance = &v
		}
	}
	if m := accountSuffixRe.FindStringSubmatch(content); m != nil {
		out.AccountSuffix = &m[1]
	}
	if m := timeRe.FindString(content); m != "" {
		out.TimeText = &m
	}

	return out
}

// Brand returns the brand hint for a message: the trimmed sender when
// non-empty, otherwise the first known brand name found in the content.
func Brand(content, sender string) string {
	if s := strings.TrimSpace(sender); s != "" {
		return s
	}
	for _, kw := range brandKeywords {
		if strings.Contains(content, kw) {
			return kw
		}
	}
	return ""
}

func verificationCode(content string) string {
	if m := codeNearKwRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	// Fallback: first plausible digit run, but only in messages that talk
	// about a code at all.
	if containsAny(content, codeKeywords) {
		return digitsRe.FindString(content)
	}
	return ""
}

// amount finds the transaction amount: a 元/块-suffixed or currency-symbol
// number when an amount keyword is present, or a bare symbol-prefixed number
// without any keyword (¥12.5 is an amount even without 消费/支付 nearby).
func amount(content string) (float64, bool) {
	if containsAny(content, amountKeywords) {
		if m := suffixAmountRe.FindStringSubmatch(content); m != nil {
			return parseAmount(m[1])
		}
	}
	if m := symbolAmountRe.FindStringSubmatch(content); m != nil {
		return parseAmount(m[1])
	}
	return 0, false
}

func parseAmount(s string) (float64, bool) {
	s = strings.NewReplacer(",", "", "，", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func containsAny(s string, kws []string) bool {
	for _, k := range kws {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Flags is the lightweight import-time scan behind the advisory has_url /
// has_amount / has_verification_code message flags. It is intentionally
// cheaper and looser than Extract: the flags drive list filters, not labels.
func Flags(content string) (hasURL, hasAmount, hasCode bool) {
	hasURL = urlRe.MatchString(content)
	hasAmount = symbolAmountRe.MatchString(content) || suffixAmountRe.MatchString(content)
	hasCode = digitsRe.MatchString(content) && containsAny(content, codeKeywords)
	return
}
