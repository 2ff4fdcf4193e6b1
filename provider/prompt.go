package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smsto/smsto/schema"
)

// BuildPrompt renders the strict JSON-only instruction for one payload. The
// model sees the fixed enumerations, the entity field list and whatever the
// rule pass already extracted.
func BuildPrompt(payload schema.Payload) string {
	entitiesJSON, _ := json.Marshal(payload.Entities)
	signalsJSON, _ := json.Marshal(payload.Signals)

	return fmt.Sprintf(`你是短信分类与实体抽取模型。
你必须严格输出 JSON（只输出一个 JSON 对象，禁止输出其他任何字符）。

任务：对短信 content 做两层标签与实体抽取补全。

约束：
- industry 只能取以下枚举之一：%s
- type 只能取以下枚举之一：%s
- entities 必须包含字段：brand, verification_code, amount, balance, account_suffix, time_text, url, phone_in_text；缺失填 null
- confidence 为 0~1 的小数
- reasons 为字符串数组（简短、可解释）
- needs_review 为 true/false
- rules_version 固定为 %s
- schema_version 固定为 %s

输入：
content: %s
rule_entities: %s
rule_signals: %s

只输出一个符合上述约束的 JSON 对象。`,
		strings.Join(schema.Industries, "、"),
		strings.Join(schema.Types, "、"),
		schema.RulesVersion,
		schema.SchemaVersion,
		jsonEscape(payload.Content),
		entitiesJSON,
		signalsJSON,
	)
}

// jsonEscape quotes content so embedded quotes and newlines cannot break the
// prompt structure.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return string(b)
}

// ExtractJSON locates the first balanced JSON object in model output. Chatty
// models wrap the object in prose or code fences; everything around the
// first balanced object is ignored.
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}
