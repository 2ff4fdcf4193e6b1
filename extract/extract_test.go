package extract

import "testing"

func TestExtract_VerificationCode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"colon form", "验证码：839204（5分钟内有效），请勿泄露。", "839204"},
		{"inline form", "您的验证码是123456，5分钟内有效", "123456"},
		{"otp keyword", "Your OTP is 4821, valid for 5 minutes", "4821"},
		{"keyword far from digits", "动态码已发送。如非本人操作请忽略 582913", "582913"},
		{"no keyword", "您的订单号是123456", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Extract(tt.content, "")
			if tt.want == "" {
				if e.VerificationCode != nil {
					t.Fatalf("want nil code, got %q", *e.VerificationCode)
				}
				return
			}
			if e.VerificationCode == nil || *e.VerificationCode != tt.want {
				t.Fatalf("code: got %v, want %q", e.VerificationCode, tt.want)
			}
		})
	}
}

func TestExtract_AmountAndSuffix(t *testing.T) {
	e := Extract("尾号8888消费128.50元，余额￥1,024.75", "")

	if e.Amount == nil || *e.Amount != 128.50 {
		t.Fatalf("amount: got %v", e.Amount)
	}
	if e.Balance == nil || *e.Balance != 1024.75 {
		t.Fatalf("balance: got %v", e.Balance)
	}
	if e.AccountSuffix == nil || *e.AccountSuffix != "8888" {
		t.Fatalf("account_suffix: got %v", e.AccountSuffix)
	}
}

func TestExtract_BareSymbolAmount(t *testing.T) {
	e := Extract("优惠价¥9.9，先到先得", "")
	if e.Amount == nil || *e.Amount != 9.9 {
		t.Fatalf("amount: got %v", e.Amount)
	}
}

func TestExtract_URLPhoneTime(t *testing.T) {
	e := Extract("2024-03-15 14:30 您的包裹已送达，详情 https://ex.am/p1e 联系13812345678", "")

	if e.URL == nil || *e.URL != "https://ex.am/p1e" {
		t.Fatalf("url: got %v", e.URL)
	}
	if e.PhoneInText == nil || *e.PhoneInText != "13812345678" {
		t.Fatalf("phone: got %v", e.PhoneInText)
	}
	if e.TimeText == nil || *e.TimeText != "2024-03-15 14:30" {
		t.Fatalf("time: got %v", e.TimeText)
	}
}

func TestExtract_Brand(t *testing.T) {
	if e := Extract("【招商银行】账单已出", "95555"); e.Brand == nil || *e.Brand != "95555" {
		t.Fatalf("sender should win: got %v", e.Brand)
	}
	if e := Extract("【招商银行】账单已出", ""); e.Brand == nil || *e.Brand != "招商银行" {
		t.Fatalf("content brand: got %v", e.Brand)
	}
	if e := Extract("今天天气不错", ""); e.Brand != nil {
		t.Fatalf("want nil brand, got %q", *e.Brand)
	}
}

// Totality: any input yields a structurally valid Entities value without
// panicking, including empty and junk text.
func TestExtract_Total(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"¥",
		"验证码",
		"尾号",
		"\x00\xff\xfe",
		"阿斯顿发生的发生的发生的",
		"1234567890123456789012345678901234567890",
	}
	for _, in := range inputs {
		_ = Extract(in, "")
	}
}

func TestExtract_Deterministic(t *testing.T) {
	const msg = "【工商银行】您尾号6677的卡10月12日 09:15消费¥230.00，余额1,200.50元。"
	a := Extract(msg, "")
	b := Extract(msg, "")
	if (a.Amount == nil) != (b.Amount == nil) || (a.Amount != nil && *a.Amount != *b.Amount) {
		t.Fatal("extract not deterministic")
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		content                  string
		url, amount, code        bool
	}{
		{"点击 https://t.cn/x 领取", true, false, false},
		{"本月消费128.50元", false, true, false},
		{"验证码 4821 请勿泄露", false, false, true},
		{"4821", false, false, false},
		{"今天天气不错", false, false, false},
	}
	for _, tt := range tests {
		gotURL, gotAmount, gotCode := Flags(tt.content)
		if gotURL != tt.url || gotAmount != tt.amount || gotCode != tt.code {
			t.Fatalf("%q: got (%v,%v,%v), want (%v,%v,%v)",
				tt.content, gotURL, gotAmount, gotCode, tt.url, tt.amount, tt.code)
		}
	}
}
