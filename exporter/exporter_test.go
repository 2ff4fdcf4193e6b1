package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/store"
)

func seededStore(t *testing.T) (*store.Store, []int64) {
	t.Helper()
	db := store.OpenMemory(t)
	st := store.New(db, nil)
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatal(err)
	}

	var ids []int64
	for _, c := range []string{"您的验证码是1234", "特价抢购优惠", "未标注消息"} {
		id, err := st.InsertMessage(ctx, schema.Message{Content: c, Sender: schema.Str("106")})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	clean := schema.Label{
		Industry: "通用", Type: "验证码", Confidence: 0.98,
		Reasons: []string{"rule: verification_code"},
		Entities: schema.Entities{VerificationCode: schema.Str("1234")},
	}
	gray := schema.Label{
		Industry: "渠道", Type: "营销推广", Confidence: 0.55, NeedsReview: true,
		Reasons: []string{"rule: marketing"},
	}
	if _, err := st.UpsertLabelAuto(ctx, ids[0], clean, false); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertLabelAuto(ctx, ids[1], gray, false); err != nil {
		t.Fatal(err)
	}
	return st, ids
}

func TestExportCSV(t *testing.T) {
	st, ids := seededStore(t)
	var buf bytes.Buffer

	n, err := Export(context.Background(), st, &buf, Options{Format: FormatCSV})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "id" || rows[0][4] != "industry" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][1] != "您的验证码是1234" || rows[1][5] != "验证码" {
		t.Fatalf("row = %v", rows[1])
	}
	if !strings.Contains(rows[1][9], `"verification_code":"1234"`) {
		t.Fatalf("entities cell = %q", rows[1][9])
	}
	_ = ids
}

func TestExportOnlyReviewed(t *testing.T) {
	st, ids := seededStore(t)
	var buf bytes.Buffer

	n, err := Export(context.Background(), st, &buf, Options{Format: FormatJSONL, OnlyReviewed: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1 (gray-zone row excluded)", n)
	}

	var row struct {
		ID    int64        `json:"id"`
		Label schema.Label `json:"label"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &row); err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if row.ID != ids[0] || row.Label.Type != "验证码" {
		t.Fatalf("row = %+v", row)
	}
}

func TestExportJSONLAllLabeled(t *testing.T) {
	st, _ := seededStore(t)
	var buf bytes.Buffer

	n, err := Export(context.Background(), st, &buf, Options{Format: FormatJSONL})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	for _, line := range lines {
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
	}
}

func TestExportXLSX(t *testing.T) {
	st, _ := seededStore(t)
	var buf bytes.Buffer

	n, err := Export(context.Background(), st, &buf, Options{Format: FormatXLSX})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d", n)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("xlsx rows = %d, want header + 2", len(rows))
	}
	if rows[2][5] != "营销推广" {
		t.Fatalf("cell = %q", rows[2][5])
	}
}

func TestExportSkipsVanishedLabels(t *testing.T) {
	// A delete racing the export can leave a listed row without its label;
	// such rows are dropped instead of dereferenced.
	msgs := []schema.Message{
		{ID: 1, Content: "您的验证码是1234", Label: &schema.Label{Industry: "通用", Type: "验证码", Confidence: 0.98}},
		{ID: 2, Content: "已删除的消息"},
		{ID: 3, Content: "特价抢购优惠", Label: &schema.Label{Industry: "渠道", Type: "营销推广", Confidence: 0.55}},
	}

	kept := dropUnlabeled(msgs)
	if len(kept) != 2 || kept[0].ID != 1 || kept[1].ID != 3 {
		t.Fatalf("kept = %+v", kept)
	}

	var buf bytes.Buffer
	if err := writeJSONL(&buf, kept); err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	buf.Reset()
	if err := writeCSV(&buf, kept); err != nil {
		t.Fatalf("csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d, want header + 2", len(rows))
	}
}

func TestExportUnknownFormat(t *testing.T) {
	st, _ := seededStore(t)
	_, err := Export(context.Background(), st, &bytes.Buffer{}, Options{Format: "parquet"})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v", err)
	}
}
