package importer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/smsto/smsto/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := store.OpenMemory(t)
	st := store.New(db, nil)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return st
}

const sampleCSV = `content,sender,received_at
【工商银行】您的验证码是123456,95588,2025-01-02 10:00
双十一特价抢购，全场五折优惠,10690001,2025-01-02 11:00
,95588,2025-01-03 09:00
点击 https://example.com 领取,10690002,2025-01-03 10:00
`

func TestPreviewCSV(t *testing.T) {
	p, err := PreviewFile(strings.NewReader(sampleCSV), FormatCSV, true, 2)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(p.Header) != 3 || p.Header[0] != "content" {
		t.Fatalf("header = %v", p.Header)
	}
	if p.Total != 4 {
		t.Fatalf("total = %d, want 4", p.Total)
	}
	if len(p.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(p.Rows))
	}
	if p.Rows[0][1] != "95588" {
		t.Fatalf("row cell = %q", p.Rows[0][1])
	}
}

func TestExecuteCSV(t *testing.T) {
	st := newTestStore(t)
	m := Mapping{Content: 0, Sender: 1, ReceivedAt: 2, Phone: -1, HasHeader: true, SourceTag: "sample.csv"}

	rep, err := Execute(context.Background(), st, strings.NewReader(sampleCSV), FormatCSV, m)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Total != 4 || rep.Imported != 3 || rep.SkippedEmpty != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.IDs) != 3 {
		t.Fatalf("ids = %v", rep.IDs)
	}

	msg, err := st.GetMessage(context.Background(), rep.IDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender == nil || *msg.Sender != "95588" {
		t.Fatalf("sender = %v", msg.Sender)
	}
	if msg.Source == nil || *msg.Source != "sample.csv" {
		t.Fatalf("source = %v", msg.Source)
	}
	if !msg.HasVerificationCode {
		t.Fatal("has_code flag not set for verification message")
	}

	urlMsg, err := st.GetMessage(context.Background(), rep.IDs[2])
	if err != nil {
		t.Fatal(err)
	}
	if !urlMsg.HasURL {
		t.Fatal("has_url flag not set")
	}
}

func TestExecuteXLSX(t *testing.T) {
	st := newTestStore(t)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	cells := [][]any{
		{"短信内容", "发送方"},
		{"您的快递已到菜鸟驿站，凭取件码1234领取", "中通快递"},
		{"", "x"},
		{"尾号8888消费128.50元", "95588"},
	}
	for i, row := range cells {
		for j, v := range row {
			name, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.SetCellValue(sheet, name, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}

	m := Mapping{Content: 0, Sender: 1, ReceivedAt: -1, Phone: -1, HasHeader: true}
	rep, err := Execute(context.Background(), st, &buf, FormatXLSX, m)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Imported != 2 || rep.SkippedEmpty != 1 {
		t.Fatalf("report = %+v", rep)
	}

	msg, err := st.GetMessage(context.Background(), rep.IDs[1])
	if err != nil {
		t.Fatal(err)
	}
	if !msg.HasAmount {
		t.Fatal("has_amount flag not set")
	}
}

func TestExecuteShortRows(t *testing.T) {
	st := newTestStore(t)
	csvData := "only_sender\nsender-without-content\n"
	m := Mapping{Content: 3, Sender: -1, ReceivedAt: -1, Phone: -1, HasHeader: true}
	rep, err := Execute(context.Background(), st, strings.NewReader(csvData), FormatCSV, m)
	if err == nil {
		// Single-column file with content mapped to column 3: every row
		// is short, nothing lands.
		if rep.Imported != 0 || rep.SkippedShort == 0 {
			t.Fatalf("report = %+v", rep)
		}
		return
	}
	// Out-of-range mapping may also be rejected outright.
	if !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("err = %v", err)
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := ReadRows(strings.NewReader("x"), "pdf")
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v", err)
	}
}

func TestMissingContentColumn(t *testing.T) {
	st := newTestStore(t)
	m := Mapping{Content: -1, Sender: -1, ReceivedAt: -1, Phone: -1}
	_, err := Execute(context.Background(), st, strings.NewReader("a,b\n"), FormatCSV, m)
	if err == nil {
		t.Fatal("content column -1 must be rejected")
	}
}
