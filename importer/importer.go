// Package importer loads message corpora from CSV and XLSX files. The
// caller maps file columns to message fields, previews the head of the
// file, then executes the import; empty-content rows are skipped and
// counted, never inserted.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/smsto/smsto/extract"
	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/store"
)

// Supported file formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ErrUnknownFormat rejects anything that is not csv or xlsx.
var ErrUnknownFormat = errors.New("importer: unknown format")

// Mapping ties file columns to message fields by zero-based index.
// -1 means the file has no such column. Content is mandatory.
type Mapping struct {
	Content    int  `json:"content"`
	Sender     int  `json:"sender"`
	ReceivedAt int  `json:"received_at"`
	Phone      int  `json:"phone"`
	HasHeader  bool `json:"has_header"`

	// SourceTag is stamped on every imported row, typically the upload
	// file name.
	SourceTag string `json:"source_tag"`
}

// DefaultMapping assumes content in the first column, a header row, and
// nothing else.
func DefaultMapping() Mapping {
	return Mapping{Content: 0, Sender: -1, ReceivedAt: -1, Phone: -1, HasHeader: true}
}

func (m Mapping) validate(width int) error {
	if m.Content < 0 {
		return errors.New("importer: content column is required")
	}
	if width > 0 && m.Content >= width {
		return fmt.Errorf("importer: content column %d out of range (file has %d columns)", m.Content, width)
	}
	return nil
}

// Preview is the head of a file, for building a Mapping in the UI.
type Preview struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
	Total  int        `json:"total"`
}

// Report counts the outcome of one import run.
type Report struct {
	Total        int     `json:"total"`
	Imported     int     `json:"imported"`
	SkippedEmpty int     `json:"skipped_empty"`
	SkippedShort int     `json:"skipped_short"`
	IDs          []int64 `json:"ids,omitempty"`
}

const insertChunk = 500

// ReadRows parses the whole file into rows of cells.
func ReadRows(r io.Reader, format string) ([][]string, error) {
	switch format {
	case FormatCSV:
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("importer: read csv: %w", err)
		}
		return rows, nil
	case FormatXLSX:
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("importer: open xlsx: %w", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("importer: xlsx has no sheets")
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("importer: read xlsx: %w", err)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// PreviewFile returns the header row (when hasHeader) and up to limit data
// rows.
func PreviewFile(r io.Reader, format string, hasHeader bool, limit int) (Preview, error) {
	rows, err := ReadRows(r, format)
	if err != nil {
		return Preview{}, err
	}
	if limit <= 0 {
		limit = 10
	}
	var p Preview
	if hasHeader && len(rows) > 0 {
		p.Header = rows[0]
		rows = rows[1:]
	}
	p.Total = len(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	p.Rows = rows
	return p, nil
}

// Execute imports the file into the store. Rows whose content cell is empty
// or missing are counted and skipped; everything else is inserted with the
// advisory has_url/has_amount/has_code flags precomputed.
func Execute(ctx context.Context, st *store.Store, r io.Reader, format string, m Mapping) (Report, error) {
	rows, err := ReadRows(r, format)
	if err != nil {
		return Report{}, err
	}
	if m.HasHeader && len(rows) > 0 {
		rows = rows[1:]
	}
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	if err := m.validate(width); err != nil {
		return Report{}, err
	}

	rep := Report{Total: len(rows)}
	var pending []schema.Message
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		ids, err := st.InsertMessages(ctx, pending)
		if err != nil {
			return err
		}
		rep.IDs = append(rep.IDs, ids...)
		rep.Imported += len(ids)
		pending = pending[:0]
		return nil
	}

	for _, row := range rows {
		if m.Content >= len(row) {
			rep.SkippedShort++
			continue
		}
		content := strings.TrimSpace(row[m.Content])
		if content == "" {
			rep.SkippedEmpty++
			continue
		}
		msg := schema.Message{Content: content}
		if v := cell(row, m.Sender); v != "" {
			msg.Sender = schema.Str(v)
		}
		if v := cell(row, m.ReceivedAt); v != "" {
			msg.ReceivedAt = schema.Str(v)
		}
		if v := cell(row, m.Phone); v != "" {
			msg.Phone = schema.Str(v)
		}
		if m.SourceTag != "" {
			msg.Source = schema.Str(m.SourceTag)
		}
		msg.HasURL, msg.HasAmount, msg.HasVerificationCode = extract.Flags(content)

		pending = append(pending, msg)
		if len(pending) >= insertChunk {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}
	return rep, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
