// Package exporter writes the labeled corpus out as CSV, JSON Lines or
// XLSX for downstream training and review tooling.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/store"
)

// Supported output formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
	FormatXLSX  = "xlsx"
)

// ErrUnknownFormat rejects anything outside csv, jsonl and xlsx.
var ErrUnknownFormat = errors.New("exporter: unknown format")

// Options selects what and how to export.
type Options struct {
	Format string `json:"format"`
	// OnlyReviewed keeps rows whose label cleared review, automatically
	// or by hand.
	OnlyReviewed bool `json:"only_reviewed"`
}

var header = []string{
	"id", "content", "sender", "received_at",
	"industry", "type", "confidence", "needs_review",
	"reasons", "entities_json",
	"rules_version", "model_version", "schema_version",
}

// Export streams the labeled corpus to w and returns the row count.
func Export(ctx context.Context, st *store.Store, w io.Writer, opts Options) (int, error) {
	msgs, err := st.ListLabeled(ctx, opts.OnlyReviewed)
	if err != nil {
		return 0, err
	}
	msgs = dropUnlabeled(msgs)

	switch opts.Format {
	case FormatCSV:
		return len(msgs), writeCSV(w, msgs)
	case FormatJSONL:
		return len(msgs), writeJSONL(w, msgs)
	case FormatXLSX:
		return len(msgs), writeXLSX(w, msgs)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
}

// dropUnlabeled removes rows whose label vanished between the listing and
// the per-row read, which happens when a delete races the export.
func dropUnlabeled(msgs []schema.Message) []schema.Message {
	kept := msgs[:0]
	for _, m := range msgs {
		if m.Label != nil {
			kept = append(kept, m)
		}
	}
	return kept
}

func record(m schema.Message) ([]string, error) {
	l := m.Label
	entities, err := json.Marshal(l.Entities)
	if err != nil {
		return nil, fmt.Errorf("exporter: entities for %d: %w", m.ID, err)
	}
	return []string{
		strconv.FormatInt(m.ID, 10),
		m.Content,
		deref(m.Sender),
		deref(m.ReceivedAt),
		l.Industry,
		l.Type,
		strconv.FormatFloat(l.Confidence, 'f', -1, 64),
		strconv.FormatBool(l.NeedsReview),
		strings.Join(l.Reasons, "; "),
		string(entities),
		l.RulesVersion,
		l.ModelVersion,
		l.SchemaVersion,
	}, nil
}

func writeCSV(w io.Writer, msgs []schema.Message) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("exporter: write header: %w", err)
	}
	for _, m := range msgs {
		rec, err := record(m)
		if err != nil {
			return err
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("exporter: write row %d: %w", m.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("exporter: flush: %w", err)
	}
	return nil
}

// jsonlRow is the JSON Lines layout: the message with its label inline.
type jsonlRow struct {
	ID         int64        `json:"id"`
	Content    string       `json:"content"`
	Sender     *string      `json:"sender,omitempty"`
	ReceivedAt *string      `json:"received_at,omitempty"`
	Label      schema.Label `json:"label"`
}

func writeJSONL(w io.Writer, msgs []schema.Message) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		row := jsonlRow{
			ID:         m.ID,
			Content:    m.Content,
			Sender:     m.Sender,
			ReceivedAt: m.ReceivedAt,
			Label:      *m.Label,
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("exporter: encode row %d: %w", m.ID, err)
		}
	}
	return nil
}

func writeXLSX(w io.Writer, msgs []schema.Message) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i, m := range msgs {
		rec, err := record(m)
		if err != nil {
			return err
		}
		if err := setRow(f, sheet, i+2, rec); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("exporter: write xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, cells []string) error {
	for col, v := range cells {
		name, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("exporter: cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, name, v); err != nil {
			return fmt.Errorf("exporter: set cell %s: %w", name, err)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
