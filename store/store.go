// Package store persists messages and their labels in SQLite and enforces
// the write-path invariants: message content is immutable after import,
// automatic labeling never silently overwrites a manual label, and every
// manual edit is validated and audited before it lands.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smsto/smsto/schema"
)

var (
	// ErrNotFound is returned when a message or label id does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrEmptyContent rejects message rows with no usable text.
	ErrEmptyContent = errors.New("store: empty message content")
)

// Auditor records a manual label change. Implemented by audit.Logger; a nil
// auditor disables recording.
type Auditor interface {
	Record(ctx context.Context, messageID int64, operator string, before, after, diff []byte) error
}

// Store wraps the SQLite handle. Safe for concurrent use; database/sql does
// the pooling.
type Store struct {
	db      *sql.DB
	auditor Auditor
}

// New wraps db. auditor may be nil.
func New(db *sql.DB, auditor Auditor) *Store {
	return &Store{db: db, auditor: auditor}
}

// DB exposes the underlying handle for components that keep their own
// tables in the same file, such as the audit log.
func (s *Store) DB() *sql.DB { return s.db }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	content     TEXT NOT NULL,
	received_at TEXT,
	sender      TEXT,
	phone       TEXT,
	source      TEXT,
	has_url     INTEGER NOT NULL DEFAULT 0,
	has_amount  INTEGER NOT NULL DEFAULT 0,
	has_code    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS labels (
	message_id     INTEGER PRIMARY KEY
	               REFERENCES messages(id) ON DELETE CASCADE,
	industry       TEXT NOT NULL,
	type           TEXT NOT NULL,
	confidence     REAL NOT NULL,
	needs_review   INTEGER NOT NULL,
	is_manual      INTEGER NOT NULL DEFAULT 0,
	schema_version TEXT NOT NULL,
	rules_version  TEXT NOT NULL,
	model_version  TEXT NOT NULL DEFAULT '',
	reasons_json   TEXT NOT NULL DEFAULT '[]',
	signals_json   TEXT NOT NULL DEFAULT '{}',
	entities_json  TEXT NOT NULL DEFAULT '{}',
	updated_by     TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_labels_review ON labels(needs_review);
CREATE INDEX IF NOT EXISTS idx_labels_manual ON labels(is_manual);
CREATE INDEX IF NOT EXISTS idx_labels_industry_type ON labels(industry, type);
`

// Init creates the tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// InsertMessage inserts one message. m.ID is ignored; the assigned id is
// returned. Content is trimmed and must be non-empty.
func (s *Store) InsertMessage(ctx context.Context, m schema.Message) (int64, error) {
	return insertMessage(ctx, s.db, m)
}

// InsertMessages inserts all rows in one transaction and returns their ids
// in order. The first bad row aborts the whole batch.
func (s *Store) InsertMessages(ctx context.Context, ms []schema.Message) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		id, err := insertMessage(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return ids, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, m schema.Message) (int64, error) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return 0, ErrEmptyContent
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages
			(content, received_at, sender, phone, source,
			 has_url, has_amount, has_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		content, m.ReceivedAt, m.Sender, m.Phone, m.Source,
		boolInt(m.HasURL), boolInt(m.HasAmount), boolInt(m.HasVerificationCode),
		now())
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert message id: %w", err)
	}
	return id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const messageCols = `m.id, m.content, m.received_at, m.sender, m.phone, m.source,
	m.has_url, m.has_amount, m.has_code`

func scanMessage(row interface{ Scan(...any) error }) (schema.Message, error) {
	var m schema.Message
	var hasURL, hasAmount, hasCode int
	err := row.Scan(&m.ID, &m.Content, &m.ReceivedAt, &m.Sender, &m.Phone,
		&m.Source, &hasURL, &hasAmount, &hasCode)
	if err != nil {
		return m, err
	}
	m.HasURL = hasURL != 0
	m.HasAmount = hasAmount != 0
	m.HasVerificationCode = hasCode != 0
	return m, nil
}

// GetMessage returns the message with its label attached when one exists.
func (s *Store) GetMessage(ctx context.Context, id int64) (schema.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages m WHERE m.id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("store: get message %d: %w", id, err)
	}
	sl, err := s.GetLabel(ctx, id)
	if err != nil {
		return m, err
	}
	if sl != nil {
		l := sl.Label
		m.Label = &l
	}
	return m, nil
}

// GetContent returns just the message text.
func (s *Store) GetContent(ctx context.Context, id int64) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		"SELECT content FROM messages WHERE id = ?", id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get content %d: %w", id, err)
	}
	return content, nil
}

// StoredLabel is a label row plus its persistence metadata.
type StoredLabel struct {
	schema.Label
	IsManual  bool   `json:"is_manual"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at"`
}

// GetLabel returns the label for a message, or nil when the message is
// unlabeled.
func (s *Store) GetLabel(ctx context.Context, messageID int64) (*StoredLabel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT industry, type, confidence, needs_review, is_manual,
		       schema_version, rules_version, model_version,
		       reasons_json, signals_json, entities_json,
		       updated_by, updated_at
		FROM labels WHERE message_id = ?`, messageID)

	var sl StoredLabel
	var needsReview, isManual int
	var reasons, signals, entities string
	err := row.Scan(&sl.Industry, &sl.Type, &sl.Confidence, &needsReview,
		&isManual, &sl.SchemaVersion, &sl.RulesVersion, &sl.ModelVersion,
		&reasons, &signals, &entities, &sl.UpdatedBy, &sl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get label %d: %w", messageID, err)
	}
	sl.NeedsReview = needsReview != 0
	sl.IsManual = isManual != 0
	if err := json.Unmarshal([]byte(reasons), &sl.Reasons); err != nil {
		return nil, fmt.Errorf("store: label %d reasons: %w", messageID, err)
	}
	if err := json.Unmarshal([]byte(signals), &sl.Signals); err != nil {
		return nil, fmt.Errorf("store: label %d signals: %w", messageID, err)
	}
	if err := json.Unmarshal([]byte(entities), &sl.Entities); err != nil {
		return nil, fmt.Errorf("store: label %d entities: %w", messageID, err)
	}
	return &sl, nil
}

func marshalLabel(l schema.Label) (reasons, signals, entities string, err error) {
	rb, err := json.Marshal(l.Reasons)
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal reasons: %w", err)
	}
	sb, err := json.Marshal(l.Signals)
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal signals: %w", err)
	}
	eb, err := json.Marshal(l.Entities)
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal entities: %w", err)
	}
	return string(rb), string(sb), string(eb), nil
}

// UpsertLabelAuto writes a pipeline-produced label. A manual label on the
// same message wins unless overwriteManual is set; skipped reports whether
// the write was suppressed by that guard.
func (s *Store) UpsertLabelAuto(ctx context.Context, messageID int64, l schema.Label, overwriteManual bool) (skipped bool, err error) {
	l = l.Normalize()
	reasons, signals, entities, err := marshalLabel(l)
	if err != nil {
		return false, err
	}

	guard := "WHERE labels.is_manual = 0"
	if overwriteManual {
		guard = ""
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO labels
			(message_id, industry, type, confidence, needs_review, is_manual,
			 schema_version, rules_version, model_version,
			 reasons_json, signals_json, entities_json, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 'system', ?)
		ON CONFLICT(message_id) DO UPDATE SET
			industry = excluded.industry,
			type = excluded.type,
			confidence = excluded.confidence,
			needs_review = excluded.needs_review,
			is_manual = 0,
			schema_version = excluded.schema_version,
			rules_version = excluded.rules_version,
			model_version = excluded.model_version,
			reasons_json = excluded.reasons_json,
			signals_json = excluded.signals_json,
			entities_json = excluded.entities_json,
			updated_by = 'system',
			updated_at = excluded.updated_at
		`+guard,
		messageID, l.Industry, l.Type, l.Confidence, boolInt(l.NeedsReview),
		l.SchemaVersion, l.RulesVersion, l.ModelVersion,
		reasons, signals, entities, now())
	if err != nil {
		return false, fmt.Errorf("store: upsert label %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert label %d: %w", messageID, err)
	}
	return n == 0, nil
}

// UpdateLabelManual applies an operator edit. The label is validated first;
// a rejected edit leaves the stored label untouched and produces no audit
// entry. The change is recorded in the audit log with a field-level diff.
func (s *Store) UpdateLabelManual(ctx context.Context, messageID int64, l schema.Label, operator string) error {
	if err := l.Validate(); err != nil {
		return err
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM messages WHERE id = ?", messageID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: manual label %d: %w", messageID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	before, err := s.GetLabel(ctx, messageID)
	if err != nil {
		return err
	}

	if l.SchemaVersion == "" {
		l.SchemaVersion = schema.SchemaVersion
	}
	if l.RulesVersion == "" {
		l.RulesVersion = schema.RulesVersion
	}
	if l.Signals == nil {
		l.Signals = map[string]any{}
	}
	reasons, signals, entities, err := marshalLabel(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO labels
			(message_id, industry, type, confidence, needs_review, is_manual,
			 schema_version, rules_version, model_version,
			 reasons_json, signals_json, entities_json, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			industry = excluded.industry,
			type = excluded.type,
			confidence = excluded.confidence,
			needs_review = excluded.needs_review,
			is_manual = 1,
			schema_version = excluded.schema_version,
			rules_version = excluded.rules_version,
			model_version = excluded.model_version,
			reasons_json = excluded.reasons_json,
			signals_json = excluded.signals_json,
			entities_json = excluded.entities_json,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		messageID, l.Industry, l.Type, l.Confidence, boolInt(l.NeedsReview),
		l.SchemaVersion, l.RulesVersion, l.ModelVersion,
		reasons, signals, entities, operator, now())
	if err != nil {
		return fmt.Errorf("store: manual label %d: %w", messageID, err)
	}

	if s.auditor == nil {
		return nil
	}
	var beforeJSON []byte
	var beforeLabel *schema.Label
	if before != nil {
		beforeLabel = &before.Label
		if beforeJSON, err = json.Marshal(before.Label); err != nil {
			return fmt.Errorf("store: audit before %d: %w", messageID, err)
		}
	} else {
		beforeJSON = []byte("null")
	}
	afterJSON, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: audit after %d: %w", messageID, err)
	}
	diffJSON, err := json.Marshal(labelDiff(beforeLabel, l))
	if err != nil {
		return fmt.Errorf("store: audit diff %d: %w", messageID, err)
	}
	if err := s.auditor.Record(ctx, messageID, operator, beforeJSON, afterJSON, diffJSON); err != nil {
		return fmt.Errorf("store: audit record %d: %w", messageID, err)
	}
	return nil
}

// labelDiff lists the scalar fields that changed, old value to new value.
func labelDiff(before *schema.Label, after schema.Label) map[string][2]any {
	diff := map[string][2]any{}
	put := func(field string, from, to any) {
		if from != to {
			diff[field] = [2]any{from, to}
		}
	}
	if before == nil {
		put("industry", nil, after.Industry)
		put("type", nil, after.Type)
		put("confidence", nil, after.Confidence)
		put("needs_review", nil, after.NeedsReview)
		return diff
	}
	put("industry", before.Industry, after.Industry)
	put("type", before.Type, after.Type)
	put("confidence", before.Confidence, after.Confidence)
	put("needs_review", before.NeedsReview, after.NeedsReview)
	return diff
}

// DeleteMessage removes a message; its label goes with it via the foreign
// key cascade.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete message %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Meta summarizes the corpus for the dashboard.
type Meta struct {
	Total       int64 `json:"total"`
	Labeled     int64 `json:"labeled"`
	NeedsReview int64 `json:"needs_review"`
	Manual      int64 `json:"manual"`
}

// MessagesMeta returns corpus counts in one round trip.
func (s *Store) MessagesMeta(ctx context.Context) (Meta, error) {
	var m Meta
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM messages),
			(SELECT COUNT(1) FROM labels),
			(SELECT COUNT(1) FROM labels WHERE needs_review = 1),
			(SELECT COUNT(1) FROM labels WHERE is_manual = 1)`).
		Scan(&m.Total, &m.Labeled, &m.NeedsReview, &m.Manual)
	if err != nil {
		return m, fmt.Errorf("store: meta: %w", err)
	}
	return m, nil
}

// ListQuery filters ListMessages. Zero values mean "no filter".
type ListQuery struct {
	Keyword     string
	Industry    string
	Type        string
	NeedsReview *bool
	IsManual    *bool
	Unlabeled   bool
	Limit       int
	Offset      int
}

// ListMessages returns a filtered page plus the total matching count.
// Labels are attached where present.
func (s *Store) ListMessages(ctx context.Context, q ListQuery) ([]schema.Message, int64, error) {
	where := []string{"1=1"}
	var args []any
	join := "LEFT JOIN labels l ON l.message_id = m.id"

	if q.Keyword != "" {
		where = append(where, "m.content LIKE ?")
		args = append(args, "%"+q.Keyword+"%")
	}
	if q.Industry != "" {
		where = append(where, "l.industry = ?")
		args = append(args, q.Industry)
	}
	if q.Type != "" {
		where = append(where, "l.type = ?")
		args = append(args, q.Type)
	}
	if q.NeedsReview != nil {
		where = append(where, "l.needs_review = ?")
		args = append(args, boolInt(*q.NeedsReview))
	}
	if q.IsManual != nil {
		where = append(where, "l.is_manual = ?")
		args = append(args, boolInt(*q.IsManual))
	}
	if q.Unlabeled {
		where = append(where, "l.message_id IS NULL")
	}
	cond := strings.Join(where, " AND ")

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM messages m "+join+" WHERE "+cond, args...).
		Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list count: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages m "+join+
			" WHERE "+cond+" ORDER BY m.id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []schema.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list rows: %w", err)
	}
	for i := range out {
		sl, err := s.GetLabel(ctx, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		if sl != nil {
			l := sl.Label
			out[i].Label = &l
		}
	}
	return out, total, nil
}

// Batch selection modes.
const (
	ModeAll         = "all"
	ModeUnlabeled   = "unlabeled"
	ModeNeedsReview = "needs_review"
)

// CandidateQuery selects message ids for a labeling run.
type CandidateQuery struct {
	Mode            string // ModeAll, ModeUnlabeled or ModeNeedsReview
	IDMin, IDMax    int64  // 0 means unbounded
	Limit           int    // 0 means no limit
	OverwriteManual bool   // ModeAll only: include manually labeled rows
}

// FetchCandidates returns the ordered ids a batch run will process.
// Manually labeled rows are excluded unless the query says otherwise.
func (s *Store) FetchCandidates(ctx context.Context, q CandidateQuery) ([]int64, error) {
	where := []string{"1=1"}
	var args []any

	switch q.Mode {
	case ModeAll:
		if !q.OverwriteManual {
			where = append(where, "(l.message_id IS NULL OR l.is_manual = 0)")
		}
	case ModeUnlabeled:
		where = append(where, "l.message_id IS NULL")
	case ModeNeedsReview:
		where = append(where, "l.needs_review = 1 AND l.is_manual = 0")
	default:
		return nil, fmt.Errorf("store: unknown batch mode %q", q.Mode)
	}
	if q.IDMin > 0 {
		where = append(where, "m.id >= ?")
		args = append(args, q.IDMin)
	}
	if q.IDMax > 0 {
		where = append(where, "m.id <= ?")
		args = append(args, q.IDMax)
	}

	sqlStr := "SELECT m.id FROM messages m LEFT JOIN labels l ON l.message_id = m.id WHERE " +
		strings.Join(where, " AND ") + " ORDER BY m.id"
	if q.Limit > 0 {
		sqlStr += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: candidates scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: candidates rows: %w", err)
	}
	return ids, nil
}

// ListLabeled returns every labeled message for export, id order.
// onlyReviewed keeps rows whose label has cleared review: needs_review off
// or a manual edit.
func (s *Store) ListLabeled(ctx context.Context, onlyReviewed bool) ([]schema.Message, error) {
	cond := "1=1"
	if onlyReviewed {
		cond = "(l.needs_review = 0 OR l.is_manual = 1)"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages m JOIN labels l ON l.message_id = m.id WHERE "+
			cond+" ORDER BY m.id")
	if err != nil {
		return nil, fmt.Errorf("store: list labeled: %w", err)
	}
	defer rows.Close()

	var out []schema.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list labeled scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list labeled rows: %w", err)
	}
	for i := range out {
		sl, err := s.GetLabel(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		if sl != nil {
			l := sl.Label
			out[i].Label = &l
		}
	}
	return out, nil
}
