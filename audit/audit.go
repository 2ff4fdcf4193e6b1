// Package audit keeps an append-only history of manual label edits in the
// same SQLite file as the corpus. Writes can go through a buffered async
// path so the HTTP handler never waits on the audit insert.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit record: who changed which message's label, with the
// full before/after snapshots and a field-level diff, all JSON.
type Entry struct {
	EntryID    string `json:"entry_id"`
	MessageID  int64  `json:"message_id"`
	Operator   string `json:"operator"`
	Action     string `json:"action"`
	BeforeJSON string `json:"before_json"`
	AfterJSON  string `json:"after_json"`
	DiffJSON   string `json:"diff_json"`
	Timestamp  int64  `json:"timestamp"`
}

const flushBatch = 32

// SQLiteLogger persists entries. Log writes synchronously; LogAsync buffers
// and a background worker flushes in batches. Close drains the buffer.
type SQLiteLogger struct {
	db    *sql.DB
	genID func() string

	ch        chan *Entry
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures the logger.
type Option func(*SQLiteLogger)

// WithIDGenerator replaces the default UUID entry id generator.
func WithIDGenerator(gen func() string) Option {
	return func(l *SQLiteLogger) { l.genID = gen }
}

// NewSQLiteLogger builds a logger over db and starts the flush worker.
// Call Init before logging and Close on shutdown.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		genID: uuid.NewString,
		ch:    make(chan *Entry, 256),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.worker()
	return l
}

// Init creates the audit_log table. Idempotent.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id    TEXT PRIMARY KEY,
			message_id  INTEGER NOT NULL,
			operator    TEXT NOT NULL,
			action      TEXT NOT NULL,
			before_json TEXT NOT NULL,
			after_json  TEXT NOT NULL,
			diff_json   TEXT NOT NULL,
			timestamp   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_message ON audit_log(message_id, timestamp);`)
	if err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.genID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Action == "" {
		e.Action = "manual_label"
	}
	if e.BeforeJSON == "" {
		e.BeforeJSON = "null"
	}
	if e.AfterJSON == "" {
		e.AfterJSON = "null"
	}
	if e.DiffJSON == "" {
		e.DiffJSON = "{}"
	}
}

// Log writes one entry synchronously, filling defaults in place.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(entry_id, message_id, operator, action,
			 before_json, after_json, diff_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.MessageID, e.Operator, e.Action,
		e.BeforeJSON, e.AfterJSON, e.DiffJSON, e.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	return nil
}

// LogAsync queues an entry for the flush worker. Falls back to a blocking
// send when the buffer is full; entries are never dropped.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.ch <- e
}

// Record satisfies the store's Auditor interface with a synchronous write,
// so the manual-edit path never reports success before the trail exists.
func (l *SQLiteLogger) Record(ctx context.Context, messageID int64, operator string, before, after, diff []byte) error {
	return l.Log(ctx, &Entry{
		MessageID:  messageID,
		Operator:   operator,
		BeforeJSON: string(before),
		AfterJSON:  string(after),
		DiffJSON:   string(diff),
	})
}

// Close drains the async buffer and stops the worker.
func (l *SQLiteLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
}

func (l *SQLiteLogger) worker() {
	defer close(l.done)
	batch := make([]*Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flush(batch)
		batch = batch[:0]
	}
	for {
		e, ok := <-l.ch
		if !ok {
			flush()
			return
		}
		batch = append(batch, e)
		if len(batch) >= flushBatch {
			flush()
			continue
		}
		// Drain whatever is already queued, then flush the lot.
	drain:
		for len(batch) < flushBatch {
			select {
			case e, ok := <-l.ch:
				if !ok {
					flush()
					return
				}
				batch = append(batch, e)
			default:
				break drain
			}
		}
		flush()
	}
}

func (l *SQLiteLogger) flush(batch []*Entry) {
	tx, err := l.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	for _, e := range batch {
		if _, err := tx.Exec(`
			INSERT INTO audit_log
				(entry_id, message_id, operator, action,
				 before_json, after_json, diff_json, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EntryID, e.MessageID, e.Operator, e.Action,
			e.BeforeJSON, e.AfterJSON, e.DiffJSON, e.Timestamp); err != nil {
			return
		}
	}
	tx.Commit()
}

// History returns the audit entries for one message, newest first.
func (l *SQLiteLogger) History(ctx context.Context, messageID int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, message_id, operator, action,
		       before_json, after_json, diff_json, timestamp
		FROM audit_log WHERE message_id = ?
		ORDER BY timestamp DESC, entry_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.MessageID, &e.Operator, &e.Action,
			&e.BeforeJSON, &e.AfterJSON, &e.DiffJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: history scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: history rows: %w", err)
	}
	return out, nil
}
