package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteLogger_Init(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()

	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='audit_log'").Scan(&count)
	if count != 1 {
		t.Fatal("audit_log table not created")
	}
}

func TestSQLiteLogger_Log_Sync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	logger.Init()

	entry := &Entry{
		MessageID: 42,
		Operator:  "alice",
		DiffJSON:  `{"industry":["渠道","金融"]}`,
	}
	if err := logger.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	// Verify defaults were filled.
	if entry.EntryID == "" {
		t.Fatal("entry_id not generated")
	}
	if entry.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if entry.Action != "manual_label" {
		t.Fatalf("action: got %q, want 'manual_label'", entry.Action)
	}

	var operator string
	db.QueryRow("SELECT operator FROM audit_log WHERE entry_id = ?", entry.EntryID).Scan(&operator)
	if operator != "alice" {
		t.Fatalf("DB operator: got %q", operator)
	}
}

func TestSQLiteLogger_LogAsync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	logger.LogAsync(&Entry{MessageID: 7, Operator: "bob"})

	// Close flushes the buffer.
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE message_id=7").Scan(&count)
	if count != 1 {
		t.Fatalf("async entry count: got %d", count)
	}
}

func TestSQLiteLogger_WithIDGenerator(t *testing.T) {
	db := setupTestDB(t)
	gen := func() string { return "custom_id" }

	logger := NewSQLiteLogger(db, WithIDGenerator(gen))
	defer logger.Close()
	logger.Init()

	entry := &Entry{MessageID: 1}
	logger.Log(context.Background(), entry)

	if entry.EntryID != "custom_id" {
		t.Fatalf("custom ID: got %q", entry.EntryID)
	}
}

func TestSQLiteLogger_Record(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	logger.Init()

	err := logger.Record(context.Background(), 99, "carol",
		[]byte("null"), []byte(`{"industry":"金融"}`), []byte(`{"industry":[null,"金融"]}`))
	if err != nil {
		t.Fatal(err)
	}

	var before, after string
	db.QueryRow("SELECT before_json, after_json FROM audit_log WHERE message_id=99").
		Scan(&before, &after)
	if before != "null" {
		t.Fatalf("before_json: got %q", before)
	}
	if after != `{"industry":"金融"}` {
		t.Fatalf("after_json: got %q", after)
	}
}

func TestSQLiteLogger_History(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	logger.Init()

	for i, op := range []string{"first", "second"} {
		e := &Entry{MessageID: 5, Operator: op, Timestamp: int64(1000 + i)}
		if err := logger.Log(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	logger.Log(context.Background(), &Entry{MessageID: 6, Operator: "other"})

	got, err := logger.History(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("history length: got %d, want 2", len(got))
	}
	if got[0].Operator != "second" || got[1].Operator != "first" {
		t.Fatalf("history order: %q, %q", got[0].Operator, got[1].Operator)
	}
}

func TestSQLiteLogger_BatchFlush(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	for i := 0; i < 50; i++ {
		logger.LogAsync(&Entry{MessageID: int64(i), Operator: "batch"})
	}

	// Wait for flush (batch threshold is 32, so at least one flush should happen).
	time.Sleep(100 * time.Millisecond)
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE operator='batch'").Scan(&count)
	if count != 50 {
		t.Fatalf("batch count: got %d, want 50", count)
	}
}
