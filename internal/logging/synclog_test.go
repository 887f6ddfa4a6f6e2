package logging

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE sync_log (
		device_id      TEXT NOT NULL,
		local_version  INTEGER NOT NULL,
		server_version INTEGER NOT NULL,
		decision       TEXT NOT NULL,
		reason         TEXT,
		attempts       INTEGER NOT NULL,
		bytes_sent     INTEGER NOT NULL,
		bytes_received INTEGER NOT NULL,
		patterns_sent  INTEGER NOT NULL,
		duration_ms    INTEGER NOT NULL,
		gate_json      TEXT,
		created_at     TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-sync-tests
func TestLogSync_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	rec, _ := json.Marshal(GateRecord{GateAction: "commit", ServerVersion: 4, EvalPassed: true})
	entry := SyncEntry{
		DeviceID:      "dev-1",
		LocalVersion:  3,
		ServerVersion: 4,
		Decision:      "commit",
		Reason:        "passed gate",
		Attempts:      1,
		BytesSent:     312,
		BytesReceived: 880,
		PatternsSent:  6,
		DurationMs:    41,
		GateJSON:      string(rec),
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogSync(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sync_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var deviceID, decision, gateJSON string
	var server int64
	db.QueryRow("SELECT device_id, decision, server_version, gate_json FROM sync_log").Scan(&deviceID, &decision, &server, &gateJSON)
	if deviceID != "dev-1" {
		t.Errorf("expected device_id 'dev-1', got %q", deviceID)
	}
	if decision != "commit" || server != 4 {
		t.Errorf("unexpected row: decision=%q server=%d", decision, server)
	}
	var back GateRecord
	if err := json.Unmarshal([]byte(gateJSON), &back); err != nil || !back.EvalPassed {
		t.Errorf("gate record not preserved: %v %+v", err, back)
	}
}

func TestLogSync_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := LogSync(db, SyncEntry{DeviceID: "dev-1", Decision: "no_op"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM sync_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogSync_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := LogSync(db, SyncEntry{DeviceID: "dev-1", Decision: "failed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var reason, gateJSON sql.NullString
	db.QueryRow("SELECT reason, gate_json FROM sync_log").Scan(&reason, &gateJSON)
	if reason.Valid {
		t.Error("expected NULL reason for empty string")
	}
	if gateJSON.Valid {
		t.Error("expected NULL gate_json for empty string")
	}
}

func TestLogSync_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogSync(db, SyncEntry{DeviceID: "dev-1", Decision: "commit"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion log-sync-tests

// #region logger-tests
func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("sync done", "version", 3)
	if !strings.Contains(buf.String(), `"version":3`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	if _, err := New(Config{Level: "loud"}, nil); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
	l := slog.Default()
	if OrDiscard(l) != l {
		t.Error("expected logger to pass through")
	}
}

// #endregion logger-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	result := nullIfEmpty("")
	if result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	result := nullIfEmpty("hello")
	if result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
