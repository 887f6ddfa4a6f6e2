package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-sync
// LogSync writes one sync outcome to the sync_log table.
func LogSync(db *sql.DB, entry SyncEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO sync_log (device_id, local_version, server_version, decision, reason, attempts,
		  bytes_sent, bytes_received, patterns_sent, duration_ms, gate_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.DeviceID,
		int64(entry.LocalVersion),
		int64(entry.ServerVersion),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.Attempts,
		entry.BytesSent,
		entry.BytesReceived,
		entry.PatternsSent,
		entry.DurationMs,
		nullIfEmpty(entry.GateJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log sync: %w", err)
	}
	return nil
}

// #endregion log-sync

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
