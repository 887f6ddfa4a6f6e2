package logging

import "time"

// #region sync-entry
// SyncEntry is a single row in the sync_log table.
type SyncEntry struct {
	DeviceID      string
	LocalVersion  uint64
	ServerVersion uint64
	Decision      string // "commit" | "reject" | "no_op" | "failed"
	Reason        string
	Attempts      int
	BytesSent     int
	BytesReceived int
	PatternsSent  int
	DurationMs    int64
	GateJSON      string
	CreatedAt     time.Time
}

// #endregion sync-entry

// #region gate-record
// GateRecord captures the gate and eval verdicts for one sync.
// Serialized as JSON into sync_log.gate_json so a decision can be audited later.
type GateRecord struct {
	ServerStatus  string `json:"server_status"`
	ServerVersion uint64 `json:"server_version"`
	AppliedBefore uint64 `json:"applied_before"`
	PayloadBytes  int    `json:"payload_bytes"`
	Upserted      int    `json:"upserted"`
	Removed       int    `json:"removed"`

	GateAction    string   `json:"gate_action"`
	GateVetoed    bool     `json:"gate_vetoed"`
	GateReason    string   `json:"gate_reason"`
	GateSoftScore float64  `json:"gate_soft_score"`
	VetoTypes     []string `json:"veto_types,omitempty"`

	EvalPassed bool   `json:"eval_passed"`
	EvalReason string `json:"eval_reason,omitempty"`
}

// #endregion gate-record

// #region logger-config
// Config selects the process logger's level and format.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // text | json
}

// #endregion logger-config
