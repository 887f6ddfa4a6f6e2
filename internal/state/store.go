package state

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/edgesync/go-node/internal/bandit"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS node_meta (
	key           TEXT PRIMARY KEY,
	value         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	scope           TEXT NOT NULL CHECK (scope IN ('local', 'acked')),
	pattern_id      TEXT NOT NULL,
	context_summary TEXT NOT NULL,
	item_id         TEXT NOT NULL,
	tags_json       TEXT,
	success_rate    REAL NOT NULL,
	total_uses      INTEGER NOT NULL,
	average_reward  REAL NOT NULL,
	last_used_at    TEXT NOT NULL,
	PRIMARY KEY (scope, pattern_id)
);

CREATE TABLE IF NOT EXISTS pattern_log (
	seq           INTEGER PRIMARY KEY,
	kind          TEXT NOT NULL,
	pattern_id    TEXT NOT NULL,
	pattern_json  TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bandit_states (
	user_id       TEXT PRIMARY KEY,
	dim           INTEGER NOT NULL,
	a_matrix      BLOB NOT NULL,
	b_vector      BLOB NOT NULL,
	updates       INTEGER NOT NULL,
	last_updated  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS global_patterns (
	signature      TEXT PRIMARY KEY,
	category       TEXT,
	success_rate   REAL NOT NULL,
	average_reward REAL NOT NULL,
	contributors   INTEGER NOT NULL,
	total_uses     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
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
);
`

// #endregion schema

// #region store-struct
// Store persists node state in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region save-snapshot
// SaveSnapshot replaces the persisted node state in a single transaction.
func (s *Store) SaveSnapshot(snap NodeSnapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	meta := map[string]string{
		metaDeviceID:      snap.DeviceID,
		metaLocalVersion:  strconv.FormatUint(snap.LocalVersion, 10),
		metaGlobalVersion: strconv.FormatUint(snap.GlobalVersion, 10),
		metaLastSyncAt:    formatTime(snap.LastSyncAt),
		metaSavedAt:       formatTime(snap.SavedAt),
	}
	for k, v := range meta {
		_, err := tx.Exec(
			`INSERT INTO node_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	if err := raiseDeltaVersion(tx, snap.DeltaVersion); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM patterns`); err != nil {
		return fmt.Errorf("clear patterns: %w", err)
	}
	if err := insertPatterns(tx, scopeLocal, snap.Patterns); err != nil {
		return err
	}
	if err := insertPatterns(tx, scopeAcked, snap.Acked); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM global_patterns`); err != nil {
		return fmt.Errorf("clear global: %w", err)
	}
	for _, g := range snap.Global {
		_, err := tx.Exec(
			`INSERT INTO global_patterns (signature, category, success_rate, average_reward, contributors, total_uses)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			g.Signature, nullIfEmpty(g.Category), g.SuccessRate, g.AverageReward, int64(g.ContributorCount), int64(g.TotalUses),
		)
		if err != nil {
			return fmt.Errorf("insert global %s: %w", g.Signature, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM bandit_states`); err != nil {
		return fmt.Errorf("clear bandit: %w", err)
	}
	for _, b := range snap.Bandit {
		_, err := tx.Exec(
			`INSERT INTO bandit_states (user_id, dim, a_matrix, b_vector, updates, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.UserID, b.Dim, encodeVector(b.A), encodeVector(b.B), int64(b.Updates), formatTime(b.LastUpdated),
		)
		if err != nil {
			return fmt.Errorf("insert bandit %s: %w", b.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertPatterns(tx *sql.Tx, scope string, ps []patterns.ViewingPattern) error {
	for _, p := range ps {
		tags, err := json.Marshal(p.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO patterns (scope, pattern_id, context_summary, item_id, tags_json, success_rate, total_uses, average_reward, last_used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scope, p.ID, p.ContextSummary, p.ItemID, string(tags), p.SuccessRate, int64(p.TotalUses), p.AverageReward, formatTime(p.LastUsedAt),
		)
		if err != nil {
			return fmt.Errorf("insert %s pattern %s: %w", scope, p.ID, err)
		}
	}
	return nil
}

// SaveDeltaVersion records v as issued before the delta leaves the node, so
// a restart never reuses a version the aggregator may already have applied.
// The stored value only moves forward.
func (s *Store) SaveDeltaVersion(v uint64) error {
	return raiseDeltaVersion(s.db, v)
}

// DeltaVersion returns the highest delta version recorded, 0 if none.
func (s *Store) DeltaVersion() (uint64, error) {
	meta, err := s.readMeta()
	if err != nil {
		return 0, err
	}
	return parseUint(meta, metaDeltaVersion)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func raiseDeltaVersion(db execer, v uint64) error {
	_, err := db.Exec(
		`INSERT INTO node_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value
		 WHERE CAST(excluded.value AS INTEGER) > CAST(node_meta.value AS INTEGER)`,
		metaDeltaVersion, strconv.FormatUint(v, 10))
	if err != nil {
		return fmt.Errorf("write meta %s: %w", metaDeltaVersion, err)
	}
	return nil
}

// #endregion save-snapshot

// #region load-snapshot
// LoadSnapshot reads the persisted node state. A database that has never
// been saved returns ErrNoSnapshot.
func (s *Store) LoadSnapshot() (NodeSnapshot, error) {
	meta, err := s.readMeta()
	if err != nil {
		return NodeSnapshot{}, err
	}
	if meta[metaDeviceID] == "" {
		return NodeSnapshot{}, ErrNoSnapshot
	}

	snap := NodeSnapshot{DeviceID: meta[metaDeviceID]}
	if snap.LocalVersion, err = parseUint(meta, metaLocalVersion); err != nil {
		return NodeSnapshot{}, err
	}
	if snap.DeltaVersion, err = parseUint(meta, metaDeltaVersion); err != nil {
		return NodeSnapshot{}, err
	}
	if snap.GlobalVersion, err = parseUint(meta, metaGlobalVersion); err != nil {
		return NodeSnapshot{}, err
	}
	snap.LastSyncAt = parseTime(meta[metaLastSyncAt])
	snap.SavedAt = parseTime(meta[metaSavedAt])

	if snap.Patterns, err = s.queryPatterns(scopeLocal, -1); err != nil {
		return NodeSnapshot{}, err
	}
	if snap.Acked, err = s.queryPatterns(scopeAcked, -1); err != nil {
		return NodeSnapshot{}, err
	}
	if snap.Global, err = s.queryGlobal(); err != nil {
		return NodeSnapshot{}, err
	}
	if snap.Bandit, err = s.queryBandit(); err != nil {
		return NodeSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) readMeta() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM node_meta`)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *Store) queryPatterns(scope string, limit int) ([]patterns.ViewingPattern, error) {
	rows, err := s.db.Query(
		`SELECT pattern_id, context_summary, item_id, tags_json, success_rate, total_uses, average_reward, last_used_at
		 FROM patterns WHERE scope = ?
		 ORDER BY success_rate DESC, total_uses DESC, pattern_id ASC LIMIT ?`, scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s patterns: %w", scope, err)
	}
	defer rows.Close()

	var out []patterns.ViewingPattern
	for rows.Next() {
		var p patterns.ViewingPattern
		var tags sql.NullString
		var uses int64
		var lastUsed string
		if err := rows.Scan(&p.ID, &p.ContextSummary, &p.ItemID, &tags, &p.SuccessRate, &uses, &p.AverageReward, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags for %s: %w", p.ID, err)
			}
		}
		p.TotalUses = uint64(uses)
		p.LastUsedAt = parseTime(lastUsed)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) queryGlobal() ([]patterns.GlobalPattern, error) {
	rows, err := s.db.Query(
		`SELECT signature, category, success_rate, average_reward, contributors, total_uses
		 FROM global_patterns ORDER BY signature`,
	)
	if err != nil {
		return nil, fmt.Errorf("list global: %w", err)
	}
	defer rows.Close()

	var out []patterns.GlobalPattern
	for rows.Next() {
		var g patterns.GlobalPattern
		var category sql.NullString
		var contributors, uses int64
		if err := rows.Scan(&g.Signature, &category, &g.SuccessRate, &g.AverageReward, &contributors, &uses); err != nil {
			return nil, fmt.Errorf("scan global: %w", err)
		}
		g.Category = category.String
		g.ContributorCount = uint32(contributors)
		g.TotalUses = uint64(uses)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) queryBandit() ([]bandit.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT user_id, dim, a_matrix, b_vector, updates, last_updated FROM bandit_states ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list bandit: %w", err)
	}
	defer rows.Close()

	var out []bandit.Snapshot
	for rows.Next() {
		var b bandit.Snapshot
		var aBlob, bBlob []byte
		var updates int64
		var lastUpdated string
		if err := rows.Scan(&b.UserID, &b.Dim, &aBlob, &bBlob, &updates, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan bandit: %w", err)
		}
		if len(aBlob) != b.Dim*b.Dim*8 || len(bBlob) != b.Dim*8 {
			return nil, fmt.Errorf("bandit %s: blob size mismatch for d=%d", b.UserID, b.Dim)
		}
		b.A = decodeVector(aBlob)
		b.B = decodeVector(bBlob)
		b.Updates = uint64(updates)
		b.LastUpdated = parseTime(lastUpdated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// #endregion load-snapshot

// #region revisions
// AppendRevisions writes journal entries to pattern_log. Entries already
// persisted are skipped, so overlapping batches are safe.
func (s *Store) AppendRevisions(revs []patterns.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range revs {
		var body interface{}
		if r.Kind == patterns.RevisionUpsert {
			raw, err := json.Marshal(r.Pattern)
			if err != nil {
				return fmt.Errorf("marshal revision %d: %w", r.Seq, err)
			}
			body = string(raw)
		}
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO pattern_log (seq, kind, pattern_id, pattern_json, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			int64(r.Seq), string(r.Kind), r.PatternID, body, formatTime(r.At),
		)
		if err != nil {
			return fmt.Errorf("insert revision %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

// ListRevisions returns up to limit journal entries with Seq > since, oldest first.
func (s *Store) ListRevisions(since uint64, limit int) ([]patterns.Revision, error) {
	rows, err := s.db.Query(
		`SELECT seq, kind, pattern_id, pattern_json, created_at FROM pattern_log
		 WHERE seq > ? ORDER BY seq ASC LIMIT ?`, int64(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []patterns.Revision
	for rows.Next() {
		var r patterns.Revision
		var seq int64
		var kind, created string
		var body sql.NullString
		if err := rows.Scan(&seq, &kind, &r.PatternID, &body, &created); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.Seq = uint64(seq)
		r.Kind = patterns.RevisionKind(kind)
		r.At = parseTime(created)
		if body.Valid {
			if err := json.Unmarshal([]byte(body.String), &r.Pattern); err != nil {
				return nil, fmt.Errorf("unmarshal revision %d: %w", r.Seq, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRevision returns the highest persisted journal sequence, 0 if none.
func (s *Store) LastRevision() (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM pattern_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last revision: %w", err)
	}
	return uint64(seq.Int64), nil
}

// #endregion revisions

// #region listings
// ListPatterns returns the best local patterns by success rate.
func (s *Store) ListPatterns(limit int) ([]patterns.ViewingPattern, error) {
	return s.queryPatterns(scopeLocal, limit)
}

// ListSyncLog returns the most recent sync_log rows, newest first.
func (s *Store) ListSyncLog(limit int) ([]logging.SyncEntry, error) {
	rows, err := s.db.Query(
		`SELECT device_id, local_version, server_version, decision, reason, attempts,
		        bytes_sent, bytes_received, patterns_sent, duration_ms, gate_json, created_at
		 FROM sync_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var out []logging.SyncEntry
	for rows.Next() {
		var e logging.SyncEntry
		var local, server int64
		var reason, gate sql.NullString
		var created string
		if err := rows.Scan(&e.DeviceID, &local, &server, &e.Decision, &reason, &e.Attempts,
			&e.BytesSent, &e.BytesReceived, &e.PatternsSent, &e.DurationMs, &gate, &created); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.LocalVersion = uint64(local)
		e.ServerVersion = uint64(server)
		e.Reason = reason.String
		e.GateJSON = gate.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion listings

// #region encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseUint(meta map[string]string, key string) (uint64, error) {
	v, ok := meta[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return n, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion encoding

// IsNoSnapshot reports whether err means nothing was saved yet.
func IsNoSnapshot(err error) bool {
	return errors.Is(err, ErrNoSnapshot)
}
