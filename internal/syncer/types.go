package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/gate"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

var (
	// ErrSyncInProgress is returned when a sync is already running. The
	// trigger is dropped, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrRetryExhausted wraps the last transport error after the final attempt.
	ErrRetryExhausted = errors.New("sync retries exhausted")
	// ErrResponseRejected is returned when the gate or eval refuses a response.
	ErrResponseRejected = errors.New("sync response rejected")
)

// #region state
// State is the sync client's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateRetrying
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// #endregion state

// #region config
// Config controls what is synced and how often.
type Config struct {
	DeviceID           string
	Interval           time.Duration
	QualityThreshold   float64
	MaxPatternsPerSync int
	PushBudgetBytes    int
	PullBudgetBytes    int
	Retry              RetryPolicy
}

// DefaultConfig returns the production settings for deviceID.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:           deviceID,
		Interval:           10 * time.Minute,
		QualityThreshold:   0.7,
		MaxPatternsPerSync: 10,
		PushBudgetBytes:    1024,
		PullBudgetBytes:    5120,
		Retry:              DefaultRetryPolicy(),
	}
}

// ConfigFrom maps node configuration onto sync settings.
func ConfigFrom(cfg config.NodeConfig) Config {
	c := DefaultConfig(cfg.DeviceID)
	c.Interval = cfg.SyncInterval()
	c.QualityThreshold = cfg.QualityThreshold
	c.MaxPatternsPerSync = cfg.MaxPatternsPerSync
	c.PushBudgetBytes = cfg.PushBudgetBytes
	c.PullBudgetBytes = cfg.PullBudgetBytes
	c.Retry.MaxAttempts = cfg.RetryAttempts
	return c
}

// #endregion config

// #region result
// Result describes one completed sync.
type Result struct {
	Decision      gate.Action
	Reason        string
	DeltaVersion  uint64
	ServerVersion uint64
	Status        wire.Status
	PatternsSent  int
	Trimmed       int // changes held back by the push budget
	Upserted      int
	Removed       int
	NewItems      int
	BytesSent     int
	BytesReceived int
	Attempts      int
	Duration      time.Duration
}

// #endregion result
