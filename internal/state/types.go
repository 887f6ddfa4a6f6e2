package state

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/bandit"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// ErrNoSnapshot is returned by LoadSnapshot on a fresh database.
var ErrNoSnapshot = errors.New("no snapshot saved")

// #region node-snapshot
// NodeSnapshot is everything a node needs to resume after a restart.
type NodeSnapshot struct {
	DeviceID      string
	LocalVersion  uint64 // pattern store version
	DeltaVersion  uint64 // last delta version issued; never decreases
	GlobalVersion uint64
	LastSyncAt    time.Time
	Patterns      []patterns.ViewingPattern // local patterns
	Acked         []patterns.ViewingPattern // values last acknowledged by the aggregator
	Global        []patterns.GlobalPattern
	Bandit        []bandit.Snapshot
	SavedAt       time.Time
}

// #endregion node-snapshot

// #region scopes
// pattern rows are split by scope so acknowledged values survive a restart.
const (
	scopeLocal = "local"
	scopeAcked = "acked"
)

// meta keys
const (
	metaDeviceID      = "device_id"
	metaLocalVersion  = "local_version"
	metaDeltaVersion  = "delta_version"
	metaGlobalVersion = "global_version"
	metaLastSyncAt    = "last_sync_at"
	metaSavedAt       = "saved_at"
)

// #endregion scopes
