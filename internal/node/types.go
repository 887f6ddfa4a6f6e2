package node

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielpatrickdp/edgesync/go-node/internal/bandit"
	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/state"
	"github.com/danielpatrickdp/edgesync/go-node/internal/syncer"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
)

var (
	// ErrInvalidEvent is returned by Observe for events without a user or item.
	ErrInvalidEvent = errors.New("invalid viewing event")
	// ErrSyncDisabled is returned by SyncNow on a node built without a transport
	// or with invalid sync settings.
	ErrSyncDisabled = errors.New("sync disabled")
)

const defaultPersistInterval = time.Minute

// #region deps
// Deps are the collaborators a Node runs on. Every field is optional: a nil
// Store keeps state in memory only, a nil Transport disables sync, a nil
// Catalog starts empty. The Node owns Store and Transport and closes them.
type Deps struct {
	Store           *state.Store
	Transport       transport.Transport
	Catalog         *catalog.Memory
	Logger          *slog.Logger
	Registerer      prometheus.Registerer
	Clock           func() time.Time
	PersistInterval time.Duration
	SyncOptions     []syncer.Option // appended after the node's own options
}

// #endregion deps

// #region recommendation
// Recommendation is one ranked candidate.
type Recommendation struct {
	ItemID    string
	Score     float64 // bandit score plus Prior
	Prior     float64 // priorWeight·(blended − 0.5), 0 without pattern data
	Signature string
	Estimate  bandit.Estimate
}

// #endregion recommendation

// #region stats
// Stats is a point-in-time view of the node for inspection.
type Stats struct {
	DeviceID       string
	Patterns       int
	Syncable       int
	LocalVersion   uint64
	GlobalVersion  uint64
	GlobalPatterns int
	Items          int
	Bandit         bandit.Stats
	SyncState      string
	LastSyncAt     time.Time
}

// #endregion stats
