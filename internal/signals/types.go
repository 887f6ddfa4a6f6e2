package signals

import (
	"context"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region lookup-interface

// Lookup abstracts the catalog so Producer can be tested without one.
type Lookup interface {
	Lookup(ctx context.Context, id string) (wire.ContentRef, bool)
}

// #endregion lookup-interface

// #region config

// ProducerConfig holds the reward formula weights.
type ProducerConfig struct {
	WatchWeight      float64 // weight of watch completion in the raw reward
	EngagementWeight float64 // weight of engagement in the raw reward
	SuccessThreshold float64 // watch completion above this counts as a success
	Signed           bool    // map the [0,1] reward onto [-1,1]
}

// DefaultProducerConfig returns 0.7·watch + 0.3·engagement, signed, success above 70% watched.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		WatchWeight:      0.7,
		EngagementWeight: 0.3,
		SuccessThreshold: 0.7,
		Signed:           true,
	}
}

// #endregion config

// #region event

// ViewingEvent is one raw local interaction. It never leaves the node.
type ViewingEvent struct {
	UserID          string    `json:"user_id"`
	ItemID          string    `json:"item_id"`
	ContextSummary  string    `json:"context_summary,omitempty"`
	WatchPercentage float64   `json:"watch_percentage"` // 0-1
	EngagementScore float64   `json:"engagement_score"` // 0-1
	At              time.Time `json:"at"`
}

// Signals is what a single event contributes to learning.
type Signals struct {
	Reward  float64
	Success bool
	Tags    []string
}

// #endregion event
