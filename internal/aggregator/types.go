package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// ErrUnknownStrategy is returned for an unrecognised strategy name.
var ErrUnknownStrategy = errors.New("unknown aggregation strategy")

// #region config
// Config controls federation and the sync endpoint.
type Config struct {
	Strategy        Strategy
	MinQuality      float64 // contributions below this success rate are ignored
	MinContributors int     // devices required before a pattern is published
	MaxPatterns     int     // cap on the published global view
	PullBudgetBytes int     // responses are trimmed to fit
	RequestsPerMin  float64 // per-device sync rate
	Burst           int
	MaxNewItems     int // catalog entries announced per response
}

// DefaultConfig returns development defaults with quality-weighted averaging.
func DefaultConfig() Config {
	return Config{
		Strategy:        QualityWeighted{},
		MinQuality:      0,
		MinContributors: 1,
		MaxPatterns:     100,
		PullBudgetBytes: 5120,
		RequestsPerMin:  6,
		Burst:           3,
		MaxNewItems:     50,
	}
}

// ConfigFrom maps server configuration onto aggregator settings.
func ConfigFrom(cfg config.AggregatorConfig) (Config, error) {
	s, err := StrategyByName(cfg.Strategy, cfg.DecayFactor)
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig()
	c.Strategy = s
	c.MinQuality = cfg.MinQuality
	c.MinContributors = cfg.MinContributors
	c.MaxPatterns = cfg.MaxPatterns
	c.PullBudgetBytes = cfg.PullBudgetBytes
	c.RequestsPerMin = cfg.RequestsPerMinute
	c.Burst = cfg.Burst
	return c, nil
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string, decay float64) (Strategy, error) {
	switch name {
	case "simple_mean":
		return SimpleMean{}, nil
	case "", "quality_weighted":
		return QualityWeighted{}, nil
	case "exponential_decay":
		return ExponentialDecay{Factor: decay}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// #endregion config

// #region contribution
// Contribution is one device's latest value for a pattern signature. A new
// value from the same device replaces the old one.
type Contribution struct {
	DeviceID string
	Pattern  patterns.ViewingPattern
	Round    uint64 // global version when the value arrived
}

// #endregion contribution

// #region stats
// Stats is a point-in-time view of the aggregator.
type Stats struct {
	ServerVersion uint64    `json:"server_version"`
	Patterns      int       `json:"patterns"`
	Devices       int       `json:"devices"`
	Items         int       `json:"items"`
	Strategy      string    `json:"strategy"`
	LastSyncAt    time.Time `json:"last_sync_at"`
}

// #endregion stats
