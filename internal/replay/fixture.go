package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/features"
	"github.com/danielpatrickdp/edgesync/go-node/internal/signals"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string            `json:"description"`
	Config      FixtureConfig     `json:"config"`
	Candidates  []wire.ContentRef `json:"candidates"`
	Events      []FixtureEvent    `json:"events"`
	Expected    *FixtureExpected  `json:"expected,omitempty"`
}

// FixtureContext mirrors features.UserContext with JSON tags.
type FixtureContext struct {
	HourOfDay       int      `json:"hour_of_day"`
	DayOfWeek       int      `json:"day_of_week"`
	SessionMinutes  float64  `json:"session_minutes"`
	PreferredGenres []string `json:"preferred_genres"`
}

// FixtureEvent is a recorded viewing event with its serving context.
type FixtureEvent struct {
	UserID          string         `json:"user_id"`
	ItemID          string         `json:"item_id"`
	WatchPercentage float64        `json:"watch_percentage"`
	EngagementScore float64        `json:"engagement_score"`
	At              time.Time      `json:"at"`
	Context         FixtureContext `json:"context"`
}

// FixtureConfig overrides replay defaults. Zero values keep the default.
type FixtureConfig struct {
	Alpha              float64 `json:"alpha"`
	TagSlots           int     `json:"tag_slots"`
	QualityThreshold   float64 `json:"quality_threshold"`
	MaxPatternsPerSync int     `json:"max_patterns_per_sync"`
	MinSyncUses        uint64  `json:"min_sync_uses"`
}

// FixtureExpected is the regression baseline checked by tests.
type FixtureExpected struct {
	Learned  int     `json:"learned"`
	Skipped  int     `json:"skipped"`
	Patterns int     `json:"patterns"`
	Syncable int     `json:"syncable"`
	MinLift  float64 `json:"min_lift"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToEvent converts a FixtureEvent to a replay Event.
func (fe *FixtureEvent) ToEvent() Event {
	return Event{
		ViewingEvent: signals.ViewingEvent{
			UserID:          fe.UserID,
			ItemID:          fe.ItemID,
			WatchPercentage: fe.WatchPercentage,
			EngagementScore: fe.EngagementScore,
			At:              fe.At,
		},
		Context: features.UserContext{
			HourOfDay:       fe.Context.HourOfDay,
			DayOfWeek:       fe.Context.DayOfWeek,
			SessionMinutes:  fe.Context.SessionMinutes,
			PreferredGenres: fe.Context.PreferredGenres,
		},
	}
}

// ToEvents converts every fixture event.
func (f *Fixture) ToEvents() []Event {
	out := make([]Event, len(f.Events))
	for i := range f.Events {
		out[i] = f.Events[i].ToEvent()
	}
	return out
}

// ToReplayConfig applies the fixture overrides on top of the defaults.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	if fc.Alpha > 0 {
		cfg.Bandit.Alpha = fc.Alpha
	}
	if fc.TagSlots > 0 {
		cfg.Layout.TagSlots = fc.TagSlots
	}
	if fc.QualityThreshold > 0 {
		cfg.QualityThreshold = fc.QualityThreshold
	}
	if fc.MaxPatternsPerSync > 0 {
		cfg.MaxPatternsPerSync = fc.MaxPatternsPerSync
	}
	if fc.MinSyncUses > 0 {
		cfg.Patterns.MinSyncUses = fc.MinSyncUses
	}
	return cfg
}

// #endregion fixture-loader
