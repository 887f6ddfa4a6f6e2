package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region mock

// mockLookup returns pre-configured catalog entries.
type mockLookup struct {
	refs map[string]wire.ContentRef
}

func (m *mockLookup) Lookup(_ context.Context, id string) (wire.ContentRef, bool) {
	ref, ok := m.refs[id]
	return ref, ok
}

// #endregion mock

// #region reward-tests

func TestReward_FullWatchFullEngagement(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	r := p.Reward(ViewingEvent{WatchPercentage: 1, EngagementScore: 1})
	if math.Abs(r-1) > 1e-12 {
		t.Errorf("expected reward 1, got %f", r)
	}
}

func TestReward_AbandonedIsNegative(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	r := p.Reward(ViewingEvent{WatchPercentage: 0.05, EngagementScore: 0})
	if r >= 0 {
		t.Errorf("expected negative reward for abandoned item, got %f", r)
	}
	if r < -1 {
		t.Errorf("reward below -1: %f", r)
	}
}

func TestReward_Unsigned(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Signed = false
	p := NewProducer(nil, cfg)
	r := p.Reward(ViewingEvent{WatchPercentage: 0.5, EngagementScore: 0.5})
	if math.Abs(r-0.5) > 1e-12 {
		t.Errorf("expected 0.5, got %f", r)
	}
}

func TestReward_ClampsInputs(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	r := p.Reward(ViewingEvent{WatchPercentage: 3, EngagementScore: math.NaN()})
	// watch clamps to 1, engagement NaN to 0 → 0.7 → signed 0.4
	if math.Abs(r-0.4) > 1e-12 {
		t.Errorf("expected 0.4, got %f", r)
	}
}

// #endregion reward-tests

// #region success-tests

func TestSuccess_Threshold(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	if p.Success(ViewingEvent{WatchPercentage: 0.7}) {
		t.Error("exactly 70% watched should not count as success")
	}
	if !p.Success(ViewingEvent{WatchPercentage: 0.71}) {
		t.Error("71% watched should count as success")
	}
}

// #endregion success-tests

// #region outcome-tests

func TestOutcome_CarriesCatalogTags(t *testing.T) {
	lookup := &mockLookup{refs: map[string]wire.ContentRef{
		"m1": {ID: "m1", Genres: []string{"drama", "crime"}},
	}}
	p := NewProducer(lookup, DefaultProducerConfig())
	at := time.Date(2026, 4, 1, 21, 0, 0, 0, time.UTC)

	o := p.Outcome(context.Background(), ViewingEvent{ItemID: "m1", WatchPercentage: 0.9, At: at}, "evening/weekday")

	if o.ContextSummary != "evening/weekday" {
		t.Errorf("expected context evening/weekday, got %q", o.ContextSummary)
	}
	if len(o.Tags) != 2 || o.Tags[0] != "drama" {
		t.Errorf("expected catalog tags, got %v", o.Tags)
	}
	if !o.Success || !o.At.Equal(at) {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestOutcome_EventContextWins(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	o := p.Outcome(context.Background(), ViewingEvent{ItemID: "m1", ContextSummary: "night/weekend"}, "evening/weekday")
	if o.ContextSummary != "night/weekend" {
		t.Errorf("expected event context, got %q", o.ContextSummary)
	}
}

func TestOutcome_NilLookupDegrades(t *testing.T) {
	p := NewProducer(nil, DefaultProducerConfig())
	o := p.Outcome(context.Background(), ViewingEvent{ItemID: "m1"}, "c")
	if o.Tags != nil {
		t.Errorf("expected no tags, got %v", o.Tags)
	}
}

func TestOutcome_UnknownItemDegrades(t *testing.T) {
	p := NewProducer(&mockLookup{}, DefaultProducerConfig())
	s := p.Produce(context.Background(), ViewingEvent{ItemID: "missing", WatchPercentage: 0.2})
	if s.Tags != nil {
		t.Errorf("expected no tags, got %v", s.Tags)
	}
	if s.Success {
		t.Error("20% watched is not a success")
	}
}

// #endregion outcome-tests
