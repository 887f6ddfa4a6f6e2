package signals

import (
	"context"
	"math"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// #region producer

// Producer turns viewing events into rewards and pattern outcomes.
type Producer struct {
	lookup Lookup
	config ProducerConfig
}

// NewProducer creates a Producer. lookup may be nil (outcomes carry no tags).
func NewProducer(lookup Lookup, config ProducerConfig) *Producer {
	return &Producer{lookup: lookup, config: config}
}

// #endregion producer

// #region produce

// Produce computes the reward, success flag and item tags for an event.
func (p *Producer) Produce(ctx context.Context, ev ViewingEvent) Signals {
	return Signals{
		Reward:  p.Reward(ev),
		Success: p.Success(ev),
		Tags:    p.tags(ctx, ev.ItemID),
	}
}

// Outcome builds the pattern-store outcome for an event in the given
// context bucket.
func (p *Producer) Outcome(ctx context.Context, ev ViewingEvent, contextSummary string) patterns.Outcome {
	s := p.Produce(ctx, ev)
	if ev.ContextSummary != "" {
		contextSummary = ev.ContextSummary
	}
	return patterns.Outcome{
		ContextSummary: contextSummary,
		ItemID:         ev.ItemID,
		Tags:           s.Tags,
		Success:        s.Success,
		Reward:         s.Reward,
		At:             ev.At,
	}
}

// #endregion produce

// #region reward

// Reward is clamp(w·watch + e·engagement, 0, 1), mapped to [-1, 1] when signed.
func (p *Producer) Reward(ev ViewingEvent) float64 {
	r := p.config.WatchWeight*clamp(ev.WatchPercentage) + p.config.EngagementWeight*clamp(ev.EngagementScore)
	r = clamp(r)
	if p.config.Signed {
		return 2*r - 1
	}
	return r
}

// Success reports whether the item was watched past the threshold.
func (p *Producer) Success(ev ViewingEvent) bool {
	return clamp(ev.WatchPercentage) > p.config.SuccessThreshold
}

// #endregion reward

// #region tags

// tags degrades to nil on a nil lookup or unknown item.
func (p *Producer) tags(ctx context.Context, itemID string) []string {
	if p.lookup == nil {
		return nil
	}
	ref, ok := p.lookup.Lookup(ctx, itemID)
	if !ok || len(ref.Genres) == 0 {
		return nil
	}
	return append([]string(nil), ref.Genres...)
}

// #endregion tags

// #region helpers

// clamp restricts v to [0, 1]; NaN becomes 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
