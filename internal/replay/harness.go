package replay

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/edgesync/go-node/internal/bandit"
	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/features"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/signals"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region types
// Event is a recorded viewing event together with the context it was
// served in.
type Event struct {
	signals.ViewingEvent
	Context features.UserContext
}

// ReplayConfig bundles the encoder, engine, store and reward settings for a
// replay run.
type ReplayConfig struct {
	Layout             features.Layout
	Bandit             bandit.Config
	Patterns           patterns.Config
	Signals            signals.ProducerConfig
	QualityThreshold   float64
	MaxPatternsPerSync int
}

// DefaultReplayConfig mirrors the node defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Layout:             features.DefaultLayout(),
		Bandit:             bandit.DefaultConfig(),
		Patterns:           patterns.DefaultConfig(),
		Signals:            signals.DefaultProducerConfig(),
		QualityThreshold:   0.7,
		MaxPatternsPerSync: 10,
	}
}

// Action labels what happened to one event.
const (
	ActionLearned = "learned"
	ActionSkipped = "skipped"
)

// ReplayResult captures one event replayed through encoder, engine and store.
type ReplayResult struct {
	UserID         string
	ItemID         string
	ContextSummary string
	Action         string
	Reason         string

	Reward  float64
	Success bool

	// Full UCB score and its exploitation part, before and after the update.
	ScoreBefore float64
	ScoreAfter  float64
	MeanBefore  float64
	MeanAfter   float64
	Fallback    bool
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	Events     int
	Learned    int
	Skipped    int
	Users      int
	MeanReward float64
	Lift       float64 // mean change of the exploitation score per learned event
	Patterns   int
	Syncable   int
}

// #endregion types

// #region harness
// Harness runs events through an in-memory node pipeline. Nothing is
// persisted and nothing is synced.
type Harness struct {
	cfg      ReplayConfig
	encoder  *features.Encoder
	engine   *bandit.Engine
	store    *patterns.Store
	items    *catalog.Memory
	producer *signals.Producer
}

// NewHarness creates a harness over the given candidate items.
func NewHarness(cfg ReplayConfig, items []wire.ContentRef) (*Harness, error) {
	enc, err := features.NewEncoder(cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("replay encoder: %w", err)
	}
	cat := catalog.NewMemory(items...)
	return &Harness{
		cfg:      cfg,
		encoder:  enc,
		engine:   bandit.NewEngine(cfg.Bandit),
		store:    patterns.NewStore(cfg.Patterns),
		items:    cat,
		producer: signals.NewProducer(cat, cfg.Signals),
	}, nil
}

// Engine returns the harness bandit engine.
func (h *Harness) Engine() *bandit.Engine { return h.engine }

// Store returns the harness pattern store.
func (h *Harness) Store() *patterns.Store { return h.store }

// Replay applies every event in order: score, update, record, rescore.
// Events without a user or item are skipped.
func (h *Harness) Replay(ctx context.Context, events []Event) []ReplayResult {
	results := make([]ReplayResult, 0, len(events))
	for _, ev := range events {
		results = append(results, h.replayOne(ctx, ev))
	}
	return results
}

func (h *Harness) replayOne(ctx context.Context, ev Event) ReplayResult {
	r := ReplayResult{UserID: ev.UserID, ItemID: ev.ItemID}
	if ev.UserID == "" || ev.ItemID == "" {
		r.Action, r.Reason = ActionSkipped, "event without user or item"
		return r
	}

	item, ok := h.items.Lookup(ctx, ev.ItemID)
	if !ok {
		item = wire.ContentRef{ID: ev.ItemID}
	}
	summary := features.ContextSummary(ev.Context)
	cv := h.encoder.EncodeContext(ev.Context)
	iv := h.encoder.EncodeItem(item)

	before := h.engine.Estimate(ev.UserID, cv, iv)
	sig := h.producer.Produce(ctx, ev.ViewingEvent)
	r.Reward, r.Success = sig.Reward, sig.Success
	r.ScoreBefore, r.MeanBefore = before.Score, before.Mean

	if err := h.engine.Update(ev.UserID, cv, iv, sig.Reward); err != nil {
		r.Action, r.Reason = ActionSkipped, err.Error()
		return r
	}
	out := h.producer.Outcome(ctx, ev.ViewingEvent, summary)
	h.store.Record(out)
	r.ContextSummary = out.ContextSummary

	after := h.engine.Estimate(ev.UserID, cv, iv)
	r.ScoreAfter, r.MeanAfter = after.Score, after.Mean
	r.Fallback = before.Fallback || after.Fallback
	r.Action = ActionLearned
	return r
}

// Summarize computes aggregate stats from results and the harness state.
func (h *Harness) Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{
		Events:   len(results),
		Users:    h.engine.Stats().Users,
		Patterns: h.store.Len(),
		Syncable: len(h.store.SelectForSync(h.cfg.QualityThreshold, h.cfg.MaxPatternsPerSync)),
	}
	var reward, lift float64
	for _, r := range results {
		switch r.Action {
		case ActionLearned:
			s.Learned++
			reward += r.Reward
			lift += r.MeanAfter - r.MeanBefore
		case ActionSkipped:
			s.Skipped++
		}
	}
	if s.Learned > 0 {
		s.MeanReward = reward / float64(s.Learned)
		s.Lift = lift / float64(s.Learned)
	}
	return s
}

// Replay is a one-shot run over a fresh harness.
func Replay(ctx context.Context, cfg ReplayConfig, items []wire.ContentRef, events []Event) ([]ReplayResult, ReplaySummary, error) {
	h, err := NewHarness(cfg, items)
	if err != nil {
		return nil, ReplaySummary{}, err
	}
	results := h.Replay(ctx, events)
	return results, h.Summarize(results), nil
}

// #endregion harness
