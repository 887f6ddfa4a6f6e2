package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/edgesync/go-node/internal/bandit"
	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/features"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/signals"
	"github.com/danielpatrickdp/edgesync/go-node/internal/state"
	"github.com/danielpatrickdp/edgesync/go-node/internal/syncer"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region node
// Node is one edge device. Recommend and Observe run in memory on the
// caller's goroutine; sync and persistence run in the background under Start.
type Node struct {
	cfg          config.NodeConfig
	encoder      *features.Encoder
	engine       *bandit.Engine
	patterns     *patterns.Store
	items        *catalog.Memory
	producer     *signals.Producer
	syncer       *syncer.Client
	db           *state.Store
	tr           transport.Transport
	metrics      *metrics
	log          *slog.Logger
	now          func() time.Time
	persistEvery time.Duration

	ctxMu    sync.Mutex
	contexts map[string]features.UserContext // last context served per user

	syncErr error // sync settings failed validation

	persistMu sync.Mutex
	journaled uint64            // last revision written to pattern_log
	resumed   syncer.Checkpoint // sync bookkeeping loaded at startup

	closeOnce sync.Once
	closeErr  error
}

// New builds a node from cfg and restores any state saved in deps.Store.
func New(cfg config.NodeConfig, deps Deps) (*Node, error) {
	if err := cfg.ValidateServing(); err != nil {
		return nil, err
	}
	enc, err := features.NewEncoder(features.Layout{TagSlots: cfg.TagSlots})
	if err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}

	log := logging.OrDiscard(deps.Logger).With("device_id", cfg.DeviceID)
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	items := deps.Catalog
	if items == nil {
		items = catalog.NewMemory()
	}

	pcfg := patterns.DefaultConfig()
	pcfg.MaxPatterns = cfg.MaxPatternsStored
	pcfg.MinSyncUses = uint64(cfg.MinUsesForSync)
	store := patterns.NewStore(pcfg)
	store.SetClock(now)

	bcfg := bandit.DefaultConfig()
	bcfg.Alpha = cfg.ExplorationCoefficient

	n := &Node{
		cfg:          cfg,
		encoder:      enc,
		engine:       bandit.NewEngine(bcfg, bandit.WithLogger(log), bandit.WithClock(now)),
		patterns:     store,
		items:        items,
		producer:     signals.NewProducer(items, signals.DefaultProducerConfig()),
		db:           deps.Store,
		tr:           deps.Transport,
		metrics:      newMetrics(deps.Registerer),
		log:          log,
		now:          now,
		persistEvery: deps.PersistInterval,
		contexts:     make(map[string]features.UserContext),
	}
	if n.persistEvery <= 0 {
		n.persistEvery = defaultPersistInterval
	}
	if err := n.load(); err != nil {
		return nil, err
	}

	if err := n.cfg.ValidateSync(); err != nil {
		n.syncErr = err
		n.log.Warn("sync settings invalid, sync disabled", "err", err)
	} else if n.tr != nil {
		opts := []syncer.Option{
			syncer.WithLogger(log),
			syncer.WithClock(now),
			syncer.WithMetrics(syncer.NewMetrics(deps.Registerer)),
			syncer.WithCatalog(items),
			syncer.WithOnCommit(n.afterSync),
		}
		if n.db != nil {
			opts = append(opts,
				syncer.WithSyncLog(n.db.DB()),
				syncer.WithVersionReserve(n.reserveVersion),
			)
		}
		opts = append(opts, deps.SyncOptions...)
		n.syncer = syncer.New(syncer.ConfigFrom(n.cfg), store, n.tr, opts...)
		n.syncer.Resume(n.resumed)
	}
	n.metrics.patterns.Set(float64(store.Len()))
	return n, nil
}

// load restores the last snapshot. A fresh database is not an error.
func (n *Node) load() error {
	if n.db == nil {
		return nil
	}
	last, err := n.db.LastRevision()
	if err != nil {
		return err
	}
	n.patterns.ResumeJournal(last)
	n.journaled = last

	snap, err := n.db.LoadSnapshot()
	if state.IsNoSnapshot(err) {
		// versions may have been issued before the first snapshot
		if n.resumed.DeltaVersion, err = n.db.DeltaVersion(); err != nil {
			return err
		}
		n.log.Info("no saved state, starting fresh", "delta_version", n.resumed.DeltaVersion)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	// sync bookkeeping belongs to the saved identity
	if snap.DeviceID != n.cfg.DeviceID {
		n.log.Warn("configured device id differs from saved state, keeping saved id",
			"configured", n.cfg.DeviceID, "saved", snap.DeviceID)
		n.cfg.DeviceID = snap.DeviceID
		n.log = n.log.With("device_id", snap.DeviceID)
	}

	if err := n.engine.Restore(snap.Bandit); err != nil {
		return fmt.Errorf("restore bandit: %w", err)
	}
	n.patterns.Restore(snap.Patterns, snap.LocalVersion)
	global := make(map[string]patterns.GlobalPattern, len(snap.Global))
	for _, g := range snap.Global {
		global[g.Signature] = g
	}
	if err := n.patterns.ReplaceGlobal(global, snap.GlobalVersion); err != nil {
		return fmt.Errorf("restore global view: %w", err)
	}
	n.resumed = syncer.Checkpoint{
		Acked:        snap.Acked,
		DeltaVersion: snap.DeltaVersion,
		LastSyncAt:   snap.LastSyncAt,
	}

	n.log.Info("state restored",
		"patterns", len(snap.Patterns),
		"bandit_users", len(snap.Bandit),
		"global_version", snap.GlobalVersion,
		"delta_version", snap.DeltaVersion,
		"saved_at", snap.SavedAt,
	)
	return nil
}

// DeviceID returns the identity the node syncs under.
func (n *Node) DeviceID() string { return n.cfg.DeviceID }

// #endregion node

// #region serve
// Recommend ranks candidateIDs for userID in context uc, best first. Items
// missing from the catalog are scored on an empty description. Duplicate
// and empty IDs are dropped.
func (n *Node) Recommend(ctx context.Context, userID string, uc features.UserContext, candidateIDs []string) []Recommendation {
	n.rememberContext(userID, uc)
	cv := n.encoder.EncodeContext(uc)
	summary := features.ContextSummary(uc)

	cands := make([]bandit.Candidate, 0, len(candidateIDs))
	seen := make(map[string]struct{}, len(candidateIDs))
	for _, id := range candidateIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cands = append(cands, bandit.Candidate{ID: id, Vec: n.encoder.EncodeItem(n.item(ctx, id))})
	}

	ranked := n.engine.Rank(userID, cv, cands)
	out := make([]Recommendation, 0, len(ranked))
	for _, r := range ranked {
		sig := patterns.Signature(summary, r.ID)
		rec := Recommendation{ItemID: r.ID, Score: r.Score, Signature: sig, Estimate: r.Estimate}
		if blended, ok := n.patterns.Blended(sig); ok {
			rec.Prior = n.cfg.PriorWeight * (blended - 0.5)
			rec.Score += rec.Prior
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	n.metrics.recommendations.Inc()
	return out
}

// Observe learns from one viewing event. The event is attributed to the
// context last served to the user, or to the event's own hour and weekday
// when nothing was served.
func (n *Node) Observe(ctx context.Context, ev signals.ViewingEvent) error {
	uc, ok := n.servedContext(ev.UserID)
	if !ok {
		at := ev.At
		if at.IsZero() {
			at = n.now()
		}
		uc = features.UserContext{HourOfDay: at.Hour(), DayOfWeek: int(at.Weekday())}
	}
	return n.ObserveIn(ctx, ev, uc)
}

// ObserveIn is Observe with an explicit context.
func (n *Node) ObserveIn(ctx context.Context, ev signals.ViewingEvent, uc features.UserContext) error {
	if ev.UserID == "" || ev.ItemID == "" {
		n.metrics.observations.WithLabelValues("invalid").Inc()
		return fmt.Errorf("observe user=%q item=%q: %w", ev.UserID, ev.ItemID, ErrInvalidEvent)
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}

	outcome := n.producer.Outcome(ctx, ev, features.ContextSummary(uc))
	cv := n.encoder.EncodeContext(uc)
	iv := n.encoder.EncodeItem(n.item(ctx, ev.ItemID))
	if err := n.engine.Update(ev.UserID, cv, iv, outcome.Reward); err != nil {
		n.metrics.observations.WithLabelValues("error").Inc()
		return fmt.Errorf("update bandit: %w", err)
	}
	p := n.patterns.Record(outcome)

	n.metrics.observations.WithLabelValues("ok").Inc()
	n.metrics.patterns.Set(float64(n.patterns.Len()))
	n.log.Debug("event observed",
		"user", ev.UserID,
		"item", ev.ItemID,
		"context", p.ContextSummary,
		"reward", outcome.Reward,
		"success", outcome.Success,
		"uses", p.TotalUses,
	)
	return nil
}

func (n *Node) item(ctx context.Context, id string) wire.ContentRef {
	if ref, ok := n.items.Lookup(ctx, id); ok {
		return ref
	}
	return wire.ContentRef{ID: id}
}

func (n *Node) rememberContext(userID string, uc features.UserContext) {
	n.ctxMu.Lock()
	n.contexts[userID] = uc
	n.ctxMu.Unlock()
}

func (n *Node) servedContext(userID string) (features.UserContext, bool) {
	n.ctxMu.Lock()
	defer n.ctxMu.Unlock()
	uc, ok := n.contexts[userID]
	return uc, ok
}

// #endregion serve

// #region background
// Start runs the sync scheduler and periodic persistence until ctx is
// cancelled. Call Close afterwards to write the final snapshot.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if n.syncer != nil {
		g.Go(func() error { return n.syncer.Run(gctx) })
	} else if n.syncErr == nil {
		n.log.Info("no transport configured, sync disabled")
	}
	g.Go(func() error { return n.persistLoop(gctx) })
	return g.Wait()
}

func (n *Node) persistLoop(ctx context.Context) error {
	if n.db == nil {
		return nil
	}
	ticker := time.NewTicker(n.persistEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.Persist(); err != nil {
				n.log.Warn("periodic persist failed", "err", err)
			}
		}
	}
}

// SyncNow runs one sync immediately.
func (n *Node) SyncNow(ctx context.Context) (syncer.Result, error) {
	if n.syncErr != nil {
		return syncer.Result{}, fmt.Errorf("%w: %w", ErrSyncDisabled, n.syncErr)
	}
	if n.syncer == nil {
		return syncer.Result{}, ErrSyncDisabled
	}
	return n.syncer.Sync(ctx)
}

// TriggerSync asks the running scheduler for a sync on its next pass.
func (n *Node) TriggerSync() {
	if n.syncer != nil {
		n.syncer.Trigger()
	}
}

// reserveVersion makes v durable before the delta carrying it is sent.
func (n *Node) reserveVersion(_ context.Context, v uint64) error {
	return n.db.SaveDeltaVersion(v)
}

func (n *Node) afterSync(_ context.Context, res syncer.Result) {
	if err := n.Persist(); err != nil {
		n.log.Warn("persist after sync failed", "decision", res.Decision, "err", err)
	}
}

// #endregion background

// #region persistence
// Persist writes new journal entries and a full snapshot. Without a store
// it does nothing.
func (n *Node) Persist() error {
	if n.db == nil {
		return nil
	}
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	revs := n.patterns.Revisions(n.journaled)
	if err := n.db.AppendRevisions(revs); err != nil {
		n.metrics.persists.WithLabelValues("error").Inc()
		return fmt.Errorf("append revisions: %w", err)
	}

	cp := n.resumed
	if n.syncer != nil {
		cp = n.syncer.Checkpoint()
	}
	global, globalVersion := n.patterns.GlobalView()
	snap := state.NodeSnapshot{
		DeviceID:      n.cfg.DeviceID,
		LocalVersion:  n.patterns.Version(),
		DeltaVersion:  cp.DeltaVersion,
		GlobalVersion: globalVersion,
		LastSyncAt:    cp.LastSyncAt,
		Patterns:      sortedLocal(n.patterns.Snapshot()),
		Acked:         cp.Acked,
		Global:        sortedGlobal(global),
		Bandit:        n.engine.Export(),
		SavedAt:       n.now(),
	}
	if err := n.db.SaveSnapshot(snap); err != nil {
		n.metrics.persists.WithLabelValues("error").Inc()
		return fmt.Errorf("save snapshot: %w", err)
	}

	if len(revs) > 0 {
		n.journaled = revs[len(revs)-1].Seq
		n.patterns.TrimRevisions(n.journaled)
	}
	n.metrics.persists.WithLabelValues("ok").Inc()
	return nil
}

func sortedLocal(m map[string]patterns.ViewingPattern) []patterns.ViewingPattern {
	out := make([]patterns.ViewingPattern, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedGlobal(m map[string]patterns.GlobalPattern) []patterns.GlobalPattern {
	out := make([]patterns.GlobalPattern, 0, len(m))
	for _, g := range m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Close persists state and releases the store and transport. Safe to call
// more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if err := n.Persist(); err != nil {
			errs = append(errs, err)
		}
		if n.tr != nil {
			if err := n.tr.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		if n.db != nil {
			if err := n.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}

// #endregion persistence

// #region inspect
// Stats reports the node's current state.
func (n *Node) Stats() Stats {
	global, gv := n.patterns.GlobalView()
	s := Stats{
		DeviceID:       n.cfg.DeviceID,
		Patterns:       n.patterns.Len(),
		Syncable:       len(n.patterns.SelectForSync(n.cfg.QualityThreshold, n.patterns.Len())),
		LocalVersion:   n.patterns.Version(),
		GlobalVersion:  gv,
		GlobalPatterns: len(global),
		Items:          n.items.Len(),
		Bandit:         n.engine.Stats(),
		SyncState:      "disabled",
		LastSyncAt:     n.resumed.LastSyncAt,
	}
	if n.syncer != nil {
		s.SyncState = n.syncer.State().String()
		s.LastSyncAt = n.syncer.LastSyncAt()
	}
	return s
}

// TopPatterns returns up to limit local patterns, best quality first.
func (n *Node) TopPatterns(limit int) []patterns.ViewingPattern {
	ps := sortedLocal(n.patterns.Snapshot())
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Quality() > ps[j].Quality() })
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}

// #endregion inspect
