package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/edgesync/go-node/internal/codec"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region types
type device struct {
	contribs map[string]Contribution // by signature
	sigs     map[string]string       // pattern ID -> signature
	limiter  *rate.Limiter

	lastDelta   uint64                            // highest delta version applied
	seen        map[string]patterns.GlobalPattern // view the device was last sent
	seenVersion uint64
	itemsSeen   int
	lastSeen    time.Time

	// state before the last response, restored when that exchange is retried
	prevSeen        map[string]patterns.GlobalPattern
	prevSeenVersion uint64
	prevItemsSeen   int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.log = logging.OrDiscard(l) } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// WithClock overrides the time source, including the rate limiter's.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// Aggregator folds device deltas into global patterns. It is an in-memory,
// single-process reference implementation of the sync endpoint.
type Aggregator struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	round      uint64
	global     map[string]patterns.GlobalPattern
	devices    map[string]*device
	items      []wire.ContentRef
	itemIDs    map[string]struct{}
	lastSyncAt time.Time
}

// New creates an aggregator. A nil strategy uses QualityWeighted.
func New(cfg Config, opts ...Option) *Aggregator {
	if cfg.Strategy == nil {
		cfg.Strategy = QualityWeighted{}
	}
	if cfg.MinContributors < 1 {
		cfg.MinContributors = 1
	}
	a := &Aggregator{
		cfg:     cfg,
		log:     logging.Discard(),
		metrics: NewMetrics(nil),
		now:     time.Now,
		global:  map[string]patterns.GlobalPattern{},
		devices: map[string]*device{},
		itemIDs: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// #endregion types

// #region handle
// HandleSync ingests one device delta and returns the global changes the
// device has not seen yet. Protocol problems are reported in the response
// status; the error is non-nil only when ctx is done.
func (a *Aggregator) HandleSync(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error) {
	start := a.now()
	ctx, span := tracer.Start(ctx, "aggregator.HandleSync", trace.WithAttributes(
		attribute.String("edgesync.device_id", req.DeviceID),
		attribute.Int64("edgesync.local_version", int64(req.LocalVersion)),
	))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := a.handle(req)

	span.SetAttributes(
		attribute.String("edgesync.status", resp.Status.String()),
		attribute.Int64("edgesync.server_version", int64(resp.ServerVersion)),
	)
	a.metrics.Requests.WithLabelValues(resp.Status.String()).Inc()
	a.metrics.Duration.Observe(a.now().Sub(start).Seconds())
	return resp, nil
}

func (a *Aggregator) handle(req *wire.SyncRequest) *wire.SyncResponse {
	if req.ProtocolVersion != wire.ProtocolVersion {
		return a.errorResponse(fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion))
	}
	if req.DeviceID == "" {
		return a.errorResponse("missing device id")
	}

	a.mu.Lock()
	dev := a.deviceLocked(req.DeviceID)
	a.mu.Unlock()

	if !dev.limiter.AllowN(a.now(), 1) {
		a.log.Warn("sync rate limited", "device_id", req.DeviceID)
		return &wire.SyncResponse{
			ServerVersion: a.version(),
			Status:        wire.StatusRateLimited,
			Message:       "sync rate exceeded",
		}
	}

	delta, err := codec.DecodeDelta(req.CompressedDelta)
	if err != nil {
		a.log.Warn("rejecting undecodable delta", "device_id", req.DeviceID, "err", err)
		return a.errorResponse(fmt.Sprintf("decode delta: %v", err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	dev.lastSeen, a.lastSyncAt = now, now
	switch {
	case req.LocalVersion > dev.lastDelta:
		dev.prevSeen = maps.Clone(dev.seen)
		dev.prevSeenVersion = dev.seenVersion
		dev.prevItemsSeen = dev.itemsSeen
		a.applyLocked(req.DeviceID, dev, delta)
		dev.lastDelta = req.LocalVersion
	case req.LocalVersion == dev.lastDelta:
		// retry of the last exchange; its response may never have arrived
		dev.seen = maps.Clone(dev.prevSeen)
		dev.seenVersion = dev.prevSeenVersion
		dev.itemsSeen = dev.prevItemsSeen
		a.log.Debug("delta already applied", "device_id", req.DeviceID, "version", req.LocalVersion)
	default:
		a.log.Debug("stale delta ignored", "device_id", req.DeviceID,
			"version", req.LocalVersion, "applied", dev.lastDelta)
	}
	return a.respondLocked(req.DeviceID, dev)
}

func (a *Aggregator) errorResponse(msg string) *wire.SyncResponse {
	return &wire.SyncResponse{ServerVersion: a.version(), Status: wire.StatusError, Message: msg}
}

func (a *Aggregator) deviceLocked(id string) *device {
	dev, ok := a.devices[id]
	if ok {
		return dev
	}
	limit := rate.Inf
	if a.cfg.RequestsPerMin > 0 {
		limit = rate.Limit(a.cfg.RequestsPerMin / 60)
	}
	burst := a.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	dev = &device{
		contribs: map[string]Contribution{},
		sigs:     map[string]string{},
		limiter:  rate.NewLimiter(limit, burst),
		seen:     map[string]patterns.GlobalPattern{},
	}
	a.devices[id] = dev
	a.metrics.Devices.Set(float64(len(a.devices)))
	return dev
}

// #endregion handle

// #region merge
// applyLocked replaces the device's contributions with the delta's values
// and republishes the global view.
func (a *Aggregator) applyLocked(deviceID string, dev *device, d codec.PatternDelta) {
	for _, p := range append(append([]patterns.ViewingPattern(nil), d.Created...), d.Updated...) {
		sig := p.Signature()
		if old, ok := dev.sigs[p.ID]; ok && old != sig {
			delete(dev.contribs, old)
		}
		dev.sigs[p.ID] = sig
		dev.contribs[sig] = Contribution{DeviceID: deviceID, Pattern: p, Round: a.round}
	}
	for _, id := range d.Deleted {
		if sig, ok := dev.sigs[id]; ok {
			delete(dev.contribs, sig)
			delete(dev.sigs, id)
		}
	}
	a.log.Debug("delta applied", "device_id", deviceID, "version", d.Version,
		"created", len(d.Created), "updated", len(d.Updated), "deleted", len(d.Deleted))
	a.recomputeLocked()
}

// recomputeLocked rebuilds the global view from every device's
// contributions and bumps the round when it changed.
func (a *Aggregator) recomputeLocked() {
	ids := make([]string, 0, len(a.devices))
	for id := range a.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bySig := map[string][]Contribution{}
	for _, id := range ids {
		for sig, c := range a.devices[id].contribs {
			if c.Pattern.SuccessRate < a.cfg.MinQuality {
				continue
			}
			bySig[sig] = append(bySig[sig], c)
		}
	}

	next := make(map[string]patterns.GlobalPattern, len(bySig))
	for sig, cs := range bySig {
		if len(cs) < a.cfg.MinContributors {
			continue
		}
		next[sig] = a.cfg.Strategy.Merge(sig, cs, a.round+1)
	}
	next = capView(next, a.cfg.MaxPatterns)

	if maps.Equal(next, a.global) {
		return
	}
	a.round++
	a.global = next
	a.metrics.Patterns.Set(float64(len(next)))
	a.metrics.GlobalVersion.Set(float64(a.round))
	a.log.Info("global view published", "version", a.round, "patterns", len(next),
		"strategy", a.cfg.Strategy.Name())
}

// capView keeps the limit best-supported patterns.
func capView(view map[string]patterns.GlobalPattern, limit int) map[string]patterns.GlobalPattern {
	if limit <= 0 || len(view) <= limit {
		return view
	}
	all := make([]patterns.GlobalPattern, 0, len(view))
	for _, g := range view {
		all = append(all, g)
	}
	sortBySupport(all)
	out := make(map[string]patterns.GlobalPattern, limit)
	for _, g := range all[:limit] {
		out[g.Signature] = g
	}
	return out
}

func sortBySupport(gs []patterns.GlobalPattern) {
	sort.Slice(gs, func(i, j int) bool {
		a, b := gs[i], gs[j]
		if a.ContributorCount != b.ContributorCount {
			return a.ContributorCount > b.ContributorCount
		}
		qa := a.SuccessRate * math.Log1p(float64(a.TotalUses))
		qb := b.SuccessRate * math.Log1p(float64(b.TotalUses))
		if qa != qb {
			return qa > qb
		}
		return a.Signature < b.Signature
	})
}

// #endregion merge

// #region respond
// respondLocked sends the device the changes between what it was last sent
// and the current view, trimmed to the pull budget.
func (a *Aggregator) respondLocked(deviceID string, dev *device) *wire.SyncResponse {
	delta := codec.DiffGlobal(dev.seen, a.global, a.round)
	if !delta.Empty() && dev.seenVersion == a.round {
		// the device already holds this version partially; the rest must
		// arrive under a newer one or its gate treats it as a replay
		a.round++
		delta.Version = a.round
		a.metrics.GlobalVersion.Set(float64(a.round))
	}

	payload, sent, trimmed, err := a.encodeWithinBudget(delta)
	if err != nil {
		a.log.Error("encode global delta", "device_id", deviceID, "err", err)
		return &wire.SyncResponse{ServerVersion: a.round, Status: wire.StatusError, Message: "encode global delta"}
	}
	codec.ApplyGlobal(dev.seen, sent)
	dev.seenVersion = a.round

	resp := &wire.SyncResponse{
		CompressedPatterns: payload,
		ServerVersion:      a.round,
		NewContentRefs:     a.newItemsLocked(dev),
		Status:             wire.StatusSuccess,
	}
	if trimmed > 0 {
		resp.Status = wire.StatusPartial
		resp.Message = fmt.Sprintf("%d patterns deferred by pull budget", trimmed)
		a.metrics.Trimmed.Add(float64(trimmed))
	}
	return resp
}

// encodeWithinBudget halves the upserts, keeping the best supported, until
// the payload fits. Removals are always sent.
func (a *Aggregator) encodeWithinBudget(d codec.GlobalDelta) ([]byte, codec.GlobalDelta, int, error) {
	trimmed := 0
	for {
		payload, err := codec.EncodeGlobal(d)
		if err != nil {
			return nil, d, trimmed, err
		}
		if a.cfg.PullBudgetBytes <= 0 || len(payload) <= a.cfg.PullBudgetBytes || len(d.Upserted) == 0 {
			return payload, d, trimmed, nil
		}
		keep := len(d.Upserted) / 2
		trimmed += len(d.Upserted) - keep
		ups := append([]patterns.GlobalPattern(nil), d.Upserted...)
		sortBySupport(ups)
		ups = ups[:keep]
		sort.Slice(ups, func(i, j int) bool { return ups[i].Signature < ups[j].Signature })
		d.Upserted = ups
	}
}

func (a *Aggregator) newItemsLocked(dev *device) []wire.ContentRef {
	if dev.itemsSeen >= len(a.items) {
		return nil
	}
	end := len(a.items)
	if a.cfg.MaxNewItems > 0 && end-dev.itemsSeen > a.cfg.MaxNewItems {
		end = dev.itemsSeen + a.cfg.MaxNewItems
	}
	out := append([]wire.ContentRef(nil), a.items[dev.itemsSeen:end]...)
	dev.itemsSeen = end
	return out
}

// #endregion respond

// #region catalog
// AddItems queues catalog entries for announcement to every device.
// Known IDs are skipped. Returns the number added.
func (a *Aggregator) AddItems(refs ...wire.ContentRef) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	added := 0
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		if _, ok := a.itemIDs[r.ID]; ok {
			continue
		}
		a.itemIDs[r.ID] = struct{}{}
		a.items = append(a.items, r)
		added++
	}
	return added
}

// #endregion catalog

// #region queries
func (a *Aggregator) version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.round
}

// GlobalView returns a copy of the published view and its version.
func (a *Aggregator) GlobalView() (map[string]patterns.GlobalPattern, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.global), a.round
}

// Stats returns a summary of the aggregator state.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ServerVersion: a.round,
		Patterns:      len(a.global),
		Devices:       len(a.devices),
		Items:         len(a.items),
		Strategy:      a.cfg.Strategy.Name(),
		LastSyncAt:    a.lastSyncAt,
	}
}

// retryAfterSeconds is the wait for one token at the configured rate.
func (a *Aggregator) retryAfterSeconds() int {
	if a.cfg.RequestsPerMin <= 0 {
		return 1
	}
	return int(math.Ceil(60 / a.cfg.RequestsPerMin))
}

// #endregion queries
