package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/danielpatrickdp/edgesync/go-node/internal/codec"
	"github.com/danielpatrickdp/edgesync/go-node/internal/eval"
	"github.com/danielpatrickdp/edgesync/go-node/internal/gate"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region deps
// ItemSink absorbs catalog entries announced by the aggregator.
type ItemSink interface {
	Put(refs ...wire.ContentRef) int
}

// Checkpoint is the sync bookkeeping that must survive a restart.
type Checkpoint struct {
	Acked        []patterns.ViewingPattern
	DeltaVersion uint64
	LastSyncAt   time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = logging.OrDiscard(l) } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithSleep overrides the backoff wait. Used in tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithSyncLog records every run in the sync_log table of db.
func WithSyncLog(db *sql.DB) Option { return func(c *Client) { c.syncLog = db } }

// WithCatalog forwards newly announced items to sink.
func WithCatalog(sink ItemSink) Option { return func(c *Client) { c.items = sink } }

// WithGate overrides the response gate.
func WithGate(g *gate.Gate) Option { return func(c *Client) { c.gate = g } }

// WithEval overrides the post-merge eval.
func WithEval(h *eval.EvalHarness) Option { return func(c *Client) { c.eval = h } }

// WithOnCommit registers a hook run after a committed or no-op sync, e.g.
// to persist state.
func WithOnCommit(fn func(context.Context, Result)) Option {
	return func(c *Client) { c.onCommit = fn }
}

// WithVersionReserve registers fn to make each new delta version durable
// before the request is sent. A failing fn aborts the sync.
func WithVersionReserve(fn func(context.Context, uint64) error) Option {
	return func(c *Client) { c.reserve = fn }
}

// #endregion deps

// #region client
// Client pushes local pattern deltas and merges the aggregator's global view.
// At most one sync runs at a time; the serving path never waits on it.
type Client struct {
	cfg   Config
	store *patterns.Store
	tr    transport.Transport

	gate     *gate.Gate
	eval     *eval.EvalHarness
	items    ItemSink
	syncLog  *sql.DB
	onCommit func(context.Context, Result)
	reserve  func(context.Context, uint64) error
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	sem     *semaphore.Weighted
	state   atomic.Int32
	trigger chan struct{}

	mu            sync.Mutex
	acked         codec.Snapshot // values last acknowledged by the aggregator
	deltaVersion  uint64         // last delta version built
	lastSyncAt    time.Time
	lastAttemptAt time.Time
}

// New creates a sync client over store and tr.
func New(cfg Config, store *patterns.Store, tr transport.Transport, opts ...Option) *Client {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	gcfg := gate.DefaultGateConfig()
	gcfg.PullBudgetBytes = cfg.PullBudgetBytes

	c := &Client{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		gate:    gate.NewGate(gcfg),
		eval:    eval.NewEvalHarness(eval.DefaultEvalConfig()),
		metrics: NewMetrics(nil),
		log:     logging.Discard(),
		now:     time.Now,
		sleep:   sleepCtx,
		sem:     semaphore.NewWeighted(1),
		trigger: make(chan struct{}, 1),
		acked:   codec.Snapshot{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.State.Set(float64(s))
}

// ShouldSync reports whether the interval has elapsed since the last sync
// or attempt, whichever is later.
func (c *Client) ShouldSync(now time.Time) bool {
	c.mu.Lock()
	last := c.lastSyncAt
	if c.lastAttemptAt.After(last) {
		last = c.lastAttemptAt
	}
	c.mu.Unlock()
	return last.IsZero() || now.Sub(last) >= c.cfg.Interval
}

// LastSyncAt returns the time of the last successful sync.
func (c *Client) LastSyncAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncAt
}

// Checkpoint returns the bookkeeping to persist.
func (c *Client) Checkpoint() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	acked := make([]patterns.ViewingPattern, 0, len(c.acked))
	for _, p := range c.acked {
		acked = append(acked, p)
	}
	sort.Slice(acked, func(i, j int) bool { return acked[i].ID < acked[j].ID })
	return Checkpoint{Acked: acked, DeltaVersion: c.deltaVersion, LastSyncAt: c.lastSyncAt}
}

// Resume restores bookkeeping saved by Checkpoint.
func (c *Client) Resume(cp Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = make(codec.Snapshot, len(cp.Acked))
	for _, p := range cp.Acked {
		c.acked[p.ID] = p
	}
	c.deltaVersion = cp.DeltaVersion
	c.lastSyncAt = cp.LastSyncAt
}

// #endregion client

// #region sync
// Sync runs one push/pull exchange. It returns ErrSyncInProgress without
// waiting when another sync holds the slot.
func (c *Client) Sync(ctx context.Context) (Result, error) {
	if !c.sem.TryAcquire(1) {
		c.metrics.Attempts.WithLabelValues("skipped").Inc()
		return Result{}, ErrSyncInProgress
	}
	defer c.sem.Release(1)

	ctx, span := tracer.Start(ctx, "syncer.Sync", trace.WithAttributes(
		attribute.String("edgesync.device_id", c.cfg.DeviceID),
	))
	defer span.End()

	start := c.now()
	c.setState(StateSyncing)

	c.mu.Lock()
	c.lastAttemptAt = start
	c.deltaVersion++
	version := c.deltaVersion
	base := maps.Clone(c.acked)
	c.mu.Unlock()

	var res Result
	var err error
	if c.reserve != nil {
		if err = c.reserve(ctx, version); err != nil {
			err = fmt.Errorf("reserve delta version %d: %w", version, err)
		}
	}
	if err == nil {
		res, err = c.run(ctx, base, version)
	}
	res.DeltaVersion = version
	res.Duration = c.now().Sub(start)

	span.SetAttributes(
		attribute.Int64("edgesync.delta_version", int64(version)),
		attribute.Int64("edgesync.server_version", int64(res.ServerVersion)),
		attribute.Int("edgesync.attempts", res.Attempts),
		attribute.Int("edgesync.patterns_sent", res.PatternsSent),
	)
	c.finish(ctx, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Client) run(ctx context.Context, base codec.Snapshot, version uint64) (Result, error) {
	var res Result

	selected := make(codec.Snapshot)
	for _, p := range c.store.SelectForSync(c.cfg.QualityThreshold, c.cfg.MaxPatternsPerSync) {
		selected[p.ID] = p
	}
	delta := codec.ComputeDiff(base, selected, version)

	payload, sent, trimmed, err := c.encodeWithinBudget(delta)
	if err != nil {
		return res, fmt.Errorf("encode delta: %w", err)
	}
	res.PatternsSent = sent.Len()
	res.Trimmed = trimmed
	res.BytesSent = len(payload)

	req := &wire.SyncRequest{
		ProtocolVersion: wire.ProtocolVersion,
		DeviceID:        c.cfg.DeviceID,
		CompressedDelta: payload,
		LocalVersion:    version,
		TimestampUnixMs: uint64(c.now().UnixMilli()),
	}

	resp, attempts, err := c.exchange(ctx, req)
	res.Attempts = attempts
	if err != nil {
		return res, err
	}
	res.ServerVersion = resp.ServerVersion
	res.Status = resp.Status
	res.BytesReceived = len(resp.CompressedPatterns)

	rec, err := c.merge(resp, &res)
	c.logSync(res, rec)
	if err != nil {
		return res, err
	}

	if c.items != nil && len(resp.NewContentRefs) > 0 {
		res.NewItems = c.items.Put(resp.NewContentRefs...)
	}

	c.mu.Lock()
	codec.ApplyDiff(base, sent)
	c.acked = base
	c.lastSyncAt = c.now()
	c.mu.Unlock()
	return res, nil
}

// encodeWithinBudget encodes d, dropping the lowest-quality half of the
// creates and updates until the payload fits the push budget. Dropped
// changes stay pending for a later sync.
func (c *Client) encodeWithinBudget(d codec.PatternDelta) ([]byte, codec.PatternDelta, int, error) {
	trimmed := 0
	for {
		payload, err := codec.EncodeDelta(d)
		if err != nil {
			return nil, d, trimmed, err
		}
		changes := len(d.Created) + len(d.Updated)
		if c.cfg.PushBudgetBytes <= 0 || len(payload) <= c.cfg.PushBudgetBytes || changes == 0 {
			return payload, d, trimmed, nil
		}
		drop := changes / 2
		if drop == 0 {
			drop = 1
		}
		d = dropLowest(d, drop)
		trimmed += drop
	}
}

func dropLowest(d codec.PatternDelta, n int) codec.PatternDelta {
	type entry struct {
		p       patterns.ViewingPattern
		created bool
	}
	all := make([]entry, 0, len(d.Created)+len(d.Updated))
	for _, p := range d.Created {
		all = append(all, entry{p, true})
	}
	for _, p := range d.Updated {
		all = append(all, entry{p, false})
	}
	sort.SliceStable(all, func(i, j int) bool {
		qi, qj := all[i].p.Quality(), all[j].p.Quality()
		if qi != qj {
			return qi > qj
		}
		return all[i].p.ID < all[j].p.ID
	})
	all = all[:len(all)-n]

	out := codec.PatternDelta{Version: d.Version, Deleted: d.Deleted}
	for _, e := range all {
		if e.created {
			out.Created = append(out.Created, e.p)
		} else {
			out.Updated = append(out.Updated, e.p)
		}
	}
	sort.Slice(out.Created, func(i, j int) bool { return out.Created[i].ID < out.Created[j].ID })
	sort.Slice(out.Updated, func(i, j int) bool { return out.Updated[i].ID < out.Updated[j].ID })
	return out
}

// exchange sends req, retrying transient failures per the retry policy.
func (c *Client) exchange(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, int, error) {
	policy := c.cfg.Retry
	for attempt := 1; ; attempt++ {
		resp, err := c.tr.Exchange(ctx, req)
		if err == nil && resp.Status == wire.StatusRateLimited {
			err = fmt.Errorf("aggregator: %s: %w", resp.Message, transport.ErrRateLimited)
		}
		if err == nil {
			return resp, attempt, nil
		}
		if !transport.IsTransient(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		if attempt >= policy.attempts() {
			return nil, attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		c.setState(StateRetrying)
		c.metrics.Retries.Inc()
		delay := policy.Delay(attempt)
		c.log.Warn("sync attempt failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, fmt.Errorf("sync backoff: %w", err)
		}
		c.setState(StateSyncing)
	}
}

// merge gates, decodes, applies and evaluates the global delta, then swaps
// the new view in. Nothing is applied unless every step passes.
func (c *Client) merge(resp *wire.SyncResponse, res *Result) (logging.GateRecord, error) {
	current, applied := c.store.GlobalView()
	rec := logging.GateRecord{
		ServerStatus:  resp.Status.String(),
		ServerVersion: resp.ServerVersion,
		AppliedBefore: applied,
		PayloadBytes:  len(resp.CompressedPatterns),
	}

	dec := c.gate.CheckResponse(resp, applied)
	rec.GateAction, rec.GateVetoed, rec.GateReason = string(dec.Action), dec.Vetoed, dec.Reason
	rec.VetoTypes = vetoTypes(dec)
	res.Decision, res.Reason = dec.Action, dec.Reason
	switch dec.Action {
	case gate.ActionReject:
		return rec, fmt.Errorf("%w: %s", ErrResponseRejected, dec.Reason)
	case gate.ActionNoOp:
		rec.EvalPassed = true
		return rec, nil
	}

	delta, err := codec.DecodeGlobal(resp.CompressedPatterns)
	if err != nil {
		res.Decision, res.Reason = gate.ActionReject, err.Error()
		rec.GateAction, rec.GateReason = string(gate.ActionReject), err.Error()
		return rec, fmt.Errorf("%w: %w", ErrResponseRejected, err)
	}
	rec.Upserted, rec.Removed = len(delta.Upserted), len(delta.Removed)

	dec = c.gate.CheckDelta(delta, resp.ServerVersion)
	rec.GateAction, rec.GateVetoed, rec.GateReason = string(dec.Action), dec.Vetoed, dec.Reason
	rec.GateSoftScore = dec.SoftScore
	rec.VetoTypes = vetoTypes(dec)
	res.Decision, res.Reason = dec.Action, dec.Reason
	if dec.Vetoed {
		return rec, fmt.Errorf("%w: %s", ErrResponseRejected, dec.Reason)
	}

	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]patterns.GlobalPattern)
	}
	codec.ApplyGlobal(merged, delta)

	result := c.eval.Run(merged)
	rec.EvalPassed, rec.EvalReason = result.Passed, result.Reason
	if !result.Passed {
		res.Decision, res.Reason = gate.ActionReject, result.Reason
		return rec, fmt.Errorf("%w: %s", ErrResponseRejected, result.Reason)
	}

	if err := c.store.ReplaceGlobal(merged, resp.ServerVersion); err != nil {
		res.Decision, res.Reason = gate.ActionReject, err.Error()
		return rec, fmt.Errorf("%w: %w", ErrResponseRejected, err)
	}
	res.Upserted, res.Removed = len(delta.Upserted), len(delta.Removed)
	c.metrics.GlobalVersion.Set(float64(resp.ServerVersion))
	return rec, nil
}

func vetoTypes(d gate.GateDecision) []string {
	if len(d.VetoSignals) == 0 {
		return nil
	}
	out := make([]string, len(d.VetoSignals))
	for i, v := range d.VetoSignals {
		out[i] = string(v.Type)
	}
	return out
}

// #endregion sync

// #region bookkeeping
func (c *Client) finish(ctx context.Context, res Result, err error) {
	c.metrics.Duration.Observe(res.Duration.Seconds())
	c.metrics.Bytes.WithLabelValues("push").Add(float64(res.BytesSent))
	c.metrics.Bytes.WithLabelValues("pull").Add(float64(res.BytesReceived))

	if err != nil {
		result := "failed"
		switch {
		case errors.Is(err, ErrResponseRejected):
			result = "rejected"
		case errors.Is(err, ErrRetryExhausted):
			result = "exhausted"
		}
		c.metrics.Attempts.WithLabelValues(result).Inc()
		c.setState(StateFailed)
		c.log.Error("sync failed",
			"delta_version", res.DeltaVersion,
			"attempts", res.Attempts,
			"duration", res.Duration,
			"err", err,
		)
		if !errors.Is(err, ErrResponseRejected) {
			// rejected responses were already logged with their gate record
			c.logSync(withFailure(res, err), logging.GateRecord{})
		}
		c.setState(StateIdle)
		return
	}

	c.metrics.Attempts.WithLabelValues(string(res.Decision)).Inc()
	c.setState(StateSuccess)
	c.log.Info("sync complete",
		"decision", res.Decision,
		"delta_version", res.DeltaVersion,
		"server_version", res.ServerVersion,
		"patterns_sent", res.PatternsSent,
		"trimmed", res.Trimmed,
		"upserted", res.Upserted,
		"removed", res.Removed,
		"bytes_sent", res.BytesSent,
		"bytes_received", res.BytesReceived,
		"attempts", res.Attempts,
		"duration", res.Duration,
	)
	if c.onCommit != nil {
		c.onCommit(ctx, res)
	}
	c.setState(StateIdle)
}

func withFailure(res Result, err error) Result {
	res.Decision = "failed"
	res.Reason = err.Error()
	return res
}

func (c *Client) logSync(res Result, rec logging.GateRecord) {
	if c.syncLog == nil {
		return
	}
	var gateJSON string
	if rec.GateAction != "" {
		if raw, err := json.Marshal(rec); err == nil {
			gateJSON = string(raw)
		}
	}
	err := logging.LogSync(c.syncLog, logging.SyncEntry{
		DeviceID:      c.cfg.DeviceID,
		LocalVersion:  res.DeltaVersion,
		ServerVersion: res.ServerVersion,
		Decision:      string(res.Decision),
		Reason:        res.Reason,
		Attempts:      res.Attempts,
		BytesSent:     res.BytesSent,
		BytesReceived: res.BytesReceived,
		PatternsSent:  res.PatternsSent,
		DurationMs:    c.now().Sub(c.lastAttempt()).Milliseconds(),
		GateJSON:      gateJSON,
		CreatedAt:     c.now().UTC(),
	})
	if err != nil {
		c.log.Warn("sync log write failed", "err", err)
	}
}

func (c *Client) lastAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttemptAt
}

// #endregion bookkeeping

// #region scheduler
// Trigger requests a sync on the next scheduler pass. Extra triggers while
// one is pending are dropped.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic syncs until ctx is cancelled. The interval is checked
// every min(interval/4, 30s).
func (c *Client) Run(ctx context.Context) error {
	check := c.cfg.Interval / 4
	if check <= 0 || check > 30*time.Second {
		check = 30 * time.Second
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	c.log.Info("sync scheduler started", "interval", c.cfg.Interval, "check_every", check)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync scheduler stopped")
			return nil
		case <-ticker.C:
			if !c.ShouldSync(c.now()) {
				continue
			}
		case <-c.trigger:
		}
		if _, err := c.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
			c.log.Debug("scheduled sync failed", "err", err)
		}
	}
}

// #endregion scheduler
