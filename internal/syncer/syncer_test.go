package syncer

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/codec"
	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/gate"
	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
	"github.com/danielpatrickdp/edgesync/go-node/internal/state"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

var at = time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)

// #region fake-aggregator
// fakeAggregator folds every pushed delta into a single-node global view.
type fakeAggregator struct {
	mu       sync.Mutex
	calls    int
	errs     []error       // returned before any success, in order
	statuses []wire.Status // scripted non-success statuses
	version  uint64
	global   map[string]patterns.GlobalPattern
	sent     map[string]patterns.GlobalPattern // view last sent to the node
	sigs     map[string]string                 // pattern ID -> signature
	deltas   []codec.PatternDelta
	refs     []wire.ContentRef
	payload  []byte // overrides the encoded global delta when set
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{
		global: map[string]patterns.GlobalPattern{},
		sent:   map[string]patterns.GlobalPattern{},
		sigs:   map[string]string{},
	}
}

func (f *fakeAggregator) Exchange(_ context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.statuses) > 0 {
		st := f.statuses[0]
		f.statuses = f.statuses[1:]
		return &wire.SyncResponse{ServerVersion: f.version, Status: st, Message: "scripted"}, nil
	}

	d, err := codec.DecodeDelta(req.CompressedDelta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}
	f.deltas = append(f.deltas, d)

	before := maps.Clone(f.global)
	for _, p := range append(append([]patterns.ViewingPattern(nil), d.Created...), d.Updated...) {
		f.sigs[p.ID] = p.Signature()
		f.global[p.Signature()] = patterns.GlobalPattern{
			Signature:        p.Signature(),
			SuccessRate:      p.SuccessRate,
			AverageReward:    p.AverageReward,
			ContributorCount: 1,
			TotalUses:        p.TotalUses,
		}
	}
	for _, id := range d.Deleted {
		delete(f.global, f.sigs[id])
	}
	if !maps.Equal(before, f.global) {
		f.version++
	}

	payload := f.payload
	if payload == nil {
		payload, err = codec.EncodeGlobal(codec.DiffGlobal(f.sent, f.global, f.version))
		if err != nil {
			return nil, err
		}
	}
	f.sent = maps.Clone(f.global)
	return &wire.SyncResponse{
		CompressedPatterns: payload,
		ServerVersion:      f.version,
		NewContentRefs:     f.refs,
		Status:             wire.StatusSuccess,
	}, nil
}

func (f *fakeAggregator) Close() error { return nil }

func (f *fakeAggregator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// #endregion fake-aggregator

// #region helpers
func seededStore(t *testing.T, n int) *patterns.Store {
	t.Helper()
	s := patterns.NewStore(patterns.DefaultConfig())
	for i := 0; i < n; i++ {
		for k := 0; k < 12; k++ {
			s.Record(patterns.Outcome{
				ContextSummary: "evening/weekday",
				ItemID:         fmt.Sprintf("m%02d", i),
				Success:        true,
				Reward:         0.8,
				At:             at.Add(time.Duration(i*12+k) * time.Second),
			})
		}
	}
	return s
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func newClient(store *patterns.Store, tr transport.Transport, opts ...Option) (*Client, *sleepRecorder) {
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return New(DefaultConfig("dev-1"), store, tr, opts...), rec
}

// #endregion helpers

// #region retry-tests
func TestRetryDelaySchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, p.Delays())
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestRetryExhaustedAfterThirdAttempt(t *testing.T) {
	agg := newFakeAggregator()
	agg.errs = []error{transport.ErrNetwork, transport.ErrTimeout, transport.ErrNetwork}
	c, rec := newClient(seededStore(t, 3), agg)

	res, err := c.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, transport.ErrNetwork)
	assert.Equal(t, 3, agg.callCount())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, StateIdle, c.State())

	// nothing was acknowledged, so the same patterns go out again
	res, err = c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.PatternsSent)
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	agg := newFakeAggregator()
	agg.errs = []error{transport.ErrNetwork}
	c, rec := newClient(seededStore(t, 2), agg)

	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	agg := newFakeAggregator()
	agg.errs = []error{fmt.Errorf("sync http 400: %w", transport.ErrRejected)}
	c, rec := newClient(seededStore(t, 2), agg)

	_, err := c.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, agg.callCount())
	assert.Empty(t, rec.delays)
}

func TestRateLimitedStatusRetried(t *testing.T) {
	agg := newFakeAggregator()
	agg.statuses = []wire.Status{wire.StatusRateLimited}
	c, _ := newClient(seededStore(t, 2), agg)

	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, gate.ActionCommit, res.Decision)
}

func TestCancelDuringBackoffStops(t *testing.T) {
	agg := newFakeAggregator()
	agg.errs = []error{transport.ErrNetwork, transport.ErrNetwork, transport.ErrNetwork}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(DefaultConfig("dev-1"), seededStore(t, 1), agg, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Sync(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, agg.callCount())
}

// #endregion retry-tests

// #region sync-tests
func TestSyncPushesDeltaAndMergesGlobal(t *testing.T) {
	agg := newFakeAggregator()
	agg.refs = []wire.ContentRef{{ID: "new-1", Title: "Arrival"}}
	store := seededStore(t, 4)
	items := catalog.NewMemory()
	c, _ := newClient(store, agg, WithCatalog(items))

	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, gate.ActionCommit, res.Decision)
	assert.Equal(t, uint64(1), res.DeltaVersion)
	assert.Equal(t, uint64(1), res.ServerVersion)
	assert.Equal(t, 4, res.PatternsSent)
	assert.Equal(t, 4, res.Upserted)
	assert.Equal(t, 1, res.NewItems)
	assert.Len(t, agg.deltas[0].Created, 4)

	view, version := store.GlobalView()
	assert.Equal(t, uint64(1), version)
	assert.Len(t, view, 4)
	_, ok := items.Lookup(context.Background(), "new-1")
	assert.True(t, ok)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.LastSyncAt().IsZero())
}

func TestSecondSyncWithoutChangesIsNoOp(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 3)
	c, _ := newClient(store, agg)

	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gate.ActionNoOp, res.Decision)
	assert.Equal(t, 0, res.PatternsSent)
	assert.Equal(t, uint64(2), res.DeltaVersion)
	assert.Equal(t, uint64(1), store.GlobalVersion())
}

func TestSyncSendsOnlyChanges(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 3)
	c, _ := newClient(store, agg)
	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	store.Record(patterns.Outcome{ContextSummary: "evening/weekday", ItemID: "m01", Success: true, Reward: 1, At: at.Add(time.Hour)})
	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternsSent)
	require.Len(t, agg.deltas, 2)
	assert.Len(t, agg.deltas[1].Updated, 1)
	assert.Equal(t, "m01", agg.deltas[1].Updated[0].ItemID)
}

func TestSyncDeletesPatternsThatDropOut(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 2)
	c, _ := newClient(store, agg)
	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	// enough failures to pull m00 below the threshold
	for i := 0; i < 10; i++ {
		store.Record(patterns.Outcome{ContextSummary: "evening/weekday", ItemID: "m00", Reward: -1, At: at.Add(time.Hour)})
	}
	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Len(t, agg.deltas[1].Deleted, 1)
	assert.Equal(t, 1, res.Removed)
	view, _ := store.GlobalView()
	assert.Len(t, view, 1)
}

func TestPushBudgetTrimsLowestQuality(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 10)
	cfg := DefaultConfig("dev-1")
	cfg.PushBudgetBytes = 150
	c := New(cfg, store, agg)

	res, err := c.Sync(context.Background())

	require.NoError(t, err)
	assert.Greater(t, res.Trimmed, 0)
	assert.LessOrEqual(t, res.BytesSent, 150)
	assert.Equal(t, 10, res.PatternsSent+res.Trimmed)

	// trimmed changes stay pending
	c.cfg.PushBudgetBytes = 4096
	res2, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Trimmed, res2.PatternsSent)
	assert.Equal(t, 0, res2.Trimmed)
}

func TestSyncInProgressIsSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingTransport{started: started, release: release}
	c := New(DefaultConfig("dev-1"), seededStore(t, 1), blocking)

	done := make(chan error, 1)
	go func() {
		_, err := c.Sync(context.Background())
		done <- err
	}()
	<-started

	_, err := c.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, StateSyncing, c.State())

	close(release)
	require.NoError(t, <-done)
}

type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Exchange(ctx context.Context, _ *wire.SyncRequest) (*wire.SyncResponse, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	payload, err := codec.EncodeGlobal(codec.GlobalDelta{})
	if err != nil {
		return nil, err
	}
	return &wire.SyncResponse{CompressedPatterns: payload, Status: wire.StatusSuccess}, nil
}

func (b *blockingTransport) Close() error { return nil }

// #endregion sync-tests

// #region reject-tests
func TestErrorStatusRejectedWithoutApplying(t *testing.T) {
	agg := newFakeAggregator()
	agg.statuses = []wire.Status{wire.StatusError}
	store := seededStore(t, 2)
	c, rec := newClient(store, agg)

	res, err := c.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseRejected)
	assert.Equal(t, gate.ActionReject, res.Decision)
	assert.Equal(t, uint64(0), store.GlobalVersion())
	assert.Empty(t, rec.delays)
	assert.Empty(t, c.Checkpoint().Acked)
}

func TestMalformedGlobalPayloadRejected(t *testing.T) {
	agg := newFakeAggregator()
	agg.payload = []byte("definitely not zstd")
	store := seededStore(t, 2)
	c, _ := newClient(store, agg)

	_, err := c.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseRejected)
	assert.ErrorIs(t, err, codec.ErrDecode)
	assert.Equal(t, uint64(0), store.GlobalVersion())
}

func TestEvalFailureLeavesViewUntouched(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 2)
	payload, err := codec.EncodeGlobal(codec.GlobalDelta{Version: 1, Upserted: []patterns.GlobalPattern{
		{Signature: "evening/weekday/m00", SuccessRate: 0.9, ContributorCount: 0, TotalUses: 5},
	}})
	require.NoError(t, err)
	agg.payload = payload
	c, _ := newClient(store, agg)

	_, err = c.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseRejected)
	view, _ := store.GlobalView()
	assert.Empty(t, view)
}

// #endregion reject-tests

// #region bookkeeping-tests
func TestShouldSync(t *testing.T) {
	now := at
	c := New(DefaultConfig("dev-1"), seededStore(t, 1), newFakeAggregator(), WithClock(func() time.Time { return now }))

	assert.True(t, c.ShouldSync(now), "never synced")
	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	assert.False(t, c.ShouldSync(now.Add(5*time.Minute)))
	assert.True(t, c.ShouldSync(now.Add(10*time.Minute)))
}

func TestShouldSyncCountsFailedAttempts(t *testing.T) {
	now := at
	agg := newFakeAggregator()
	agg.errs = []error{transport.ErrRejected}
	c := New(DefaultConfig("dev-1"), seededStore(t, 1), agg, WithClock(func() time.Time { return now }))

	_, err := c.Sync(context.Background())
	require.Error(t, err)
	assert.False(t, c.ShouldSync(now.Add(time.Minute)))
}

func TestCheckpointResume(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 3)
	c, _ := newClient(store, agg)
	_, err := c.Sync(context.Background())
	require.NoError(t, err)

	cp := c.Checkpoint()
	assert.Len(t, cp.Acked, 3)
	assert.Equal(t, uint64(1), cp.DeltaVersion)

	restarted, _ := newClient(store, agg)
	restarted.Resume(cp)
	res, err := restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.PatternsSent)
	assert.Equal(t, uint64(2), res.DeltaVersion)
}

func TestVersionReservedBeforeSend(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 2)
	var reserved []uint64
	var callsAtReserve []int
	c, _ := newClient(store, agg, WithVersionReserve(func(_ context.Context, v uint64) error {
		reserved = append(reserved, v)
		callsAtReserve = append(callsAtReserve, agg.callCount())
		return nil
	}))

	_, err := c.Sync(context.Background())
	require.NoError(t, err)
	_, err = c.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, reserved)
	assert.Equal(t, []int{0, 1}, callsAtReserve)
}

func TestVersionReserveFailureAbortsSync(t *testing.T) {
	agg := newFakeAggregator()
	store := seededStore(t, 2)
	boom := fmt.Errorf("disk full")
	c, _ := newClient(store, agg, WithVersionReserve(func(context.Context, uint64) error { return boom }))

	res, err := c.Sync(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, agg.callCount())
	assert.Equal(t, uint64(1), res.DeltaVersion)
	assert.Empty(t, c.Checkpoint().Acked)
}

func TestMetricsAndSyncLog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	st, err := state.NewStore(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agg := newFakeAggregator()
	var committed []Result
	c, _ := newClient(seededStore(t, 2), agg,
		WithMetrics(m),
		WithSyncLog(st.DB()),
		WithOnCommit(func(_ context.Context, r Result) { committed = append(committed, r) }),
	)

	_, err = c.Sync(context.Background())
	require.NoError(t, err)
	agg.errs = []error{transport.ErrRejected}
	_, err = c.Sync(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("commit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GlobalVersion))
	assert.Greater(t, testutil.ToFloat64(m.Bytes.WithLabelValues("push")), 0.0)
	assert.Len(t, committed, 1)

	entries, err := st.ListSyncLog(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[0].Decision)
	assert.Equal(t, "commit", entries[1].Decision)
	assert.Contains(t, entries[1].GateJSON, `"eval_passed":true`)
}

func TestRunSyncsOnTrigger(t *testing.T) {
	agg := newFakeAggregator()
	c, _ := newClient(seededStore(t, 1), agg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Trigger()
	require.Eventually(t, func() bool { return agg.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConfigFromNode(t *testing.T) {
	node := config.Default()
	node.DeviceID = "dev-x"
	node.SyncIntervalSeconds = 900
	node.RetryAttempts = 5
	cfg := ConfigFrom(node)
	assert.Equal(t, "dev-x", cfg.DeviceID)
	assert.Equal(t, 15*time.Minute, cfg.Interval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

// #endregion bookkeeping-tests
