package patterns

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)

func recordN(s *Store, ctx, item string, n, successes int, reward float64, at time.Time) ViewingPattern {
	var p ViewingPattern
	for i := 0; i < n; i++ {
		p = s.Record(Outcome{
			ContextSummary: ctx,
			ItemID:         item,
			Success:        i < successes,
			Reward:         reward,
			At:             at.Add(time.Duration(i) * time.Second),
		})
	}
	return p
}

func TestRecordRunningMeans(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Record(Outcome{ContextSummary: "evening/weekend", ItemID: "m1", Success: true, Reward: 1, At: t0})
	s.Record(Outcome{ContextSummary: "evening/weekend", ItemID: "m1", Success: false, Reward: 0, At: t0.Add(time.Minute)})
	p := s.Record(Outcome{ContextSummary: "evening/weekend", ItemID: "m1", Success: true, Reward: 0.5, At: t0.Add(2 * time.Minute)})

	assert.Equal(t, uint64(3), p.TotalUses)
	assert.InDelta(t, 2.0/3.0, p.SuccessRate, 1e-12)
	assert.InDelta(t, 0.5, p.AverageReward, 1e-12)
	assert.Equal(t, t0.Add(2*time.Minute), p.LastUsedAt)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(3), s.Version())
}

func TestRecordClampsReward(t *testing.T) {
	s := NewStore(DefaultConfig())
	p := s.Record(Outcome{ContextSummary: "c", ItemID: "i", Reward: 7, At: t0})
	assert.Equal(t, 1.0, p.AverageReward)
}

func TestPatternIDDeterministic(t *testing.T) {
	a := NewStore(DefaultConfig()).Record(Outcome{ContextSummary: "Evening/Weekend", ItemID: "m1", At: t0})
	b := NewStore(DefaultConfig()).Record(Outcome{ContextSummary: "evening/weekend", ItemID: "m1", At: t0})
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, PatternID("evening/weekend/m1"), a.ID)
}

func TestLastUsedNeverMovesBackwards(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Record(Outcome{ContextSummary: "c", ItemID: "i", At: t0})
	p := s.Record(Outcome{ContextSummary: "c", ItemID: "i", At: t0.Add(-time.Hour)})
	assert.Equal(t, t0, p.LastUsedAt)
}

func TestRecordStoresUTC(t *testing.T) {
	s := NewStore(DefaultConfig())
	local := t0.In(time.FixedZone("CET", 3600))
	p := s.Record(Outcome{ContextSummary: "c", ItemID: "i", At: local})
	assert.Equal(t, time.UTC, p.LastUsedAt.Location())
	assert.Equal(t, t0, p.LastUsedAt)
}

func TestSelectForSyncFiltersAndOrders(t *testing.T) {
	s := NewStore(DefaultConfig())
	recordN(s, "c", "low", 10, 5, 0, t0)
	recordN(s, "c", "young", 5, 5, 1, t0)
	recordN(s, "c", "good-old", 10, 8, 1, t0)
	recordN(s, "c", "good-new", 10, 8, 1, t0.Add(time.Hour))
	recordN(s, "c", "best", 10, 10, 1, t0)

	got := s.SelectForSync(0.7, 10)
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ItemID
	}
	assert.Equal(t, []string{"best", "good-new", "good-old"}, ids)

	assert.Len(t, s.SelectForSync(0.7, 1), 1)
	assert.Empty(t, s.SelectForSync(0.7, 0))
}

func TestSelectForSyncThresholdBoundary(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.Restore([]ViewingPattern{
		{ID: "exact", SuccessRate: 0.7, TotalUses: 10},
		{ID: "under", SuccessRate: 0.69, TotalUses: 10},
	}, 1)
	got := s.SelectForSync(0.7, 10)
	require.Len(t, got, 1, "rate equal to threshold qualifies")
	assert.Equal(t, "exact", got[0].ID)
}

func TestEvictionRemovesLowestQuality(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 1000
	s := NewStore(cfg)
	recordN(s, "c", "strong", 20, 20, 1, t0)
	recordN(s, "c", "weak", 20, 2, 0, t0)
	recordN(s, "c", "rare", 1, 1, 1, t0)

	evicted := s.EvictIfOverCapacity(2)
	require.Len(t, evicted, 1)
	// weak: 0.1·ln 21 ≈ 0.30, rare: 1·ln 2 ≈ 0.69
	assert.Equal(t, PatternID(Signature("c", "weak")), evicted[0])
	assert.Equal(t, 2, s.Len())
	assert.Nil(t, s.EvictIfOverCapacity(2))
}

func TestRecordEvictsAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 5
	s := NewStore(cfg)
	for i := 0; i < 12; i++ {
		recordN(s, "c", fmt.Sprintf("item-%02d", i), 3, 3, 1, t0)
	}
	assert.Equal(t, 5, s.Len())
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore(DefaultConfig())
	p := s.Record(Outcome{ContextSummary: "c", ItemID: "i", At: t0})
	snap := s.Snapshot()
	delete(snap, p.ID)
	_, ok := s.Get(p.ID)
	assert.True(t, ok)
}

func TestRevisionJournal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 1
	s := NewStore(cfg)
	s.Record(Outcome{ContextSummary: "c", ItemID: "a", Success: true, At: t0})
	s.Record(Outcome{ContextSummary: "c", ItemID: "b", At: t0}) // b (quality 0) is evicted

	revs := s.Revisions(0)
	require.Len(t, revs, 3)
	assert.Equal(t, RevisionUpsert, revs[0].Kind)
	assert.Equal(t, RevisionEvict, revs[2].Kind)
	assert.Equal(t, uint64(3), revs[2].Seq)

	s.TrimRevisions(2)
	assert.Len(t, s.Revisions(0), 1)
	assert.Empty(t, s.Revisions(3))
}

func TestJournalBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRevisions = 4
	s := NewStore(cfg)
	for i := 0; i < 10; i++ {
		s.Record(Outcome{ContextSummary: "c", ItemID: "a", At: t0})
	}
	revs := s.Revisions(0)
	require.Len(t, revs, 4)
	assert.Equal(t, uint64(7), revs[0].Seq)
}

func TestReplaceGlobalRejectsRegression(t *testing.T) {
	s := NewStore(DefaultConfig())
	require.NoError(t, s.ReplaceGlobal(map[string]GlobalPattern{"x": {Signature: "x"}}, 5))
	err := s.ReplaceGlobal(map[string]GlobalPattern{}, 4)
	assert.ErrorIs(t, err, ErrVersionRegression)

	view, v := s.GlobalView()
	assert.Equal(t, uint64(5), v)
	assert.Contains(t, view, "x")
	require.NoError(t, s.ReplaceGlobal(nil, 5))
	assert.Equal(t, uint64(5), s.GlobalVersion())
}

func TestBlendedPrior(t *testing.T) {
	s := NewStore(DefaultConfig())
	sig := Signature("c", "m1")

	_, ok := s.Blended(sig)
	assert.False(t, ok)

	require.NoError(t, s.ReplaceGlobal(map[string]GlobalPattern{
		sig: {Signature: sig, SuccessRate: 0.9, ContributorCount: 10},
	}, 1))
	got, ok := s.Blended(sig)
	require.True(t, ok)
	assert.InDelta(t, 0.9, got, 1e-12)

	recordN(s, "c", "m1", 10, 0, 0, t0) // local rate 0
	got, _ = s.Blended(sig)
	assert.InDelta(t, 0.45, got, 1e-12)

	// Global data never overwrites local stats.
	p, _ := s.Get(PatternID(sig))
	assert.Equal(t, 0.0, p.SuccessRate)
}

func TestBlendedCapsContributors(t *testing.T) {
	s := NewStore(DefaultConfig())
	sig := Signature("c", "m1")
	require.NoError(t, s.ReplaceGlobal(map[string]GlobalPattern{
		sig: {Signature: sig, SuccessRate: 1, ContributorCount: 5000},
	}, 1))
	recordN(s, "c", "m1", 50, 0, 0, t0)
	got, _ := s.Blended(sig)
	assert.InDelta(t, 0.5, got, 1e-12)
}

func TestRestore(t *testing.T) {
	s := NewStore(DefaultConfig())
	p := ViewingPattern{ID: "id-1", ContextSummary: "c", ItemID: "i", TotalUses: 4, SuccessRate: 0.5}
	s.Restore([]ViewingPattern{p}, 42)
	assert.Equal(t, uint64(42), s.Version())
	got, ok := s.Get("id-1")
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestResumeJournalContinuesSequence(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.ResumeJournal(40)
	recordN(s, "c", "m1", 2, 2, 1, t0)
	revs := s.Revisions(0)
	require.Len(t, revs, 2)
	assert.Equal(t, uint64(41), revs[0].Seq)

	s.ResumeJournal(5) // never moves backwards
	recordN(s, "c", "m1", 1, 1, 1, t0)
	assert.Equal(t, uint64(43), s.Revisions(42)[0].Seq)
}
