package bandit

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(vals ...float64) []float64 { return vals }

func TestFreshStateScoreIsPureExploration(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ctx, item := vec(1, 0), vec(0, 1)

	est := e.Estimate("u1", ctx, item)
	assert.False(t, est.Fallback)
	assert.InDelta(t, 0, est.Mean, 1e-12)
	// A = I so the bonus is α‖x‖.
	assert.InDelta(t, 0.7*math.Sqrt2, est.Bonus, 1e-12)
	assert.Equal(t, 1, e.Stats().Users)
}

func TestPositiveRewardRaisesMeanAndShrinksBonus(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ctx, item := vec(0.6, 0.8), vec(1, 0, 0)

	before := e.Estimate("u1", ctx, item)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Update("u1", ctx, item, 1))
	}
	after := e.Estimate("u1", ctx, item)

	assert.Greater(t, after.Mean, before.Mean)
	assert.Less(t, after.Bonus, before.Bonus)
	assert.Greater(t, after.Mean, 0.9)
}

func TestNegativeRewardRanksItemBelowUnseen(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ctx := vec(1, 0)
	bad := Candidate{ID: "bad", Vec: vec(1, 0)}
	other := Candidate{ID: "other", Vec: vec(0, 1)}
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Update("u1", ctx, bad.Vec, -1))
	}

	ranked := e.Rank("u1", ctx, []Candidate{bad, other})
	require.Len(t, ranked, 2)
	assert.Equal(t, "other", ranked[0].ID)
}

func TestRankTiesBrokenByID(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ctx := vec(1)
	ranked := e.Rank("u1", ctx, []Candidate{{ID: "b", Vec: vec(1)}, {ID: "a", Vec: vec(1)}})
	assert.Equal(t, []string{"a", "b"}, []string{ranked[0].ID, ranked[1].ID})
}

func TestRewardClamped(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("u1", vec(1), vec(0), 50))
	snap := e.Export()[0]
	assert.Equal(t, 1.0, snap.B[0])
}

func TestUpdateRejectsNonFinite(t *testing.T) {
	e := NewEngine(DefaultConfig())
	err := e.Update("u1", vec(1), vec(0), math.NaN())
	assert.True(t, errors.Is(err, ErrInvalidInput))

	err = e.Update("u1", vec(math.Inf(1)), vec(0), 0.5)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, uint64(0), e.Stats().Updates)
}

func TestDimensionChangeResetsState(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("u1", vec(1, 0), vec(1), 1))
	require.NoError(t, e.Update("u1", vec(1, 0, 0), vec(1), 1))

	snaps := e.Export()
	require.Len(t, snaps, 1)
	assert.Equal(t, 4, snaps[0].Dim)
	assert.Equal(t, uint64(1), snaps[0].Updates)
	// A = I + xxᵀ with x = (1,0,0,1).
	assert.Equal(t, 2.0, snaps[0].A[0])
	assert.Equal(t, 1.0, snaps[0].A[1*4+1])
}

func TestUpdateStampsClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	e := NewEngine(DefaultConfig(), WithClock(func() time.Time { return at }))
	require.NoError(t, e.Update("u1", vec(1), vec(1), 0.5))
	assert.Equal(t, at, e.Export()[0].LastUpdated)
}

// A stays symmetric and every eigenvalue stays ≥ 1, so xᵀAx ≥ xᵀx.
func TestStateStaysSymmetricPositiveDefinite(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewEngine(DefaultConfig())
	const d = 6
	for i := 0; i < 300; i++ {
		ctx := make([]float64, 3)
		item := make([]float64, 3)
		for j := range ctx {
			ctx[j] = rng.NormFloat64()
			item[j] = rng.NormFloat64()
		}
		require.NoError(t, e.Update("u", ctx, item, rng.Float64()*2-1))
	}
	snap := e.Export()[0]
	require.Equal(t, d, snap.Dim)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			assert.InDelta(t, snap.A[i*d+j], snap.A[j*d+i], 1e-9)
		}
	}
	for k := 0; k < 50; k++ {
		x := make([]float64, d)
		for j := range x {
			x[j] = rng.NormFloat64()
		}
		assert.GreaterOrEqual(t, quadForm(snap.A, d, x), dot(x, x)-1e-9)
	}
	// Bonus never negative, score finite.
	est := e.Estimate("u", vec(0.1, 0.2, 0.3), vec(0.4, 0.5, 0.6))
	assert.GreaterOrEqual(t, est.Bonus, 0.0)
	assert.False(t, math.IsNaN(est.Score))
}

func TestInvertRoundTrip(t *testing.T) {
	a := []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	}
	inv, err := invert(a, 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[i*3+k] * inv[k*3+j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, s, 1e-12)
		}
	}
}

func TestInvertNeedsPivoting(t *testing.T) {
	a := []float64{
		0, 1,
		1, 0,
	}
	inv, err := invert(a, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 0}, inv)
}

func TestInvertSingular(t *testing.T) {
	_, err := invert([]float64{1, 2, 2, 4}, 2)
	assert.ErrorIs(t, err, ErrSingularMatrix)
}

func TestSingularStateFallsBack(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Restore([]Snapshot{{
		UserID: "u",
		Dim:    2,
		A:      []float64{1, 1, 1, 1},
		B:      []float64{3, 3},
	}}))

	est := e.Estimate("u", vec(1), vec(1))
	assert.True(t, est.Fallback)
	assert.Equal(t, 0.0, est.Mean)
	assert.InDelta(t, 0.7*math.Sqrt2, est.Score, 1e-12)
	assert.Equal(t, uint64(1), e.Stats().Fallbacks)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("a", vec(1, 0), vec(0.5), 1))
	require.NoError(t, e.Update("b", vec(0, 1), vec(0.5), -0.5))
	want := e.Estimate("a", vec(1, 0), vec(0.5))

	restored := NewEngine(DefaultConfig())
	require.NoError(t, restored.Restore(e.Export()))
	got := restored.Estimate("a", vec(1, 0), vec(0.5))
	assert.InDelta(t, want.Score, got.Score, 1e-12)
	assert.Equal(t, 2, restored.Stats().Users)
}

func TestExportIsCopy(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("a", vec(1), vec(1), 1))
	snap := e.Export()[0]
	snap.A[0] = 999
	assert.NotEqual(t, 999.0, e.Export()[0].A[0])
}

func TestRestoreRejectsAsymmetric(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("keep", vec(1), vec(1), 1))
	err := e.Restore([]Snapshot{{UserID: "u", Dim: 2, A: []float64{1, 2, 0, 1}, B: []float64{0, 0}}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, e.Stats().Users, "failed restore must not replace state")
}

func TestReset(t *testing.T) {
	e := NewEngine(DefaultConfig())
	require.NoError(t, e.Update("a", vec(1), vec(1), 1))
	e.Reset("a")
	assert.Equal(t, 0, e.Stats().Users)
}
