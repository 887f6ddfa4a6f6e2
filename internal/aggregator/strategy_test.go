package aggregator

import (
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

func contrib(device string, rate, reward float64, uses uint64, round uint64) Contribution {
	return Contribution{
		DeviceID: device,
		Round:    round,
		Pattern: patterns.ViewingPattern{
			ID:             patterns.PatternID("evening/weekend/m1"),
			ContextSummary: "evening/weekend",
			ItemID:         "m1",
			SuccessRate:    rate,
			AverageReward:  reward,
			TotalUses:      uses,
		},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSimpleMean(t *testing.T) {
	g := SimpleMean{}.Merge("evening/weekend/m1", []Contribution{
		contrib("a", 1.0, 0.8, 30, 1),
		contrib("b", 0.5, 0.0, 10, 1),
	}, 1)

	if !approx(g.SuccessRate, 0.75) {
		t.Errorf("rate = %v, want 0.75", g.SuccessRate)
	}
	if !approx(g.AverageReward, 0.4) {
		t.Errorf("reward = %v, want 0.4", g.AverageReward)
	}
	if g.ContributorCount != 2 || g.TotalUses != 40 {
		t.Errorf("contributors=%d uses=%d, want 2/40", g.ContributorCount, g.TotalUses)
	}
	if g.Category != "evening/weekend" {
		t.Errorf("category = %q", g.Category)
	}
}

func TestQualityWeighted(t *testing.T) {
	// weights 30 and 5
	g := QualityWeighted{}.Merge("evening/weekend/m1", []Contribution{
		contrib("a", 1.0, 0.8, 30, 1),
		contrib("b", 0.5, 0.0, 10, 1),
	}, 1)

	if want := 32.5 / 35; !approx(g.SuccessRate, want) {
		t.Errorf("rate = %v, want %v", g.SuccessRate, want)
	}
	if want := 24.0 / 35; !approx(g.AverageReward, want) {
		t.Errorf("reward = %v, want %v", g.AverageReward, want)
	}
}

func TestQualityWeighted_ZeroWeightsFallBack(t *testing.T) {
	g := QualityWeighted{}.Merge("evening/weekend/m1", []Contribution{
		contrib("a", 0, -1, 12, 1),
		contrib("b", 0, -0.5, 12, 1),
	}, 1)

	if g.SuccessRate != 0 {
		t.Errorf("rate = %v, want 0", g.SuccessRate)
	}
	if !approx(g.AverageReward, -0.75) {
		t.Errorf("reward = %v, want -0.75", g.AverageReward)
	}
}

func TestExponentialDecay(t *testing.T) {
	// equal quality, the round-1 value is two rounds old: weights 0.25 and 1
	g := ExponentialDecay{Factor: 0.5}.Merge("evening/weekend/m1", []Contribution{
		contrib("a", 1.0, 1.0, 10, 1),
		contrib("b", 1.0, 0.0, 10, 3),
	}, 3)

	if want := 0.25 / 1.25; !approx(g.AverageReward, want) {
		t.Errorf("reward = %v, want %v", g.AverageReward, want)
	}
}

func TestExponentialDecay_InvalidFactorIsQualityWeighted(t *testing.T) {
	cs := []Contribution{contrib("a", 1.0, 0.8, 30, 1), contrib("b", 0.5, 0.0, 10, 5)}
	got := ExponentialDecay{Factor: 0}.Merge("evening/weekend/m1", cs, 9)
	want := QualityWeighted{}.Merge("evening/weekend/m1", cs, 9)
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestStrategyByName(t *testing.T) {
	cases := map[string]string{
		"":                  "quality_weighted",
		"simple_mean":       "simple_mean",
		"quality_weighted":  "quality_weighted",
		"exponential_decay": "exponential_decay",
	}
	for name, want := range cases {
		s, err := StrategyByName(name, 0.9)
		if err != nil {
			t.Fatalf("StrategyByName(%q): %v", name, err)
		}
		if s.Name() != want {
			t.Errorf("StrategyByName(%q) = %s, want %s", name, s.Name(), want)
		}
	}

	if _, err := StrategyByName("median", 0); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}
