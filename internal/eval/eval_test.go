package eval

import (
	"fmt"
	"math"
	"testing"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

func makeView(n int, rate float64, contributors uint32) map[string]patterns.GlobalPattern {
	view := make(map[string]patterns.GlobalPattern, n)
	for i := 0; i < n; i++ {
		sig := fmt.Sprintf("evening/weekday/m%d", i)
		view[sig] = patterns.GlobalPattern{
			Signature:        sig,
			SuccessRate:      rate,
			AverageReward:    0.2,
			ContributorCount: contributors,
			TotalUses:        30,
		}
	}
	return view
}

func TestEvalPassesOnEmptyView(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(nil)

	if !result.Passed {
		t.Fatalf("expected pass on empty view, got fail: %s", result.Reason)
	}
	if len(result.Metrics) == 0 {
		t.Fatal("expected metrics")
	}
}

func TestEvalFailsOnPatternCount(t *testing.T) {
	config := DefaultEvalConfig()
	config.MaxPatterns = 5
	h := NewEvalHarness(config)

	result := h.Run(makeView(6, 0.8, 3))

	if result.Passed {
		t.Fatal("expected fail on oversized view")
	}
}

func TestEvalFailsOnOutOfRangeRate(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())
	view := makeView(3, 0.8, 3)
	p := view["evening/weekday/m1"]
	p.SuccessRate = math.NaN()
	view["evening/weekday/m1"] = p

	result := h.Run(view)

	if result.Passed {
		t.Fatal("expected fail on NaN success rate")
	}
	foundFail := false
	for _, m := range result.Metrics {
		if m.Name == "rate_violations" && !m.Pass && m.Value == 1 {
			foundFail = true
		}
	}
	if !foundFail {
		t.Fatal("expected rate_violations metric to fail")
	}
}

func TestEvalFailsOnMismatchedKey(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())
	view := makeView(1, 0.8, 3)
	view["other/key"] = view["evening/weekday/m0"]

	if result := h.Run(view); result.Passed {
		t.Fatal("expected fail when map key differs from signature")
	}
}

func TestEvalFailsOnZeroContributors(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeView(2, 0.8, 0))

	if result.Passed {
		t.Fatal("expected fail on zero contributors")
	}
}

func TestEvalMeanRateInformationalOnly(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeView(4, 0.1, 2))

	if !result.Passed {
		t.Fatalf("mean rate check should be informational, not blocking: %s", result.Reason)
	}
	for _, m := range result.Metrics {
		if m.Name == "mean_success_rate" && m.Pass {
			t.Fatal("mean_success_rate metric should show pass=false below floor")
		}
	}
}

func TestEvalMetricCount(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeView(2, 0.9, 2))

	// pattern_count + rate_violations + contributor_violations + mean_success_rate
	if len(result.Metrics) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(result.Metrics))
	}
}
