package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// #region eval-harness
// EvalHarness validates a merged global view before it replaces the live one.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks the merged view. The view is only swapped in when Passed.
func (h *EvalHarness) Run(merged map[string]patterns.GlobalPattern) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	// 1. Size bound
	count := len(merged)
	countPass := h.config.MaxPatterns <= 0 || count <= h.config.MaxPatterns
	metrics = append(metrics, EvalMetric{Name: "pattern_count", Value: float64(count), Pass: countPass})
	if !countPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("%d patterns exceeds %d", count, h.config.MaxPatterns))
	}

	// 2. Rates in range
	var rateViolations, contribViolations int
	var rateSum float64
	for sig, p := range merged {
		if !inRange(p.SuccessRate, 0, 1) || !inRange(p.AverageReward, -1, 1) || sig != p.Signature {
			rateViolations++
		}
		if p.ContributorCount < h.config.MinContributors {
			contribViolations++
		}
		rateSum += p.SuccessRate
	}
	metrics = append(metrics, EvalMetric{Name: "rate_violations", Value: float64(rateViolations), Pass: rateViolations == 0})
	if rateViolations > 0 {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("%d patterns with out-of-range values", rateViolations))
	}

	// 3. Contributor floor
	metrics = append(metrics, EvalMetric{Name: "contributor_violations", Value: float64(contribViolations), Pass: contribViolations == 0})
	if contribViolations > 0 {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("%d patterns below %d contributors", contribViolations, h.config.MinContributors))
	}

	// 4. Mean success rate: informational only
	mean := 0.0
	if count > 0 {
		mean = rateSum / float64(count)
	}
	metrics = append(metrics, EvalMetric{Name: "mean_success_rate", Value: mean, Pass: count == 0 || mean >= h.config.MeanRateFloor})

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  passed,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

func inRange(x, lo, hi float64) bool {
	return !math.IsNaN(x) && x >= lo && x <= hi
}
