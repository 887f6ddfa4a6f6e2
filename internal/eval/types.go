package eval

// #region eval-config
// EvalConfig holds thresholds for post-merge validation of the global view.
type EvalConfig struct {
	MaxPatterns     int     // reject views holding more patterns than this
	MinContributors uint32  // every global pattern needs at least this many nodes
	MeanRateFloor   float64 // warn if the mean success rate falls below this
}

// DefaultEvalConfig returns the production thresholds.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxPatterns:     10000,
		MinContributors: 1,
		MeanRateFloor:   0.5,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-merge validation.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// #endregion eval-result
