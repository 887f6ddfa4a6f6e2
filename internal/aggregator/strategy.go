package aggregator

import (
	"math"

	"github.com/danielpatrickdp/edgesync/go-node/internal/patterns"
)

// Strategy folds the contributions for one signature into a global pattern.
// contribs is never empty.
type Strategy interface {
	Name() string
	Merge(signature string, contribs []Contribution, round uint64) patterns.GlobalPattern
}

// SimpleMean weights every device equally.
type SimpleMean struct{}

func (SimpleMean) Name() string { return "simple_mean" }

func (SimpleMean) Merge(sig string, contribs []Contribution, _ uint64) patterns.GlobalPattern {
	return weightedMerge(sig, contribs, func(Contribution) float64 { return 1 })
}

// QualityWeighted weights each device by successRate × totalUses, so devices
// with more successful evidence count more.
type QualityWeighted struct{}

func (QualityWeighted) Name() string { return "quality_weighted" }

func (QualityWeighted) Merge(sig string, contribs []Contribution, _ uint64) patterns.GlobalPattern {
	return weightedMerge(sig, contribs, qualityWeight)
}

// ExponentialDecay is QualityWeighted with every round of age multiplying the
// weight by Factor.
type ExponentialDecay struct {
	Factor float64
}

func (ExponentialDecay) Name() string { return "exponential_decay" }

func (s ExponentialDecay) Merge(sig string, contribs []Contribution, round uint64) patterns.GlobalPattern {
	f := s.Factor
	if f <= 0 || f > 1 {
		f = 1
	}
	return weightedMerge(sig, contribs, func(c Contribution) float64 {
		age := 0.0
		if round > c.Round {
			age = float64(round - c.Round)
		}
		return qualityWeight(c) * math.Pow(f, age)
	})
}

func qualityWeight(c Contribution) float64 {
	return c.Pattern.SuccessRate * float64(c.Pattern.TotalUses)
}

// weightedMerge averages rate and reward under weight. When every weight is
// zero it falls back to equal weights.
func weightedMerge(sig string, contribs []Contribution, weight func(Contribution) float64) patterns.GlobalPattern {
	g := patterns.GlobalPattern{
		Signature:        sig,
		Category:         contribs[0].Pattern.ContextSummary,
		ContributorCount: uint32(len(contribs)),
	}
	var total, rate, reward float64
	for _, c := range contribs {
		w := weight(c)
		if math.IsNaN(w) || w < 0 {
			w = 0
		}
		total += w
		rate += w * c.Pattern.SuccessRate
		reward += w * c.Pattern.AverageReward
		g.TotalUses += c.Pattern.TotalUses
	}
	if total == 0 {
		total = float64(len(contribs))
		rate, reward = 0, 0
		for _, c := range contribs {
			rate += c.Pattern.SuccessRate
			reward += c.Pattern.AverageReward
		}
	}
	g.SuccessRate = clamp(rate/total, 0, 1)
	g.AverageReward = clamp(reward/total, -1, 1)
	return g
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
