package stats

import "math"

// Strategy converts a t statistic into a two-sided p-value. The experiment
// engine takes one at construction so the approximation can be swapped for
// an exact CDF without changing the engine.
type Strategy interface {
	PValue(t, df float64) float64
	Name() string
}

// ThresholdStrategy buckets |t| against the normal critical values and
// reports the matching significance level. It is coarse but monotone and
// matches the historical behavior of the engine.
type ThresholdStrategy struct{}

func (ThresholdStrategy) Name() string { return "threshold" }

func (ThresholdStrategy) PValue(t, _ float64) float64 {
	abs := math.Abs(t)
	switch {
	case abs > 3.291:
		return 0.001
	case abs > 2.576:
		return 0.01
	case abs > 1.96:
		return 0.05
	case abs > 1.645:
		return 0.1
	default:
		return 0.5
	}
}

// NormalApproxStrategy uses 2·(1-Φ(|t|)) with a variance inflation for small
// df, the same approximation the latency A/B harness uses.
type NormalApproxStrategy struct{}

func (NormalApproxStrategy) Name() string { return "normal_approx" }

func (NormalApproxStrategy) PValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	abs := math.Abs(t)
	if math.IsInf(abs, 1) {
		return 0
	}
	if df < 30 && df > 2 {
		abs *= math.Sqrt((df - 2) / df)
	}
	p := 2 * (1 - normalCDF(abs))
	return math.Max(0, math.Min(1, p))
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// StrategyByName resolves a configured strategy, defaulting to threshold.
func StrategyByName(name string) Strategy {
	if name == (NormalApproxStrategy{}).Name() {
		return NormalApproxStrategy{}
	}
	return ThresholdStrategy{}
}
