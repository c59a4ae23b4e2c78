// Package stats provides the descriptive and inferential statistics used by
// the experiment engine: means, deviations, t-based confidence intervals,
// pooled two-sample t-tests and Cohen's d.
//
// All functions are stateless and safe for concurrent use.
package stats

import (
	"errors"
	"math"
	"sort"
)

// ErrInsufficientSamples indicates not enough samples for the computation.
var ErrInsufficientSamples = errors.New("stats: insufficient samples")

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the sample variance (n-1 denominator). Fewer than two
// samples yields 0.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return sumSq / float64(len(xs)-1)
}

// StdDev returns the sample standard deviation.
func StdDev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// PopulationStdDev uses the n denominator. Used for feature normalization.
func PopulationStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// Interval is a closed confidence interval around a point estimate.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// Width returns Upper - Lower.
func (iv Interval) Width() float64 {
	return iv.Upper - iv.Lower
}

// Contains reports whether v lies inside the interval.
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Lower && v <= iv.Upper
}

// ConfidenceInterval returns mean ± t(df=n-1)·s/√n. With fewer than two
// samples the interval collapses onto the mean.
func ConfidenceInterval(xs []float64, level float64) Interval {
	m := Mean(xs)
	n := len(xs)
	if n < 2 {
		return Interval{Lower: m, Upper: m, Level: level}
	}
	margin := TCritical(n-1, level) * StdDev(xs) / math.Sqrt(float64(n))
	return Interval{Lower: m - margin, Upper: m + margin, Level: level}
}

// TTest holds the outcome of a two-sample t-test.
type TTest struct {
	T      float64
	DF     int
	PValue float64
}

// PooledTTest runs Student's two-sample t-test with pooled variance and
// resolves the p-value through the given strategy. Both samples need at least
// two observations. Zero pooled variance yields t=0 unless the means differ,
// in which case t is ±Inf.
func PooledTTest(a, b []float64, strategy Strategy) (TTest, error) {
	if len(a) < 2 || len(b) < 2 {
		return TTest{}, ErrInsufficientSamples
	}
	if strategy == nil {
		strategy = ThresholdStrategy{}
	}

	n1, n2 := float64(len(a)), float64(len(b))
	m1, m2 := Mean(a), Mean(b)
	pooled := ((n1-1)*Variance(a) + (n2-1)*Variance(b)) / (n1 + n2 - 2)
	se := math.Sqrt(pooled * (1/n1 + 1/n2))
	df := len(a) + len(b) - 2

	var t float64
	switch {
	case se > 0:
		t = (m1 - m2) / se
	case m1 > m2:
		t = math.Inf(1)
	case m1 < m2:
		t = math.Inf(-1)
	}

	return TTest{T: t, DF: df, PValue: strategy.PValue(t, float64(df))}, nil
}

// CohensD is the standardized mean difference (a - b) over the pooled
// standard deviation. Zero pooled deviation returns 0.
func CohensD(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a)+len(b) < 3 {
		return 0
	}
	n1, n2 := float64(len(a)), float64(len(b))
	pooled := math.Sqrt(((n1-1)*Variance(a) + (n2-1)*Variance(b)) / (n1 + n2 - 2))
	if pooled == 0 {
		return 0
	}
	return (Mean(a) - Mean(b)) / pooled
}

// tTable holds two-sided critical values per confidence column.
var (
	tLevels = []float64{0.80, 0.90, 0.95, 0.98, 0.99}

	tDFs = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
		21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 40, 60, 120}

	tTable = [][]float64{
		{3.078, 6.314, 12.706, 31.821, 63.657},
		{1.886, 2.920, 4.303, 6.965, 9.925},
		{1.638, 2.353, 3.182, 4.541, 5.841},
		{1.533, 2.132, 2.776, 3.747, 4.604},
		{1.476, 2.015, 2.571, 3.365, 4.032},
		{1.440, 1.943, 2.447, 3.143, 3.707},
		{1.415, 1.895, 2.365, 2.998, 3.499},
		{1.397, 1.860, 2.306, 2.896, 3.355},
		{1.383, 1.833, 2.262, 2.821, 3.250},
		{1.372, 1.812, 2.228, 2.764, 3.169},
		{1.363, 1.796, 2.201, 2.718, 3.106},
		{1.356, 1.782, 2.179, 2.681, 3.055},
		{1.350, 1.771, 2.160, 2.650, 3.012},
		{1.345, 1.761, 2.145, 2.624, 2.977},
		{1.341, 1.753, 2.131, 2.602, 2.947},
		{1.337, 1.746, 2.120, 2.583, 2.921},
		{1.333, 1.740, 2.110, 2.567, 2.898},
		{1.330, 1.734, 2.101, 2.552, 2.878},
		{1.328, 1.729, 2.093, 2.539, 2.861},
		{1.325, 1.725, 2.086, 2.528, 2.845},
		{1.323, 1.721, 2.080, 2.518, 2.831},
		{1.321, 1.717, 2.074, 2.508, 2.819},
		{1.319, 1.714, 2.069, 2.500, 2.807},
		{1.318, 1.711, 2.064, 2.492, 2.797},
		{1.316, 1.708, 2.060, 2.485, 2.787},
		{1.315, 1.706, 2.056, 2.479, 2.779},
		{1.314, 1.703, 2.052, 2.473, 2.771},
		{1.313, 1.701, 2.048, 2.467, 2.763},
		{1.311, 1.699, 2.045, 2.462, 2.756},
		{1.310, 1.697, 2.042, 2.457, 2.750},
		{1.303, 1.684, 2.021, 2.423, 2.704},
		{1.296, 1.671, 2.000, 2.390, 2.660},
		{1.289, 1.658, 1.980, 2.358, 2.617},
	}

	tInfinity = []float64{1.282, 1.645, 1.960, 2.326, 2.576}
)

// TCritical returns the two-sided critical t value for df degrees of freedom.
// The confidence column is the highest tabulated level not above level
// (levels below 0.80 use 0.80). df between tabulated rows uses the next lower
// row, which is conservative; df above 120 uses the normal limit.
func TCritical(df int, level float64) float64 {
	col := 0
	for i, l := range tLevels {
		if level+1e-9 >= l {
			col = i
		}
	}

	if df < 1 {
		df = 1
	}
	if df > tDFs[len(tDFs)-1] {
		return tInfinity[col]
	}

	// Largest tabulated df <= requested df
	idx := sort.SearchInts(tDFs, df)
	if idx == len(tDFs) || tDFs[idx] != df {
		idx--
	}
	return tTable[idx][col]
}
