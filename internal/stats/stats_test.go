package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanStdDev(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, Mean(xs), 1e-12)
	assert.InDelta(t, 2.0, PopulationStdDev(xs), 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), StdDev(xs), 1e-12)

	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, StdDev([]float64{3}))
}

func TestTCritical(t *testing.T) {
	tests := []struct {
		name  string
		df    int
		level float64
		want  float64
	}{
		{"df1 95", 1, 0.95, 12.706},
		{"df10 99", 10, 0.99, 3.169},
		{"df30 90", 30, 0.90, 1.697},
		{"df45 uses 40 row", 45, 0.95, 2.021},
		{"large df normal limit", 500, 0.95, 1.960},
		{"level between columns rounds down", 20, 0.97, 2.086},
		{"level below table", 5, 0.5, 1.476},
		{"df zero clamps", 0, 0.95, 12.706},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TCritical(tt.df, tt.level), 1e-9)
		})
	}
}

func TestConfidenceInterval(t *testing.T) {
	xs := []float64{10, 12, 14, 16, 18}
	ci := ConfidenceInterval(xs, 0.95)

	// mean 14, s = sqrt(10), df 4 → t = 2.776
	margin := 2.776 * math.Sqrt(10) / math.Sqrt(5)
	assert.InDelta(t, 14-margin, ci.Lower, 1e-9)
	assert.InDelta(t, 14+margin, ci.Upper, 1e-9)
	assert.True(t, ci.Contains(14))

	single := ConfidenceInterval([]float64{3}, 0.95)
	assert.Equal(t, 0.0, single.Width())
}

func TestPooledTTest(t *testing.T) {
	t.Run("clear difference", func(t *testing.T) {
		a := make([]float64, 50)
		b := make([]float64, 50)
		for i := range a {
			a[i] = 10 + float64(i%5)
			b[i] = 20 + float64(i%5)
		}
		res, err := PooledTTest(b, a, ThresholdStrategy{})
		require.NoError(t, err)
		assert.Greater(t, res.T, 0.0)
		assert.Equal(t, 98, res.DF)
		assert.Equal(t, 0.001, res.PValue)
	})

	t.Run("identical samples", func(t *testing.T) {
		a := []float64{1, 2, 3, 4}
		res, err := PooledTTest(a, a, NormalApproxStrategy{})
		require.NoError(t, err)
		assert.Equal(t, 0.0, res.T)
		assert.InDelta(t, 1.0, res.PValue, 1e-9)
	})

	t.Run("zero variance different means", func(t *testing.T) {
		res, err := PooledTTest([]float64{5, 5, 5}, []float64{1, 1, 1}, nil)
		require.NoError(t, err)
		assert.True(t, math.IsInf(res.T, 1))
		assert.Equal(t, 0.001, res.PValue)
	})

	t.Run("too few samples", func(t *testing.T) {
		_, err := PooledTTest([]float64{1}, []float64{1, 2}, nil)
		assert.ErrorIs(t, err, ErrInsufficientSamples)
	})
}

func TestCohensD(t *testing.T) {
	a := []float64{2, 4, 6}
	b := []float64{1, 3, 5}
	// pooled sd = 2, diff = 1
	assert.InDelta(t, 0.5, CohensD(a, b), 1e-12)
	assert.Equal(t, 0.0, CohensD([]float64{1, 1}, []float64{1, 1}))
	assert.Equal(t, 0.0, CohensD(nil, b))
}

func TestStrategies(t *testing.T) {
	th := ThresholdStrategy{}
	assert.Equal(t, 0.5, th.PValue(1.0, 100))
	assert.Equal(t, 0.1, th.PValue(-1.7, 100))
	assert.Equal(t, 0.05, th.PValue(2.0, 100))
	assert.Equal(t, 0.01, th.PValue(3.0, 100))

	na := NormalApproxStrategy{}
	assert.InDelta(t, 0.05, na.PValue(1.96, 1000), 1e-3)
	assert.Greater(t, na.PValue(1.96, 5), na.PValue(1.96, 1000), "small df has heavier tails")
	assert.Equal(t, 0.0, na.PValue(math.Inf(1), 10))

	assert.Equal(t, "normal_approx", StrategyByName("normal_approx").Name())
	assert.Equal(t, "threshold", StrategyByName("anything").Name())
}
