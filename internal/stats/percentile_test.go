package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentileEmptyInput(t *testing.T) {
	for _, p := range []float64{0, 25, 50, 95, 100} {
		assert.Equal(t, 0.0, Percentile(nil, p))
		assert.Equal(t, 0.0, Percentile([]float64{}, p))
	}
}

func TestPercentileMedian(t *testing.T) {
	assert.Equal(t, 3.0, Percentile([]float64{1, 2, 3, 4, 5}, 50))
	assert.Equal(t, 2.5, Percentile([]float64{1, 2, 3, 4}, 50))
	assert.Equal(t, 42.0, Percentile([]float64{42}, 50))
}

func TestPercentileInterpolation(t *testing.T) {
	values := []float64{10, 20, 30, 40}

	// rank = 0.25 * 3 = 0.75 -> between 10 and 20
	assert.InDelta(t, 17.5, Percentile(values, 25), 1e-9)
	assert.InDelta(t, 38.5, Percentile(values, 95), 1e-9)
}

func TestPercentileUnsortedInput(t *testing.T) {
	assert.Equal(t, 3.0, Percentile([]float64{5, 1, 4, 2, 3}, 50))
}

func TestPercentileBounds(t *testing.T) {
	values := []float64{7, 3, 9}
	assert.Equal(t, 3.0, Percentile(values, 0))
	assert.Equal(t, 9.0, Percentile(values, 100))
}

func TestPercentileScenario(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(100 + i)
	}

	assert.InDelta(t, 149.5, Percentile(values, 50), 0.51)
	assert.InDelta(t, 194.0, Percentile(values, 95), 0.1)
	assert.InDelta(t, 149.5, Mean(values), 1e-9)
}

func TestStdDevFewSamples(t *testing.T) {
	assert.Equal(t, 0.0, StdDev(nil))
	assert.Equal(t, 0.0, StdDev([]float64{5}))
}

func TestStdDevPopulation(t *testing.T) {
	// Population stddev of {2,4,4,4,5,5,7,9} is exactly 2.
	assert.InDelta(t, 2.0, StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
	assert.Equal(t, 0.0, StdDev([]float64{3, 3, 3, 3}))
}

func TestMinMaxMean(t *testing.T) {
	values := []float64{4, 1, 7, 2}
	assert.Equal(t, 1.0, Min(values))
	assert.Equal(t, 7.0, Max(values))
	assert.Equal(t, 3.5, Mean(values))

	assert.Equal(t, 0.0, Min(nil))
	assert.Equal(t, 0.0, Max(nil))
	assert.Equal(t, 0.0, Mean(nil))
}
