package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

func TestSamplePosterior_Range(t *testing.T) {
	rng := NewSeededRand(1)
	for i := 0; i < 1000; i++ {
		r, err := SamplePosterior(rng, 3, 7, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r, 0.0)
		assert.LessOrEqual(t, r, 1.0)
	}

	r, err := SamplePosterior(rng, 0, 0, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r, 2.0)
}

func TestSamplePosterior_MeanMatchesPosterior(t *testing.T) {
	rng := NewSeededRand(7)
	const n = 20000
	var sum float64
	for i := 0; i < n; i++ {
		r, err := SamplePosterior(rng, 20, 80, 0)
		require.NoError(t, err)
		sum += r
	}
	assert.InDelta(t, 21.0/102.0, sum/n, 0.01)
}

func TestSamplePosterior_Deterministic(t *testing.T) {
	a, _ := SamplePosterior(NewSeededRand(42), 5, 5, 0)
	b, _ := SamplePosterior(NewSeededRand(42), 5, 5, 0)
	assert.Equal(t, a, b)
}

func TestSamplePosterior_InvalidArgument(t *testing.T) {
	rng := NewSeededRand(1)
	_, err := SamplePosterior(rng, -1, 0, 0)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = SamplePosterior(rng, 0, math.NaN(), 0)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = SamplePosterior(rng, 0, 0, -0.5)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestCredibleBounds(t *testing.T) {
	b, err := CredibleBounds(10, 30, 0.95)
	require.NoError(t, err)

	assert.InDelta(t, 11.0/42.0, b.Expected, 1e-12)
	assert.Less(t, b.Lower, b.Expected)
	assert.Greater(t, b.Upper, b.Expected)
	assert.Greater(t, b.Lower, 0.0)
	assert.Less(t, b.Upper, 1.0)

	// Symmetric prior gives a symmetric interval.
	sym, err := CredibleBounds(0, 0, 0.9)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sym.Expected, 1e-12)
	assert.InDelta(t, 1.0, sym.Lower+sym.Upper, 1e-9)
	// Beta(1,1) is uniform.
	assert.InDelta(t, 0.05, sym.Lower, 1e-6)

	narrow, err := CredibleBounds(10, 30, 0.5)
	require.NoError(t, err)
	assert.Less(t, narrow.Upper-narrow.Lower, b.Upper-b.Lower)
}

func TestCredibleBounds_InvalidArgument(t *testing.T) {
	for _, level := range []float64{0, 1, -0.2, 1.5, math.NaN()} {
		_, err := CredibleBounds(1, 1, level)
		assert.True(t, apperr.Is(err, apperr.InvalidArgument), "level %v", level)
	}
	_, err := CredibleBounds(-3, 1, 0.95)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestProbabilityBest_Ordered(t *testing.T) {
	arms := []Arm{
		{ID: "a", Success: 10, Failure: 90},
		{ID: "b", Success: 30, Failure: 70},
		{ID: "c", Success: 50, Failure: 50},
	}
	p, err := ProbabilityBest(NewSeededRand(3), arms, DefaultDraws)
	require.NoError(t, err)

	var sum float64
	for _, v := range p {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 0.05)
	assert.Greater(t, p["c"], p["b"])
	assert.Greater(t, p["b"], p["a"])
}

func TestProbabilityBest_EqualArms(t *testing.T) {
	const n = DefaultDraws
	arms := []Arm{{ID: "x", Success: 12, Failure: 30}, {ID: "y", Success: 12, Failure: 30}}
	p, err := ProbabilityBest(NewSeededRand(11), arms, n)
	require.NoError(t, err)

	tol := 3 / math.Sqrt(n)
	assert.InDelta(t, 0.5, p["x"], tol)
	assert.InDelta(t, 0.5, p["y"], tol)
}

func TestProbabilityBest_SingleArm(t *testing.T) {
	p, err := ProbabilityBest(NewSeededRand(1), []Arm{{ID: "only"}}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p["only"])
}

func TestProbabilityBest_InvalidArgument(t *testing.T) {
	_, err := ProbabilityBest(NewSeededRand(1), nil, 10)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = ProbabilityBest(NewSeededRand(1), []Arm{{ID: "a"}}, 0)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = ProbabilityBest(NewSeededRand(1), []Arm{{ID: "a", Success: -1}}, 10)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}
