package strategy

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/stats"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

func seeded() func() *rand.Rand {
	var seed uint64
	return func() *rand.Rand {
		seed++
		return stats.NewSeededRand(seed)
	}
}

func TestResolveCode(t *testing.T) {
	tests := []struct {
		in   string
		want Code
	}{
		{"standard", CodeStandard},
		{"ADAPTIVE", CodeAdaptive},
		{" fast_learning ", CodeFastLearning},
		{"sequential", CodeSequential},
		{"hybrid", CodeHybrid},
		{"", CodeAdaptive},
		{"something-else", CodeAdaptive},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveCode(tt.in))
		})
	}
}

func TestAutoCode(t *testing.T) {
	assert.Equal(t, CodeSequential, AutoCode(model.ExperimentTypeFunnel, 10000))
	assert.Equal(t, CodeFastLearning, AutoCode(model.ExperimentTypeWeb, 99))
	assert.Equal(t, CodeAdaptive, AutoCode(model.ExperimentTypeWeb, 100))
	assert.Equal(t, CodeAdaptive, AutoCode(model.ExperimentTypeEmail, 5000))
}

func TestFactory_Create(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())
	for _, code := range []Code{CodeStandard, CodeAdaptive, CodeFastLearning, CodeSequential, CodeHybrid} {
		s, err := f.Create(string(code), nil)
		require.NoError(t, err)
		assert.Equal(t, code, s.Code())
	}

	s, err := f.Create("nope", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeAdaptive, s.Code())

	s, err = f.CreateForExperimentType(model.ExperimentTypeAds, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, CodeFastLearning, s.Code())
}

func TestFactory_CreateAppliesConfig(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())
	s, err := f.Create("adaptive", map[string]any{"min_samples": "5", "learning_rate": 0.3})
	require.NoError(t, err)
	a := s.(*Adaptive)
	assert.Equal(t, 5, a.params.MinSamples)
	assert.InDelta(t, 0.3, a.params.LearningRate, 1e-12)
	assert.InDelta(t, 0.995, a.params.Decay, 1e-12)
}

func TestFactory_CreateRejectsBadConfig(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())
	_, err := f.Create("adaptive", map[string]any{"min_samples": "lots"})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = f.Create("fast_learning", map[string]any{"exploration_rate": 1.5})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestFactory_ForScopeCaches(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())
	cfg := map[string]any{"min_samples": 10}

	a, err := f.ForScope("exp-1", "adaptive", cfg)
	require.NoError(t, err)
	b, err := f.ForScope("exp-1", "adaptive", map[string]any{"min_samples": 10})
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := f.ForScope("exp-2", "adaptive", cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	d, err := f.ForScope("exp-1", "adaptive", map[string]any{"min_samples": 20})
	require.NoError(t, err)
	assert.NotSame(t, a, d)

	f.Evict("exp-1")
	e, err := f.ForScope("exp-1", "adaptive", cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, e)
}

func TestFactory_NilConfigMatchesEmpty(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())

	a, err := f.ForScope("funnel-1", "sequential", nil)
	require.NoError(t, err)
	b, err := f.ForScope("funnel-1", "sequential", map[string]any{})
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestFactory_EvictIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFactory(DefaultParams(), seeded())
	f.now = func() time.Time { return now }

	stale, err := f.ForScope("funnel-1", "sequential", nil)
	require.NoError(t, err)
	now = now.Add(45 * time.Minute)
	fresh, err := f.ForScope("exp-1", "adaptive", nil)
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)

	assert.Equal(t, 1, f.EvictIdle(time.Hour))
	assert.Zero(t, f.EvictIdle(time.Hour))

	again, err := f.ForScope("exp-1", "adaptive", nil)
	require.NoError(t, err)
	assert.Same(t, fresh, again)
	rebuilt, err := f.ForScope("funnel-1", "sequential", nil)
	require.NoError(t, err)
	assert.NotSame(t, stale, rebuilt)
}

func TestParseParams_IgnoresUnknownKeys(t *testing.T) {
	p, err := ParseParams(map[string]any{"expected_daily_traffic": 40, "decay": "0.9"}, DefaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0.9, p.Decay, 1e-12)
	assert.Equal(t, 30, p.MinSamples)
}

func TestInsights_Sanitized(t *testing.T) {
	f := NewFactory(DefaultParams(), seeded())
	c := Context{StepID: "step-1", PreviousSelections: []string{"x"}, FullPath: []string{"x", "y"}}
	for _, code := range []Code{CodeStandard, CodeAdaptive, CodeFastLearning, CodeSequential, CodeHybrid} {
		s, err := f.Create(string(code), nil)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			id, err := s.Select(opts("y", "z"), c)
			require.NoError(t, err)
			require.NoError(t, s.Update(id, float64(i%2), c))
		}
		assertClean(t, s.Insights())
	}
}

func assertClean(t *testing.T, v any) {
	t.Helper()
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			assert.False(t, vocab.Contains(k), k)
			assertClean(t, e)
		}
	case []any:
		for _, e := range x {
			assertClean(t, e)
		}
	case string:
		assert.False(t, vocab.Contains(x), x)
	}
}
