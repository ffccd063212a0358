package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
)

// mockSource implements Source for testing.
type mockSource struct {
	experiments []model.Experiment
	variants    map[string][]model.Variant
	listErr     error
	variantErr  error
}

func (m *mockSource) ListExperiments(_ context.Context, filter model.ExperimentFilter) ([]model.Experiment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Experiment
	for _, e := range m.experiments {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockSource) ListPublic(_ context.Context, experimentID string) ([]model.Variant, error) {
	if m.variantErr != nil {
		return nil, m.variantErr
	}
	return m.variants[experimentID], nil
}

func variant(id, expID string, allocations, conversions int64) model.Variant {
	return model.Variant{ID: id, ExperimentID: expID, Name: "variant " + id, TotalAllocations: allocations, TotalConversions: conversions}
}

func TestCollector_Empty(t *testing.T) {
	c := NewCollector(&mockSource{})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.ExperimentsActive)
	assert.Zero(t, snap.Allocations)
	assert.Equal(t, 0.0, snap.ConversionRate)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveExperiments))
}

func TestCollector_ActiveExperiments(t *testing.T) {
	started := time.Now().UTC().Add(-2 * time.Hour)
	src := &mockSource{
		experiments: []model.Experiment{
			{ID: "e1", Name: "headline", Status: model.ExperimentActive, StartedAt: &started},
			{ID: "e2", Name: "pricing", Status: model.ExperimentActive, CreatedAt: started.Add(-time.Hour)},
			{ID: "e3", Name: "old", Status: model.ExperimentPaused},
			{ID: "e4", Name: "done", Status: model.ExperimentCompleted},
		},
		variants: map[string][]model.Variant{
			"e1": {variant("a", "e1", 75, 10), variant("b", "e1", 25, 5)},
			"e2": {variant("c", "e2", 0, 0), variant("d", "e2", 0, 0)},
			"e3": {variant("x", "e3", 1000, 1000)},
		},
	}

	snap, err := NewCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.ExperimentsActive)
	assert.Equal(t, 1, snap.ExperimentsPaused)
	assert.EqualValues(t, 100, snap.Allocations)
	assert.EqualValues(t, 15, snap.Conversions)
	assert.InDelta(t, 0.15, snap.ConversionRate, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ActiveExperiments))

	require.Len(t, snap.Experiments, 2)
	assert.Equal(t, started, snap.Experiments[0].StartedAt)
	assert.Equal(t, started.Add(-time.Hour), snap.Experiments[1].StartedAt, "falls back to created_at")

	require.Len(t, snap.Variants, 4)
	assert.InDelta(t, 0.75, snap.Variants[0].Share, 1e-9)
	assert.InDelta(t, 0.25, snap.Variants[1].Share, 1e-9)
	assert.Zero(t, snap.Variants[2].Share)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&mockSource{listErr: errors.New("db down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list paused experiments")

	src := &mockSource{
		experiments: []model.Experiment{{ID: "e1", Status: model.ExperimentActive}},
		variantErr:  errors.New("db down"),
	}
	_, err = NewCollector(src).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list variants for e1")
}
