package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/config"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

func healthyCfg() config.MonitoringConfig {
	return config.MonitoringConfig{StarvedShare: 0.02, MinAllocations: 500}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(healthyCfg())

	snap := &MetricsSnapshot{
		Experiments: []ExperimentHealth{{ID: "e1", StartedAt: time.Now().UTC(), Allocations: 1000}},
		Variants: []VariantHealth{
			{ExperimentID: "e1", VariantID: "a", Allocations: 600, Conversions: 60, Share: 0.6},
			{ExperimentID: "e1", VariantID: "b", Allocations: 400, Conversions: 30, Share: 0.4},
		},
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CounterDrift(t *testing.T) {
	a := NewAlerter(healthyCfg())

	snap := &MetricsSnapshot{
		Experiments: []ExperimentHealth{{ID: "e1", StartedAt: time.Now().UTC(), Allocations: 10}},
		Variants: []VariantHealth{
			{ExperimentID: "e1", VariantID: "a", Name: "hero", Allocations: 10, Conversions: 12, Share: 1},
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCounterDrift, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "12 conversions over 10 allocations")
}

func TestAlerter_Evaluate_StarvedVariant(t *testing.T) {
	a := NewAlerter(healthyCfg())

	snap := &MetricsSnapshot{
		Experiments: []ExperimentHealth{{ID: "e1", StartedAt: time.Now().UTC(), Allocations: 1000}},
		Variants: []VariantHealth{
			{ExperimentID: "e1", VariantID: "a", Allocations: 990, Share: 0.99},
			{ExperimentID: "e1", VariantID: "b", Name: "loser", Allocations: 10, Share: 0.01},
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStarvedVariant, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "1.0% of 1000")
}

func TestAlerter_Evaluate_StarvedNeedsTraffic(t *testing.T) {
	a := NewAlerter(healthyCfg())

	snap := &MetricsSnapshot{
		Experiments: []ExperimentHealth{{ID: "e1", StartedAt: time.Now().UTC(), Allocations: 100}},
		Variants: []VariantHealth{
			{ExperimentID: "e1", VariantID: "a", Allocations: 100, Share: 1},
			{ExperimentID: "e1", VariantID: "b", Allocations: 0, Share: 0},
		},
		LookbackHours: 24,
	}
	assert.Empty(t, a.Evaluate(snap))

	disabled := NewAlerter(config.MonitoringConfig{})
	snap.Experiments[0].Allocations = 10000
	assert.Empty(t, disabled.Evaluate(snap))
}

func TestAlerter_Evaluate_StalledExperiment(t *testing.T) {
	a := NewAlerter(healthyCfg())
	now := time.Now().UTC()

	snap := &MetricsSnapshot{
		Experiments: []ExperimentHealth{
			{ID: "old", Name: "forgotten", StartedAt: now.Add(-48 * time.Hour)},
			{ID: "new", Name: "fresh", StartedAt: now.Add(-time.Hour)},
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStalledExperiment, alerts[0].Type)
	assert.Equal(t, "old", alerts[0].Details["experiment_id"])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		assert.False(t, vocab.Contains(alert.Message), alert.Message)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertCounterDrift, Severity: "high", Message: "drift on the bandit arm"},
		{Type: AlertStarvedVariant, Severity: "medium", Message: "starved", Details: map[string]any{"strategy": "thompson"}},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCounterDrift, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCounterDrift, Message: "test"}})
	assert.Equal(t, 0, sent)
}
