package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/config"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	// AlertCounterDrift fires when a variant reports more conversions than
	// allocations.
	AlertCounterDrift AlertType = "counter_drift"
	// AlertStarvedVariant fires when a variant gets almost no traffic in an
	// experiment that has plenty.
	AlertStarvedVariant AlertType = "starved_variant"
	// AlertStalledExperiment fires when an experiment has been active for
	// the whole lookback window without a single allocation.
	AlertStalledExperiment AlertType = "stalled_experiment"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	totals := make(map[string]int64, len(snap.Experiments))
	for _, e := range snap.Experiments {
		totals[e.ID] = e.Allocations
	}

	for _, v := range snap.Variants {
		if v.Conversions > v.Allocations {
			alerts = append(alerts, Alert{
				Type:     AlertCounterDrift,
				Severity: "high",
				Message: fmt.Sprintf("Variant %q reports %d conversions over %d allocations",
					v.Name, v.Conversions, v.Allocations),
				Details: map[string]any{
					"experiment_id": v.ExperimentID,
					"variant_id":    v.VariantID,
					"allocations":   v.Allocations,
					"conversions":   v.Conversions,
				},
				Timestamp: now,
			})
		}

		if a.cfg.StarvedShare > 0 && totals[v.ExperimentID] >= a.cfg.MinAllocations && v.Share < a.cfg.StarvedShare {
			alerts = append(alerts, Alert{
				Type:     AlertStarvedVariant,
				Severity: "medium",
				Message: fmt.Sprintf("Variant %q received %.1f%% of %d allocations (threshold %.1f%%)",
					v.Name, v.Share*100, totals[v.ExperimentID], a.cfg.StarvedShare*100),
				Details: map[string]any{
					"experiment_id": v.ExperimentID,
					"variant_id":    v.VariantID,
					"share":         v.Share,
					"threshold":     a.cfg.StarvedShare,
				},
				Timestamp: now,
			})
		}
	}

	cutoff := now.Add(-time.Duration(snap.LookbackHours) * time.Hour)
	for _, e := range snap.Experiments {
		if snap.LookbackHours <= 0 || e.Allocations > 0 || e.StartedAt.After(cutoff) {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertStalledExperiment,
			Severity: "low",
			Message: fmt.Sprintf("Experiment %q has been active for over %dh without allocations",
				e.Name, snap.LookbackHours),
			Details: map[string]any{
				"experiment_id": e.ID,
				"started_at":    e.StartedAt,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	alert.Message = vocab.Sanitize(alert.Message)
	alert.Details = vocab.SanitizeMap(alert.Details)
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
