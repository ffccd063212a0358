package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
)

// maxExperiments bounds one collection pass.
const maxExperiments = 1000

// VariantHealth is the counter view of one variant of an active experiment.
type VariantHealth struct {
	ExperimentID string  `json:"experiment_id"`
	VariantID    string  `json:"variant_id"`
	Name         string  `json:"name"`
	Allocations  int64   `json:"allocations"`
	Conversions  int64   `json:"conversions"`
	Share        float64 `json:"share"`
}

// ExperimentHealth summarizes one active experiment.
type ExperimentHealth struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Strategy    string    `json:"strategy"`
	StartedAt   time.Time `json:"started_at"`
	Allocations int64     `json:"allocations"`
	Conversions int64     `json:"conversions"`
}

// MetricsSnapshot holds a point-in-time view of experiment health.
type MetricsSnapshot struct {
	ExperimentsActive int                `json:"experiments_active"`
	ExperimentsPaused int                `json:"experiments_paused"`
	Allocations       int64              `json:"allocations"`
	Conversions       int64              `json:"conversions"`
	ConversionRate    float64            `json:"conversion_rate"`
	Experiments       []ExperimentHealth `json:"experiments"`
	Variants          []VariantHealth    `json:"variants"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the store the collector reads.
type Source interface {
	ListExperiments(ctx context.Context, filter model.ExperimentFilter) ([]model.Experiment, error)
	ListPublic(ctx context.Context, experimentID string) ([]model.Variant, error)
}

// Collector gathers experiment counters from the store.
type Collector struct {
	source Source
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src}
}

// Collect snapshots every active experiment and its variants, and refreshes
// the active-experiment gauge.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	paused, err := c.source.ListExperiments(ctx, model.ExperimentFilter{Status: model.ExperimentPaused, Limit: maxExperiments})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list paused experiments")
	}
	snap.ExperimentsPaused = len(paused)

	active, err := c.source.ListExperiments(ctx, model.ExperimentFilter{Status: model.ExperimentActive, Limit: maxExperiments})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list active experiments")
	}
	snap.ExperimentsActive = len(active)

	for _, exp := range active {
		variants, err := c.source.ListPublic(ctx, exp.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list variants for %s", exp.ID)
		}
		eh := ExperimentHealth{ID: exp.ID, Name: exp.Name, Strategy: exp.Strategy, StartedAt: exp.CreatedAt}
		if exp.StartedAt != nil {
			eh.StartedAt = *exp.StartedAt
		}
		for _, v := range variants {
			eh.Allocations += v.TotalAllocations
			eh.Conversions += v.TotalConversions
		}
		for _, v := range variants {
			vh := VariantHealth{
				ExperimentID: exp.ID,
				VariantID:    v.ID,
				Name:         v.Name,
				Allocations:  v.TotalAllocations,
				Conversions:  v.TotalConversions,
			}
			if eh.Allocations > 0 {
				vh.Share = float64(v.TotalAllocations) / float64(eh.Allocations)
			}
			snap.Variants = append(snap.Variants, vh)
		}
		snap.Allocations += eh.Allocations
		snap.Conversions += eh.Conversions
		snap.Experiments = append(snap.Experiments, eh)
	}
	snap.ConversionRate = model.ConversionRate(snap.Conversions, snap.Allocations)

	metrics.ActiveExperiments.Set(float64(snap.ExperimentsActive))
	return snap, nil
}
