package funnel

import (
	"context"
	"fmt"
	"sort"

	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/strategy"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// Insight thresholds.
const (
	TopPathMinAttempts  = 5
	TopPathLimit        = 10
	BottleneckMinViews  = 10
	BottleneckThreshold = 0.5
)

// PathSummary is a public view of one path's statistics.
type PathSummary struct {
	Path           []string `json:"path"`
	Attempts       int64    `json:"attempts"`
	Conversions    int64    `json:"conversions"`
	ConversionRate float64  `json:"conversion_rate"`
}

// StepStat aggregates the variants of one step. Advances counts exposures
// that moved on or converted at the step.
type StepStat struct {
	StepID         string  `json:"step_id"`
	Name           string  `json:"name"`
	Order          int     `json:"order"`
	Exposures      int64   `json:"exposures"`
	Advances       int64   `json:"advances"`
	Conversions    int64   `json:"conversions"`
	CompletionRate float64 `json:"completion_rate"`
	BestVariantID  string  `json:"best_variant_id,omitempty"`
}

// Bottleneck is a step that loses a large share of its visitors.
type Bottleneck struct {
	StepID  string  `json:"step_id"`
	Name    string  `json:"name"`
	DropOff float64 `json:"drop_off"`
}

// Insights summarizes a funnel.
type Insights struct {
	FunnelID        string         `json:"funnel_id"`
	TopPaths        []PathSummary  `json:"top_paths"`
	StepStats       []StepStat     `json:"step_stats"`
	Bottlenecks     []Bottleneck   `json:"bottlenecks"`
	Recommendations []string       `json:"recommendations"`
	Optimizer       map[string]any `json:"optimizer"`
}

// Insights reports the best paths, per-step completion and the steps
// losing the most visitors.
func (s *Service) Insights(ctx context.Context, funnelID string) (*Insights, error) {
	f, err := s.store.GetFunnel(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	paths, err := s.store.TopPerformingPaths(ctx, f.ID, TopPathMinAttempts, TopPathLimit)
	if err != nil {
		return nil, metrics.CountIntegrity("funnel_insights", err)
	}

	out := &Insights{
		FunnelID:        f.ID,
		TopPaths:        make([]PathSummary, 0, len(paths)),
		StepStats:       make([]StepStat, 0, len(f.Steps)),
		Bottlenecks:     []Bottleneck{},
		Recommendations: []string{},
	}
	for _, p := range paths {
		out.TopPaths = append(out.TopPaths, PathSummary{
			Path:           p.Path,
			Attempts:       p.Attempts,
			Conversions:    p.Conversions,
			ConversionRate: p.ConversionRate,
		})
	}

	for _, step := range f.Steps {
		stat, err := s.stepStat(ctx, step)
		if err != nil {
			return nil, err
		}
		out.StepStats = append(out.StepStats, stat)
		if stat.Exposures >= BottleneckMinViews && 1-stat.CompletionRate >= BottleneckThreshold {
			out.Bottlenecks = append(out.Bottlenecks, Bottleneck{
				StepID:  step.ID,
				Name:    step.Name,
				DropOff: 1 - stat.CompletionRate,
			})
		}
	}
	sort.SliceStable(out.Bottlenecks, func(i, j int) bool {
		return out.Bottlenecks[i].DropOff > out.Bottlenecks[j].DropOff
	})
	out.Recommendations = recommendations(out)

	strat, err := s.sequential(f)
	if err != nil {
		return nil, err
	}
	out.Optimizer = vocab.SanitizeMap(strat.Insights())
	return out, nil
}

func (s *Service) stepStat(ctx context.Context, step model.FunnelStep) (StepStat, error) {
	stat := StepStat{StepID: step.ID, Name: step.Name, Order: step.Order}
	variants, err := s.store.LoadForOptimization(ctx, step.ExperimentID)
	if err != nil {
		return stat, metrics.CountIntegrity("funnel_insights", err)
	}
	bestRate := -1.0
	for _, v := range variants {
		stat.Exposures += v.TotalAllocations
		stat.Conversions += v.TotalConversions
		success, _ := stateFloat(v.State, strategy.KeySuccess)
		credited := int64(max(success-1, 0))
		stat.Advances += credited
		if v.TotalAllocations == 0 {
			continue
		}
		if rate := float64(credited) / float64(v.TotalAllocations); rate > bestRate {
			bestRate, stat.BestVariantID = rate, v.ID
		}
	}
	if stat.Exposures > 0 {
		stat.CompletionRate = float64(stat.Advances) / float64(stat.Exposures)
	}
	return stat, nil
}

func stateFloat(state map[string]any, key string) (float64, bool) {
	v, ok := state[key].(float64)
	return v, ok
}

func recommendations(in *Insights) []string {
	var out []string
	for _, b := range in.Bottlenecks {
		out = append(out, fmt.Sprintf("Step %q loses %.0f%% of visitors; add or revise its variants.", b.Name, b.DropOff*100))
	}
	if len(in.TopPaths) > 0 {
		top := in.TopPaths[0]
		out = append(out, fmt.Sprintf("The best path converts at %.1f%% over %d attempts; consider promoting it.",
			top.ConversionRate*100, top.Attempts))
	} else {
		out = append(out, fmt.Sprintf("No path has %d attempts yet; keep collecting traffic before drawing conclusions.", TopPathMinAttempts))
	}
	for i := range out {
		out[i] = vocab.Sanitize(out[i])
	}
	return out
}
