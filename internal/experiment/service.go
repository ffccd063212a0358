// Package experiment runs the allocate and convert loop for experiments:
// it picks a variant for each subject with the experiment's strategy,
// persists the allocation and feeds conversions back into variant state.
package experiment

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/stats"
	"github.com/sells-group/variant-optimizer/internal/store"
	"github.com/sells-group/variant-optimizer/internal/strategy"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// ConfigExpectedDaily is the experiment config key used to auto-pick a
// strategy when none is named.
const ConfigExpectedDaily = "expected_daily_traffic"

// Store is the persistence the service needs.
type Store interface {
	store.ExperimentStore
	store.VariantStore
	store.AllocationStore
}

// Allocation is the result of Allocate.
type Allocation struct {
	AllocationID  string        `json:"allocation_id"`
	VariantID     string        `json:"variant_id"`
	Variant       model.Variant `json:"variant"`
	NewAllocation bool          `json:"new_allocation"`
}

// VariantInsight is a variant's public counters plus its credible interval.
type VariantInsight struct {
	model.Variant
	Bounds          stats.Bounds `json:"bounds"`
	ProbabilityBest float64      `json:"probability_best"`
}

// Insights summarizes an experiment for its owner.
type Insights struct {
	Experiment model.Experiment `json:"experiment"`
	Variants   []VariantInsight `json:"variants"`
	Leader     string           `json:"leader,omitempty"`
	Optimizer  map[string]any   `json:"optimizer"`
}

// Options configures a Service.
type Options struct {
	// Draws is the Monte Carlo sample count for probability-best. Default stats.DefaultDraws.
	Draws int
	// NewRand supplies generators for insight sampling. Default stats.NewRand.
	NewRand func() *rand.Rand
}

// Service implements experiment operations.
type Service struct {
	store   Store
	factory *strategy.Factory
	draws   int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewService creates a Service.
func NewService(st Store, factory *strategy.Factory, opts Options) *Service {
	if opts.Draws <= 0 {
		opts.Draws = stats.DefaultDraws
	}
	if opts.NewRand == nil {
		opts.NewRand = stats.NewRand
	}
	return &Service{store: st, factory: factory, draws: opts.Draws, rng: opts.NewRand()}
}

// Factory exposes the strategy factory shared with the funnel service.
func (s *Service) Factory() *strategy.Factory { return s.factory }

// Create validates req, picks a strategy when none is named and stores the
// experiment with every variant at the initial state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Experiment, []model.Variant, error) {
	if err := Validate(req); err != nil {
		return nil, nil, err
	}
	if _, err := strategy.ParseParams(req.Config, s.factory.Defaults()); err != nil {
		return nil, nil, err
	}
	kind := req.Type
	if kind == "" {
		kind = model.ExperimentTypeWeb
	}
	status := req.Status
	if status == "" {
		status = model.ExperimentActive
	}
	code := strategy.ResolveCode(req.Strategy)
	if req.Strategy == "" {
		code = strategy.AutoCode(kind, expectedDaily(req.Config))
	}

	exp := &model.Experiment{
		OwnerID:  req.OwnerID,
		Name:     req.Name,
		Type:     kind,
		Status:   status,
		Strategy: string(code),
		Config:   req.Config,
	}
	variants, err := s.store.CreateExperiment(ctx, exp, req.Variants, strategy.InitialState())
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("experiment: created",
		zap.String("experiment_id", exp.ID),
		zap.String("strategy", exp.Strategy),
		zap.Int("variants", len(variants)),
	)
	return exp, variants, nil
}

// expectedDaily reads the traffic hint from config. Missing or malformed
// values mean "unknown", which is treated as high traffic.
func expectedDaily(cfg map[string]any) int {
	switch v := cfg[ConfigExpectedDaily].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return math.MaxInt32
}

// Get returns an experiment.
func (s *Service) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// List returns experiments matching filter.
func (s *Service) List(ctx context.Context, filter model.ExperimentFilter) ([]model.Experiment, error) {
	return s.store.ListExperiments(ctx, filter)
}

// Variants returns the public form of an experiment's variants.
func (s *Service) Variants(ctx context.Context, experimentID string) ([]model.Variant, error) {
	if _, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return s.store.ListPublic(ctx, experimentID)
}

// SetStatus moves an experiment owned by ownerID to status.
func (s *Service) SetStatus(ctx context.Context, id, ownerID string, status model.ExperimentStatus) error {
	if !status.Valid() {
		return apperr.New(apperr.InvalidArgument, "experiment: unknown status %q", status)
	}
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.OwnerID != ownerID {
		return apperr.New(apperr.NotFound, "experiment: %s not found for owner", id)
	}
	if !exp.Status.CanTransition(status) {
		return apperr.New(apperr.InvalidArgument, "experiment: cannot move from %s to %s", exp.Status, status)
	}
	if err := s.store.SetExperimentStatus(ctx, id, ownerID, status); err != nil {
		return err
	}
	if status.Terminal() {
		s.factory.Evict(id)
	}
	zap.L().Info("experiment: status changed",
		zap.String("experiment_id", id),
		zap.String("from", string(exp.Status)),
		zap.String("to", string(status)),
	)
	return nil
}

// Allocate returns the subject's variant, choosing and persisting one on
// first contact. A lost race against a concurrent first writer returns the
// winner's allocation with NewAllocation false.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if res, err := s.existing(ctx, req.ExperimentID, req.Subject); res != nil || err != nil {
		return res, err
	}

	exp, err := s.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != model.ExperimentActive {
		return nil, apperr.New(apperr.Unavailable, "experiment: %s is %s", exp.ID, exp.Status)
	}
	strat, err := s.factory.ForScope(exp.ID, exp.Strategy, exp.Config)
	if err != nil {
		return nil, err
	}

	variants, err := s.store.LoadForOptimization(ctx, exp.ID)
	if err != nil {
		return nil, metrics.CountIntegrity("allocate", err)
	}
	options := make([]strategy.Option, len(variants))
	byID := make(map[string]*model.OptimizationVariant, len(variants))
	for i := range variants {
		v := &variants[i]
		options[i] = strategy.Option{
			ID:          v.ID,
			Performance: v.ObservedConversionRate,
			Samples:     int(v.TotalAllocations),
			State:       v.State,
		}
		byID[v.ID] = v
	}

	started := time.Now()
	// A standalone experiment is a single step keyed by its own id, which
	// the sequential strategy needs to find its step allocator.
	chosenID, err := strat.Select(options, strategy.Context{StepID: exp.ID, User: req.Context})
	metrics.ObserveSelect(string(strat.Code()), started)
	if err != nil {
		return nil, err
	}
	chosen := byID[chosenID]

	if err := s.store.UpdateState(ctx, chosen.ID, strategy.RecordExposure(chosen.State)); err != nil {
		return nil, err
	}

	a, err := s.store.CreateAllocation(ctx, model.NewAllocation{
		ExperimentID:   exp.ID,
		VariantID:      chosen.ID,
		UserIdentifier: req.Subject,
		SessionID:      req.SessionID,
		Context:        req.Context,
	})
	if apperr.Is(err, apperr.Conflict) {
		metrics.AllocationConflicts.Inc()
		zap.L().Debug("experiment: allocation race lost",
			zap.String("experiment_id", exp.ID),
			zap.String("variant_id", chosen.ID),
		)
		res, err := s.existing(ctx, exp.ID, req.Subject)
		if err == nil && res == nil {
			err = apperr.New(apperr.Internal, "experiment: allocation for %s vanished after conflict", req.Subject)
		}
		return res, err
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.IncrementAllocation(ctx, chosen.ID); err != nil {
		return nil, err
	}

	metrics.Allocations.WithLabelValues("new").Inc()
	pub := chosen.Variant
	pub.TotalAllocations++
	pub.ObservedConversionRate = model.ConversionRate(pub.TotalConversions, pub.TotalAllocations)
	return &Allocation{AllocationID: a.ID, VariantID: chosen.ID, Variant: pub, NewAllocation: true}, nil
}

func (s *Service) existing(ctx context.Context, experimentID, subject string) (*Allocation, error) {
	a, err := s.store.GetAllocation(ctx, experimentID, subject)
	if err != nil || a == nil {
		return nil, err
	}
	v, err := s.store.LoadPublic(ctx, a.VariantID)
	if err != nil {
		return nil, err
	}
	metrics.Allocations.WithLabelValues("existing").Inc()
	return &Allocation{AllocationID: a.ID, VariantID: a.VariantID, Variant: *v, NewAllocation: false}, nil
}

// RecordConversion marks the subject's allocation converted and credits
// the variant. It reports whether anything changed: a missing or already
// converted allocation is a no-op.
func (s *Service) RecordConversion(ctx context.Context, req ConversionRequest) (bool, error) {
	if err := Validate(req); err != nil {
		return false, err
	}
	if req.Value < 0 || math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return false, apperr.New(apperr.InvalidArgument, "experiment: conversion value must be a finite non-negative number")
	}

	a, err := s.store.GetAllocation(ctx, req.ExperimentID, req.Subject)
	if err != nil {
		return false, err
	}
	if a == nil {
		metrics.Conversions.WithLabelValues("missing").Inc()
		return false, nil
	}
	if a.Converted() {
		metrics.Conversions.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	changed, err := s.store.RecordConversion(ctx, a.ID, req.Value, req.Metadata)
	if err != nil || !changed {
		if err == nil {
			metrics.Conversions.WithLabelValues("duplicate").Inc()
		}
		return false, err
	}

	v, err := s.store.LoadVariantForOptimization(ctx, a.VariantID)
	if err != nil {
		return false, metrics.CountIntegrity("convert", err)
	}
	if err := s.store.UpdateState(ctx, v.ID, strategy.RecordReward(v.State, 1)); err != nil {
		return false, err
	}
	if err := s.store.IncrementConversion(ctx, v.ID); err != nil {
		return false, err
	}
	s.feedStrategy(ctx, a.ExperimentID, v.ID)

	metrics.Conversions.WithLabelValues("recorded").Inc()
	return true, nil
}

// feedStrategy keeps the cached in-memory strategy in step with the
// persisted state. Failures here only affect insight freshness.
func (s *Service) feedStrategy(ctx context.Context, experimentID, variantID string) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		zap.L().Warn("experiment: skip strategy update", zap.String("experiment_id", experimentID), zap.Error(err))
		return
	}
	strat, err := s.factory.ForScope(exp.ID, exp.Strategy, exp.Config)
	if err != nil {
		return
	}
	if err := strat.Update(variantID, 1, strategy.Context{StepID: exp.ID}); err != nil {
		zap.L().Warn("experiment: strategy update failed", zap.String("variant_id", variantID), zap.Error(err))
	}
}

// Insights reports per-variant counters, credible intervals and the chance
// each variant is best, plus the strategy's own summary.
func (s *Service) Insights(ctx context.Context, experimentID string) (*Insights, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	variants, err := s.store.LoadForOptimization(ctx, experimentID)
	if err != nil {
		return nil, metrics.CountIntegrity("insights", err)
	}

	out := &Insights{Experiment: *exp, Variants: make([]VariantInsight, len(variants))}
	arms := make([]stats.Arm, len(variants))
	for i, v := range variants {
		sc, fc := stateCounters(v.State)
		b, err := stats.CredibleBounds(sc, fc, 0.95)
		if err != nil {
			return nil, err
		}
		out.Variants[i] = VariantInsight{Variant: v.Variant, Bounds: b}
		arms[i] = stats.Arm{ID: v.ID, Success: sc, Failure: fc}
	}

	if len(arms) > 0 {
		s.rngMu.Lock()
		best, err := stats.ProbabilityBest(s.rng, arms, s.draws)
		s.rngMu.Unlock()
		if err != nil {
			return nil, err
		}
		top := -1.0
		for i := range out.Variants {
			p := best[out.Variants[i].ID]
			out.Variants[i].ProbabilityBest = p
			if p > top {
				top, out.Leader = p, out.Variants[i].ID
			}
		}
	}

	strat, err := s.factory.ForScope(exp.ID, exp.Strategy, exp.Config)
	if err != nil {
		return nil, err
	}
	out.Optimizer = vocab.SanitizeMap(strat.Insights())
	return out, nil
}

func stateCounters(state map[string]any) (success, failure float64) {
	success, failure = 1, 1
	if v, ok := state[strategy.KeySuccess].(float64); ok && v >= 0 {
		success = v
	}
	if v, ok := state[strategy.KeyFailure].(float64); ok && v >= 0 {
		failure = v
	}
	return success, failure
}
