// Package funnel drives multi-step funnels: each user session walks the
// funnel's steps, the sequential strategy picks a variant per step using
// path history, and completed sessions feed path statistics.
package funnel

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/session"
	"github.com/sells-group/variant-optimizer/internal/store"
	"github.com/sells-group/variant-optimizer/internal/strategy"
)

// Rewards fed to the step allocator.
const (
	RewardAdvance  = 0.5
	RewardTerminal = 1.0
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is the persistence the funnel service needs.
type Store interface {
	store.ExperimentStore
	store.VariantStore
	store.PathStore
	store.FunnelStore
}

// StepRequest describes one funnel step and its variants.
type StepRequest struct {
	Name     string             `json:"name" yaml:"name" validate:"required,max=255"`
	Variants []model.NewVariant `json:"variants" yaml:"variants" validate:"min=1,unique=Name,dive"`
}

// CreateRequest describes a new funnel.
type CreateRequest struct {
	OwnerID string         `json:"owner_id" validate:"required,max=255"`
	Name    string         `json:"name" validate:"required,max=255"`
	Steps   []StepRequest  `json:"steps" validate:"min=1,dive"`
	Config  map[string]any `json:"config"`
}

// StartRequest opens a session.
type StartRequest struct {
	FunnelID string         `json:"funnel_id" validate:"required"`
	UserID   string         `json:"user_id" validate:"required,max=512"`
	Context  map[string]any `json:"context,omitempty"`
}

// Progress is the session's position in the funnel.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// StepChoice is the result of NextStepVariant.
type StepChoice struct {
	Completed bool              `json:"completed"`
	Step      *model.FunnelStep `json:"step,omitempty"`
	Variant   *model.Variant    `json:"variant,omitempty"`
	Progress  Progress          `json:"progress"`
}

// Service implements funnel operations.
type Service struct {
	store    Store
	sessions session.Store
	factory  *strategy.Factory
}

// NewService creates a Service.
func NewService(st Store, sessions session.Store, factory *strategy.Factory) *Service {
	return &Service{store: st, sessions: sessions, factory: factory}
}

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return apperr.New(apperr.InvalidArgument, "funnel: invalid request: %s", strings.Join(fields, ", "))
		}
		return apperr.Wrap(err, apperr.InvalidArgument, "funnel: invalid request")
	}
	return nil
}

// Create stores a funnel. Every step is backed by an active funnel-type
// experiment whose variants are the step's options.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Funnel, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := strategy.ParseParams(req.Config, s.factory.Defaults()); err != nil {
		return nil, err
	}

	f := &model.Funnel{
		OwnerID: req.OwnerID,
		Name:    req.Name,
		Status:  model.ExperimentActive,
		Config:  req.Config,
		Steps:   make([]model.FunnelStep, len(req.Steps)),
	}
	for i, step := range req.Steps {
		exp := &model.Experiment{
			OwnerID:  req.OwnerID,
			Name:     req.Name + " / " + step.Name,
			Type:     model.ExperimentTypeFunnel,
			Status:   model.ExperimentActive,
			Strategy: string(strategy.CodeSequential),
			Config:   req.Config,
		}
		if _, err := s.store.CreateExperiment(ctx, exp, step.Variants, strategy.InitialState()); err != nil {
			return nil, err
		}
		f.Steps[i] = model.FunnelStep{Name: step.Name, Order: i, ExperimentID: exp.ID}
	}
	if err := s.store.CreateFunnel(ctx, f); err != nil {
		return nil, err
	}
	zap.L().Info("funnel: created", zap.String("funnel_id", f.ID), zap.Int("steps", len(f.Steps)))
	return f, nil
}

// Get returns a funnel definition.
func (s *Service) Get(ctx context.Context, id string) (*model.Funnel, error) {
	return s.store.GetFunnel(ctx, id)
}

// Start opens a session for userID on an active funnel.
func (s *Service) Start(ctx context.Context, req StartRequest) (*model.FunnelSession, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	f, err := s.store.GetFunnel(ctx, req.FunnelID)
	if err != nil {
		return nil, err
	}
	if f.Status != model.ExperimentActive {
		return nil, apperr.New(apperr.Unavailable, "funnel: %s is %s", f.ID, f.Status)
	}
	now := time.Now().UTC()
	sess := &model.FunnelSession{
		ID:        uuid.New().String(),
		FunnelID:  f.ID,
		UserID:    req.UserID,
		Context:   req.Context,
		StartedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	metrics.FunnelEvents.WithLabelValues("started").Inc()
	return sess, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*model.FunnelSession, *model.Funnel, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.store.GetFunnel(ctx, sess.FunnelID)
	if err != nil {
		return nil, nil, err
	}
	return sess, f, nil
}

func (s *Service) sequential(f *model.Funnel) (strategy.Strategy, error) {
	return s.factory.ForScope(f.ID, string(strategy.CodeSequential), f.Config)
}

func progress(current, total int) Progress {
	p := Progress{Current: current, Total: total}
	if total > 0 {
		p.Percent = math.Round(float64(current)/float64(total)*1000) / 10
	}
	return p
}

// NextStepVariant returns the variant for the session's current step,
// choosing one on first call. Repeated calls for the same step return the
// same variant. Past the last step, or after a terminal conversion, it
// reports Completed.
func (s *Service) NextStepVariant(ctx context.Context, sessionID string) (*StepChoice, error) {
	sess, f, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Completed || sess.CurrentStep >= len(f.Steps) {
		return &StepChoice{Completed: true, Progress: progress(len(f.Steps), len(f.Steps))}, nil
	}
	step := f.Steps[sess.CurrentStep]

	if len(sess.Selections) > sess.CurrentStep {
		v, err := s.store.LoadPublic(ctx, sess.Selections[sess.CurrentStep])
		if err != nil {
			return nil, err
		}
		return &StepChoice{Step: &step, Variant: v, Progress: progress(sess.CurrentStep+1, len(f.Steps))}, nil
	}

	variants, err := s.store.LoadForOptimization(ctx, step.ExperimentID)
	if err != nil {
		return nil, metrics.CountIntegrity("funnel_step", err)
	}
	strat, err := s.sequential(f)
	if err != nil {
		return nil, err
	}
	previous := sess.Selections[:sess.CurrentStep]
	if err := s.hydratePaths(ctx, f.ID, strat, previous, variants); err != nil {
		return nil, err
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
	chosenID, err := strat.Select(options, strategy.Context{
		StepID:             step.ID,
		StepOrder:          step.Order,
		PreviousSelections: previous,
		FunnelID:           f.ID,
		User:               sess.Context,
	})
	metrics.ObserveSelect(string(strategy.CodeSequential), started)
	if err != nil {
		return nil, err
	}
	chosen := byID[chosenID]

	if err := s.store.UpdateState(ctx, chosen.ID, strategy.RecordExposure(chosen.State)); err != nil {
		return nil, err
	}
	if err := s.store.IncrementAllocation(ctx, chosen.ID); err != nil {
		return nil, err
	}

	sess.Selections = append(sess.Selections[:sess.CurrentStep], chosen.ID)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	metrics.FunnelEvents.WithLabelValues("step").Inc()

	pub := chosen.Variant
	pub.TotalAllocations++
	pub.ObservedConversionRate = model.ConversionRate(pub.TotalConversions, pub.TotalAllocations)
	return &StepChoice{Step: &step, Variant: &pub, Progress: progress(sess.CurrentStep+1, len(f.Steps))}, nil
}

// hydratePaths loads stored history for every path this step could extend
// into the funnel's sequential strategy.
func (s *Service) hydratePaths(ctx context.Context, funnelID string, strat strategy.Strategy, previous []string, variants []model.OptimizationVariant) error {
	seq, ok := strat.(*strategy.Sequential)
	if !ok || len(variants) == 0 {
		return nil
	}
	candidates := make([][]string, len(variants))
	for i, v := range variants {
		candidates[i] = append(append(make([]string, 0, len(previous)+1), previous...), v.ID)
	}
	paths, err := s.store.FindPaths(ctx, funnelID, candidates)
	if err != nil {
		return metrics.CountIntegrity("funnel_paths", err)
	}
	for _, p := range paths {
		seq.SetPath(p.Path, p.Attempts, p.Conversions)
	}
	return nil
}

// RecordStepCompletion reports the outcome of the current step. A terminal
// conversion rewards the step's variant fully and keeps the session on the
// step; otherwise the variant gets the advance reward and the session moves
// on. The session stays open until RecordFunnelConversion or Exit.
func (s *Service) RecordStepCompletion(ctx context.Context, sessionID string, converted bool, meta map[string]any) error {
	sess, f, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Completed {
		return apperr.New(apperr.InvalidArgument, "funnel: session %s already converted", sess.ID)
	}
	if sess.CurrentStep >= len(f.Steps) || len(sess.Selections) <= sess.CurrentStep {
		return apperr.New(apperr.InvalidArgument, "funnel: session %s has no open step", sess.ID)
	}
	step := f.Steps[sess.CurrentStep]
	variantID := sess.Selections[sess.CurrentStep]

	reward := RewardAdvance
	if converted {
		reward = RewardTerminal
	}
	strat, err := s.sequential(f)
	if err != nil {
		return err
	}

	// The cached strategy only learns once the store has the reward, so a
	// failed write leaves nothing to undo and a retry is not counted twice.
	v, err := s.store.LoadVariantForOptimization(ctx, variantID)
	if err != nil {
		return metrics.CountIntegrity("funnel_step", err)
	}
	if err := s.store.UpdateState(ctx, variantID, strategy.RecordReward(v.State, reward)); err != nil {
		return err
	}
	s.feed(strat, variantID, reward, strategy.Context{
		StepID:             step.ID,
		StepOrder:          step.Order,
		PreviousSelections: sess.Selections[:sess.CurrentStep],
		FullPath:           sess.Selections,
		FunnelID:           f.ID,
	})

	log := zap.L().With(zap.String("session_id", sess.ID), zap.String("step_id", step.ID))
	if converted {
		sess.Completed = true
		metrics.FunnelEvents.WithLabelValues("completed").Inc()
		log.Debug("funnel: terminal step conversion", zap.Any("meta", meta))
		return s.sessions.Save(ctx, sess)
	}

	sess.CurrentStep++
	metrics.FunnelEvents.WithLabelValues("advanced").Inc()
	log.Debug("funnel: step advanced", zap.Int("current_step", sess.CurrentStep))
	return s.sessions.Save(ctx, sess)
}

// Exit ends a session without a conversion. A session that was shown at
// least one variant counts as a non-converting attempt of its path.
func (s *Service) Exit(ctx context.Context, sessionID string) error {
	sess, f, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(sess.Selections) > 0 {
		if err := s.recordPath(ctx, f.ID, sess.Selections, false); err != nil {
			return err
		}
	}
	metrics.FunnelEvents.WithLabelValues("exited").Inc()
	return s.sessions.Delete(ctx, sess.ID)
}

// RecordFunnelConversion credits every variant on the session's path,
// records the path as converted and ends the session.
func (s *Service) RecordFunnelConversion(ctx context.Context, sessionID string, value float64) error {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return apperr.New(apperr.InvalidArgument, "funnel: conversion value must be a finite non-negative number")
	}
	sess, f, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(sess.Selections) == 0 {
		return apperr.New(apperr.InvalidArgument, "funnel: session %s has no selections", sess.ID)
	}
	strat, err := s.sequential(f)
	if err != nil {
		return err
	}

	// Selections before the current step were credited when the session
	// advanced; so was the current one if it converted at the step.
	credited := sess.CurrentStep
	if sess.Completed {
		credited++
	}
	// Every state is read before anything is written, so a corrupt blob
	// fails the conversion without leaving partial increments behind.
	states := make([]map[string]any, len(sess.Selections))
	g, gctx := errgroup.WithContext(ctx)
	for i := credited; i < len(sess.Selections); i++ {
		g.Go(func() error {
			v, err := s.store.LoadVariantForOptimization(gctx, sess.Selections[i])
			if err != nil {
				return metrics.CountIntegrity("funnel_convert", err)
			}
			states[i] = v.State
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for i, id := range sess.Selections {
		g.Go(func() error {
			if i >= credited {
				if err := s.store.UpdateState(gctx, id, strategy.RecordReward(states[i], RewardTerminal)); err != nil {
					return err
				}
			}
			return s.store.IncrementConversion(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.recordPath(ctx, f.ID, sess.Selections, true); err != nil {
		return err
	}

	reward := value
	if reward == 0 {
		reward = RewardTerminal
	}
	for i, id := range sess.Selections {
		c := strategy.Context{
			PreviousSelections: sess.Selections[:i],
			FullPath:           sess.Selections,
			FinalConversion:    true,
			FunnelID:           f.ID,
		}
		if i < len(f.Steps) {
			c.StepID, c.StepOrder = f.Steps[i].ID, f.Steps[i].Order
		}
		s.feed(strat, id, reward, c)
	}
	metrics.FunnelEvents.WithLabelValues("converted").Inc()
	zap.L().Info("funnel: conversion recorded",
		zap.String("funnel_id", f.ID),
		zap.String("session_id", sess.ID),
		zap.Int("path_length", len(sess.Selections)),
		zap.Float64("value", value),
	)
	return s.sessions.Delete(ctx, sess.ID)
}

// feed applies an outcome the store already holds to the cached strategy.
// The store stays authoritative, so a rejected update is only logged.
func (s *Service) feed(strat strategy.Strategy, optionID string, reward float64, c strategy.Context) {
	if err := strat.Update(optionID, reward, c); err != nil {
		zap.L().Warn("funnel: strategy update failed",
			zap.String("funnel_id", c.FunnelID),
			zap.String("option_id", optionID),
			zap.Error(err),
		)
	}
}

func (s *Service) recordPath(ctx context.Context, funnelID string, path []string, converted bool) error {
	p, err := s.store.GetOrCreatePath(ctx, funnelID, path)
	if err != nil {
		return metrics.CountIntegrity("funnel_paths", err)
	}
	return s.store.UpdatePath(ctx, p.ID, converted, strategy.RecordOutcome(p.State, converted))
}

// StrategyIdleTimeout is how long a cached strategy may go unused before
// the reaper drops it.
const StrategyIdleTimeout = time.Hour

// ReapExpired drops idle sessions, whose partial paths are discarded, and
// strategies nobody has asked for within StrategyIdleTimeout.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	n, err := s.sessions.Reap(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.FunnelEvents.WithLabelValues("reaped").Add(float64(n))
	}
	if evicted := s.factory.EvictIdle(StrategyIdleTimeout); evicted > 0 {
		zap.L().Debug("funnel: evicted idle strategies", zap.Int("count", evicted))
	}
	return n, nil
}

// RunReaper calls ReapExpired every interval until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "funnel.reaper"))
	log.Info("starting session reaper", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("session reaper stopped")
			return
		case <-ticker.C:
			n, err := s.ReapExpired(ctx)
			if err != nil {
				log.Error("funnel: reap sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("funnel: reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}
