package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/stats"
)

// LowTrafficDaily is the expected daily traffic below which new experiments
// get FastLearning.
const LowTrafficDaily = 100

// ResolveCode maps a configured code to a known one. Unknown codes resolve
// to adaptive.
func ResolveCode(code string) Code {
	switch c := Code(strings.ToLower(strings.TrimSpace(code))); c {
	case CodeStandard, CodeAdaptive, CodeFastLearning, CodeSequential, CodeHybrid:
		return c
	default:
		if code != "" {
			zap.L().Warn("strategy: unknown code, using adaptive", zap.String("code", code))
		}
		return CodeAdaptive
	}
}

// AutoCode picks a strategy from the experiment type and expected traffic.
func AutoCode(kind model.ExperimentType, expectedDaily int) Code {
	switch {
	case kind == model.ExperimentTypeFunnel:
		return CodeSequential
	case expectedDaily < LowTrafficDaily:
		return CodeFastLearning
	default:
		return CodeAdaptive
	}
}

// Factory builds strategies and caches one instance per scope so counters
// accumulate across requests. Cached instances are rebuilt from stored
// state when evicted, so eviction only costs warm-up.
type Factory struct {
	mu       sync.Mutex
	defaults Params
	newRand  func() *rand.Rand
	cache    map[string]*cached
	now      func() time.Time
}

type cached struct {
	strategy Strategy
	lastUsed time.Time
}

// NewFactory returns a Factory. newRand may be nil, in which case every
// strategy gets an entropy-seeded stream.
func NewFactory(defaults Params, newRand func() *rand.Rand) *Factory {
	if newRand == nil {
		newRand = stats.NewRand
	}
	return &Factory{defaults: defaults, newRand: newRand, cache: make(map[string]*cached), now: time.Now}
}

// Defaults returns the service-wide parameters.
func (f *Factory) Defaults() Params {
	return f.defaults
}

// Create returns a new, uncached strategy.
func (f *Factory) Create(code string, cfg map[string]any) (Strategy, error) {
	p, err := ParseParams(cfg, f.defaults)
	if err != nil {
		return nil, err
	}
	return f.build(ResolveCode(code), p), nil
}

// CreateForExperimentType returns a new strategy chosen by AutoCode.
func (f *Factory) CreateForExperimentType(kind model.ExperimentType, expectedDaily int, cfg map[string]any) (Strategy, error) {
	return f.Create(string(AutoCode(kind, expectedDaily)), cfg)
}

// ForScope returns the cached strategy for scope, code and cfg, creating it
// on first use. A changed config yields a fresh instance.
func (f *Factory) ForScope(scope, code string, cfg map[string]any) (Strategy, error) {
	resolved := ResolveCode(code)
	key, err := cacheKey(scope, resolved, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache[key]; ok {
		c.lastUsed = f.now()
		return c.strategy, nil
	}
	p, err := ParseParams(cfg, f.defaults)
	if err != nil {
		return nil, err
	}
	s := f.build(resolved, p)
	f.cache[key] = &cached{strategy: s, lastUsed: f.now()}
	return s, nil
}

// EvictIdle drops strategies not requested within idle and returns how
// many were dropped.
func (f *Factory) EvictIdle(idle time.Duration) int {
	cutoff := f.now().Add(-idle)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.cache {
		if c.lastUsed.Before(cutoff) {
			delete(f.cache, k)
			n++
		}
	}
	return n
}

// Evict drops every cached strategy for scope.
func (f *Factory) Evict(scope string) {
	prefix := scope + "|"
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.cache {
		if strings.HasPrefix(k, prefix) {
			delete(f.cache, k)
		}
	}
}

func (f *Factory) build(code Code, p Params) Strategy {
	rng := f.newRand()
	switch code {
	case CodeStandard:
		return NewStandard(rng)
	case CodeFastLearning:
		return NewFastLearning(p, rng)
	case CodeSequential:
		return NewSequential(p, rng)
	case CodeHybrid:
		return NewHybrid(p, rng)
	default:
		return NewAdaptive(p, rng)
	}
}

// cacheKey treats a nil config like an empty one.
func cacheKey(scope string, code Code, cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", apperr.Wrap(err, apperr.InvalidArgument, "strategy: encode config")
	}
	sum := sha256.Sum256(raw)
	return scope + "|" + string(code) + "|" + hex.EncodeToString(sum[:8]), nil
}
