package strategy

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

const (
	// MaxPathWeight caps how much a path's history can outweigh the
	// option's own performance.
	MaxPathWeight = 0.7
	// PathWeightScale is the sample size at which path weight saturates
	// before the cap applies.
	PathWeightScale = 100.0
	// MinPathConfidence is the sample size below which path history is
	// ignored.
	MinPathConfidence = 10
)

// PathKey joins an ordered path of option ids.
func PathKey(path []string) string {
	return strings.Join(path, "->")
}

// PathWeight returns min(confidence/100, 0.7), or 0 below 10.
func PathWeight(confidence int64) float64 {
	if confidence < MinPathConfidence {
		return 0
	}
	return math.Min(float64(confidence)/PathWeightScale, MaxPathWeight)
}

type pathRecord struct {
	steps       int
	attempts    int64
	conversions int64
}

func (r *pathRecord) rate() float64 {
	if r.attempts == 0 {
		return 0
	}
	return float64(r.conversions) / float64(r.attempts)
}

// sampleSize counts step-level observations: every attempt of a path
// observed each of its steps.
func (r *pathRecord) sampleSize() int64 {
	return r.attempts * int64(r.steps)
}

// Sequential allocates funnel steps. Each step has its own Adaptive
// allocator; before it runs, every option's performance is blended with the
// conversion rate of the path it would complete.
type Sequential struct {
	mu         sync.Mutex
	rng        *rand.Rand
	params     Params
	steps      map[string]*Adaptive
	paths      map[string]*pathRecord
	selections int
	updates    int
}

// NewSequential returns a Sequential allocator.
func NewSequential(p Params, rng *rand.Rand) *Sequential {
	return &Sequential{
		rng:    rng,
		params: p,
		steps:  make(map[string]*Adaptive),
		paths:  make(map[string]*pathRecord),
	}
}

func (s *Sequential) Code() Code { return CodeSequential }

func (s *Sequential) step(id string) *Adaptive {
	a, ok := s.steps[id]
	if !ok {
		a = NewAdaptive(s.params, rand.New(rand.NewPCG(s.rng.Uint64(), s.rng.Uint64())))
		s.steps[id] = a
	}
	return a
}

// SetPath loads persisted history for a path, replacing what this instance
// has tracked for it.
func (s *Sequential) SetPath(path []string, attempts, conversions int64) {
	if len(path) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[PathKey(path)] = &pathRecord{steps: len(path), attempts: attempts, conversions: conversions}
}

func (s *Sequential) Select(options []Option, c Context) (string, error) {
	if err := checkOptions(options); err != nil {
		return "", err
	}
	if c.StepID == "" {
		return "", apperr.New(apperr.InvalidArgument, "strategy: step id is required")
	}

	s.mu.Lock()
	enriched := make([]Option, len(options))
	for i, opt := range options {
		perf := clamp01(opt.Performance)
		if st, ft, n, ok := stateCounts(opt.State); ok && n > 0 {
			perf = clamp01((st - 1) / math.Max(st+ft-2, 1))
		}
		blended := perf
		path := append(append(make([]string, 0, len(c.PreviousSelections)+1), c.PreviousSelections...), opt.ID)
		if rec, ok := s.paths[PathKey(path)]; ok {
			w := PathWeight(rec.sampleSize())
			blended = (1-w)*perf + w*rec.rate()
		}
		enriched[i] = Option{ID: opt.ID, Performance: blended, Samples: optionSamples(opt)}
	}
	allocator := s.step(c.StepID)
	s.selections++
	s.mu.Unlock()

	id, err := allocator.Select(enriched, c)
	if err != nil {
		return "", err
	}
	zap.L().Debug("strategy: sequential pick",
		zap.String("step_id", c.StepID),
		zap.Int("step_order", c.StepOrder),
		zap.String("option_id", id),
	)
	return id, nil
}

func (s *Sequential) Update(optionID string, reward float64, c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.StepID != "" {
		if err := s.step(c.StepID).Update(optionID, reward, c); err != nil {
			return err
		}
	}
	if len(c.FullPath) > 0 {
		key := PathKey(c.FullPath)
		rec, ok := s.paths[key]
		if !ok {
			rec = &pathRecord{steps: len(c.FullPath)}
			s.paths[key] = rec
		}
		rec.attempts++
		if reward > 0 {
			rec.conversions++
		}
	}
	s.updates++
	return nil
}

func (s *Sequential) Insights() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		key string
		rec *pathRecord
	}
	all := make([]ranked, 0, len(s.paths))
	for k, r := range s.paths {
		all = append(all, ranked{k, r})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rec.rate() != all[j].rec.rate() {
			return all[i].rec.rate() > all[j].rec.rate()
		}
		return all[i].key < all[j].key
	})
	top := make([]any, 0, 5)
	for _, r := range all[:min(5, len(all))] {
		top = append(top, map[string]any{
			"path":            r.key,
			"attempts":        r.rec.attempts,
			"conversions":     r.rec.conversions,
			"conversion_rate": r.rec.rate(),
			"sample_size":     r.rec.sampleSize(),
		})
	}
	return vocab.SanitizeMap(map[string]any{
		"strategy":      string(CodeSequential),
		"selections":    s.selections,
		"updates":       s.updates,
		"steps":         len(s.steps),
		"tracked_paths": len(s.paths),
		"top_paths":     top,
	})
}
