package strategy

import (
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/stats"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// Adaptive draws a posterior sample per option and picks the highest.
// Options with fewer than MinSamples observations get an exploration bonus
// of LearningRate * sqrt(ln(T+1)/(n+1)).
type Adaptive struct {
	mu         sync.Mutex
	rng        *rand.Rand
	params     Params
	arms       arms
	selections int
	updates    int
}

// NewAdaptive returns an Adaptive allocator.
func NewAdaptive(p Params, rng *rand.Rand) *Adaptive {
	return &Adaptive{rng: rng, params: p, arms: make(arms)}
}

func (a *Adaptive) Code() Code { return CodeAdaptive }

func (a *Adaptive) Select(options []Option, _ Context) (string, error) {
	if err := checkOptions(options); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make([]*arm, len(options))
	total := 0
	for i, opt := range options {
		counts[i] = a.arms.hydrate(opt)
		total += counts[i].samples
	}

	best, bestScore := 0, math.Inf(-1)
	for i, c := range counts {
		score, err := stats.SamplePosterior(a.rng, c.success, c.failure, a.bonus(c.samples, total))
		if err != nil {
			return "", err
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	a.selections++

	zap.L().Debug("strategy: adaptive pick",
		zap.String("option_id", options[best].ID),
		zap.Float64("score", bestScore),
		zap.Int("total_samples", total),
	)
	return options[best].ID, nil
}

func (a *Adaptive) bonus(n, total int) float64 {
	if n >= a.params.MinSamples {
		return 0
	}
	return a.params.LearningRate * math.Sqrt(math.Log(float64(total)+1)/float64(n+1))
}

func (a *Adaptive) Update(optionID string, reward float64, _ Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arms.get(optionID).record(reward)
	a.updates++
	return nil
}

func (a *Adaptive) Insights() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, c := range a.arms {
		total += c.samples
	}
	return vocab.SanitizeMap(map[string]any{
		"strategy":      string(CodeAdaptive),
		"selections":    a.selections,
		"updates":       a.updates,
		"total_samples": total,
		"options":       a.arms.summary(),
	})
}
