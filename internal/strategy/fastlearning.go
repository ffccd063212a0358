package strategy

import (
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// FastLearning explores with a probability that decays with traffic and
// otherwise exploits the option with the best confidence-weighted rate.
type FastLearning struct {
	mu           sync.Mutex
	rng          *rand.Rand
	params       Params
	arms         arms
	selections   int
	explorations int
	updates      int
}

// NewFastLearning returns a FastLearning allocator.
func NewFastLearning(p Params, rng *rand.Rand) *FastLearning {
	return &FastLearning{rng: rng, params: p, arms: make(arms)}
}

func (f *FastLearning) Code() Code { return CodeFastLearning }

// explorationRate is max(rate * decay^total, min_exploration).
func (f *FastLearning) explorationRate(total int) float64 {
	return math.Max(f.params.ExplorationRate*math.Pow(f.params.Decay, float64(total)), f.params.MinExploration)
}

func (f *FastLearning) Select(options []Option, _ Context) (string, error) {
	if err := checkOptions(options); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make([]*arm, len(options))
	total := 0
	for i, opt := range options {
		counts[i] = f.arms.hydrate(opt)
		total += counts[i].samples
	}
	f.selections++

	if f.rng.Float64() < f.explorationRate(total) {
		f.explorations++
		return options[f.explore(counts)].ID, nil
	}

	best, bestScore := 0, math.Inf(-1)
	for i, c := range counts {
		score := c.rate() * math.Min(float64(c.samples)/f.params.ConfidenceThreshold, 1)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	zap.L().Debug("strategy: fast learning pick",
		zap.String("option_id", options[best].ID),
		zap.Float64("score", bestScore),
	)
	return options[best].ID, nil
}

// explore favors under-sampled options: anything within 1.5x of the least
// sampled one.
func (f *FastLearning) explore(counts []*arm) int {
	minN := counts[0].samples
	for _, c := range counts[1:] {
		minN = min(minN, c.samples)
	}
	var candidates []int
	for i, c := range counts {
		if float64(c.samples) <= 1.5*float64(minN) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return f.rng.IntN(len(counts))
	}
	return candidates[f.rng.IntN(len(candidates))]
}

func (f *FastLearning) Update(optionID string, reward float64, _ Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms.get(optionID).record(reward)
	f.updates++
	return nil
}

func (f *FastLearning) Insights() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, c := range f.arms {
		total += c.samples
	}
	return vocab.SanitizeMap(map[string]any{
		"strategy":            string(CodeFastLearning),
		"selections":          f.selections,
		"explorations":        f.explorations,
		"updates":             f.updates,
		"total_samples":       total,
		"current_exploration": f.explorationRate(total),
		"options":             f.arms.summary(),
	})
}
