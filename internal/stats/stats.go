// Package stats holds the Bayesian primitives the allocation strategies are
// built on: posterior draws, credible bounds and the Monte Carlo estimate of
// which option is best. Every function takes the caller's random stream so
// results are reproducible under a fixed seed.
package stats

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

// DefaultDraws is the Monte Carlo sample count used by ProbabilityBest.
const DefaultDraws = 10000

// Bounds is a credible interval around the posterior mean.
type Bounds struct {
	Expected float64 `json:"expected"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// Arm is one option's success and failure counts.
type Arm struct {
	ID      string
	Success float64
	Failure float64
}

// NewRand returns a generator seeded from the runtime's entropy source.
func NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewSeededRand returns a deterministic generator.
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// SamplePosterior draws from Beta(s+1, f+1) and adds bonus.
func SamplePosterior(rng *rand.Rand, s, f, bonus float64) (float64, error) {
	if err := checkCounts(s, f); err != nil {
		return 0, err
	}
	if math.IsNaN(bonus) || bonus < 0 {
		return 0, apperr.New(apperr.InvalidArgument, "stats: bonus must be non-negative, got %v", bonus)
	}
	return posterior(rng, s, f).Rand() + bonus, nil
}

// CredibleBounds returns the posterior mean (s+1)/(s+f+2) and the symmetric
// two-sided interval of Beta(s+1, f+1) holding mass level.
func CredibleBounds(s, f, level float64) (Bounds, error) {
	if err := checkCounts(s, f); err != nil {
		return Bounds{}, err
	}
	if math.IsNaN(level) || level <= 0 || level >= 1 {
		return Bounds{}, apperr.New(apperr.InvalidArgument, "stats: level must be in (0,1), got %v", level)
	}
	d := posterior(nil, s, f)
	tail := (1 - level) / 2
	return Bounds{
		Expected: (s + 1) / (s + f + 2),
		Lower:    d.Quantile(tail),
		Upper:    d.Quantile(1 - tail),
	}, nil
}

// ProbabilityBest estimates, for each arm, the probability that its true rate
// is the highest. Each of n joint draws credits the arm with the strictly
// greatest sample; ties go to the arm listed first.
func ProbabilityBest(rng *rand.Rand, arms []Arm, n int) (map[string]float64, error) {
	if len(arms) == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "stats: no arms")
	}
	if n <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "stats: draw count must be positive, got %d", n)
	}
	dists := make([]distuv.Beta, len(arms))
	for i, a := range arms {
		if err := checkCounts(a.Success, a.Failure); err != nil {
			return nil, err
		}
		dists[i] = posterior(rng, a.Success, a.Failure)
	}

	wins := make([]int, len(arms))
	for d := 0; d < n; d++ {
		best := 0
		bestSample := dists[0].Rand()
		for i := 1; i < len(dists); i++ {
			if s := dists[i].Rand(); s > bestSample {
				best, bestSample = i, s
			}
		}
		wins[best]++
	}

	out := make(map[string]float64, len(arms))
	for i, a := range arms {
		out[a.ID] += float64(wins[i]) / float64(n)
	}
	return out, nil
}

func posterior(rng *rand.Rand, s, f float64) distuv.Beta {
	d := distuv.Beta{Alpha: s + 1, Beta: f + 1}
	if rng != nil {
		d.Src = rng
	}
	return d
}

func checkCounts(s, f float64) error {
	if math.IsNaN(s) || math.IsNaN(f) || s < 0 || f < 0 {
		return apperr.New(apperr.InvalidArgument, "stats: counts must be non-negative, got s=%v f=%v", s, f)
	}
	return nil
}
