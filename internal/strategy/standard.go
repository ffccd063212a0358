package strategy

import (
	"math/rand/v2"
	"sync"

	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// Standard picks uniformly at random and ignores rewards.
type Standard struct {
	mu         sync.Mutex
	rng        *rand.Rand
	selections int
	updates    int
}

// NewStandard returns a uniform allocator drawing from rng.
func NewStandard(rng *rand.Rand) *Standard {
	return &Standard{rng: rng}
}

func (s *Standard) Code() Code { return CodeStandard }

func (s *Standard) Select(options []Option, _ Context) (string, error) {
	if err := checkOptions(options); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections++
	return options[s.rng.IntN(len(options))].ID, nil
}

func (s *Standard) Update(string, float64, Context) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return nil
}

func (s *Standard) Insights() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vocab.SanitizeMap(map[string]any{
		"strategy":   string(CodeStandard),
		"selections": s.selections,
		"updates":    s.updates,
	})
}
