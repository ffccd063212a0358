package strategy

import (
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/vocab"
)

// Hybrid delegates to FastLearning while traffic is thin and to Adaptive
// once it is not. The mode is re-evaluated every SwitchInterval selections.
type Hybrid struct {
	mu       sync.Mutex
	params   Params
	adaptive *Adaptive
	fast     *FastLearning
	mode     Code
	calls    int
	switches int
	lastSeen int
}

// NewHybrid returns a Hybrid allocator starting in adaptive mode.
func NewHybrid(p Params, rng *rand.Rand) *Hybrid {
	return &Hybrid{
		params:   p,
		adaptive: NewAdaptive(p, rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))),
		fast:     NewFastLearning(p, rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))),
		mode:     CodeAdaptive,
	}
}

func (h *Hybrid) Code() Code { return CodeHybrid }

// Mode returns the allocator currently in charge.
func (h *Hybrid) Mode() Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *Hybrid) Select(options []Option, c Context) (string, error) {
	if err := checkOptions(options); err != nil {
		return "", err
	}
	h.mu.Lock()
	h.calls++
	if h.calls%h.params.SwitchInterval == 0 {
		total := 0
		for _, opt := range options {
			total += optionSamples(opt)
		}
		h.lastSeen = total
		next := CodeAdaptive
		if total < h.params.LowTrafficThreshold {
			next = CodeFastLearning
		}
		if next != h.mode {
			zap.L().Info("strategy: hybrid mode change",
				zap.String("from", string(h.mode)),
				zap.String("to", string(next)),
				zap.Int("total_samples", total),
			)
			h.mode = next
			h.switches++
		}
	}
	var current Strategy = h.adaptive
	if h.mode == CodeFastLearning {
		current = h.fast
	}
	h.mu.Unlock()

	return current.Select(options, c)
}

// Update feeds both allocators so either can take over with full history.
func (h *Hybrid) Update(optionID string, reward float64, c Context) error {
	if err := h.adaptive.Update(optionID, reward, c); err != nil {
		return err
	}
	return h.fast.Update(optionID, reward, c)
}

func (h *Hybrid) Insights() map[string]any {
	h.mu.Lock()
	out := map[string]any{
		"strategy":      string(CodeHybrid),
		"current_mode":  string(h.mode),
		"mode_switches": h.switches,
		"selections":    h.calls,
		"total_samples": h.lastSeen,
	}
	h.mu.Unlock()
	out["modes"] = map[string]any{
		string(CodeAdaptive):     h.adaptive.Insights(),
		string(CodeFastLearning): h.fast.Insights(),
	}
	return vocab.SanitizeMap(out)
}
