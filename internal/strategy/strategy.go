// Package strategy implements the allocation strategies behind one
// interface: Standard (uniform), Adaptive (Bayesian posterior sampling with a
// small-sample bonus), FastLearning (decaying exploration), Sequential
// (funnel paths) and Hybrid (switches between Adaptive and FastLearning on
// traffic volume).
//
// Strategies are stateful and safe for concurrent use; each instance guards
// its counters with its own mutex and draws from its own random stream.
package strategy

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

// Code names a strategy.
type Code string

const (
	CodeStandard     Code = "standard"
	CodeAdaptive     Code = "adaptive"
	CodeFastLearning Code = "fast_learning"
	CodeSequential   Code = "sequential"
	CodeHybrid       Code = "hybrid"
)

// State keys shared by variant and path state blobs.
const (
	KeySuccess     = "success_count"
	KeyFailure     = "failure_count"
	KeySamples     = "samples"
	KeyLastUpdated = "last_updated"
)

// Option is one candidate offered to Select.
type Option struct {
	ID          string
	Performance float64
	Samples     int
	State       map[string]any
}

// Context carries request details. Sequential requires StepID and uses
// PreviousSelections; FullPath on Update attributes the reward to a path.
type Context struct {
	StepID             string
	StepOrder          int
	PreviousSelections []string
	FullPath           []string
	FinalConversion    bool
	FunnelID           string
	User               map[string]any
}

// Strategy is the contract every allocator satisfies.
type Strategy interface {
	Code() Code
	Select(options []Option, c Context) (string, error)
	Update(optionID string, reward float64, c Context) error
	Insights() map[string]any
}

func checkOptions(options []Option) error {
	if len(options) == 0 {
		return apperr.New(apperr.InvalidArgument, "strategy: no options to select from")
	}
	return nil
}

// arm is the per-option counter pair plus its sample count.
type arm struct {
	success float64
	failure float64
	samples int
}

func newArm() *arm {
	return &arm{success: 1, failure: 1}
}

func (a *arm) record(reward float64) {
	a.samples++
	if reward > 0 {
		a.success++
	} else {
		a.failure++
	}
}

func (a *arm) rate() float64 {
	if a.success+a.failure == 0 {
		return 0
	}
	return a.success / (a.success + a.failure)
}

// arms indexes counters by option id.
type arms map[string]*arm

func (m arms) get(id string) *arm {
	a, ok := m[id]
	if !ok {
		a = newArm()
		m[id] = a
	}
	return a
}

// hydrate refreshes the counters for opt from the most authoritative
// source available: persisted state, then observed performance over
// opt.Samples, then whatever this instance accumulated itself.
func (m arms) hydrate(opt Option) *arm {
	a := m.get(opt.ID)
	if s, f, n, ok := stateCounts(opt.State); ok {
		a.success, a.failure, a.samples = s, f, n
		return a
	}
	if opt.Samples > 0 {
		perf := clamp01(opt.Performance)
		n := float64(opt.Samples)
		a.success = 1 + perf*n
		a.failure = 1 + (1-perf)*n
		a.samples = opt.Samples
	}
	return a
}

func (m arms) summary() map[string]any {
	out := make(map[string]any, len(m))
	for id, a := range m {
		out[id] = map[string]any{
			KeySamples:      a.samples,
			KeySuccess:      a.success,
			KeyFailure:      a.failure,
			"expected_rate": a.rate(),
		}
	}
	return out
}

// optionSamples returns the sample count an option reports, preferring
// persisted state.
func optionSamples(opt Option) int {
	if _, _, n, ok := stateCounts(opt.State); ok {
		return n
	}
	return opt.Samples
}

func stateCounts(state map[string]any) (success, failure float64, samples int, ok bool) {
	if state == nil {
		return 0, 0, 0, false
	}
	s, okS := toFloat(state[KeySuccess])
	f, okF := toFloat(state[KeyFailure])
	if !okS || !okF || s < 0 || f < 0 {
		return 0, 0, 0, false
	}
	n, okN := toFloat(state[KeySamples])
	if !okN || n < 0 {
		n = math.Max(s+f-2, 0)
	}
	return s, f, int(n), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// InitialState is the state blob stored for a new variant or path.
func InitialState() map[string]any {
	return map[string]any{
		KeySuccess:     1.0,
		KeyFailure:     1.0,
		KeySamples:     0.0,
		KeyLastUpdated: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// RecordExposure returns a copy of state after one more allocation. The
// allocation is counted as a provisional failure until a reward arrives.
func RecordExposure(state map[string]any) map[string]any {
	out := normalized(state)
	out[KeySamples] = out[KeySamples].(float64) + 1
	out[KeyFailure] = out[KeyFailure].(float64) + 1
	return touch(out)
}

// RecordReward returns a copy of state after a reward for a previously
// exposed allocation. A positive reward converts one provisional failure
// into a success.
func RecordReward(state map[string]any, reward float64) map[string]any {
	out := normalized(state)
	if reward > 0 {
		out[KeySuccess] = out[KeySuccess].(float64) + 1
		if f := out[KeyFailure].(float64); f > 1 {
			out[KeyFailure] = f - 1
		}
	}
	return touch(out)
}

// RecordOutcome returns a copy of state after one complete observation.
func RecordOutcome(state map[string]any, converted bool) map[string]any {
	out := normalized(state)
	out[KeySamples] = out[KeySamples].(float64) + 1
	if converted {
		out[KeySuccess] = out[KeySuccess].(float64) + 1
	} else {
		out[KeyFailure] = out[KeyFailure].(float64) + 1
	}
	return touch(out)
}

func normalized(state map[string]any) map[string]any {
	out := make(map[string]any, len(state)+4)
	for k, v := range state {
		out[k] = v
	}
	s, f, n, ok := stateCounts(state)
	if !ok {
		s, f, n = 1, 1, 0
	}
	out[KeySuccess] = s
	out[KeyFailure] = f
	out[KeySamples] = float64(n)
	return out
}

func touch(state map[string]any) map[string]any {
	state[KeyLastUpdated] = time.Now().UTC().Format(time.RFC3339Nano)
	return state
}
