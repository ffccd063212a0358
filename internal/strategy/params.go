package strategy

import (
	"github.com/go-viper/mapstructure/v2"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

// Params tunes the strategies. Experiment config maps are decoded on top of
// the service defaults.
type Params struct {
	MinSamples          int     `mapstructure:"min_samples" yaml:"min_samples"`
	LearningRate        float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	ExplorationRate     float64 `mapstructure:"exploration_rate" yaml:"exploration_rate"`
	Decay               float64 `mapstructure:"decay" yaml:"decay"`
	MinExploration      float64 `mapstructure:"min_exploration" yaml:"min_exploration"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	SwitchInterval      int     `mapstructure:"switch_interval" yaml:"switch_interval"`
	LowTrafficThreshold int     `mapstructure:"low_traffic_threshold" yaml:"low_traffic_threshold"`
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		MinSamples:          30,
		LearningRate:        0.1,
		ExplorationRate:     0.15,
		Decay:               0.995,
		MinExploration:      0.01,
		ConfidenceThreshold: 100,
		SwitchInterval:      100,
		LowTrafficThreshold: 50,
	}
}

// ParseParams decodes cfg over defaults. Unknown keys are ignored; values of
// the wrong shape or out of range fail with InvalidArgument.
func ParseParams(cfg map[string]any, defaults Params) (Params, error) {
	p := defaults
	if len(cfg) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &p,
		})
		if err != nil {
			return defaults, apperr.Wrap(err, apperr.Internal, "strategy: build config decoder")
		}
		if err := dec.Decode(cfg); err != nil {
			return defaults, apperr.Wrap(err, apperr.InvalidArgument, "strategy: decode config")
		}
	}
	if err := p.Validate(); err != nil {
		return defaults, err
	}
	return p, nil
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.MinSamples < 0:
		return apperr.New(apperr.InvalidArgument, "strategy: min_samples must be >= 0")
	case p.LearningRate < 0:
		return apperr.New(apperr.InvalidArgument, "strategy: learning_rate must be >= 0")
	case p.ExplorationRate < 0 || p.ExplorationRate > 1:
		return apperr.New(apperr.InvalidArgument, "strategy: exploration_rate must be in [0,1]")
	case p.Decay <= 0 || p.Decay > 1:
		return apperr.New(apperr.InvalidArgument, "strategy: decay must be in (0,1]")
	case p.MinExploration < 0 || p.MinExploration > 1:
		return apperr.New(apperr.InvalidArgument, "strategy: min_exploration must be in [0,1]")
	case p.ConfidenceThreshold <= 0:
		return apperr.New(apperr.InvalidArgument, "strategy: confidence_threshold must be > 0")
	case p.SwitchInterval <= 0:
		return apperr.New(apperr.InvalidArgument, "strategy: switch_interval must be > 0")
	case p.LowTrafficThreshold < 0:
		return apperr.New(apperr.InvalidArgument, "strategy: low_traffic_threshold must be >= 0")
	}
	return nil
}
