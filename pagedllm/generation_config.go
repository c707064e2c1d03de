package pagedllm

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by all GenerationConfig validation failures.
var ErrInvalidConfig = errors.New("invalid generation config")

// DecodingStrategy identifies how next tokens are chosen for a request.
type DecodingStrategy int

const (
	StrategyGreedy DecodingStrategy = iota
	StrategyBeamSearch
	StrategyMultinomial
)

func (d DecodingStrategy) String() string {
	switch d {
	case StrategyGreedy:
		return "greedy"
	case StrategyBeamSearch:
		return "beam_search"
	case StrategyMultinomial:
		return "multinomial"
	default:
		return "unknown"
	}
}

// StopCriteria controls when beam search stops extending live beams.
type StopCriteria int

const (
	// StopHeuristic stops a beam group once no live beam can beat the
	// worst kept finished beam under the current length penalty.
	StopHeuristic StopCriteria = iota
	// StopEarly stops as soon as enough finished beams are collected.
	StopEarly
	// StopNever keeps extending until max_new_tokens.
	StopNever
)

// GenerationConfig holds per-request decoding parameters.
// Exactly one strategy (greedy / beam search / multinomial) is active,
// derived deterministically from the field combination via Strategy().
type GenerationConfig struct {
	MaxNewTokens int
	IgnoreEOS    bool

	// Beam search
	NumBeams           int
	NumBeamGroups      int
	DiversityPenalty   float64
	LengthPenalty      float64
	StopCriteria       StopCriteria
	NumReturnSequences int

	RepetitionPenalty float64

	// Multinomial
	DoSample    bool
	Temperature float64
	TopK        int
	TopP        float64
}

// GenerationOption is a functional option for GenerationConfig.
type GenerationOption func(*GenerationConfig)

// NewGenerationConfig creates a GenerationConfig with defaults and applies
// the given options. Validation is deferred to request admission.
func NewGenerationConfig(opts ...GenerationOption) *GenerationConfig {
	gc := &GenerationConfig{
		MaxNewTokens:       30,
		NumBeams:           1,
		NumBeamGroups:      1,
		DiversityPenalty:   0.0,
		LengthPenalty:      1.0,
		StopCriteria:       StopHeuristic,
		NumReturnSequences: 1,
		RepetitionPenalty:  1.0,
		Temperature:        1.0,
		TopK:               0,
		TopP:               1.0,
	}
	for _, opt := range opts {
		opt(gc)
	}
	return gc
}

// Greedy returns the greedy decoding preset.
func Greedy() *GenerationConfig {
	return NewGenerationConfig()
}

// BeamSearch returns a diverse beam search preset.
func BeamSearch() *GenerationConfig {
	return NewGenerationConfig(
		WithNumBeams(6),
		WithNumBeamGroups(3),
		WithDiversityPenalty(1.0),
		WithNumReturnSequences(3),
	)
}

// Multinomial returns a random sampling preset.
func Multinomial() *GenerationConfig {
	return NewGenerationConfig(
		WithDoSample(true),
		WithTemperature(0.8),
		WithTopK(20),
		WithTopP(0.9),
	)
}

// Strategy derives the active decoding strategy from the field combination.
func (gc *GenerationConfig) Strategy() DecodingStrategy {
	if gc.NumBeams > 1 {
		return StrategyBeamSearch
	}
	if gc.DoSample {
		return StrategyMultinomial
	}
	return StrategyGreedy
}

// Validate rejects contradictory field combinations with a descriptive error.
// Called at request admission, never deferred into scheduling.
func (gc *GenerationConfig) Validate() error {
	if gc.MaxNewTokens <= 0 {
		return fmt.Errorf("%w: max_new_tokens must be positive, got %d", ErrInvalidConfig, gc.MaxNewTokens)
	}
	if gc.NumBeams < 1 {
		return fmt.Errorf("%w: num_beams must be >= 1, got %d", ErrInvalidConfig, gc.NumBeams)
	}
	if gc.NumReturnSequences < 1 {
		return fmt.Errorf("%w: num_return_sequences must be >= 1, got %d", ErrInvalidConfig, gc.NumReturnSequences)
	}
	if gc.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition_penalty must be positive, got %g", ErrInvalidConfig, gc.RepetitionPenalty)
	}

	switch gc.Strategy() {
	case StrategyBeamSearch:
		if gc.DoSample {
			return fmt.Errorf("%w: do_sample and num_beams > 1 select conflicting strategies", ErrInvalidConfig)
		}
		if gc.NumBeamGroups < 1 || gc.NumBeams%gc.NumBeamGroups != 0 {
			return fmt.Errorf("%w: num_beam_groups (%d) must divide num_beams (%d)",
				ErrInvalidConfig, gc.NumBeamGroups, gc.NumBeams)
		}
		if gc.NumBeamGroups > 1 && gc.DiversityPenalty < 0 {
			return fmt.Errorf("%w: diversity_penalty must be non-negative, got %g", ErrInvalidConfig, gc.DiversityPenalty)
		}
		if gc.NumReturnSequences > gc.NumBeams {
			return fmt.Errorf("%w: num_return_sequences (%d) cannot exceed num_beams (%d)",
				ErrInvalidConfig, gc.NumReturnSequences, gc.NumBeams)
		}
	case StrategyMultinomial:
		if gc.Temperature <= 0 {
			return fmt.Errorf("%w: temperature must be positive for sampling, got %g", ErrInvalidConfig, gc.Temperature)
		}
		if gc.TopP <= 0 || gc.TopP > 1 {
			return fmt.Errorf("%w: top_p must be in (0, 1], got %g", ErrInvalidConfig, gc.TopP)
		}
		if gc.TopK < 0 {
			return fmt.Errorf("%w: top_k must be non-negative, got %d", ErrInvalidConfig, gc.TopK)
		}
	case StrategyGreedy:
		if gc.NumReturnSequences != 1 {
			return fmt.Errorf("%w: greedy decoding produces a single sequence, got num_return_sequences=%d",
				ErrInvalidConfig, gc.NumReturnSequences)
		}
	}
	return nil
}

// WithMaxNewTokens sets the generation length limit.
func WithMaxNewTokens(n int) GenerationOption {
	return func(gc *GenerationConfig) { gc.MaxNewTokens = n }
}

// WithIgnoreEOS disables EOS-based termination.
func WithIgnoreEOS(b bool) GenerationOption {
	return func(gc *GenerationConfig) { gc.IgnoreEOS = b }
}

// WithNumBeams sets the beam count. A value above 1 selects beam search.
func WithNumBeams(n int) GenerationOption {
	return func(gc *GenerationConfig) { gc.NumBeams = n }
}

// WithNumBeamGroups partitions beams into diverse groups.
func WithNumBeamGroups(n int) GenerationOption {
	return func(gc *GenerationConfig) { gc.NumBeamGroups = n }
}

// WithDiversityPenalty sets the cross-group duplicate-token penalty.
func WithDiversityPenalty(p float64) GenerationOption {
	return func(gc *GenerationConfig) { gc.DiversityPenalty = p }
}

// WithLengthPenalty sets the beam score normalization exponent.
func WithLengthPenalty(p float64) GenerationOption {
	return func(gc *GenerationConfig) { gc.LengthPenalty = p }
}

// WithStopCriteria sets the beam search stop criteria.
func WithStopCriteria(s StopCriteria) GenerationOption {
	return func(gc *GenerationConfig) { gc.StopCriteria = s }
}

// WithNumReturnSequences sets how many sequences the request returns.
func WithNumReturnSequences(n int) GenerationOption {
	return func(gc *GenerationConfig) { gc.NumReturnSequences = n }
}

// WithRepetitionPenalty sets the repeated-token logit penalty.
func WithRepetitionPenalty(p float64) GenerationOption {
	return func(gc *GenerationConfig) { gc.RepetitionPenalty = p }
}

// WithDoSample enables multinomial sampling.
func WithDoSample(b bool) GenerationOption {
	return func(gc *GenerationConfig) { gc.DoSample = b }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GenerationOption {
	return func(gc *GenerationConfig) { gc.Temperature = t }
}

// WithTopK restricts sampling to the k highest-probability tokens.
func WithTopK(k int) GenerationOption {
	return func(gc *GenerationConfig) { gc.TopK = k }
}

// WithTopP restricts sampling to the smallest nucleus with cumulative
// probability >= p.
func WithTopP(p float64) GenerationOption {
	return func(gc *GenerationConfig) { gc.TopP = p }
}
