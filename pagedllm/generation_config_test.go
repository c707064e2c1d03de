package pagedllm

import (
	"errors"
	"testing"
)

func TestGenerationConfigDefaults(t *testing.T) {
	gc := NewGenerationConfig()

	if gc.MaxNewTokens != 30 {
		t.Errorf("Expected default max_new_tokens 30, got %d", gc.MaxNewTokens)
	}
	if gc.Strategy() != StrategyGreedy {
		t.Errorf("Expected default strategy greedy, got %s", gc.Strategy())
	}
	if err := gc.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestGenerationConfigStrategyDerivation(t *testing.T) {
	if BeamSearch().Strategy() != StrategyBeamSearch {
		t.Errorf("num_beams > 1 must select beam search")
	}
	if Multinomial().Strategy() != StrategyMultinomial {
		t.Errorf("do_sample must select multinomial")
	}
	if Greedy().Strategy() != StrategyGreedy {
		t.Errorf("Plain config must select greedy")
	}
}

func TestGenerationConfigPresetsValidate(t *testing.T) {
	for _, gc := range []*GenerationConfig{Greedy(), BeamSearch(), Multinomial()} {
		if err := gc.Validate(); err != nil {
			t.Errorf("Preset %s should validate: %v", gc.Strategy(), err)
		}
	}
}

func TestGenerationConfigRejectsContradictions(t *testing.T) {
	cases := []struct {
		name string
		gc   *GenerationConfig
	}{
		{"zero max_new_tokens", NewGenerationConfig(WithMaxNewTokens(0))},
		{"beam plus sampling", NewGenerationConfig(WithNumBeams(4), WithDoSample(true))},
		{"groups not dividing beams", NewGenerationConfig(WithNumBeams(6), WithNumBeamGroups(4))},
		{"too many return sequences", NewGenerationConfig(WithNumBeams(2), WithNumReturnSequences(3))},
		{"bad top_p", NewGenerationConfig(WithDoSample(true), WithTopP(1.5))},
		{"zero temperature", NewGenerationConfig(WithDoSample(true), WithTemperature(0))},
		{"greedy multi-return", NewGenerationConfig(WithNumReturnSequences(2))},
		{"negative repetition penalty", NewGenerationConfig(WithRepetitionPenalty(-1))},
	}
	for _, tc := range cases {
		err := tc.gc.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: error not wrapped in ErrInvalidConfig: %v", tc.name, err)
		}
	}
}

func TestSchedulerConfigValidation(t *testing.T) {
	if _, err := NewSchedulerConfig(WithNumKVBlocks(0)); err == nil {
		t.Errorf("Expected error for zero num_kv_blocks")
	}
	if _, err := NewSchedulerConfig(WithBlockSize(0)); err == nil {
		t.Errorf("Expected error for zero block_size")
	}
	if _, err := NewSchedulerConfig(WithMaxNumBatchedTokens(4), WithBlockSize(16)); err == nil {
		t.Errorf("Expected error when token budget is below block size")
	}

	cfg, err := NewSchedulerConfig(WithNumKVBlocks(10), WithDynamicSplitFuse(true))
	if err != nil {
		t.Fatalf("Valid config rejected: %v", err)
	}
	if cfg.NumKVBlocks != 10 || !cfg.DynamicSplitFuse {
		t.Errorf("Options not applied: %+v", cfg)
	}
}
