package pagedllm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds the capacity limits the scheduler works against.
type SchedulerConfig struct {
	// NumKVBlocks is the total KV cache block pool capacity.
	NumKVBlocks int `yaml:"num_kv_blocks"`
	// BlockSize is the token capacity of a single KV block.
	BlockSize int `yaml:"block_size"`
	// MaxNumBatchedTokens is the per-step token budget.
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	// MaxNumSeqs is the per-step sequence budget.
	MaxNumSeqs int `yaml:"max_num_seqs"`
	// DynamicSplitFuse allows a step to mix partial prefill and decode work.
	DynamicSplitFuse bool `yaml:"dynamic_split_fuse"`
	// NumSwapBlocks is the secondary-storage swap capacity in blocks.
	// Zero disables swapping; preemption then always recomputes.
	NumSwapBlocks int `yaml:"num_swap_blocks"`
	// Seed drives per-request sampling RNG derivation.
	Seed int64 `yaml:"seed"`
}

// SchedulerOption is a functional option for SchedulerConfig.
type SchedulerOption func(*SchedulerConfig)

// NewSchedulerConfig creates a SchedulerConfig with default values.
func NewSchedulerConfig(opts ...SchedulerOption) (*SchedulerConfig, error) {
	c := &SchedulerConfig{
		NumKVBlocks:         256,
		BlockSize:           16,
		MaxNumBatchedTokens: 256,
		MaxNumSeqs:          256,
		DynamicSplitFuse:    false,
		NumSwapBlocks:       0,
		Seed:                0,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SchedulerConfig) validate() error {
	if c.NumKVBlocks <= 0 {
		return fmt.Errorf("%w: num_kv_blocks must be positive, got %d", ErrInvalidConfig, c.NumKVBlocks)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	}
	if c.MaxNumBatchedTokens < c.BlockSize {
		return fmt.Errorf("%w: max_num_batched_tokens (%d) must be >= block_size (%d)",
			ErrInvalidConfig, c.MaxNumBatchedTokens, c.BlockSize)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("%w: max_num_seqs must be positive, got %d", ErrInvalidConfig, c.MaxNumSeqs)
	}
	if c.NumSwapBlocks < 0 {
		return fmt.Errorf("%w: num_swap_blocks must be non-negative, got %d", ErrInvalidConfig, c.NumSwapBlocks)
	}
	return nil
}

// LoadSchedulerConfig reads a SchedulerConfig from a YAML file. Fields absent
// from the file keep their defaults.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	c, err := NewSchedulerConfig()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithNumKVBlocks sets the KV block pool capacity.
func WithNumKVBlocks(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.NumKVBlocks = n }
}

// WithBlockSize sets the per-block token capacity.
func WithBlockSize(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.BlockSize = n }
}

// WithMaxNumBatchedTokens sets the per-step token budget.
func WithMaxNumBatchedTokens(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.MaxNumBatchedTokens = n }
}

// WithMaxNumSeqs sets the per-step sequence budget.
func WithMaxNumSeqs(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.MaxNumSeqs = n }
}

// WithDynamicSplitFuse toggles mixed prefill/decode steps.
func WithDynamicSplitFuse(b bool) SchedulerOption {
	return func(c *SchedulerConfig) { c.DynamicSplitFuse = b }
}

// WithNumSwapBlocks sets the swap-out capacity. Zero selects recompute.
func WithNumSwapBlocks(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.NumSwapBlocks = n }
}

// WithSeed sets the sampling seed.
func WithSeed(s int64) SchedulerOption {
	return func(c *SchedulerConfig) { c.Seed = s }
}
