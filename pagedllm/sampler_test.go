package pagedllm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// prefillGroup allocates and marks a group's prompt computed, as the
// scheduler and executor would before the first sampling step.
func prefillGroup(t *testing.T, pool *BlockPool, g *SequenceGroup) {
	t.Helper()
	for _, seq := range g.Seqs {
		require.NoError(t, pool.ExtendAllocation(seq, seq.Len()))
		seq.NumComputed = seq.Len()
	}
}

func rowFor(g *SequenceGroup, row []float32) map[int64][]float32 {
	rows := make(map[int64][]float32)
	for _, seq := range g.Seqs {
		rows[seq.SeqID] = row
	}
	return rows
}

func TestGreedyPicksArgmax(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6, 7}, NewGenerationConfig(WithMaxNewTokens(10)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 1, 4, 2}))
	require.NoError(t, err)
	require.Equal(t, []int{2}, g.Seqs[0].CompletionTokenIDs())
}

func TestGreedyTieBreaksTowardLowestID(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5}, NewGenerationConfig(WithMaxNewTokens(10)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 3, 3, 3}))
	require.NoError(t, err)
	require.Equal(t, []int{1}, g.Seqs[0].CompletionTokenIDs())
}

func TestGreedyFinishesOnEOS(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 2)
	g := NewSequenceGroup(0, []int{5, 6}, NewGenerationConfig(WithMaxNewTokens(10)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 1, 9, 2}))
	require.NoError(t, err)
	require.True(t, g.IsFinished())
	require.Len(t, g.outputs, 1)
	require.Equal(t, FinishEOS, g.outputs[0].FinishReason)
	require.Equal(t, []int{2}, g.outputs[0].TokenIDs)
	require.Equal(t, pool.TotalBlocks(), pool.FreeBlocks())
}

func TestGreedyIgnoreEOSKeepsGenerating(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 2)
	g := NewSequenceGroup(0, []int{5, 6},
		NewGenerationConfig(WithMaxNewTokens(10), WithIgnoreEOS(true)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 1, 9, 2}))
	require.NoError(t, err)
	require.False(t, g.IsFinished())
	require.Equal(t, []int{2}, g.Seqs[0].CompletionTokenIDs())
}

func TestGreedyFinishesAtMaxNewTokens(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5}, NewGenerationConfig(WithMaxNewTokens(2)), 4, 0)
	prefillGroup(t, pool, g)

	row := rowFor(g, []float32{0, 1, 4, 2})
	_, err := sampler.SampleGroup(g, row)
	require.NoError(t, err)
	require.False(t, g.IsFinished())

	g.Seqs[0].NumComputed = g.Seqs[0].Len()
	_, err = sampler.SampleGroup(g, rowFor(g, []float32{0, 1, 4, 2}))
	require.NoError(t, err)
	require.True(t, g.IsFinished())
	require.Equal(t, FinishLength, g.outputs[0].FinishReason)
	require.Len(t, g.outputs[0].TokenIDs, 2)
}

func TestRepetitionPenaltyDiscouragesSeenTokens(t *testing.T) {
	// Token 2 dominates but appears in the prompt; a strong penalty must
	// push greedy decoding to the runner-up.
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{2},
		NewGenerationConfig(WithMaxNewTokens(10), WithRepetitionPenalty(10.0)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 3, 4, 1}))
	require.NoError(t, err)
	require.Equal(t, []int{1}, g.Seqs[0].CompletionTokenIDs())
}

func TestMultinomialTopKOneIsArgmax(t *testing.T) {
	pool := NewBlockPool(8, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5},
		NewGenerationConfig(WithMaxNewTokens(10), WithDoSample(true), WithTopK(1)), 4, 0)
	prefillGroup(t, pool, g)

	_, err := sampler.SampleGroup(g, rowFor(g, []float32{0, 1, 4, 2}))
	require.NoError(t, err)
	require.Equal(t, []int{2}, g.Seqs[0].CompletionTokenIDs())
}

func TestMultinomialReproducibleAcrossRuns(t *testing.T) {
	row := []float32{1, 2, 3, 4, 3, 2, 1, 0}
	run := func() []int {
		pool := NewBlockPool(8, 4)
		sampler := NewSampler(pool, 0)
		g := NewSequenceGroup(42, []int{5, 6},
			NewGenerationConfig(WithMaxNewTokens(5), WithDoSample(true), WithTemperature(0.9), WithIgnoreEOS(true)), 4, 123)
		prefillGroup(t, pool, g)
		for i := 0; i < 5; i++ {
			g.Seqs[0].NumComputed = g.Seqs[0].Len()
			_, err := sampler.SampleGroup(g, rowFor(g, row))
			require.NoError(t, err)
			if g.IsFinished() {
				break
			}
		}
		if g.IsFinished() {
			return g.outputs[0].TokenIDs
		}
		return g.Seqs[0].CompletionTokenIDs()
	}
	require.Equal(t, run(), run())
}

func TestMultinomialFirstSampleForksReturnSequences(t *testing.T) {
	pool := NewBlockPool(16, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6, 7},
		NewGenerationConfig(WithMaxNewTokens(10), WithDoSample(true), WithNumReturnSequences(3), WithIgnoreEOS(true)), 4, 0)
	prefillGroup(t, pool, g)

	ems, err := sampler.SampleGroup(g, rowFor(g, []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, err)
	require.Len(t, g.Seqs, 3)
	require.Len(t, ems, 3)
	for _, seq := range g.Seqs {
		require.Equal(t, 1, seq.NumCompletionTokens())
		require.Equal(t, 4, seq.Len())
	}
	require.NoError(t, pool.CheckInvariant())
}

func TestTopPFilterKeepsNucleus(t *testing.T) {
	probs := []float64{0.5, 0.3, 0.15, 0.05}
	filterTopP(probs, 0.8)
	require.Equal(t, 0.5, probs[0])
	require.Equal(t, 0.3, probs[1])
	require.Equal(t, 0.0, probs[2])
	require.Equal(t, 0.0, probs[3])
}

func TestTopKFilterKeepsBest(t *testing.T) {
	probs := []float64{0.1, 0.4, 0.2, 0.3}
	filterTopK(probs, 2)
	require.Equal(t, 0.0, probs[0])
	require.Equal(t, 0.4, probs[1])
	require.Equal(t, 0.0, probs[2])
	require.Equal(t, 0.3, probs[3])
}

func TestFinishAllReclaimsEverything(t *testing.T) {
	pool := NewBlockPool(16, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6, 7},
		NewGenerationConfig(WithMaxNewTokens(10), WithDoSample(true), WithNumReturnSequences(3), WithIgnoreEOS(true)), 4, 0)
	prefillGroup(t, pool, g)
	_, err := sampler.SampleGroup(g, rowFor(g, []float32{1, 2, 3, 4}))
	require.NoError(t, err)

	g.finishAll(pool, FinishOutOfMemory)
	require.True(t, g.IsFinished())
	require.Len(t, g.outputs, 3)
	require.Equal(t, pool.TotalBlocks(), pool.FreeBlocks())
	require.NoError(t, pool.CheckInvariant())
}
