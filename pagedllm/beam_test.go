package pagedllm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func beamConfig(opts ...GenerationOption) *GenerationConfig {
	base := []GenerationOption{
		WithNumBeams(2),
		WithNumReturnSequences(2),
		WithMaxNewTokens(2),
	}
	return NewGenerationConfig(append(base, opts...)...)
}

// stepBeam marks all live beams computed and runs one beam sampling round
// with the same logits row for every beam.
func stepBeam(t *testing.T, sampler *Sampler, g *SequenceGroup, row []float32) {
	t.Helper()
	for _, seq := range g.Seqs {
		seq.NumComputed = seq.Len()
	}
	_, err := sampler.SampleGroup(g, rowFor(g, row))
	require.NoError(t, err)
}

func TestBeamSearchProducesRankedOutputs(t *testing.T) {
	pool := NewBlockPool(32, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6, 7}, beamConfig(), 4, 0)
	require.NoError(t, g.Config.Validate())
	prefillGroup(t, pool, g)

	row := []float32{0, 1, 4, 3, 2}
	stepBeam(t, sampler, g, row)
	require.Len(t, g.Seqs, 2, "first step forks the prompt into num_beams beams")
	require.Equal(t, []int{2}, g.Seqs[0].CompletionTokenIDs())
	require.Equal(t, []int{3}, g.Seqs[1].CompletionTokenIDs())

	stepBeam(t, sampler, g, row)
	require.True(t, g.IsFinished(), "max_new_tokens ends every beam")
	require.Len(t, g.outputs, 2)
	require.GreaterOrEqual(t, g.outputs[0].Score, g.outputs[1].Score)
	for _, out := range g.outputs {
		require.Len(t, out.TokenIDs, 2)
		require.Equal(t, FinishLength, out.FinishReason)
	}
	require.Equal(t, pool.TotalBlocks(), pool.FreeBlocks())
	require.NoError(t, pool.CheckInvariant())
}

func TestBeamSearchEOSClosesHypothesis(t *testing.T) {
	pool := NewBlockPool(32, 4)
	sampler := NewSampler(pool, 1)
	g := NewSequenceGroup(0, []int{5, 6},
		beamConfig(WithMaxNewTokens(4), WithStopCriteria(StopEarly)), 4, 0)
	prefillGroup(t, pool, g)

	// EOS dominates: every expansion terminates, filling the finished pool
	// without consuming live-beam slots.
	row := []float32{0, 9, 2, 1}
	for i := 0; i < 6 && !g.IsFinished(); i++ {
		stepBeam(t, sampler, g, row)
	}
	require.True(t, g.IsFinished())
	require.Len(t, g.outputs, 2)
	for _, out := range g.outputs {
		require.Equal(t, FinishEOS, out.FinishReason)
		require.NotContains(t, out.TokenIDs, 1, "EOS scores the hypothesis but never appears in output")
	}
	require.Equal(t, pool.TotalBlocks(), pool.FreeBlocks())
}

func TestDiverseBeamGroupsChooseDifferentTokens(t *testing.T) {
	pool := NewBlockPool(32, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6},
		NewGenerationConfig(
			WithNumBeams(2),
			WithNumBeamGroups(2),
			WithDiversityPenalty(100.0),
			WithNumReturnSequences(2),
			WithMaxNewTokens(1),
		), 4, 0)
	require.NoError(t, g.Config.Validate())
	prefillGroup(t, pool, g)

	stepBeam(t, sampler, g, []float32{0, 1, 4, 3, 2})
	require.True(t, g.IsFinished())
	require.Len(t, g.outputs, 2)
	require.NotEqual(t, g.outputs[0].TokenIDs[0], g.outputs[1].TokenIDs[0],
		"the penalized group must diverge from the first group's choice")
}

func TestBeamLengthPenaltyNormalizesScores(t *testing.T) {
	gc := beamConfig(WithLengthPenalty(2.0))
	sub := &beamSubgroup{}

	beam := NewSequence([]int{1, 2}, 4)
	beam.TokenIDs = append(beam.TokenIDs, 3, 4, 5, 6)
	beam.CumLogProb = -8.0
	sub.recordFinished(beam, 0, gc, FinishLength, 2)

	// Four generated tokens with penalty 2: score = -8 / 4^2.
	require.InDelta(t, -0.5, sub.finished[0].score, 1e-9)
}

func TestBeamFinalizeOnTruncationRanksPartials(t *testing.T) {
	pool := NewBlockPool(32, 4)
	sampler := NewSampler(pool, 0)
	g := NewSequenceGroup(0, []int{5, 6, 7}, beamConfig(WithMaxNewTokens(8)), 4, 0)
	prefillGroup(t, pool, g)

	stepBeam(t, sampler, g, []float32{0, 1, 4, 3, 2})
	require.False(t, g.IsFinished())

	g.finishAll(pool, FinishOutOfMemory)
	require.True(t, g.IsFinished())
	require.Len(t, g.outputs, 2)
	for _, out := range g.outputs {
		require.Equal(t, FinishOutOfMemory, out.FinishReason)
		require.Len(t, out.TokenIDs, 1)
	}
	require.Equal(t, pool.TotalBlocks(), pool.FreeBlocks())
	require.NoError(t, pool.CheckInvariant())
}
