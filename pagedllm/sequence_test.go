package pagedllm

import (
	"testing"
)

func TestSequenceCreation(t *testing.T) {
	tokens := []int{10, 20, 30, 40, 50}
	seq := NewSequence(tokens, 4)

	if seq.Len() != 5 {
		t.Errorf("Expected length 5, got %d", seq.Len())
	}
	if seq.NumPromptTokens != 5 {
		t.Errorf("Expected 5 prompt tokens, got %d", seq.NumPromptTokens)
	}
	if seq.NumCompletionTokens() != 0 {
		t.Errorf("Expected 0 completion tokens, got %d", seq.NumCompletionTokens())
	}
	if seq.NumBlocks() != 2 {
		t.Errorf("Expected 2 blocks for 5 tokens at block size 4, got %d", seq.NumBlocks())
	}
	if seq.LastBlockNumTokens() != 1 {
		t.Errorf("Expected 1 token in last block, got %d", seq.LastBlockNumTokens())
	}

	// The sequence must own its token slice.
	tokens[0] = 99
	if seq.TokenIDs[0] != 10 {
		t.Errorf("Sequence shares caller's token slice")
	}
}

func TestSequenceBlockView(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3, 4, 5, 6}, 4)

	b0 := seq.Block(0)
	if len(b0) != 4 || b0[0] != 1 || b0[3] != 4 {
		t.Errorf("Block 0 wrong: %v", b0)
	}
	b1 := seq.Block(1)
	if len(b1) != 2 || b1[0] != 5 {
		t.Errorf("Block 1 wrong: %v", b1)
	}
	if seq.Block(2) != nil {
		t.Errorf("Out-of-range block should be nil")
	}
}

func TestSequenceFork(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 4)
	seq.NumComputed = 3
	seq.CumLogProb = -1.5

	child := seq.fork()

	if child.SeqID == seq.SeqID {
		t.Errorf("Fork must assign a fresh sequence id")
	}
	if child.NumComputed != 3 || child.CumLogProb != -1.5 {
		t.Errorf("Fork did not carry computed state")
	}
	child.TokenIDs = append(child.TokenIDs, 4)
	if seq.Len() != 3 {
		t.Errorf("Child append mutated parent")
	}
}

func TestSequenceGroupLockstep(t *testing.T) {
	gc := Greedy()
	g := NewSequenceGroup(7, []int{1, 2, 3, 4, 5}, gc, 4, 0)

	if g.NumRemaining() != 5 {
		t.Errorf("Expected 5 remaining, got %d", g.NumRemaining())
	}
	if !g.InPrefill() {
		t.Errorf("Fresh group should be in prefill")
	}
	g.Seqs[0].NumComputed = 4
	if g.NumRemaining() != 1 {
		t.Errorf("Expected 1 remaining, got %d", g.NumRemaining())
	}
	if g.InPrefill() {
		t.Errorf("One remaining token is decode, not prefill")
	}
}

func TestSequenceGroupSampleFanout(t *testing.T) {
	beam := NewSequenceGroup(1, []int{1, 2}, BeamSearch(), 4, 0)
	if beam.SampleFanout() != 6 {
		t.Errorf("Expected fanout 6 before first beam step, got %d", beam.SampleFanout())
	}

	multi := NewSequenceGroup(2, []int{1, 2},
		NewGenerationConfig(WithDoSample(true), WithNumReturnSequences(3)), 4, 0)
	if multi.SampleFanout() != 3 {
		t.Errorf("Expected fanout 3 before first sample, got %d", multi.SampleFanout())
	}

	greedy := NewSequenceGroup(3, []int{1, 2}, Greedy(), 4, 0)
	if greedy.SampleFanout() != 1 {
		t.Errorf("Expected fanout 1 for greedy, got %d", greedy.SampleFanout())
	}
}

func TestDeriveSeedIsolation(t *testing.T) {
	if deriveSeed(0, 1) == deriveSeed(0, 2) {
		t.Errorf("Different requests must get different seeds")
	}
	if deriveSeed(0, 1) != deriveSeed(0, 1) {
		t.Errorf("Seed derivation must be deterministic")
	}
}
