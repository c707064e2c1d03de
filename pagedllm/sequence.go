package pagedllm

import (
	"math/rand"
	"sync/atomic"
)

// SequenceStatus tracks where a sequence group sits in the scheduler.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// FinishReason records why a sequence stopped generating.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishEOS
	FinishLength
	FinishCancelled
	// FinishOutOfMemory marks a sequence truncated because its cache
	// requirement exceeded total pool capacity even after preemption.
	FinishOutOfMemory
)

func (r FinishReason) String() string {
	switch r {
	case FinishNone:
		return "none"
	case FinishEOS:
		return "eos"
	case FinishLength:
		return "length"
	case FinishCancelled:
		return "cancelled"
	case FinishOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

var seqCounter int64

// Sequence is one growing token sequence belonging to a group. Its KV cache
// blocks are held by reference in BlockTable; blocks may be shared with
// sibling sequences until one writes past the shared portion.
type Sequence struct {
	SeqID           int64
	TokenIDs        []int
	NumPromptTokens int
	// NumComputed counts tokens whose KV entries the executor has produced.
	NumComputed int
	// NumCachedTokens counts prompt tokens satisfied by prefix-cache reuse.
	NumCachedTokens int
	BlockTable      []int
	CumLogProb      float64
	FinishReason    FinishReason
	blockSize       int
}

// NewSequence creates a sequence over a copy of the given prompt tokens.
func NewSequence(tokenIDs []int, blockSize int) *Sequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)
	return &Sequence{
		SeqID:           atomic.AddInt64(&seqCounter, 1) - 1,
		TokenIDs:        tokens,
		NumPromptTokens: len(tokenIDs),
		blockSize:       blockSize,
	}
}

// Len returns the number of tokens in the sequence.
func (s *Sequence) Len() int { return len(s.TokenIDs) }

// NumCompletionTokens returns the number of generated tokens.
func (s *Sequence) NumCompletionTokens() int { return len(s.TokenIDs) - s.NumPromptTokens }

// PromptTokenIDs returns the prompt portion of the sequence.
func (s *Sequence) PromptTokenIDs() []int { return s.TokenIDs[:s.NumPromptTokens] }

// CompletionTokenIDs returns the generated portion of the sequence.
func (s *Sequence) CompletionTokenIDs() []int { return s.TokenIDs[s.NumPromptTokens:] }

// IsFinished reports whether the sequence reached an end condition.
func (s *Sequence) IsFinished() bool { return s.FinishReason != FinishNone }

// NumBlocks returns the block count needed to cover the full token history.
func (s *Sequence) NumBlocks() int {
	return (len(s.TokenIDs) + s.blockSize - 1) / s.blockSize
}

// NumRemaining returns how many tokens still need KV computation.
func (s *Sequence) NumRemaining() int { return len(s.TokenIDs) - s.NumComputed }

// Block returns the tokens covered by the i-th block.
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.blockSize
	end := min((i+1)*s.blockSize, len(s.TokenIDs))
	return s.TokenIDs[start:end]
}

// LastBlockNumTokens returns how many tokens sit in the trailing block.
func (s *Sequence) LastBlockNumTokens() int {
	return len(s.TokenIDs) - (s.NumBlocks()-1)*s.blockSize
}

// fork creates a child sequence sharing this sequence's token history.
// Block sharing is established separately through BlockPool.Fork.
func (s *Sequence) fork() *Sequence {
	child := NewSequence(s.TokenIDs, s.blockSize)
	child.NumPromptTokens = s.NumPromptTokens
	child.NumComputed = s.NumComputed
	child.NumCachedTokens = s.NumCachedTokens
	child.CumLogProb = s.CumLogProb
	return child
}

// SequenceGroup is one admitted request: a shared prompt plus one or more
// sequences (beams or parallel samples) generated from it.
type SequenceGroup struct {
	RequestID uint64
	Config    *GenerationConfig
	Status    SequenceStatus
	Seqs      []*Sequence
	Handle    *GenerationHandle

	// rng drives multinomial draws; seeded per request so a fixed seed and
	// scheduling order reproduce exactly. Survives preemption: recomputation
	// replays tokens instead of resampling them.
	rng  *rand.Rand
	beam *beamSearchState

	// outputs collects finished sequences until the group completes.
	outputs []GenerationOutput
}

// NewSequenceGroup creates a group with a single sequence over the prompt.
func NewSequenceGroup(requestID uint64, promptTokens []int, gc *GenerationConfig, blockSize int, seed int64) *SequenceGroup {
	return &SequenceGroup{
		RequestID: requestID,
		Config:    gc,
		Status:    StatusWaiting,
		Seqs:      []*Sequence{NewSequence(promptTokens, blockSize)},
		rng:       rand.New(rand.NewSource(deriveSeed(seed, requestID))),
	}
}

// NumLiveSeqs returns the number of unfinished sequences in the group.
func (g *SequenceGroup) NumLiveSeqs() int { return len(g.Seqs) }

// IsFinished reports whether every sequence reached an end condition.
func (g *SequenceGroup) IsFinished() bool { return len(g.Seqs) == 0 }

// NumRemaining returns the per-sequence count of uncomputed tokens.
// Live sequences of a group always advance in lockstep, so the value is
// uniform across members.
func (g *SequenceGroup) NumRemaining() int {
	if len(g.Seqs) == 0 {
		return 0
	}
	return g.Seqs[0].NumRemaining()
}

// InPrefill reports whether the group still has more than one uncomputed
// token, i.e. prompt (or recomputation) work remains.
func (g *SequenceGroup) InPrefill() bool { return g.NumRemaining() > 1 }

// SampleFanout returns the worst-case number of sequences the next sampling
// step may produce. Used by the scheduler to reserve block capacity before
// a step runs.
func (g *SequenceGroup) SampleFanout() int {
	if len(g.Seqs) == 1 && g.Seqs[0].NumCompletionTokens() == 0 {
		// First sample after prefill forks parallel samples or beams.
		switch g.Config.Strategy() {
		case StrategyBeamSearch:
			return g.Config.NumBeams
		case StrategyMultinomial:
			return g.Config.NumReturnSequences
		}
	}
	return len(g.Seqs)
}

// removeSeq detaches a sequence from the group's live set.
func (g *SequenceGroup) removeSeq(seq *Sequence) {
	for i, s := range g.Seqs {
		if s.SeqID == seq.SeqID {
			g.Seqs = append(g.Seqs[:i], g.Seqs[i+1:]...)
			return
		}
	}
}
