package pagedllm

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// ScheduledSeq is one sequence's share of a scheduled step: the executor
// must compute KV entries for NumTokens tokens starting at StartPos. When
// SampleNeeded is set the step reaches the sequence frontier and the
// executor must return the logits row for the last scheduled position.
type ScheduledSeq struct {
	Group        *SequenceGroup
	Seq          *Sequence
	StartPos     int
	NumTokens    int
	SampleNeeded bool
}

// ScheduledBatch is the exact set of (sequence, positions) pairs one step
// hands to the executor.
type ScheduledBatch struct {
	Items            []ScheduledSeq
	NumBatchedTokens int
}

// Executor turns scheduled token positions plus cache block addresses into
// logits. It is the external collaborator of the scheduling core and the
// sole potential suspension point within a step.
//
// Run returns one row per batch item, aligned by index; rows for items
// without SampleNeeded may be nil.
type Executor interface {
	Run(batch *ScheduledBatch) ([][]float32, error)
	VocabSize() int
	Close() error
}

// StubExecutor is a deterministic executor for tests and demos: each logits
// row is a pure function of the token prefix, so batched, preempted and
// recomputed runs are token-identical to an unbatched reference run.
type StubExecutor struct {
	vocabSize int
	// LogitsFn overrides row computation; prefix covers all tokens up to and
	// including the last scheduled position.
	LogitsFn func(prefix []int, vocabSize int) []float32
}

// NewStubExecutor creates a stub executor over the given vocabulary size.
func NewStubExecutor(vocabSize int) *StubExecutor {
	return &StubExecutor{vocabSize: vocabSize}
}

// VocabSize returns the stub vocabulary size.
func (e *StubExecutor) VocabSize() int { return e.vocabSize }

// Run produces logits rows for every item that needs sampling.
func (e *StubExecutor) Run(batch *ScheduledBatch) ([][]float32, error) {
	rows := make([][]float32, len(batch.Items))
	for i, item := range batch.Items {
		if !item.SampleNeeded {
			continue
		}
		prefix := item.Seq.TokenIDs[:item.StartPos+item.NumTokens]
		if e.LogitsFn != nil {
			rows[i] = e.LogitsFn(prefix, e.vocabSize)
		} else {
			rows[i] = hashLogits(prefix, e.vocabSize)
		}
	}
	return rows, nil
}

// Close implements Executor.
func (e *StubExecutor) Close() error { return nil }

// hashLogits derives a reproducible pseudo-random logits row from the token
// prefix. Only the prefix matters: scheduling order, batching and eviction
// history cannot influence the result.
func hashLogits(prefix []int, vocabSize int) []float32 {
	h := xxhash.New()
	var buf [4]byte
	for _, t := range prefix {
		buf[0] = byte(t)
		buf[1] = byte(t >> 8)
		buf[2] = byte(t >> 16)
		buf[3] = byte(t >> 24)
		h.Write(buf[:])
	}
	seed := h.Sum64()
	row := make([]float32, vocabSize)
	for i := range row {
		row[i] = float32(splitmix64(seed+uint64(i))%1000) / 125.0
	}
	return row
}

// splitmix64 is the standard SplitMix64 mixing function.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// logSoftmax converts a logits row into log-probabilities (float64 for
// numerically stable cumulative scores).
func logSoftmax(logits []float32) []float64 {
	maxLogit := float64(math.Inf(-1))
	for _, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}
	var sum float64
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = float64(l) - maxLogit
		sum += math.Exp(out[i])
	}
	logSum := math.Log(sum)
	for i := range out {
		out[i] -= logSum
	}
	return out
}
