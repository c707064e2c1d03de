package pagedllm

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
)

// deriveSeed isolates per-request RNG streams from one pipeline seed, so
// adding or removing unrelated requests cannot perturb a request's draws.
func deriveSeed(seed int64, requestID uint64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "request_%d", requestID)
	return seed ^ int64(h.Sum64())
}

// emission is one applied token choice, reported for streaming.
type emission struct {
	seq    *Sequence
	tokens []int
}

// Sampler turns executor logits into next-token (or next-beam) choices per
// sequence group and applies them: appending tokens through the block pool,
// forking parallel samples and beams, and finishing sequences that reached
// an end condition.
type Sampler struct {
	pool *BlockPool
	eos  int
}

// NewSampler creates a sampler bound to the pool and EOS token id.
func NewSampler(pool *BlockPool, eosTokenID int) *Sampler {
	return &Sampler{pool: pool, eos: eosTokenID}
}

// SampleGroup consumes the logits rows for a group's scheduled sequences
// (keyed by sequence id) and advances the group by one token per live
// sequence. Returns the applied emissions for streaming. An
// ErrNoFreeBlocks error means the sampling step itself could not be backed
// by cache; the caller truncates the group.
func (sm *Sampler) SampleGroup(g *SequenceGroup, rows map[int64][]float32) ([]emission, error) {
	switch g.Config.Strategy() {
	case StrategyBeamSearch:
		return sm.sampleBeam(g, rows)
	case StrategyMultinomial:
		return sm.sampleMultinomial(g, rows)
	default:
		return sm.sampleGreedy(g, rows)
	}
}

// sampleGreedy picks the highest-probability token for the single live
// sequence; ties break toward the lowest token id.
func (sm *Sampler) sampleGreedy(g *SequenceGroup, rows map[int64][]float32) ([]emission, error) {
	seq := g.Seqs[0]
	logits := processLogits(rows[seq.SeqID], seq.TokenIDs, g.Config.RepetitionPenalty, 1.0)
	lp := logSoftmax(logits)
	token := 0
	for i := 1; i < len(lp); i++ {
		if lp[i] > lp[token] {
			token = i
		}
	}
	if err := sm.pool.AppendToken(seq, token); err != nil {
		return nil, err
	}
	seq.CumLogProb += lp[token]
	em := []emission{{seq: seq, tokens: []int{token}}}
	sm.checkFinish(g, seq, token)
	return em, nil
}

// sampleMultinomial draws from the reshaped distribution. The first sample
// after prefill forks the prompt into num_return_sequences independent
// sequences; later steps draw once per live sequence.
func (sm *Sampler) sampleMultinomial(g *SequenceGroup, rows map[int64][]float32) ([]emission, error) {
	n := g.Config.NumReturnSequences
	if len(g.Seqs) == 1 && g.Seqs[0].NumCompletionTokens() == 0 && n > 1 {
		base := g.Seqs[0]
		probs := sm.multinomialDist(g, base, rows[base.SeqID])
		seqs := []*Sequence{base}
		for i := 1; i < n; i++ {
			seqs = append(seqs, sm.pool.Fork(base))
		}
		g.Seqs = seqs
		var ems []emission
		for _, seq := range seqs {
			token, lp := drawToken(probs, g.rng)
			if err := sm.pool.AppendToken(seq, token); err != nil {
				return ems, err
			}
			seq.CumLogProb += lp
			ems = append(ems, emission{seq: seq, tokens: []int{token}})
			sm.checkFinish(g, seq, token)
		}
		return ems, nil
	}

	var ems []emission
	for _, seq := range append([]*Sequence(nil), g.Seqs...) {
		probs := sm.multinomialDist(g, seq, rows[seq.SeqID])
		token, lp := drawToken(probs, g.rng)
		if err := sm.pool.AppendToken(seq, token); err != nil {
			return ems, err
		}
		seq.CumLogProb += lp
		ems = append(ems, emission{seq: seq, tokens: []int{token}})
		sm.checkFinish(g, seq, token)
	}
	return ems, nil
}

// multinomialDist builds the sampling distribution for one sequence:
// repetition penalty, temperature, top-k, then top-p, renormalized.
func (sm *Sampler) multinomialDist(g *SequenceGroup, seq *Sequence, row []float32) []float64 {
	gc := g.Config
	logits := processLogits(row, seq.TokenIDs, gc.RepetitionPenalty, gc.Temperature)
	probs := softmaxDist(logits)
	if gc.TopK > 0 && gc.TopK < len(probs) {
		filterTopK(probs, gc.TopK)
	}
	if gc.TopP < 1.0 {
		filterTopP(probs, gc.TopP)
	}
	renormalize(probs)
	return probs
}

// checkFinish applies the end conditions after a token append.
func (sm *Sampler) checkFinish(g *SequenceGroup, seq *Sequence, token int) {
	if token == sm.eos && !g.Config.IgnoreEOS {
		g.finishSeq(sm.pool, seq, FinishEOS)
		return
	}
	if seq.NumCompletionTokens() >= g.Config.MaxNewTokens {
		g.finishSeq(sm.pool, seq, FinishLength)
	}
}

// processLogits copies a row and applies repetition penalty over the
// sequence's token set, then temperature scaling.
func processLogits(row []float32, seen []int, repetitionPenalty, temperature float64) []float32 {
	logits := make([]float32, len(row))
	copy(logits, row)
	if repetitionPenalty != 1.0 {
		applied := make(map[int]bool, len(seen))
		for _, t := range seen {
			if t < 0 || t >= len(logits) || applied[t] {
				continue
			}
			applied[t] = true
			if logits[t] > 0 {
				logits[t] = float32(float64(logits[t]) / repetitionPenalty)
			} else {
				logits[t] = float32(float64(logits[t]) * repetitionPenalty)
			}
		}
	}
	if temperature != 1.0 && temperature > 0 {
		for i := range logits {
			logits[i] = float32(float64(logits[i]) / temperature)
		}
	}
	return logits
}

// softmaxDist converts logits to a float64 probability distribution.
func softmaxDist(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// filterTopK zeroes all but the k highest probabilities in place.
func filterTopK(probs []float64, k int) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	for _, i := range idx[k:] {
		probs[i] = 0
	}
}

// filterTopP zeroes everything outside the smallest nucleus whose
// cumulative probability reaches p.
func filterTopP(probs []float64, p float64) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	cum := 0.0
	cutoff := len(idx)
	for i, id := range idx {
		cum += probs[id]
		if cum >= p {
			cutoff = i + 1
			break
		}
	}
	for _, i := range idx[cutoff:] {
		probs[i] = 0
	}
}

func renormalize(probs []float64) {
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
}

// drawToken samples one token from the distribution and returns it with
// its log-probability under the final (filtered, renormalized) distribution.
func drawToken(probs []float64, rng interface{ Float64() float64 }) (int, float64) {
	r := rng.Float64()
	cum := 0.0
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return i, math.Log(p)
		}
	}
	// Rounding left r at the tail; take the last nonzero token.
	return last, math.Log(probs[last])
}

// finishSeq retires one sequence: records its output, frees its blocks and
// removes it from the live set. Sibling sequences are untouched.
func (g *SequenceGroup) finishSeq(pool *BlockPool, seq *Sequence, reason FinishReason) {
	seq.FinishReason = reason
	tokens := make([]int, seq.NumCompletionTokens())
	copy(tokens, seq.CompletionTokenIDs())
	g.outputs = append(g.outputs, GenerationOutput{
		SeqID:        seq.SeqID,
		TokenIDs:     tokens,
		Score:        seq.CumLogProb,
		FinishReason: reason,
	})
	pool.Free(seq)
	g.removeSeq(seq)
}

// finishAll retires every live sequence with the given reason and marks the
// group finished. For beam search the finished-beam pool participates in
// the final ranking.
func (g *SequenceGroup) finishAll(pool *BlockPool, reason FinishReason) {
	if g.beam != nil {
		g.beam.finalizeInto(g, pool, reason)
	} else {
		for _, seq := range append([]*Sequence(nil), g.Seqs...) {
			g.finishSeq(pool, seq, reason)
		}
	}
	g.Status = StatusFinished
}
