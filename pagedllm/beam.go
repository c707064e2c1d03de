package pagedllm

import (
	"math"
	"sort"
)

// beamSearchState tracks grouped beam search for one request. Beams are
// partitioned into subgroups; a diversity penalty pushes later subgroups
// away from tokens the earlier ones picked in the same step, so the groups
// explore different continuations.
type beamSearchState struct {
	groupSize int
	groups    []*beamSubgroup
}

// beamSubgroup is one diversity group: its live beams plus the pool of
// hypotheses it has already finished.
type beamSubgroup struct {
	beams    []*Sequence
	finished []finishedBeam
	done     bool
}

// finishedBeam is a completed hypothesis. Tokens hold the completion only;
// a terminating EOS contributes to the score but is not part of the output.
type finishedBeam struct {
	seqID  int64
	tokens []int
	score  float64
	reason FinishReason
}

// beamCandidate is one (parent beam, next token) expansion under
// consideration within a subgroup.
type beamCandidate struct {
	beamIdx int
	token   int
	lp      float64 // penalized log-prob of token under the parent
	cum     float64 // parent cumulative plus lp
}

func newBeamSearchState(gc *GenerationConfig) *beamSearchState {
	st := &beamSearchState{groupSize: gc.NumBeams / gc.NumBeamGroups}
	for i := 0; i < gc.NumBeamGroups; i++ {
		st.groups = append(st.groups, &beamSubgroup{})
	}
	return st
}

// sampleBeam advances grouped beam search by one token. The first call after
// prefill seeds every subgroup with a fork of the prompt sequence; each
// subsequent call expands, selects and re-forks beams per subgroup. Beam
// search never streams, so no emissions are produced.
func (sm *Sampler) sampleBeam(g *SequenceGroup, rows map[int64][]float32) ([]emission, error) {
	gc := g.Config
	if g.beam == nil {
		base := g.Seqs[0]
		baseRow := rows[base.SeqID]
		g.beam = newBeamSearchState(gc)
		rows = make(map[int64][]float32, gc.NumBeamGroups)
		for _, sub := range g.beam.groups {
			parent := sm.pool.Fork(base)
			sub.beams = []*Sequence{parent}
			rows[parent.SeqID] = baseRow
		}
		sm.pool.Free(base)
	}
	st := g.beam

	// Token counts chosen by earlier subgroups in this step; drives the
	// diversity penalty for later subgroups.
	chosen := make(map[int]int)
	for _, sub := range st.groups {
		if sub.done {
			continue
		}
		if err := sm.stepSubgroup(g, sub, rows, chosen); err != nil {
			return nil, err
		}
	}

	g.Seqs = g.Seqs[:0]
	allDone := true
	for _, sub := range st.groups {
		if !sub.done {
			allDone = false
			g.Seqs = append(g.Seqs, sub.beams...)
		}
	}
	if allDone {
		st.collectOutputs(g)
	}
	return nil, nil
}

// stepSubgroup expands one subgroup by one token: builds penalized
// candidates, routes EOS expansions to the finished pool, materializes the
// surviving beams by fork-and-append and retires the parents.
func (sm *Sampler) stepSubgroup(g *SequenceGroup, sub *beamSubgroup, rows map[int64][]float32, chosen map[int]int) error {
	gc := g.Config
	groupSize := g.beam.groupSize

	lps := make([][]float64, len(sub.beams))
	for i, b := range sub.beams {
		lp := logSoftmax(rows[b.SeqID])
		if gc.DiversityPenalty != 0 {
			for t, c := range chosen {
				lp[t] -= gc.DiversityPenalty * float64(c)
			}
		}
		lps[i] = lp
	}

	cands := selectCandidates(sub.beams, lps, 2*groupSize)
	var next []*Sequence
	for _, c := range cands {
		parent := sub.beams[c.beamIdx]
		if c.token == sm.eos && !gc.IgnoreEOS {
			// EOS closes the hypothesis; it occupies no live-beam slot.
			sub.recordFinished(parent, c.lp, gc, FinishEOS, groupSize)
			continue
		}
		if len(next) == groupSize {
			continue
		}
		child := sm.pool.Fork(parent)
		if err := sm.pool.AppendToken(child, c.token); err != nil {
			sm.pool.Free(child)
			for _, nb := range next {
				sm.pool.Free(nb)
			}
			return err
		}
		child.CumLogProb = c.cum
		next = append(next, child)
		chosen[c.token]++
	}
	for _, b := range sub.beams {
		sm.pool.Free(b)
	}
	sub.beams = next

	if len(sub.beams) > 0 && sub.beams[0].NumCompletionTokens() >= gc.MaxNewTokens {
		for _, b := range sub.beams {
			sub.recordFinished(b, 0, gc, FinishLength, groupSize)
			sm.pool.Free(b)
		}
		sub.beams = nil
	}
	sub.updateDone(gc, groupSize)
	if sub.done {
		for _, b := range sub.beams {
			sm.pool.Free(b)
		}
		sub.beams = nil
	}
	return nil
}

// selectCandidates merges each beam's best tokens and returns the top n
// expansions by cumulative score. Ties resolve toward the lower token id,
// then the earlier beam.
func selectCandidates(beams []*Sequence, lps [][]float64, n int) []beamCandidate {
	var cands []beamCandidate
	for i, b := range beams {
		for _, t := range topTokens(lps[i], n) {
			cands = append(cands, beamCandidate{
				beamIdx: i,
				token:   t,
				lp:      lps[i][t],
				cum:     b.CumLogProb + lps[i][t],
			})
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].cum != cands[b].cum {
			return cands[a].cum > cands[b].cum
		}
		if cands[a].token != cands[b].token {
			return cands[a].token < cands[b].token
		}
		return cands[a].beamIdx < cands[b].beamIdx
	})
	if len(cands) > n {
		cands = cands[:n]
	}
	return cands
}

// topTokens returns the ids of the n highest log-probs, lowest id first
// among equals.
func topTokens(lp []float64, n int) []int {
	idx := make([]int, len(lp))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if lp[idx[a]] != lp[idx[b]] {
			return lp[idx[a]] > lp[idx[b]]
		}
		return idx[a] < idx[b]
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}

// recordFinished moves a hypothesis into the finished pool with its
// length-normalized score. extraLP is the log-prob of a terminating EOS,
// which counts toward the score but not the output tokens. The pool keeps
// only the groupSize best hypotheses.
func (sub *beamSubgroup) recordFinished(beam *Sequence, extraLP float64, gc *GenerationConfig, reason FinishReason, groupSize int) {
	cum := beam.CumLogProb + extraLP
	length := beam.NumCompletionTokens()
	if reason == FinishEOS {
		length++
	}
	if length < 1 {
		length = 1
	}
	tokens := make([]int, beam.NumCompletionTokens())
	copy(tokens, beam.CompletionTokenIDs())
	sub.finished = append(sub.finished, finishedBeam{
		seqID:  beam.SeqID,
		tokens: tokens,
		score:  cum / math.Pow(float64(length), gc.LengthPenalty),
		reason: reason,
	})
	sort.SliceStable(sub.finished, func(a, b int) bool {
		return sub.finished[a].score > sub.finished[b].score
	})
	if len(sub.finished) > groupSize {
		sub.finished = sub.finished[:groupSize]
	}
}

// updateDone applies the subgroup's stop criterion.
func (sub *beamSubgroup) updateDone(gc *GenerationConfig, groupSize int) {
	if len(sub.beams) == 0 {
		sub.done = true
		return
	}
	if len(sub.finished) < groupSize {
		return
	}
	switch gc.StopCriteria {
	case StopEarly:
		sub.done = true
	case StopNever:
		// Keep searching until beams exhaust or hit the length limit.
	default: // StopHeuristic
		best := math.Inf(-1)
		for _, b := range sub.beams {
			if b.CumLogProb > best {
				best = b.CumLogProb
			}
		}
		length := sub.beams[0].NumCompletionTokens()
		if length < 1 {
			length = 1
		}
		attainable := best / math.Pow(float64(length), gc.LengthPenalty)
		if sub.finished[len(sub.finished)-1].score >= attainable {
			sub.done = true
		}
	}
}

// collectOutputs ranks every finished hypothesis across subgroups and
// publishes the top num_return_sequences as the group's outputs.
func (st *beamSearchState) collectOutputs(g *SequenceGroup) {
	var all []finishedBeam
	for _, sub := range st.groups {
		all = append(all, sub.finished...)
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].score > all[b].score })
	n := min(g.Config.NumReturnSequences, len(all))
	for _, fb := range all[:n] {
		g.outputs = append(g.outputs, GenerationOutput{
			SeqID:        fb.seqID,
			TokenIDs:     fb.tokens,
			Score:        fb.score,
			FinishReason: fb.reason,
		})
	}
}

// finalizeInto force-finishes beam search on external termination. Live
// beams are banked with the given reason so partial hypotheses still rank
// into the outputs, then everything is released.
func (st *beamSearchState) finalizeInto(g *SequenceGroup, pool *BlockPool, reason FinishReason) {
	for _, sub := range st.groups {
		for _, b := range sub.beams {
			sub.recordFinished(b, 0, g.Config, reason, st.groupSize)
			pool.Free(b)
		}
		sub.beams = nil
		sub.done = true
	}
	g.Seqs = nil
	st.collectOutputs(g)
}
