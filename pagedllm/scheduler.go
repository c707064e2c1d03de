package pagedllm

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// Scheduler owns the four sequence-group queues and the block pool, and
// makes per-step admission, batching and ordering decisions. A group is in
// exactly one queue at a time; transitions follow
// Waiting -> Running -> {Swapped <-> Running} -> Finished.
//
// Scheduling is a single-threaded cooperative step loop: one Schedule call
// fully resolves admission and extension before the executor runs. Request
// arrival is serialized by the pipeline between steps.
type Scheduler struct {
	config     *SchedulerConfig
	pool       *BlockPool
	preemption *PreemptionManager

	waiting *list.List // *SequenceGroup, arrival order
	running *list.List // *SequenceGroup, admission order (back = most recent)
	swapped *list.List // *SequenceGroup, ascending request id

	// finished collects groups the scheduler itself terminated (OOM
	// truncation); the pipeline drains them after each step.
	finished []*SequenceGroup

	preemptedThisStep bool
}

// NewScheduler creates a scheduler over a fresh block pool.
func NewScheduler(config *SchedulerConfig) *Scheduler {
	pool := NewBlockPool(config.NumKVBlocks, config.BlockSize)
	return &Scheduler{
		config:     config,
		pool:       pool,
		preemption: NewPreemptionManager(pool, config.NumSwapBlocks),
		waiting:    list.New(),
		running:    list.New(),
		swapped:    list.New(),
	}
}

// Pool exposes the block pool to the sampler and tests.
func (s *Scheduler) Pool() *BlockPool { return s.pool }

// AddGroup queues a newly admitted request.
func (s *Scheduler) AddGroup(g *SequenceGroup) {
	g.Status = StatusWaiting
	s.waiting.PushBack(g)
}

// HasUnfinished reports whether any group still needs scheduling.
func (s *Scheduler) HasUnfinished() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0 || s.swapped.Len() > 0
}

// RemoveGroup detaches a group from whichever queue holds it.
func (s *Scheduler) RemoveGroup(g *SequenceGroup) {
	for _, q := range []*list.List{s.waiting, s.running, s.swapped} {
		for e := q.Front(); e != nil; e = e.Next() {
			if e.Value.(*SequenceGroup).RequestID == g.RequestID {
				q.Remove(e)
				return
			}
		}
	}
}

// DrainFinished returns groups the scheduler terminated since the last call.
func (s *Scheduler) DrainFinished() []*SequenceGroup {
	out := s.finished
	s.finished = nil
	return out
}

// runningSnapshot copies the running queue for safe iteration while
// preemption mutates the underlying list.
func (s *Scheduler) runningSnapshot() []*SequenceGroup {
	groups := make([]*SequenceGroup, 0, s.running.Len())
	for e := s.running.Front(); e != nil; e = e.Next() {
		groups = append(groups, e.Value.(*SequenceGroup))
	}
	return groups
}

// Schedule builds the batch for the next step. It performs swap-in,
// admission and capacity resolution (including preemption) so the returned
// batch is fully backed by allocated blocks.
func (s *Scheduler) Schedule() *ScheduledBatch {
	batch := &ScheduledBatch{}
	scheduled := make(map[uint64]bool)
	s.preemptedThisStep = false

	s.trySwapIn()

	if s.config.DynamicSplitFuse {
		s.scheduleSplitFuse(batch, scheduled)
	} else {
		s.scheduleStatic(batch, scheduled)
	}

	if len(batch.Items) == 0 && s.running.Len() == 0 && s.swapped.Len() == 0 && s.waiting.Len() > 0 {
		// Nothing runnable and the pool is as free as it will ever get:
		// the front request's prompt exceeds total capacity.
		g := s.waiting.Front().Value.(*SequenceGroup)
		logrus.Warnf("request %d: prompt requires more than total pool capacity, truncating", g.RequestID)
		s.waiting.Remove(s.waiting.Front())
		s.terminateOOM(g)
	}
	return batch
}

// scheduleStatic implements the non-split-fuse policy: a step is either a
// full prefill for one or more waiting groups or one decode round, never
// both.
func (s *Scheduler) scheduleStatic(batch *ScheduledBatch, scheduled map[uint64]bool) {
	numSeqs := 0

	for s.waiting.Len() > 0 {
		g := s.waiting.Front().Value.(*SequenceGroup)
		tokens := g.NumRemaining() * g.NumLiveSeqs()
		if numSeqs > 0 && numSeqs+g.NumLiveSeqs() > s.config.MaxNumSeqs {
			break
		}
		if len(batch.Items) > 0 && batch.NumBatchedTokens+tokens > s.config.MaxNumBatchedTokens {
			break
		}
		if !s.canPrefill(g) || !s.allocatePrefill(g, 0) {
			// Admission stops here for this step; no overtaking.
			break
		}
		s.waiting.Remove(s.waiting.Front())
		g.Status = StatusRunning
		s.running.PushBack(g)
		scheduled[g.RequestID] = true
		numSeqs += g.NumLiveSeqs()
		s.appendGroupItems(batch, g, true)
	}
	if len(batch.Items) > 0 {
		return
	}

	for _, g := range s.runningSnapshot() {
		if scheduled[g.RequestID] || g.Status != StatusRunning {
			continue
		}
		// A group can outgrow the per-step budgets mid-flight (beams and
		// parallel samples fork after prefill). When it is the only work
		// in the batch it runs anyway; refusing it would stall forever.
		if numSeqs > 0 && (numSeqs+g.NumLiveSeqs() > s.config.MaxNumSeqs ||
			batch.NumBatchedTokens+g.NumLiveSeqs() > s.config.MaxNumBatchedTokens) {
			break
		}
		if !s.ensureStepCapacity(g, true, 1, scheduled) {
			continue
		}
		scheduled[g.RequestID] = true
		numSeqs += g.NumLiveSeqs()
		s.appendGroupItems(batch, g, true)
	}
}

// scheduleSplitFuse implements dynamic split-fuse: one step mixes decode
// tokens from running groups with (possibly partial) prefill tokens from
// continuing and newly admitted groups, filling the token budget.
func (s *Scheduler) scheduleSplitFuse(batch *ScheduledBatch, scheduled map[uint64]bool) {
	tokenBudget := s.config.MaxNumBatchedTokens
	numSeqs := 0

	for _, g := range s.runningSnapshot() {
		if scheduled[g.RequestID] || g.Status != StatusRunning {
			continue
		}
		// As in the static decode round: the first group of the step is
		// exempt from the sequence and token budgets so a group that
		// forked past them still makes progress.
		if numSeqs > 0 && (tokenBudget <= 0 || numSeqs+g.NumLiveSeqs() > s.config.MaxNumSeqs) {
			break
		}
		rem := g.NumRemaining()
		chunk := min(rem, tokenBudget/g.NumLiveSeqs())
		if chunk <= 0 {
			if numSeqs > 0 {
				break
			}
			chunk = 1
		}
		sample := chunk == rem
		if !s.ensureStepCapacity(g, sample, chunk, scheduled) {
			continue
		}
		if rem > 1 {
			// Continuing (or recomputed) prefill work.
			if !s.allocatePrefill(g, chunk) {
				continue
			}
		}
		scheduled[g.RequestID] = true
		numSeqs += g.NumLiveSeqs()
		tokenBudget -= chunk * g.NumLiveSeqs()
		s.appendGroupItems(batch, g, sample)
	}

	for s.waiting.Len() > 0 && tokenBudget > 0 && !s.preemptedThisStep {
		g := s.waiting.Front().Value.(*SequenceGroup)
		if numSeqs > 0 && numSeqs+g.NumLiveSeqs() > s.config.MaxNumSeqs {
			break
		}
		rem := g.NumRemaining()
		chunk := min(rem, tokenBudget/g.NumLiveSeqs())
		if chunk <= 0 {
			if numSeqs > 0 {
				break
			}
			chunk = 1
		}
		if !s.canPrefill(g) || !s.allocatePrefill(g, chunk) {
			break
		}
		s.waiting.Remove(s.waiting.Front())
		g.Status = StatusRunning
		s.running.PushBack(g)
		scheduled[g.RequestID] = true
		// Prefix-cache adoption may have shortened the remaining span.
		rem = g.NumRemaining()
		chunk = min(chunk, rem)
		numSeqs += g.NumLiveSeqs()
		tokenBudget -= chunk * g.NumLiveSeqs()
		s.appendGroupItems(batch, g, chunk == rem)
	}
}

// appendGroupItems adds one batch item per live sequence. All live
// sequences of a group advance in lockstep, so the span is uniform.
func (s *Scheduler) appendGroupItems(batch *ScheduledBatch, g *SequenceGroup, sample bool) {
	for _, seq := range g.Seqs {
		n := seq.NumRemaining()
		if !sample {
			// Partial prefill: cover exactly what was allocated this step.
			n = min(n, s.pool.coveredTokens(seq)-seq.NumComputed)
		}
		batch.Items = append(batch.Items, ScheduledSeq{
			Group:        g,
			Seq:          seq,
			StartPos:     seq.NumComputed,
			NumTokens:    n,
			SampleNeeded: sample,
		})
		batch.NumBatchedTokens += n
	}
}

// canPrefill reports whether the pool can hold the group's full remaining
// prefill plus the sampling fan-out reserve, counting worst case (no cache
// hits). Used for admission only; no preemption on behalf of waiting groups.
func (s *Scheduler) canPrefill(g *SequenceGroup) bool {
	need := g.SampleFanout()
	for _, seq := range g.Seqs {
		need += s.pool.BlocksNeeded(seq, seq.Len())
	}
	return need <= s.pool.FreeBlocks()
}

// allocatePrefill extends every sequence's allocation for prefill. chunk of
// zero means the full remaining span (static mode). Returns false when the
// pool cannot satisfy the allocation.
func (s *Scheduler) allocatePrefill(g *SequenceGroup, chunk int) bool {
	for _, seq := range g.Seqs {
		target := seq.Len()
		if chunk > 0 {
			target = min(seq.NumComputed+chunk, seq.Len())
		}
		if err := s.pool.ExtendAllocation(seq, target); err != nil {
			return false
		}
	}
	return true
}

// ensureStepCapacity guarantees the pool can absorb the group's next step:
// chunk prefill blocks per sequence plus, when the step samples, one append
// per resulting sequence (counting forks and copy-on-write). Preempts
// most-recently-admitted groups as needed. When no victim remains and the
// requirement still cannot be met, the group is truncated with an
// out-of-memory finish and false is returned.
func (s *Scheduler) ensureStepCapacity(g *SequenceGroup, sample bool, chunk int, scheduled map[uint64]bool) bool {
	need := 0
	if sample {
		need += g.SampleFanout()
	}
	for _, seq := range g.Seqs {
		need += s.pool.BlocksNeeded(seq, min(seq.NumComputed+chunk, seq.Len()))
	}
	for s.pool.FreeBlocks() < need {
		victim := s.selectVictim(g, scheduled)
		if victim == nil {
			logrus.Warnf("request %d: %d blocks required, none reclaimable; truncating generation",
				g.RequestID, need)
			s.removeFromRunning(g)
			s.terminateOOM(g)
			return false
		}
		s.removeFromRunning(victim)
		s.preemption.Preempt(victim, s)
		s.preemptedThisStep = true
	}
	return true
}

// selectVictim picks the most-recently-admitted running group that is not
// g and has not been scheduled this step. Running-list order is admission
// order, so the back of the list is the newest; ties between groups
// admitted in the same step resolve by list position, which follows
// request id order.
func (s *Scheduler) selectVictim(g *SequenceGroup, scheduled map[uint64]bool) *SequenceGroup {
	for e := s.running.Back(); e != nil; e = e.Prev() {
		cand := e.Value.(*SequenceGroup)
		if cand.RequestID == g.RequestID || scheduled[cand.RequestID] {
			continue
		}
		return cand
	}
	return nil
}

func (s *Scheduler) removeFromRunning(g *SequenceGroup) {
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup).RequestID == g.RequestID {
			s.running.Remove(e)
			return
		}
	}
}

// requeueWaiting puts a recompute-preempted group at the front of the
// waiting queue so it cannot be overtaken on re-admission.
func (s *Scheduler) requeueWaiting(g *SequenceGroup) {
	g.Status = StatusWaiting
	s.waiting.PushFront(g)
}

// parkSwapped inserts a swapped-out group keeping ascending request id
// order, so the earliest-arrived victim is restored first.
func (s *Scheduler) parkSwapped(g *SequenceGroup) {
	g.Status = StatusSwapped
	for e := s.swapped.Front(); e != nil; e = e.Next() {
		if g.RequestID < e.Value.(*SequenceGroup).RequestID {
			s.swapped.InsertBefore(g, e)
			return
		}
	}
	s.swapped.PushBack(g)
}

// trySwapIn restores as many swapped groups as current capacity allows,
// earliest arrival first, stopping at the first group that does not fit.
func (s *Scheduler) trySwapIn() {
	for s.swapped.Len() > 0 {
		g := s.swapped.Front().Value.(*SequenceGroup)
		if !s.preemption.TrySwapIn(g) {
			return
		}
		s.swapped.Remove(s.swapped.Front())
		g.Status = StatusRunning
		s.running.PushBack(g)
		logrus.Debugf("request %d swapped back in", g.RequestID)
	}
}

// terminateOOM finishes a group whose requirement exceeds reclaimable
// capacity, returning whatever partial output was produced and leaving the
// pool fully reclaimed.
func (s *Scheduler) terminateOOM(g *SequenceGroup) {
	g.finishAll(s.pool, FinishOutOfMemory)
	s.finished = append(s.finished, g)
}
