package pagedllm

import (
	"github.com/sirupsen/logrus"
)

// PreemptionManager evicts running groups when the scheduler cannot satisfy
// a cache allocation mid-decode. Two recovery strategies exist:
//
//   - Recompute: all of the victim's blocks are freed and the group returns
//     to Waiting; on re-admission its prompt plus already-generated tokens
//     are replayed as a fresh prefill. Recomputation is a pure function of
//     the token sequence, so results are unaffected by the eviction.
//   - Swap: block contents move to secondary storage and the group moves to
//     Swapped, freeing pool capacity immediately; blocks are restored before
//     decode resumes.
//
// Swap is used when a swap store is configured and has room; recompute is
// the fallback.
type PreemptionManager struct {
	pool  *BlockPool
	store *SwapStore
}

// NewPreemptionManager creates a manager; numSwapBlocks of zero disables
// swapping entirely.
func NewPreemptionManager(pool *BlockPool, numSwapBlocks int) *PreemptionManager {
	pm := &PreemptionManager{pool: pool}
	if numSwapBlocks > 0 {
		pm.store = NewSwapStore(numSwapBlocks)
	}
	return pm
}

// Preempt evicts a victim group the scheduler already detached from the
// running queue, parking it in Swapped or Waiting.
func (pm *PreemptionManager) Preempt(victim *SequenceGroup, s *Scheduler) {
	if pm.store != nil && pm.store.CanHold(victim) {
		pm.swapOut(victim)
		s.parkSwapped(victim)
		logrus.Debugf("request %d preempted (swap)", victim.RequestID)
		return
	}
	pm.recompute(victim)
	s.requeueWaiting(victim)
	logrus.Debugf("request %d preempted (recompute)", victim.RequestID)
}

// recompute frees every block the victim holds; generated tokens stay on
// the sequences and are replayed as prefill on re-admission.
func (pm *PreemptionManager) recompute(victim *SequenceGroup) {
	for _, seq := range victim.Seqs {
		pm.pool.Free(seq)
		seq.NumComputed = 0
	}
}

// swapOut snapshots the victim's block contents into the swap store and
// frees the pool blocks.
func (pm *PreemptionManager) swapOut(victim *SequenceGroup) {
	for _, seq := range victim.Seqs {
		pm.store.Put(seq.SeqID, pm.pool.SnapshotBlocks(seq))
		pm.pool.Free(seq)
	}
}

// TrySwapIn restores a swapped group's blocks, all sequences or none.
// Returns false when the pool cannot hold the restored blocks yet.
func (pm *PreemptionManager) TrySwapIn(g *SequenceGroup) bool {
	if pm.store == nil {
		return false
	}
	total := 0
	for _, seq := range g.Seqs {
		total += pm.store.Size(seq.SeqID)
	}
	if total > pm.pool.FreeBlocks() {
		return false
	}
	for _, seq := range g.Seqs {
		saved := pm.store.Take(seq.SeqID)
		if err := pm.pool.RestoreBlocks(seq, saved); err != nil {
			// Should not happen given the capacity check; put the contents
			// back and report failure so the group stays parked.
			pm.store.Put(seq.SeqID, saved)
			return false
		}
	}
	return true
}

// Release drops any swapped-out contents a group still owns (cancellation
// while parked in Swapped).
func (pm *PreemptionManager) Release(g *SequenceGroup) {
	if pm.store == nil {
		return
	}
	for _, seq := range g.Seqs {
		pm.store.Take(seq.SeqID)
	}
}

// SwapStore is the secondary storage for swapped-out block contents,
// capacity-limited in blocks.
type SwapStore struct {
	capacity int
	used     int
	slots    map[int64][][]int
}

// NewSwapStore creates a store holding up to capacity blocks.
func NewSwapStore(capacity int) *SwapStore {
	return &SwapStore{capacity: capacity, slots: make(map[int64][][]int)}
}

// CanHold reports whether the group's live block tables fit in the
// remaining swap capacity. Shared blocks are counted once per sequence;
// the bound is conservative but sharing is rebuilt lazily anyway.
func (st *SwapStore) CanHold(g *SequenceGroup) bool {
	total := 0
	for _, seq := range g.Seqs {
		total += len(seq.BlockTable)
	}
	return st.used+total <= st.capacity
}

// Put stores a sequence's block contents.
func (st *SwapStore) Put(seqID int64, blocks [][]int) {
	st.slots[seqID] = blocks
	st.used += len(blocks)
}

// Take removes and returns a sequence's stored contents.
func (st *SwapStore) Take(seqID int64) [][]int {
	blocks := st.slots[seqID]
	delete(st.slots, seqID)
	st.used -= len(blocks)
	return blocks
}

// Size returns the stored block count for a sequence.
func (st *SwapStore) Size(seqID int64) int {
	return len(st.slots[seqID])
}
