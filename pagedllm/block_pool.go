package pagedllm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrNoFreeBlocks signals a recoverable allocation failure. Callers
// (scheduler, preemption manager) decide whether to defer, preempt or
// truncate; the pool itself never panics on exhaustion.
var ErrNoFreeBlocks = errors.New("no free KV cache blocks")

// Block is a fixed-capacity slot of KV cache storage. Blocks are
// reference-counted: beam forks and parallel samples share prefix blocks
// until one of them writes past the shared portion.
type Block struct {
	ID       int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// BlockPool is the fixed-size KV cache block allocator. It is the only
// resource shared across sequence groups; all mutation goes through its
// allocate/free/fork contract. Invariant: allocated + free == total.
type BlockPool struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]bool
}

// NewBlockPool creates a pool of numBlocks blocks of blockSize tokens each.
func NewBlockPool(numBlocks, blockSize int) *BlockPool {
	blocks := make([]*Block, numBlocks)
	freeIDs := make([]int, numBlocks)
	for i := range blocks {
		blocks[i] = &Block{ID: i}
		freeIDs[i] = i
	}
	return &BlockPool{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  freeIDs,
		usedBlockIDs:  make(map[int]bool),
	}
}

// BlockSize returns the per-block token capacity.
func (p *BlockPool) BlockSize() int { return p.blockSize }

// TotalBlocks returns the fixed pool capacity.
func (p *BlockPool) TotalBlocks() int { return len(p.blocks) }

// FreeBlocks returns the number of blocks available for allocation.
func (p *BlockPool) FreeBlocks() int { return len(p.freeBlockIDs) }

// UsedBlocks returns the number of blocks currently allocated.
func (p *BlockPool) UsedBlocks() int { return len(p.usedBlockIDs) }

// RefCount returns the reference count of the given block.
func (p *BlockPool) RefCount(blockID int) int { return p.blocks[blockID].RefCount }

// chainHash hashes a block's tokens chained on the previous block's hash,
// so equal hashes imply equal full prefixes.
func chainHash(prefixHash uint64, tokenIDs []int) uint64 {
	h := xxhash.New()
	var buf [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

// allocateBlock takes the least-recently-freed block off the free list.
func (p *BlockPool) allocateBlock() (*Block, error) {
	if len(p.freeBlockIDs) == 0 {
		return nil, ErrNoFreeBlocks
	}
	id := p.freeBlockIDs[0]
	p.freeBlockIDs = p.freeBlockIDs[1:]
	blk := p.blocks[id]
	if blk.RefCount != 0 {
		panic(fmt.Sprintf("free block %d has refcount %d", id, blk.RefCount))
	}
	// Drop the stale prefix-cache entry unless a newer block took it over.
	if blk.Hash != 0 {
		if cur, ok := p.hashToBlockID[blk.Hash]; ok && cur == id {
			delete(p.hashToBlockID, blk.Hash)
		}
	}
	blk.RefCount = 1
	blk.Hash = 0
	blk.TokenIDs = nil
	p.usedBlockIDs[id] = true
	return blk, nil
}

// takeCachedBlock re-activates a prefix-cached block (free or in use).
func (p *BlockPool) takeCachedBlock(id int) {
	blk := p.blocks[id]
	if p.usedBlockIDs[id] {
		blk.RefCount++
		return
	}
	// Cached but free: pull it off the free list and revive it.
	for i, fid := range p.freeBlockIDs {
		if fid == id {
			p.freeBlockIDs = append(p.freeBlockIDs[:i], p.freeBlockIDs[i+1:]...)
			break
		}
	}
	blk.RefCount = 1
	p.usedBlockIDs[id] = true
}

// releaseBlock decrements a block's reference count and returns it to the
// free list at zero. Hash and content are kept so the block stays usable as
// a prefix-cache hit until it is actually reused.
func (p *BlockPool) releaseBlock(id int) {
	blk := p.blocks[id]
	blk.RefCount--
	if blk.RefCount < 0 {
		panic(fmt.Sprintf("block %d released below zero refcount", id))
	}
	if blk.RefCount == 0 {
		delete(p.usedBlockIDs, id)
		p.freeBlockIDs = append(p.freeBlockIDs, id)
	}
}

// coveredTokens returns how many of seq's tokens have a KV slot allocated.
func (p *BlockPool) coveredTokens(seq *Sequence) int {
	if len(seq.BlockTable) == 0 {
		return 0
	}
	last := p.blocks[seq.BlockTable[len(seq.BlockTable)-1]]
	return (len(seq.BlockTable)-1)*p.blockSize + len(last.TokenIDs)
}

// BlocksNeeded returns how many fresh blocks extending seq's allocation to
// numTokens would take in the worst case (prefix-cache hits ignored).
func (p *BlockPool) BlocksNeeded(seq *Sequence, numTokens int) int {
	want := (numTokens + p.blockSize - 1) / p.blockSize
	if n := want - len(seq.BlockTable); n > 0 {
		return n
	}
	return 0
}

// CanAllocate reports whether the pool can extend seq's allocation to cover
// numTokens tokens without reclaiming anything.
func (p *BlockPool) CanAllocate(seq *Sequence, numTokens int) bool {
	return p.BlocksNeeded(seq, numTokens) <= len(p.freeBlockIDs)
}

// ExtendAllocation grows seq's block table to cover its first numTokens
// tokens. On the first call for a sequence, full prompt-prefix blocks already
// present in the pool are adopted by reference instead of being reallocated;
// adopted tokens count as computed since their KV entries already exist.
// Returns ErrNoFreeBlocks without partial mutation when capacity is short.
func (p *BlockPool) ExtendAllocation(seq *Sequence, numTokens int) error {
	if numTokens > seq.Len() {
		panic("allocation beyond sequence length")
	}
	if len(seq.BlockTable) == 0 {
		p.adoptCachedPrefix(seq, numTokens)
	}
	covered := p.coveredTokens(seq)
	if covered >= numTokens {
		return nil
	}
	need := p.BlocksNeeded(seq, numTokens)
	if need > len(p.freeBlockIDs) {
		return ErrNoFreeBlocks
	}
	for covered < numTokens {
		var blk *Block
		if len(seq.BlockTable) > 0 {
			blk = p.blocks[seq.BlockTable[len(seq.BlockTable)-1]]
		}
		if blk == nil || len(blk.TokenIDs) == p.blockSize {
			nb, err := p.allocateBlock()
			if err != nil {
				return err
			}
			seq.BlockTable = append(seq.BlockTable, nb.ID)
			blk = nb
		}
		n := min(p.blockSize-len(blk.TokenIDs), numTokens-covered)
		blk.TokenIDs = append(blk.TokenIDs, seq.TokenIDs[covered:covered+n]...)
		covered += n
		if len(blk.TokenIDs) == p.blockSize {
			p.registerFullBlock(seq, len(seq.BlockTable)-1)
		}
	}
	return nil
}

// adoptCachedPrefix maps leading full blocks of seq's tokens onto cached
// blocks with matching content. The final token of the requested range is
// never adopted: its logits must be recomputed to sample the next token.
func (p *BlockPool) adoptCachedPrefix(seq *Sequence, numTokens int) {
	var h uint64
	for i := 0; (i+1)*p.blockSize <= numTokens-1; i++ {
		chunk := seq.TokenIDs[i*p.blockSize : (i+1)*p.blockSize]
		h = chainHash(h, chunk)
		id, ok := p.hashToBlockID[h]
		if !ok || !tokensEqual(p.blocks[id].TokenIDs, chunk) {
			return
		}
		p.takeCachedBlock(id)
		seq.BlockTable = append(seq.BlockTable, id)
		seq.NumCachedTokens += p.blockSize
	}
	if seq.NumCachedTokens > seq.NumComputed {
		seq.NumComputed = seq.NumCachedTokens
	}
}

// registerFullBlock hashes a just-filled block and publishes it for reuse.
func (p *BlockPool) registerFullBlock(seq *Sequence, tableIdx int) {
	var prefixHash uint64
	if tableIdx > 0 {
		prefixHash = p.blocks[seq.BlockTable[tableIdx-1]].Hash
	}
	blk := p.blocks[seq.BlockTable[tableIdx]]
	blk.Hash = chainHash(prefixHash, blk.TokenIDs)
	p.hashToBlockID[blk.Hash] = blk.ID
}

// AppendBlocksNeeded returns the worst-case fresh blocks one token append
// would take for seq: a new block at a block boundary, or a copy-on-write
// duplicate when the trailing block is partially filled and shared.
func (p *BlockPool) AppendBlocksNeeded(seq *Sequence) int {
	if len(seq.BlockTable) == 0 {
		return 1
	}
	last := p.blocks[seq.BlockTable[len(seq.BlockTable)-1]]
	if len(last.TokenIDs) == p.blockSize {
		return 1
	}
	if last.RefCount > 1 {
		return 1
	}
	return 0
}

// CanAppendToken reports whether one token can be appended to seq now.
func (p *BlockPool) CanAppendToken(seq *Sequence) bool {
	return p.AppendBlocksNeeded(seq) <= len(p.freeBlockIDs)
}

// AppendToken appends one generated token to seq, allocating a fresh block
// at a block boundary and duplicating a shared trailing block (copy-on-write)
// before mutating it. The sequence is left untouched on ErrNoFreeBlocks.
func (p *BlockPool) AppendToken(seq *Sequence, tokenID int) error {
	if p.AppendBlocksNeeded(seq) > len(p.freeBlockIDs) {
		return ErrNoFreeBlocks
	}
	lastIdx := len(seq.BlockTable) - 1
	var blk *Block
	if lastIdx >= 0 {
		blk = p.blocks[seq.BlockTable[lastIdx]]
	}
	switch {
	case blk == nil || len(blk.TokenIDs) == p.blockSize:
		nb, err := p.allocateBlock()
		if err != nil {
			return err
		}
		seq.BlockTable = append(seq.BlockTable, nb.ID)
		blk = nb
	case blk.RefCount > 1:
		// Copy-on-write: never mutate a block a sibling still maps.
		nb, err := p.allocateBlock()
		if err != nil {
			return err
		}
		nb.TokenIDs = append(nb.TokenIDs, blk.TokenIDs...)
		blk.RefCount--
		seq.BlockTable[lastIdx] = nb.ID
		blk = nb
	}
	seq.TokenIDs = append(seq.TokenIDs, tokenID)
	blk.TokenIDs = append(blk.TokenIDs, tokenID)
	if len(blk.TokenIDs) == p.blockSize {
		p.registerFullBlock(seq, len(seq.BlockTable)-1)
	}
	return nil
}

// Fork creates a child sequence sharing all of the parent's blocks by
// reference. Forking never allocates; divergence is paid for lazily through
// copy-on-write on the first conflicting append.
func (p *BlockPool) Fork(parent *Sequence) *Sequence {
	child := parent.fork()
	child.BlockTable = make([]int, len(parent.BlockTable))
	copy(child.BlockTable, parent.BlockTable)
	for _, id := range parent.BlockTable {
		p.blocks[id].RefCount++
	}
	return child
}

// Free releases all blocks mapped by seq, in reverse order so trailing
// blocks (least likely to be reused as prefixes) are evicted first.
func (p *BlockPool) Free(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		p.releaseBlock(seq.BlockTable[i])
	}
	seq.BlockTable = seq.BlockTable[:0]
	seq.NumCachedTokens = 0
}

// SnapshotBlocks copies seq's block contents for swap-out. The caller frees
// the live blocks afterwards.
func (p *BlockPool) SnapshotBlocks(seq *Sequence) [][]int {
	saved := make([][]int, len(seq.BlockTable))
	for i, id := range seq.BlockTable {
		tokens := p.blocks[id].TokenIDs
		saved[i] = make([]int, len(tokens))
		copy(saved[i], tokens)
	}
	return saved
}

// RestoreBlocks rebuilds seq's block table from swapped-out contents.
// All-or-nothing: on ErrNoFreeBlocks any partially restored blocks are freed.
func (p *BlockPool) RestoreBlocks(seq *Sequence, saved [][]int) error {
	if len(saved) > len(p.freeBlockIDs) {
		return ErrNoFreeBlocks
	}
	for i, tokens := range saved {
		blk, err := p.allocateBlock()
		if err != nil {
			p.Free(seq)
			return err
		}
		blk.TokenIDs = append(blk.TokenIDs, tokens...)
		seq.BlockTable = append(seq.BlockTable, blk.ID)
		if len(blk.TokenIDs) == p.blockSize {
			p.registerFullBlock(seq, i)
		}
	}
	return nil
}

// CheckInvariant verifies allocated + free == total and refcount sanity.
// Exposed for tests.
func (p *BlockPool) CheckInvariant() error {
	if len(p.usedBlockIDs)+len(p.freeBlockIDs) != len(p.blocks) {
		return fmt.Errorf("block accounting broken: %d used + %d free != %d total",
			len(p.usedBlockIDs), len(p.freeBlockIDs), len(p.blocks))
	}
	for _, blk := range p.blocks {
		used := p.usedBlockIDs[blk.ID]
		if used && blk.RefCount <= 0 {
			return fmt.Errorf("used block %d has refcount %d", blk.ID, blk.RefCount)
		}
		if !used && blk.RefCount != 0 {
			return fmt.Errorf("free block %d has refcount %d", blk.ID, blk.RefCount)
		}
	}
	return nil
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
