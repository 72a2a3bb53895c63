package consensus

import (
	"fmt"
	"sync"
)

// BlockStore is the pluggable persistent store DagState writes through.
// Implementations (e.g. storage.LevelDB) must make PutBlocks atomic with
// respect to restart: either all blocks in a batch are durable or none are.
type BlockStore interface {
	PutBlocks(blocks []VerifiedBlock) error
	GetBlock(ref BlockRef) (VerifiedBlock, bool, error)
	HasBlock(ref BlockRef) (bool, error)
	// LoadAll returns every previously persisted block, for restart recovery.
	LoadAll() ([]VerifiedBlock, error)
}

// DagState is the in-memory index of accepted blocks, backed by a
// BlockStore for durability. It is guarded by a single-writer/many-readers
// lock: Core is the sole writer; AuthorityService, Synchronizer and
// CommitObserver take the read lock for lookups.
type DagState struct {
	mu sync.RWMutex

	store BlockStore

	accepted       map[BlockRef]VerifiedBlock
	byRoundAuthor  map[roundAuthorKey]map[string]bool // round,author -> digests seen (equivocation index)
	highestAccepted []uint64                          // per-author high-water mark, index by AuthorityIndex
}

type roundAuthorKey struct {
	round  uint64
	author AuthorityIndex
}

// NewDagState creates a DagState for committee, recovering any previously
// persisted blocks from store.
func NewDagState(committee *Committee, store BlockStore) (*DagState, error) {
	d := &DagState{
		store:           store,
		accepted:        make(map[BlockRef]VerifiedBlock),
		byRoundAuthor:   make(map[roundAuthorKey]map[string]bool),
		highestAccepted: make([]uint64, committee.Size()),
	}
	for _, g := range GenesisBlocks(committee) {
		d.indexLocked(g)
	}
	existing, err := store.LoadAll()
	if err != nil {
		return nil, newErr(KindStoreFailure, fmt.Errorf("recover dag state: %w", err))
	}
	for _, b := range existing {
		d.indexLocked(b)
	}
	return d, nil
}

// indexLocked updates in-memory indexes for an already-durable block.
// Caller must hold mu for writing.
func (d *DagState) indexLocked(b VerifiedBlock) {
	if _, exists := d.accepted[b.Ref]; exists {
		return
	}
	d.accepted[b.Ref] = b
	key := roundAuthorKey{round: b.Ref.Round, author: b.Ref.Author}
	digests := d.byRoundAuthor[key]
	if digests == nil {
		digests = make(map[string]bool)
		d.byRoundAuthor[key] = digests
	}
	digests[b.Ref.Digest] = true
	if int(b.Ref.Author) < len(d.highestAccepted) && b.Ref.Round > d.highestAccepted[b.Ref.Author] {
		d.highestAccepted[b.Ref.Author] = b.Ref.Round
	}
}

// AcceptBlocks durably persists blocks (already causally complete and
// verified) and indexes them in one atomic batch. Idempotent: blocks
// already accepted are skipped without error.
func (d *DagState) AcceptBlocks(blocks []VerifiedBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := make([]VerifiedBlock, 0, len(blocks))
	for _, b := range blocks {
		if _, exists := d.accepted[b.Ref]; !exists {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := d.store.PutBlocks(fresh); err != nil {
		return newErr(KindStoreFailure, fmt.Errorf("persist %d blocks: %w", len(fresh), err))
	}
	for _, b := range fresh {
		d.indexLocked(b)
	}
	return nil
}

// ContainsBlock reports whether ref has been accepted.
func (d *DagState) ContainsBlock(ref BlockRef) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.accepted[ref]
	return ok
}

// ContainsBlocks reports acceptance for each ref, preserving input order.
func (d *DagState) ContainsBlocks(refs []BlockRef) []bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]bool, len(refs))
	for i, r := range refs {
		_, out[i] = d.accepted[r]
	}
	return out
}

// GetBlock returns the accepted block for ref, if any.
func (d *DagState) GetBlock(ref BlockRef) (VerifiedBlock, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.accepted[ref]
	return b, ok
}

// GetBlocks returns accepted blocks for refs, preserving input order; a
// missing ref yields a zero VerifiedBlock and false at that slot.
func (d *DagState) GetBlocks(refs []BlockRef) []struct {
	Block VerifiedBlock
	Found bool
} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]struct {
		Block VerifiedBlock
		Found bool
	}, len(refs))
	for i, r := range refs {
		b, ok := d.accepted[r]
		out[i].Block, out[i].Found = b, ok
	}
	return out
}

// HighestAcceptedRound returns the max accepted round for author, or 0.
func (d *DagState) HighestAcceptedRound(author AuthorityIndex) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(author) >= len(d.highestAccepted) {
		return 0
	}
	return d.highestAccepted[author]
}

// HighestAcceptedRounds returns a per-author high-water-mark snapshot,
// indexed by AuthorityIndex, used to build fetch requests.
func (d *DagState) HighestAcceptedRounds() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, len(d.highestAccepted))
	copy(out, d.highestAccepted)
	return out
}

// BlocksAtRound returns all accepted blocks at round (used by Core for
// ancestor selection and CommitObserver for leader support tests).
func (d *DagState) BlocksAtRound(round uint64) []VerifiedBlock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []VerifiedBlock
	for ref, b := range d.accepted {
		if ref.Round == round {
			out = append(out, b)
		}
	}
	SortBlocks(out)
	return out
}

// AuthorsAtRound returns the distinct authors with an accepted block at
// round. Equivocating authors (multiple digests) still count once.
func (d *DagState) AuthorsAtRound(round uint64) map[AuthorityIndex]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[AuthorityIndex]struct{})
	for ref := range d.accepted {
		if ref.Round == round {
			out[ref.Author] = struct{}{}
		}
	}
	return out
}

// LatestOwnBlock returns the highest-round accepted block authored by
// author; while nothing beyond round 0 is accepted, that is author's
// genesis block.
func (d *DagState) LatestOwnBlock(author AuthorityIndex) (VerifiedBlock, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	round := uint64(0)
	if int(author) < len(d.highestAccepted) {
		round = d.highestAccepted[author]
	}
	for ref, block := range d.accepted {
		if ref.Author == author && ref.Round == round {
			return block, true
		}
	}
	return VerifiedBlock{}, false
}

// SortBlocks sorts blocks in place by their canonical BlockRef ordering.
func SortBlocks(blocks []VerifiedBlock) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].Ref.Less(blocks[j-1].Ref); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}
