package consensus

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolbft/events"
)

// suspendedBlock tracks a received block withheld from DagState pending the
// arrival of the rest of its causal history.
type suspendedBlock struct {
	block     VerifiedBlock
	missing   map[BlockRef]bool
}

// BlockManager admits incoming VerifiedBlocks in any order and guarantees
// no block is surfaced to DagState until its entire causal history is
// accepted. It is private to Core: all mutation happens on the single
// dispatcher goroutine, so no internal locking is needed.
type BlockManager struct {
	dag      *DagState
	verifier BlockVerifier
	log      *logrus.Entry
	emitter  *events.Emitter

	suspended map[BlockRef]*suspendedBlock
	// missingAncestors indexes, for each missing ref m, the set of
	// suspended block refs that list m as a dependency.
	missingAncestors map[BlockRef]map[BlockRef]bool
	// missingBlocks is the set of refs we know are needed but have not
	// received the payload for yet (as opposed to blocks we have but are
	// waiting on ancestors for).
	missingBlocks map[BlockRef]bool
}

// SetEmitter wires an event bus for block lifecycle notifications (used by
// the ledger indexer and similar subscribers). Nil-safe: emission is
// skipped if no emitter is set.
func (m *BlockManager) SetEmitter(e *events.Emitter) { m.emitter = e }

func (m *BlockManager) emit(typ events.EventType, data map[string]any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.Event{Type: typ, Data: data})
}

// NewBlockManager creates a BlockManager over dag using verifier.
func NewBlockManager(dag *DagState, verifier BlockVerifier, log *logrus.Entry) *BlockManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BlockManager{
		dag:              dag,
		verifier:         verifier,
		log:              log.WithField("component", "block_manager"),
		suspended:        make(map[BlockRef]*suspendedBlock),
		missingAncestors: make(map[BlockRef]map[BlockRef]bool),
		missingBlocks:    make(map[BlockRef]bool),
	}
}

// TryAcceptResult is the outcome of a TryAcceptBlocks call.
type TryAcceptResult struct {
	Accepted     []VerifiedBlock // in causal (round-ascending then topological) order
	NewlyMissing []BlockRef
}

// TryAcceptBlocks admits blocks, accepting those whose causal history is
// complete (directly, or transitively by unblocking previously suspended
// descendants), suspending the rest, and rejecting any whose ancestry
// fails CheckAncestors (cascading the rejection to dependents).
//
// Ported from the causal-sweep algorithm in the source this package was
// built from: sort by round, try-accept each block in turn, and on
// acceptance walk the missing-ancestor reverse index to unsuspend anything
// that was only waiting on this block.
func (m *BlockManager) TryAcceptBlocks(blocks []VerifiedBlock) (TryAcceptResult, error) {
	ordered := make([]VerifiedBlock, len(blocks))
	copy(ordered, blocks)
	SortBlocks(ordered)

	missingBefore := make(map[BlockRef]bool, len(m.missingBlocks))
	for k := range m.missingBlocks {
		missingBefore[k] = true
	}

	var tentative []VerifiedBlock
	// pending holds refs tentatively accepted earlier in this batch: they
	// reach DagState only when the batch is written, but count as present.
	pending := make(map[BlockRef]bool)
	for _, b := range ordered {
		if accepted := m.tryAcceptOne(b, pending); accepted != nil {
			unsuspended := m.tryUnsuspendChildren(accepted.Ref)
			tentative = append(tentative, *accepted)
			tentative = append(tentative, unsuspended...)
			pending[accepted.Ref] = true
			for _, u := range unsuspended {
				pending[u.Ref] = true
			}
		}
	}

	accepted, err := m.verifyAndFilter(tentative)
	if err != nil {
		return TryAcceptResult{}, err
	}

	if len(accepted) > 0 {
		if err := m.dag.AcceptBlocks(accepted); err != nil {
			return TryAcceptResult{}, err
		}
		for _, b := range accepted {
			m.emit(events.EventBlockAccepted, map[string]any{"round": b.Ref.Round, "author": int(b.Ref.Author), "digest": b.Ref.Digest})
		}
	}

	var newlyMissing []BlockRef
	for k := range m.missingBlocks {
		if !missingBefore[k] {
			newlyMissing = append(newlyMissing, k)
		}
	}
	SortRefs(newlyMissing)
	SortBlocks(accepted)

	return TryAcceptResult{Accepted: accepted, NewlyMissing: newlyMissing}, nil
}

// tryAcceptOne handles a single incoming block: skip if already known,
// otherwise compute its missing-ancestor set and either suspend it or
// return it as tentatively accepted.
func (m *BlockManager) tryAcceptOne(b VerifiedBlock, pending map[BlockRef]bool) *VerifiedBlock {
	if m.dag.ContainsBlock(b.Ref) || pending[b.Ref] {
		return nil
	}
	if _, already := m.suspended[b.Ref]; already {
		return nil
	}

	refs := b.Block().Ancestors
	present := m.dag.ContainsBlocks(refs)
	missing := make(map[BlockRef]bool)
	for i, r := range refs {
		if !present[i] && !pending[r] {
			missing[r] = true
		}
	}

	delete(m.missingBlocks, b.Ref) // we now have the payload, just maybe not the history

	if len(missing) > 0 {
		m.suspended[b.Ref] = &suspendedBlock{block: b, missing: missing}
		for mref := range missing {
			if m.missingAncestors[mref] == nil {
				m.missingAncestors[mref] = make(map[BlockRef]bool)
			}
			m.missingAncestors[mref][b.Ref] = true
			if _, stillSuspended := m.suspended[mref]; !stillSuspended {
				m.missingBlocks[mref] = true
			}
		}
		m.log.WithFields(logrus.Fields{"block": b.Ref.String(), "missing": len(missing)}).Debug("suspended block")
		m.emit(events.EventBlockSuspended, map[string]any{"round": b.Ref.Round, "author": int(b.Ref.Author), "missing": len(missing)})
		return nil
	}

	out := b
	return &out
}

// tryUnsuspendChildren walks the missing-ancestor reverse index for a
// newly-accepted ref, recursively unsuspending any descendant whose
// missing set becomes empty.
func (m *BlockManager) tryUnsuspendChildren(accepted BlockRef) []VerifiedBlock {
	var result []VerifiedBlock
	worklist := []BlockRef{accepted}
	for len(worklist) > 0 {
		ref := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		children := m.missingAncestors[ref]
		delete(m.missingAncestors, ref)
		for child := range children {
			if unsuspended := m.tryUnsuspendOne(child, ref); unsuspended != nil {
				result = append(result, *unsuspended)
				worklist = append(worklist, unsuspended.Ref)
			}
		}
	}
	return result
}

// tryUnsuspendOne removes satisfiedRef from child's missing set; if the set
// empties, child is promoted out of suspension and returned.
func (m *BlockManager) tryUnsuspendOne(child BlockRef, satisfiedRef BlockRef) *VerifiedBlock {
	sb, ok := m.suspended[child]
	if !ok {
		return nil
	}
	delete(sb.missing, satisfiedRef)
	if len(sb.missing) > 0 {
		return nil
	}
	delete(m.suspended, child)
	out := sb.block
	return &out
}

// verifyAndFilter runs CheckAncestors over every tentatively accepted
// block and cascades rejection: any block whose ancestor was itself
// rejected in this same batch is rejected too.
func (m *BlockManager) verifyAndFilter(tentative []VerifiedBlock) ([]VerifiedBlock, error) {
	rejected := make(map[BlockRef]bool)
	accepted := make([]VerifiedBlock, 0, len(tentative))

	for _, b := range tentative {
		ancestorRejected := false
		ancestors := make([]VerifiedBlock, 0, len(b.Block().Ancestors))
		for _, aref := range b.Block().Ancestors {
			if rejected[aref] {
				ancestorRejected = true
				continue
			}
			if ab, ok := m.dag.GetBlock(aref); ok {
				ancestors = append(ancestors, ab)
				continue
			}
			for _, cb := range accepted {
				if cb.Ref == aref {
					ancestors = append(ancestors, cb)
				}
			}
		}
		if ancestorRejected {
			rejected[b.Ref] = true
			m.log.WithField("block", b.Ref.String()).Debug("rejected by ancestor cascade")
			m.emit(events.EventBlockRejected, map[string]any{"round": b.Ref.Round, "author": int(b.Ref.Author), "reason": "ancestor_cascade"})
			continue
		}
		if err := m.verifier.CheckAncestors(b, ancestors); err != nil {
			var cerr *Error
			if !isConsensusError(err, &cerr) || cerr.Kind.fatal() {
				return nil, fmt.Errorf("check ancestors %s: %w", b.Ref, err)
			}
			rejected[b.Ref] = true
			m.log.WithFields(logrus.Fields{"block": b.Ref.String(), "err": err}).Warn("block rejected by verifier")
			m.emit(events.EventBlockRejected, map[string]any{"round": b.Ref.Round, "author": int(b.Ref.Author), "reason": err.Error()})
			continue
		}
		accepted = append(accepted, b)
	}
	return accepted, nil
}

func isConsensusError(err error, target **Error) bool {
	ce, ok := err.(*Error)
	if ok {
		*target = ce
	}
	return ok
}

// MissingBlocks returns the current set of refs known to be needed but not
// yet received, for synchronizer bootstrapping.
func (m *BlockManager) MissingBlocks() []BlockRef {
	out := make([]BlockRef, 0, len(m.missingBlocks))
	for r := range m.missingBlocks {
		out = append(out, r)
	}
	SortRefs(out)
	return out
}

// SuspendedBlocks returns the refs currently withheld pending ancestors,
// for tests and diagnostics.
func (m *BlockManager) SuspendedBlocks() []BlockRef {
	out := make([]BlockRef, 0, len(m.suspended))
	for r := range m.suspended {
		out = append(out, r)
	}
	SortRefs(out)
	return out
}
