package consensus

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/events"
)

// CommittedSubDag is one leader's causal closure, restricted to blocks not
// already committed by an earlier leader, in deterministic order.
type CommittedSubDag struct {
	Leader      BlockRef
	Blocks      []VerifiedBlock
	CommitIndex uint64
	Digest      string
}

// CommitMetadata is the durable record of the latest commit, so a restart
// resumes emission at the next index instead of re-committing.
type CommitMetadata struct {
	LastCommitIndex  uint64
	LastCommitLeader BlockRef
	Digest           string
}

// CommitStore persists CommitMetadata across restarts.
type CommitStore interface {
	PutCommitMetadata(meta CommitMetadata) error
	GetLastCommitMetadata() (CommitMetadata, bool, error)
}

// CommitObserver walks accepted sub-DAGs from each committed leader,
// producing a deterministic linear stream of committed sub-DAGs on the
// consumer channel. It is invoked inline from the Core dispatcher
// goroutine, never concurrently with itself.
type CommitObserver struct {
	committee *Committee
	dag       *DagState
	store     CommitStore
	metrics   *Metrics
	log       *logrus.Entry
	emitter   *events.Emitter

	consumer chan CommittedSubDag

	nextRound   uint64 // lowest round not yet checked for a committed leader
	nextIndex   uint64
	committedBlocks map[BlockRef]bool
}

// NewCommitObserver builds a CommitObserver resuming from store's last
// persisted metadata, wired to consumer's channel.
func NewCommitObserver(committee *Committee, dag *DagState, store CommitStore, consumer CommitConsumer, metrics *Metrics, log *logrus.Entry) (*CommitObserver, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	o := &CommitObserver{
		committee:       committee,
		dag:             dag,
		store:           store,
		metrics:         metrics,
		log:             log.WithField("component", "commit_observer"),
		consumer:        consumer.Channel,
		nextRound:       1,
		committedBlocks: make(map[BlockRef]bool),
	}
	meta, found, err := store.GetLastCommitMetadata()
	if err != nil {
		return nil, newErr(KindStoreFailure, fmt.Errorf("load commit metadata: %w", err))
	}
	if found {
		o.nextIndex = meta.LastCommitIndex + 1
		o.nextRound = meta.LastCommitLeader.Round + 1
	} else if consumer.LastProcessedIndex > 0 {
		o.nextIndex = consumer.LastProcessedIndex + 1
		o.nextRound = consumer.LastProcessedRound + 1
	}
	return o, nil
}

// SetEmitter wires an event bus for commit notifications (the ledger
// indexer's primary input). Nil-safe: emission is skipped if unset.
func (o *CommitObserver) SetEmitter(e *events.Emitter) { o.emitter = e }

// ObserveAccepted is called after BlockManager/Core accepts new blocks. It
// re-checks rounds starting at nextRound for a committed leader, advancing
// strictly and never re-emitting a block already committed by an earlier
// sub-DAG.
func (o *CommitObserver) ObserveAccepted(_ []VerifiedBlock) error {
	for {
		round := o.nextRound
		if !o.committee.HasQuorum(o.dag.AuthorsAtRound(round + 1)) {
			return nil // round+1 not yet settled; the support test can't be decided
		}
		leaderIdx := o.committee.Leader(round)
		leaderRef, ok := o.findLeaderBlock(round, leaderIdx)
		if ok && o.hasSupport(leaderRef) {
			if err := o.commitLeader(leaderRef); err != nil {
				return err
			}
		}
		// Either committed, or the leader was absent/unsupported and is
		// skipped — its blocks, if any, are swept up by a later leader's
		// causal closure.
		o.nextRound++
	}
}

// findLeaderBlock returns the leader's accepted block at round, if present.
func (o *CommitObserver) findLeaderBlock(round uint64, leader AuthorityIndex) (BlockRef, bool) {
	for _, b := range o.dag.BlocksAtRound(round) {
		if b.Ref.Author == leader {
			return b.Ref, true
		}
	}
	return BlockRef{}, false
}

// hasSupport reports whether >= 2f+1 distinct authors at leaderRef.Round+1
// include leaderRef in their causal ancestry.
func (o *CommitObserver) hasSupport(leaderRef BlockRef) bool {
	supporters := make(map[AuthorityIndex]struct{})
	for _, b := range o.dag.BlocksAtRound(leaderRef.Round + 1) {
		if o.references(b, leaderRef) {
			supporters[b.Ref.Author] = struct{}{}
		}
	}
	return o.committee.HasQuorum(supporters)
}

// references reports whether b's direct ancestors include leaderRef. Direct
// ancestry at round+1 is sufficient: every round-R+1 block that descends
// from any round-R block must name it directly (ancestor rounds must equal
// block.round-1 for the referenced round), so one hop is exactly the
// support test the commit rule needs.
func (o *CommitObserver) references(b VerifiedBlock, target BlockRef) bool {
	for _, a := range b.Block().Ancestors {
		if a == target {
			return true
		}
	}
	return false
}

// commitLeader computes the leader's causal closure (excluding already
// committed blocks), orders it deterministically, assigns the next dense
// index, persists metadata and emits on the consumer channel. The consumer
// channel being full/blocking is the intended backpressure point: this
// call blocks the Core dispatcher goroutine, never drops a block.
func (o *CommitObserver) commitLeader(leaderRef BlockRef) error {
	closure := o.causalClosure(leaderRef)
	SortBlocks(closure)

	refs := make([]BlockRef, len(closure))
	for i, b := range closure {
		refs[i] = b.Ref
		o.committedBlocks[b.Ref] = true
	}
	digest := crypto.Hash(canonicalRefBytes(refs))

	sub := CommittedSubDag{
		Leader:      leaderRef,
		Blocks:      closure,
		CommitIndex: o.nextIndex,
		Digest:      digest,
	}

	meta := CommitMetadata{LastCommitIndex: o.nextIndex, LastCommitLeader: leaderRef, Digest: digest}
	if err := o.store.PutCommitMetadata(meta); err != nil {
		return newErr(KindStoreFailure, fmt.Errorf("persist commit metadata: %w", err))
	}

	o.consumer <- sub // may block: intentional backpressure

	o.metrics.CommitsEmitted.Inc()
	o.log.WithFields(logrus.Fields{"index": sub.CommitIndex, "leader": leaderRef.String(), "blocks": len(closure)}).Info("committed sub-dag")
	if o.emitter != nil {
		o.emitter.Emit(events.Event{Type: events.EventCommit, Data: map[string]any{
			"commit_index": sub.CommitIndex,
			"leader_round": leaderRef.Round,
			"leader_author": int(leaderRef.Author),
			"digest":       sub.Digest,
			"blocks":       len(closure),
		}})
	}
	o.nextIndex++
	return nil
}

// causalClosure walks leaderRef's ancestry, collecting every reachable
// block not already committed by an earlier sub-DAG.
func (o *CommitObserver) causalClosure(leaderRef BlockRef) []VerifiedBlock {
	visited := make(map[BlockRef]bool)
	var out []VerifiedBlock
	var walk func(ref BlockRef)
	walk = func(ref BlockRef) {
		if visited[ref] || o.committedBlocks[ref] {
			return
		}
		visited[ref] = true
		b, ok := o.dag.GetBlock(ref)
		if !ok || ref.Round == 0 {
			return // genesis or not-yet-accepted; genesis has no payload to emit
		}
		out = append(out, b)
		for _, a := range b.Block().Ancestors {
			walk(a)
		}
	}
	walk(leaderRef)
	return out
}
