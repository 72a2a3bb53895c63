package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/events"
)

// CommitConsumer is what an external caller supplies at startup to receive
// committed sub-DAGs, plus where CommitObserver resumes emission from.
type CommitConsumer struct {
	Channel             chan CommittedSubDag
	LastProcessedIndex  uint64
	LastProcessedRound  uint64
}

// Broadcaster fans locally produced blocks out to peers.
type Broadcaster interface {
	Broadcast(block VerifiedBlock)
	Stop()
}

// command is a unit of work processed serially by Core's dispatcher
// goroutine: the single linearization point for all DagState/BlockManager/
// CommitObserver mutation.
type command struct {
	kind  commandKind
	round uint64
	blocks []VerifiedBlock
	reply chan commandReply
}

type commandKind int

const (
	cmdAddBlocks commandKind = iota
	cmdForceNewBlock
	cmdGetMissingBlocks
	cmdGetHighestAcceptedRounds
)

type commandReply struct {
	missing []BlockRef
	rounds  []uint64
	err     error
}

// Core is the authority's proposer/driver. It owns the private signing key
// and all proposer scheduling state, and is the DagState's sole writer.
// Every exported operation is funneled through a single dispatcher
// goroutine via dispatch, eliminating data races on the hot path.
type Core struct {
	committee *Committee
	ownIndex  AuthorityIndex
	privKey   crypto.PrivateKey

	dag          *DagState
	blockManager *BlockManager
	commit       *CommitObserver
	broadcaster  Broadcaster
	txConsumer   *transactionConsumer
	metrics      *Metrics
	log          *logrus.Entry
	emitter      *events.Emitter

	maxBlockTxs int

	cmdCh chan command
	doneCh chan struct{}

	// resetTimeout is invoked whenever the core's own round advances, so
	// LeaderTimeout can restart its deadline for the new round.
	resetTimeout func(round uint64)
}

// NewCore wires a Core instance. resetTimeout may be nil until
// LeaderTimeout is constructed (Core is built before LeaderTimeout in the
// authority start sequence) and set afterward via SetTimeoutReset.
func NewCore(
	committee *Committee,
	ownIndex AuthorityIndex,
	privKey crypto.PrivateKey,
	dag *DagState,
	blockManager *BlockManager,
	commit *CommitObserver,
	broadcaster Broadcaster,
	txConsumer *transactionConsumer,
	metrics *Metrics,
	maxBlockTxs int,
	log *logrus.Entry,
) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxBlockTxs <= 0 {
		maxBlockTxs = 500
	}
	return &Core{
		committee:    committee,
		ownIndex:     ownIndex,
		privKey:      privKey,
		dag:          dag,
		blockManager: blockManager,
		commit:       commit,
		broadcaster:  broadcaster,
		txConsumer:   txConsumer,
		metrics:      metrics,
		maxBlockTxs:  maxBlockTxs,
		log:          log.WithField("component", "core"),
		cmdCh:        make(chan command, 256),
		doneCh:       make(chan struct{}),
	}
}

// SetTimeoutReset wires the LeaderTimeout reset callback after both
// components have been constructed.
func (c *Core) SetTimeoutReset(f func(round uint64)) {
	c.resetTimeout = f
}

// SetEmitter wires an event bus for round-advancement notifications.
// Nil-safe: emission is skipped if no emitter is set.
func (c *Core) SetEmitter(e *events.Emitter) { c.emitter = e }

// Run is the dispatcher goroutine's body: process commands serially until
// Stop is called.
func (c *Core) Run() {
	for {
		select {
		case cmd := <-c.cmdCh:
			c.handle(cmd)
		case <-c.doneCh:
			for {
				select {
				case cmd := <-c.cmdCh:
					c.handle(cmd)
				default:
					return
				}
			}
		}
	}
}

// Stop signals the dispatcher to exit after draining in-flight commands.
// Idempotent.
func (c *Core) Stop() {
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
}

func (c *Core) handle(cmd command) {
	switch cmd.kind {
	case cmdAddBlocks:
		missing, err := c.addBlocksLocked(cmd.blocks)
		cmd.reply <- commandReply{missing: missing, err: err}
	case cmdForceNewBlock:
		err := c.proposeLocked(cmd.round, true)
		cmd.reply <- commandReply{err: err}
	case cmdGetMissingBlocks:
		cmd.reply <- commandReply{missing: c.blockManager.MissingBlocks()}
	case cmdGetHighestAcceptedRounds:
		cmd.reply <- commandReply{rounds: c.dag.HighestAcceptedRounds()}
	}
}

// dispatch sends cmd and blocks for the reply, or returns a shutdown error
// if the dispatcher has already stopped.
func (c *Core) dispatch(ctx context.Context, cmd command) (commandReply, error) {
	select {
	case <-c.doneCh:
		return commandReply{}, newErr(KindShutdown, fmt.Errorf("core dispatcher stopped"))
	default:
	}
	select {
	case c.cmdCh <- cmd:
	case <-c.doneCh:
		return commandReply{}, newErr(KindShutdown, fmt.Errorf("core dispatcher stopped"))
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
}

// AddBlocks passes blocks through BlockManager and attempts round
// advancement, returning any newly discovered missing ancestor refs.
func (c *Core) AddBlocks(ctx context.Context, blocks []VerifiedBlock) ([]BlockRef, error) {
	reply, err := c.dispatch(ctx, command{kind: cmdAddBlocks, blocks: blocks, reply: make(chan commandReply, 1)})
	return reply.missing, err
}

// ForceNewBlock is the leader-timeout path: propose at round even without
// the normal 2f+1 round-advancement trigger.
func (c *Core) ForceNewBlock(ctx context.Context, round uint64) error {
	_, err := c.dispatch(ctx, command{kind: cmdForceNewBlock, round: round, reply: make(chan commandReply, 1)})
	return err
}

// GetMissingBlocks returns BlockManager's current missing-ref set.
func (c *Core) GetMissingBlocks(ctx context.Context) ([]BlockRef, error) {
	reply, err := c.dispatch(ctx, command{kind: cmdGetMissingBlocks, reply: make(chan commandReply, 1)})
	return reply.missing, err
}

// GetHighestAcceptedRounds returns per-author high-water marks.
func (c *Core) GetHighestAcceptedRounds(ctx context.Context) ([]uint64, error) {
	reply, err := c.dispatch(ctx, command{kind: cmdGetHighestAcceptedRounds, reply: make(chan commandReply, 1)})
	return reply.rounds, err
}

// addBlocksLocked runs on the dispatcher goroutine only.
func (c *Core) addBlocksLocked(blocks []VerifiedBlock) ([]BlockRef, error) {
	suspendedBefore := make(map[BlockRef]bool)
	for _, r := range c.blockManager.SuspendedBlocks() {
		suspendedBefore[r] = true
	}
	result, err := c.blockManager.TryAcceptBlocks(blocks)
	if err != nil {
		return nil, err
	}
	if len(result.NewlyMissing) > 0 {
		c.metrics.MissingBlocksTotal.Add(float64(len(result.NewlyMissing)))
	}
	for _, b := range result.Accepted {
		if suspendedBefore[b.Ref] {
			c.metrics.UnsuspendedBlocks.Inc()
		}
	}
	if err := c.commit.ObserveAccepted(result.Accepted); err != nil {
		return nil, err
	}
	if err := c.tryAdvanceRound(); err != nil {
		return nil, err
	}
	return result.NewlyMissing, nil
}

// tryAdvanceRound proposes the authority's own next round if DagState now
// holds 2f+1-weight distinct authors at the current high round.
func (c *Core) tryAdvanceRound() error {
	ownRound := c.dag.HighestAcceptedRound(c.ownIndex)
	candidateRound := ownRound + 1
	authors := c.dag.AuthorsAtRound(ownRound)
	if !c.committee.HasQuorum(authors) {
		return nil
	}
	return c.proposeLocked(candidateRound, false)
}

// proposeLocked builds, signs, persists and broadcasts a block at round.
// force=true skips the quorum precondition (leader-timeout path); it still
// refuses to propose a round this authority has already produced.
func (c *Core) proposeLocked(round uint64, force bool) error {
	if c.dag.HighestAcceptedRound(c.ownIndex) >= round {
		return nil // already proposed this round or later
	}
	if !force {
		authors := c.dag.AuthorsAtRound(round - 1)
		if !c.committee.HasQuorum(authors) {
			return nil
		}
	}

	ancestors := c.selectAncestors(round)
	txs := c.txConsumer.drain(c.maxBlockTxs)
	ts := c.nextTimestamp(ancestors)

	block := Block{
		Author:       c.ownIndex,
		Round:        round,
		TimestampMs:  ts,
		Transactions: txs,
		Ancestors:    ancestors,
	}
	signed, err := Sign(block, c.privKey)
	if err != nil {
		return fmt.Errorf("sign own block: %w", err)
	}
	unsignedBytes, err := block.serialize()
	if err != nil {
		return fmt.Errorf("serialize own block: %w", err)
	}
	digest := crypto.Hash(unsignedBytes)
	wireBytes, err := MarshalWire(signed)
	if err != nil {
		return fmt.Errorf("marshal own block for wire: %w", err)
	}
	verified := VerifiedBlock{
		Ref:         BlockRef{Author: c.ownIndex, Round: round, Digest: digest},
		Signed:      signed,
		SerialBytes: wireBytes,
	}

	if err := c.dag.AcceptBlocks([]VerifiedBlock{verified}); err != nil {
		return err
	}
	if err := c.commit.ObserveAccepted([]VerifiedBlock{verified}); err != nil {
		return err
	}

	c.metrics.BlocksProposed.Inc()
	c.log.WithFields(logrus.Fields{"round": round, "txs": len(txs)}).Info("proposed block")
	if c.emitter != nil {
		c.emitter.Emit(events.Event{Type: events.EventRoundAdvanced, Data: map[string]any{"round": round, "author": int(c.ownIndex)}})
	}

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(verified)
	}
	if c.resetTimeout != nil {
		c.resetTimeout(round)
	}
	return nil
}

// selectAncestors picks, for round R = round, one block per other
// authority (preferring the highest round <= R-1), plus the authority's
// own prior block, enforcing single-ancestor-per-author.
func (c *Core) selectAncestors(round uint64) []BlockRef {
	var out []BlockRef
	if round > 1 {
		if own, ok := c.dag.LatestOwnBlock(c.ownIndex); ok {
			out = append(out, own.Ref)
		}
	}
	for i := 0; i < c.committee.Size(); i++ {
		idx := AuthorityIndex(i)
		if idx == c.ownIndex {
			continue
		}
		best, ok := c.bestAncestor(idx, round-1)
		if ok {
			out = append(out, best)
		}
	}
	SortRefs(out)
	return out
}

// bestAncestor finds the highest-round accepted block by author with
// round <= maxRound.
func (c *Core) bestAncestor(author AuthorityIndex, maxRound uint64) (BlockRef, bool) {
	var best BlockRef
	found := false
	for r := maxRound; ; r-- {
		blocks := c.dag.BlocksAtRound(r)
		for _, b := range blocks {
			if b.Ref.Author == author {
				best, found = b.Ref, true
				break
			}
		}
		if found || r == 0 {
			break
		}
	}
	return best, found
}

// nextTimestamp returns max(now, max(ancestor.timestamp)+1) in ms, keeping
// each author's own chain monotonic.
func (c *Core) nextTimestamp(ancestors []BlockRef) int64 {
	now := time.Now().UnixMilli()
	var maxAncestorTs int64
	for _, a := range ancestors {
		if b, ok := c.dag.GetBlock(a); ok {
			if b.Block().TimestampMs > maxAncestorTs {
				maxAncestorTs = b.Block().TimestampMs
			}
		}
	}
	if maxAncestorTs+1 > now {
		return maxAncestorTs + 1
	}
	return now
}
