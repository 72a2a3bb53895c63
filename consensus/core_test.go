package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/tolelom/tolbft/crypto"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(VerifiedBlock) {}
func (noopBroadcaster) Stop()                   {}

func testPrivKey(t *testing.T) crypto.PrivateKey {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func newTestCore(t *testing.T) (*Core, *TransactionClient, chan CommittedSubDag) {
	t.Helper()
	c, err := NewCommittee(0, testAuthorities(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	dag, err := NewDagState(c, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}
	bm := NewBlockManager(dag, &NoopBlockVerifier{}, nil)
	commitCh := make(chan CommittedSubDag, 10)
	obs, err := NewCommitObserver(c, dag, &fakeCommitStore{}, CommitConsumer{Channel: commitCh}, NewTestMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	txClient, txConsumer := NewTransactionQueue(16)
	core := NewCore(c, 0, testPrivKey(t), dag, bm, obs, noopBroadcaster{}, txConsumer, NewTestMetrics(), 500, nil)
	go core.Run()
	t.Cleanup(core.Stop)
	return core, txClient, commitCh
}

func TestSingleAuthorityLivenessCommitsOwnProposals(t *testing.T) {
	core, txClient, commitCh := newTestCore(t)
	ctx := context.Background()

	for _, data := range [][]byte{[]byte("tx1"), []byte("tx2"), []byte("tx3")} {
		if err := txClient.Submit(ctx, data); err != nil {
			t.Fatal(err)
		}
	}

	// First AddBlocks call proposes round 1 (quorum over genesis), draining
	// the pending transactions into it.
	if _, err := core.AddBlocks(ctx, nil); err != nil {
		t.Fatal(err)
	}
	// Second call proposes round 2, which gives round 1 the direct support
	// it needs to commit as leader.
	if _, err := core.AddBlocks(ctx, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case sub := <-commitCh:
		if sub.CommitIndex != 0 {
			t.Errorf("commit index = %d, want 0", sub.CommitIndex)
		}
		if sub.Leader.Round != 1 {
			t.Errorf("leader round = %d, want 1", sub.Leader.Round)
		}
		if len(sub.Blocks) != 1 {
			t.Fatalf("expected exactly the round-1 block in the closure, got %d blocks", len(sub.Blocks))
		}
		txs := sub.Blocks[0].Block().Transactions
		if len(txs) != 3 {
			t.Fatalf("expected 3 transactions carried into the committed block, got %d", len(txs))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a committed sub-dag, got none")
	}

	rounds, err := core.GetHighestAcceptedRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rounds[0] != 2 {
		t.Errorf("own highest accepted round = %d, want 2", rounds[0])
	}
}

func TestForceNewBlockSkipsQuorumPrecondition(t *testing.T) {
	core, _, _ := newTestCore(t)
	ctx := context.Background()

	// Force-propose round 1 directly, bypassing tryAdvanceRound.
	if err := core.ForceNewBlock(ctx, 1); err != nil {
		t.Fatal(err)
	}
	rounds, err := core.GetHighestAcceptedRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rounds[0] != 1 {
		t.Errorf("own highest accepted round = %d, want 1 after forced proposal", rounds[0])
	}

	// A repeat force at the same round is a no-op, not a re-proposal.
	if err := core.ForceNewBlock(ctx, 1); err != nil {
		t.Fatal(err)
	}
	rounds, err = core.GetHighestAcceptedRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rounds[0] != 1 {
		t.Errorf("re-forcing an already-proposed round should be a no-op, got round %d", rounds[0])
	}
}

func TestAddBlocksReturnsShutdownErrorAfterStop(t *testing.T) {
	core, _, _ := newTestCore(t)
	core.Stop()
	if _, err := core.AddBlocks(context.Background(), nil); err == nil {
		t.Error("expected an error once the dispatcher has stopped")
	}
}
