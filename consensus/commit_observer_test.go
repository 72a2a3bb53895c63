package consensus

import "testing"

// fakeCommitStore is a minimal in-memory CommitStore for commit_observer
// tests.
type fakeCommitStore struct {
	meta  CommitMetadata
	found bool
}

func (s *fakeCommitStore) PutCommitMetadata(meta CommitMetadata) error {
	s.meta = meta
	s.found = true
	return nil
}

func (s *fakeCommitStore) GetLastCommitMetadata() (CommitMetadata, bool, error) {
	return s.meta, s.found, nil
}

func refs(t *testing.T, blocks []VerifiedBlock) []BlockRef {
	t.Helper()
	out := make([]BlockRef, len(blocks))
	for i, b := range blocks {
		out[i] = b.Ref
	}
	return out
}

func newTestCommitObserver(t *testing.T, committee *Committee, dag *DagState, store CommitStore) *CommitObserver {
	t.Helper()
	consumer := CommitConsumer{Channel: make(chan CommittedSubDag, 10)}
	o, err := NewCommitObserver(committee, dag, store, consumer, NewTestMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestCommitLeaderWithDirectSupport(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	dag, err := NewDagState(c, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}

	round1 := make([]VerifiedBlock, 4)
	for a := 0; a < 4; a++ {
		round1[a] = mkBlock(t, AuthorityIndex(a), 1, nil)
	}
	if err := dag.AcceptBlocks(round1); err != nil {
		t.Fatal(err)
	}

	round1Refs := refs(t, round1)
	round2 := make([]VerifiedBlock, 4)
	for a := 0; a < 4; a++ {
		round2[a] = mkBlock(t, AuthorityIndex(a), 2, round1Refs)
	}
	if err := dag.AcceptBlocks(round2); err != nil {
		t.Fatal(err)
	}

	o := newTestCommitObserver(t, c, dag, &fakeCommitStore{})
	if err := o.ObserveAccepted(nil); err != nil {
		t.Fatal(err)
	}

	leaderIdx := c.Leader(1)
	var wantLeaderRef BlockRef
	for _, b := range round1 {
		if b.Ref.Author == leaderIdx {
			wantLeaderRef = b.Ref
		}
	}

	select {
	case sub := <-o.consumer:
		if sub.Leader != wantLeaderRef {
			t.Errorf("committed leader = %s, want %s", sub.Leader, wantLeaderRef)
		}
		if sub.CommitIndex != 0 {
			t.Errorf("commit index = %d, want 0", sub.CommitIndex)
		}
		if len(sub.Blocks) != 1 || sub.Blocks[0].Ref != wantLeaderRef {
			t.Errorf("expected closure to contain only the leader's own round-1 block, got %+v", sub.Blocks)
		}
	default:
		t.Fatal("expected a committed sub-dag on the consumer channel")
	}

	select {
	case extra := <-o.consumer:
		t.Fatalf("unexpected second commit: %+v", extra)
	default:
	}
}

func TestSkipsUnsupportedLeaderButCommitsNextSupportedOne(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	dag, err := NewDagState(c, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}

	leader1 := c.Leader(1)
	leader2 := c.Leader(2)

	round1 := make([]VerifiedBlock, 4)
	for a := 0; a < 4; a++ {
		round1[a] = mkBlock(t, AuthorityIndex(a), 1, nil)
	}
	if err := dag.AcceptBlocks(round1); err != nil {
		t.Fatal(err)
	}

	// round-2 ancestors deliberately omit leader1's block, so no round-2
	// block directly supports it.
	var nonLeaderRound1Refs []BlockRef
	var leader1Ref BlockRef
	for _, b := range round1 {
		if b.Ref.Author == leader1 {
			leader1Ref = b.Ref
			continue
		}
		nonLeaderRound1Refs = append(nonLeaderRound1Refs, b.Ref)
	}

	round2 := make([]VerifiedBlock, 4)
	for a := 0; a < 4; a++ {
		round2[a] = mkBlock(t, AuthorityIndex(a), 2, nonLeaderRound1Refs)
	}
	if err := dag.AcceptBlocks(round2); err != nil {
		t.Fatal(err)
	}

	var leader2Ref BlockRef
	for _, b := range round2 {
		if b.Ref.Author == leader2 {
			leader2Ref = b.Ref
		}
	}
	round2Refs := refs(t, round2)
	round3 := make([]VerifiedBlock, 4)
	for a := 0; a < 4; a++ {
		round3[a] = mkBlock(t, AuthorityIndex(a), 3, round2Refs)
	}
	if err := dag.AcceptBlocks(round3); err != nil {
		t.Fatal(err)
	}

	o := newTestCommitObserver(t, c, dag, &fakeCommitStore{})
	if err := o.ObserveAccepted(nil); err != nil {
		t.Fatal(err)
	}

	select {
	case sub := <-o.consumer:
		if sub.Leader != leader2Ref {
			t.Errorf("expected the skipped round-1 leader to be passed over in favor of round-2's leader, got leader=%s", sub.Leader)
		}
		if sub.CommitIndex != 0 {
			t.Errorf("commit index = %d, want 0 (the skipped leader must not consume an index)", sub.CommitIndex)
		}
		seen := make(map[BlockRef]bool, len(sub.Blocks))
		for _, b := range sub.Blocks {
			seen[b.Ref] = true
		}
		if seen[leader1Ref] {
			t.Error("the skipped, never-referenced leader block must not appear in any committed closure")
		}
		if len(sub.Blocks) != 4 {
			t.Errorf("expected closure = leader2's block + its 3 referenced round-1 ancestors, got %d blocks", len(sub.Blocks))
		}
	default:
		t.Fatal("expected round-2's leader to commit once its support round settles")
	}

	select {
	case extra := <-o.consumer:
		t.Fatalf("unexpected second commit: %+v", extra)
	default:
	}
}

func TestCommitObserverResumesFromPersistedMetadata(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	dag, err := NewDagState(c, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeCommitStore{
		found: true,
		meta:  CommitMetadata{LastCommitIndex: 5, LastCommitLeader: BlockRef{Round: 3, Author: 1, Digest: "x"}},
	}
	o := newTestCommitObserver(t, c, dag, store)
	if o.nextIndex != 6 {
		t.Errorf("nextIndex = %d, want 6", o.nextIndex)
	}
	if o.nextRound != 4 {
		t.Errorf("nextRound = %d, want 4", o.nextRound)
	}
}
