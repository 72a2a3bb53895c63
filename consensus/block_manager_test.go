package consensus

import "testing"

// fakeStore is a minimal in-memory BlockStore for block_manager tests,
// defined locally to avoid a package-internal test importing the separate
// testutil package (which itself depends on consensus).
type fakeStore struct {
	blocks map[BlockRef]VerifiedBlock
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[BlockRef]VerifiedBlock)}
}

func (s *fakeStore) PutBlocks(blocks []VerifiedBlock) error {
	for _, b := range blocks {
		s.blocks[b.Ref] = b
	}
	return nil
}

func (s *fakeStore) GetBlock(ref BlockRef) (VerifiedBlock, bool, error) {
	b, ok := s.blocks[ref]
	return b, ok, nil
}

func (s *fakeStore) HasBlock(ref BlockRef) (bool, error) {
	_, ok := s.blocks[ref]
	return ok, nil
}

func (s *fakeStore) LoadAll() ([]VerifiedBlock, error) {
	out := make([]VerifiedBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	return out, nil
}

// mkBlock builds a VerifiedBlock for author/round/ancestors, computing its
// ref the same way the real verifier would (content digest over the
// unsigned block), without going through signing machinery.
func mkBlock(t *testing.T, author AuthorityIndex, round uint64, ancestors []BlockRef) VerifiedBlock {
	t.Helper()
	b := Block{Author: author, Round: round, TimestampMs: int64(round), Ancestors: ancestors}
	ref, err := b.Ref()
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	return VerifiedBlock{Ref: ref, Signed: SignedBlock{Block: b}}
}

func newTestManager(t *testing.T, verifier BlockVerifier) (*BlockManager, *DagState) {
	t.Helper()
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	dag, err := NewDagState(c, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}
	return NewBlockManager(dag, verifier, nil), dag
}

func TestAcceptDirectlyWhenAncestorsAlreadyPersisted(t *testing.T) {
	m, dag := newTestManager(t, &NoopBlockVerifier{})

	round1 := mkBlock(t, 0, 1, nil)
	res, err := m.TryAcceptBlocks([]VerifiedBlock{round1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0].Ref != round1.Ref {
		t.Fatalf("expected round1 accepted directly, got %+v", res.Accepted)
	}
	if !dag.ContainsBlock(round1.Ref) {
		t.Fatal("round1 should be persisted in dag after acceptance")
	}

	round2 := mkBlock(t, 0, 2, []BlockRef{round1.Ref})
	res, err = m.TryAcceptBlocks([]VerifiedBlock{round2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0].Ref != round2.Ref {
		t.Fatalf("expected round2 accepted directly since its ancestor is already persisted, got %+v", res.Accepted)
	}
	if len(m.SuspendedBlocks()) != 0 {
		t.Errorf("expected no suspended blocks, got %v", m.SuspendedBlocks())
	}
}

func TestSuspendsOnMissingAncestorThenUnsuspendsWhenItArrives(t *testing.T) {
	m, _ := newTestManager(t, &NoopBlockVerifier{})

	round1 := mkBlock(t, 0, 1, nil)
	round2 := mkBlock(t, 0, 2, []BlockRef{round1.Ref})

	res, err := m.TryAcceptBlocks([]VerifiedBlock{round2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("round2 should not be accepted before its ancestor arrives, got %+v", res.Accepted)
	}
	if len(res.NewlyMissing) != 1 || res.NewlyMissing[0] != round1.Ref {
		t.Fatalf("expected round1 reported newly missing, got %+v", res.NewlyMissing)
	}
	suspended := m.SuspendedBlocks()
	if len(suspended) != 1 || suspended[0] != round2.Ref {
		t.Fatalf("expected round2 suspended, got %v", suspended)
	}
	missing := m.MissingBlocks()
	if len(missing) != 1 || missing[0] != round1.Ref {
		t.Fatalf("expected round1 in missing blocks, got %v", missing)
	}

	res, err = m.TryAcceptBlocks([]VerifiedBlock{round1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 2 {
		t.Fatalf("expected both round1 and the unsuspended round2 accepted, got %+v", res.Accepted)
	}
	if len(m.SuspendedBlocks()) != 0 {
		t.Errorf("expected no blocks left suspended, got %v", m.SuspendedBlocks())
	}
}

func TestMultiLevelUnsuspendCascade(t *testing.T) {
	m, _ := newTestManager(t, &NoopBlockVerifier{})

	round1 := mkBlock(t, 0, 1, nil)
	round2 := mkBlock(t, 0, 2, []BlockRef{round1.Ref})
	round3 := mkBlock(t, 0, 3, []BlockRef{round2.Ref})

	if _, err := m.TryAcceptBlocks([]VerifiedBlock{round3}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryAcceptBlocks([]VerifiedBlock{round2}); err != nil {
		t.Fatal(err)
	}
	if got := m.SuspendedBlocks(); len(got) != 2 {
		t.Fatalf("expected round2 and round3 both suspended pending round1, got %v", got)
	}

	res, err := m.TryAcceptBlocks([]VerifiedBlock{round1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 3 {
		t.Fatalf("expected a 3-level cascade (round1, round2, round3) to accept together, got %+v", res.Accepted)
	}
	wantOrder := []BlockRef{round1.Ref, round2.Ref, round3.Ref}
	for i, ref := range wantOrder {
		if res.Accepted[i].Ref != ref {
			t.Errorf("accepted[%d] = %s, want %s (cascade must surface in round order)", i, res.Accepted[i].Ref, ref)
		}
	}
	if len(m.SuspendedBlocks()) != 0 {
		t.Errorf("expected nothing left suspended, got %v", m.SuspendedBlocks())
	}
}

func TestVerifierRejectionCascadesToDependents(t *testing.T) {
	verifier := &NoopBlockVerifier{RejectRounds: map[uint64]bool{2: true}}
	m, _ := newTestManager(t, verifier)

	round1 := mkBlock(t, 0, 1, nil)
	round2 := mkBlock(t, 0, 2, []BlockRef{round1.Ref})
	round3 := mkBlock(t, 0, 3, []BlockRef{round2.Ref})

	if _, err := m.TryAcceptBlocks([]VerifiedBlock{round1}); err != nil {
		t.Fatal(err)
	}
	// round3 arrives first and suspends on its missing ancestor, round2.
	if _, err := m.TryAcceptBlocks([]VerifiedBlock{round3}); err != nil {
		t.Fatal(err)
	}
	if got := m.SuspendedBlocks(); len(got) != 1 || got[0] != round3.Ref {
		t.Fatalf("expected round3 suspended pending round2, got %v", got)
	}

	// round2 now arrives: its own ancestor (round1) is already persisted, so
	// it is tentatively accepted and unsuspends round3 -- but round2 itself
	// fails CheckAncestors, so both it and the dependent round3 must be
	// rejected, not merely left suspended.
	res, err := m.TryAcceptBlocks([]VerifiedBlock{round2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("expected nothing accepted once round2 is rejected, got %+v", res.Accepted)
	}
	if len(m.SuspendedBlocks()) != 0 {
		t.Errorf("round3 should be rejected alongside round2, not left suspended, got %v", m.SuspendedBlocks())
	}
}

func TestAlreadyAcceptedBlockIsIgnoredOnReplay(t *testing.T) {
	m, _ := newTestManager(t, &NoopBlockVerifier{})

	round1 := mkBlock(t, 0, 1, nil)
	if _, err := m.TryAcceptBlocks([]VerifiedBlock{round1}); err != nil {
		t.Fatal(err)
	}
	res, err := m.TryAcceptBlocks([]VerifiedBlock{round1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Errorf("re-submitting an already-accepted block should be a no-op, got %+v", res.Accepted)
	}
}
