package consensus

import (
	"testing"

	"github.com/tolelom/tolbft/crypto"
)

func testAuthorities(t *testing.T, n int) []Authority {
	t.Helper()
	out := make([]Authority, n)
	for i := 0; i < n; i++ {
		_, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		out[i] = Authority{ProtocolKey: pub, Address: "127.0.0.1:0", Weight: 1}
	}
	return out
}

func TestQuorumThreshold(t *testing.T) {
	cases := []struct {
		n    int
		want uint64
	}{
		{1, 1}, // floor(2/3)+1 = 1
		{4, 3}, // floor(8/3)+1 = 2+1 = 3 -> 2f+1 with f=1
		{7, 5},
		{10, 7},
	}
	for _, tc := range cases {
		c, err := NewCommittee(0, testAuthorities(t, tc.n))
		if err != nil {
			t.Fatalf("n=%d: %v", tc.n, err)
		}
		if got := c.QuorumThreshold(); got != tc.want {
			t.Errorf("n=%d: QuorumThreshold() = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestCommitteeZeroWeightNormalizesToOne(t *testing.T) {
	auths := testAuthorities(t, 2)
	auths[0].Weight = 0
	c, err := NewCommittee(0, auths)
	if err != nil {
		t.Fatal(err)
	}
	if c.Authority(0).Weight != 1 {
		t.Errorf("zero weight should normalize to 1, got %d", c.Authority(0).Weight)
	}
	if c.TotalWeight() != 2 {
		t.Errorf("total weight = %d, want 2", c.TotalWeight())
	}
}

func TestLeaderIsDeterministicAndCoversEveryAuthority(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[AuthorityIndex]bool)
	for round := uint64(0); round < 100; round++ {
		l1 := c.Leader(round)
		l2 := c.Leader(round)
		if l1 != l2 {
			t.Fatalf("leader(%d) not deterministic: %d vs %d", round, l1, l2)
		}
		if !c.ValidAuthority(l1) {
			t.Fatalf("leader(%d) = %d is not a valid authority", round, l1)
		}
		seen[l1] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected every authority to lead at least once over 100 rounds, saw %d distinct leaders", len(seen))
	}
}

func TestHasQuorum(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	threeOf := map[AuthorityIndex]struct{}{0: {}, 1: {}, 2: {}}
	if !c.HasQuorum(threeOf) {
		t.Error("3 of 4 equal-weight authorities should reach quorum (threshold 3)")
	}
	twoOf := map[AuthorityIndex]struct{}{0: {}, 1: {}}
	if c.HasQuorum(twoOf) {
		t.Error("2 of 4 equal-weight authorities should not reach quorum")
	}
}

func TestNewCommitteeRejectsEmpty(t *testing.T) {
	if _, err := NewCommittee(0, nil); err == nil {
		t.Error("expected error for empty committee")
	}
}
