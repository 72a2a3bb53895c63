package consensus

import (
	"testing"

	"github.com/tolelom/tolbft/crypto"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := Block{Author: 0, Round: 1, TimestampMs: 1000, Transactions: [][]byte{[]byte("tx1")}}
	signed, err := Sign(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	data, err := block.serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := crypto.Verify(pub, data, signed.Signature); err != nil {
		t.Errorf("signature should verify against the signing key: %v", err)
	}
}

func TestMarshalUnmarshalWireRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := Block{Author: 2, Round: 5, TimestampMs: 42, Ancestors: []BlockRef{{Author: 0, Round: 4, Digest: "abc"}}}
	signed, err := Sign(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	data, err := MarshalWire(signed)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalWire(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Signature != signed.Signature {
		t.Error("signature lost across wire round trip")
	}
	if got.Block.Round != 5 || got.Block.Author != 2 {
		t.Error("block fields lost across wire round trip")
	}
}

func TestBlockRefOrdering(t *testing.T) {
	refs := []BlockRef{
		{Round: 2, Author: 0, Digest: "z"},
		{Round: 1, Author: 1, Digest: "a"},
		{Round: 1, Author: 0, Digest: "b"},
	}
	SortRefs(refs)
	if !(refs[0].Round == 1 && refs[0].Author == 0) {
		t.Errorf("expected (round=1,author=0) first, got %+v", refs[0])
	}
	if !(refs[1].Round == 1 && refs[1].Author == 1) {
		t.Errorf("expected (round=1,author=1) second, got %+v", refs[1])
	}
	if refs[2].Round != 2 {
		t.Errorf("expected round=2 last, got %+v", refs[2])
	}
}

func TestGenesisBlocksOnePerAuthority(t *testing.T) {
	c, err := NewCommittee(0, testAuthorities(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	genesis := GenesisBlocks(c)
	if len(genesis) != 4 {
		t.Fatalf("expected 4 genesis blocks, got %d", len(genesis))
	}
	for i, b := range genesis {
		if b.Ref.Author != AuthorityIndex(i) {
			t.Errorf("genesis[%d] author = %d, want %d", i, b.Ref.Author, i)
		}
		if b.Ref.Round != 0 {
			t.Errorf("genesis[%d] round = %d, want 0", i, b.Ref.Round)
		}
	}
}
