package consensus

import (
	"fmt"

	"github.com/tolelom/tolbft/crypto"
)

// BlockVerifier checks a signed block's structural validity and, given its
// resolved ancestors, its semantic validity. It is stateless: every check
// depends only on its arguments, never on DagState.
type BlockVerifier interface {
	// VerifyBlock checks signature and structural shape, returning the
	// VerifiedBlock on success. Ancestors are not resolved at this stage.
	VerifyBlock(signed SignedBlock) (VerifiedBlock, error)

	// CheckAncestors validates a tentatively-accepted block against its
	// resolved ancestor blocks: every named ancestor must be resolved, and
	// above round 1 the highest ancestor round must be block.round-1 with
	// 2f+1 weight of authors at that round. Round strictness, single-
	// ancestor-per-author and own-block inclusion are checked by VerifyBlock.
	CheckAncestors(block VerifiedBlock, ancestors []VerifiedBlock) error
}

// SignedBlockVerifier is the production BlockVerifier: it checks ed25519
// signatures against the committee's protocol keys and enforces every
// structural invariant a Block must satisfy.
type SignedBlockVerifier struct {
	committee *Committee
}

// NewSignedBlockVerifier builds a verifier bound to committee.
func NewSignedBlockVerifier(committee *Committee) *SignedBlockVerifier {
	return &SignedBlockVerifier{committee: committee}
}

func (v *SignedBlockVerifier) VerifyBlock(signed SignedBlock) (VerifiedBlock, error) {
	b := signed.Block

	if !v.committee.ValidAuthority(b.Author) {
		return VerifiedBlock{}, newErr(KindInvalidAuthority, fmt.Errorf("author index %d outside committee", b.Author))
	}
	if b.Round == 0 {
		return VerifiedBlock{}, newErr(KindUnexpectedGenesis, fmt.Errorf("genesis blocks are not sent over the wire"))
	}

	// At most one ancestor per author, and no self-referential duplicates.
	seen := make(map[AuthorityIndex]bool, len(b.Ancestors))
	for _, a := range b.Ancestors {
		if seen[a.Author] {
			return VerifiedBlock{}, newErr(KindMalformedBlock, fmt.Errorf("duplicate ancestor author %d", a.Author))
		}
		seen[a.Author] = true
		if a.Round >= b.Round {
			return VerifiedBlock{}, newErr(KindMalformedBlock, fmt.Errorf("ancestor %s has round >= block round %d", a, b.Round))
		}
	}

	if b.Round > 1 {
		if !seen[b.Author] {
			return VerifiedBlock{}, newErr(KindMalformedBlock, fmt.Errorf("block %d by author %d missing own-ancestor", b.Round, b.Author))
		}
	}

	data, err := b.serialize()
	if err != nil {
		return VerifiedBlock{}, newErr(KindMalformedBlock, err)
	}
	author := v.committee.Authority(b.Author)
	if err := crypto.Verify(author.ProtocolKey, data, signed.Signature); err != nil {
		return VerifiedBlock{}, newErr(KindInvalidBlock, fmt.Errorf("signature check failed for author %d: %w", b.Author, err))
	}

	digest := crypto.Hash(data)
	ref := BlockRef{Author: b.Author, Round: b.Round, Digest: digest}
	wireBytes, err := MarshalWire(signed)
	if err != nil {
		return VerifiedBlock{}, newErr(KindMalformedBlock, err)
	}
	return VerifiedBlock{Ref: ref, Signed: signed, SerialBytes: wireBytes}, nil
}

func (v *SignedBlockVerifier) CheckAncestors(block VerifiedBlock, ancestors []VerifiedBlock) error {
	b := block.Block()
	if len(ancestors) != len(b.Ancestors) {
		return newErr(KindInvalidBlock, fmt.Errorf("resolved %d ancestors, block names %d", len(ancestors), len(b.Ancestors)))
	}
	if b.Round == 1 {
		return nil // round 1 has no round-advancement requirement
	}
	maxRound := ancestorsMaxRound(b.Ancestors)
	if maxRound != b.Round-1 {
		return newErr(KindInvalidBlock, fmt.Errorf("ancestor max round %d, want %d", maxRound, b.Round-1))
	}
	topRoundAuthors := make(map[AuthorityIndex]struct{})
	for _, a := range b.Ancestors {
		if a.Round == maxRound {
			topRoundAuthors[a.Author] = struct{}{}
		}
	}
	if !v.committee.HasQuorum(topRoundAuthors) {
		return newErr(KindInvalidBlock, fmt.Errorf("round %d ancestors only reach weight %d, need %d",
			maxRound, v.committee.QuorumWeight(topRoundAuthors), v.committee.QuorumThreshold()))
	}
	return nil
}

// NoopBlockVerifier accepts every block unconditionally; used by tests that
// want to exercise BlockManager/Core plumbing without signature machinery.
type NoopBlockVerifier struct {
	// RejectRounds, if non-nil, marks any block whose round is a key in
	// this set as a CheckAncestors failure — used to simulate the
	// verifier-reject cascade scenario.
	RejectRounds map[uint64]bool
}

func (v *NoopBlockVerifier) VerifyBlock(signed SignedBlock) (VerifiedBlock, error) {
	b := signed.Block
	data, err := b.serialize()
	if err != nil {
		return VerifiedBlock{}, newErr(KindMalformedBlock, err)
	}
	digest := crypto.Hash(data)
	ref := BlockRef{Author: b.Author, Round: b.Round, Digest: digest}
	wireBytes, err := MarshalWire(signed)
	if err != nil {
		return VerifiedBlock{}, newErr(KindMalformedBlock, err)
	}
	return VerifiedBlock{Ref: ref, Signed: signed, SerialBytes: wireBytes}, nil
}

func (v *NoopBlockVerifier) CheckAncestors(block VerifiedBlock, ancestors []VerifiedBlock) error {
	if v.RejectRounds != nil && v.RejectRounds[block.Ref.Round] {
		return newErr(KindInvalidBlock, fmt.Errorf("round %d forced-reject by test verifier", block.Ref.Round))
	}
	return nil
}
