package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tolelom/tolbft/crypto"
)

// BlockRef identifies a block by its author, round and content digest.
// BlockRefs are totally ordered by (Round, Author, Digest) so processing
// order is deterministic everywhere a set of refs is iterated.
type BlockRef struct {
	Author AuthorityIndex `json:"author"`
	Round  uint64         `json:"round"`
	Digest string         `json:"digest"`
}

func (r BlockRef) String() string {
	digest := r.Digest
	if len(digest) > 8 {
		digest = digest[:8]
	}
	return fmt.Sprintf("B(r%d,a%d,%s)", r.Round, r.Author, digest)
}

// Less implements the canonical BlockRef ordering: round, then author, then
// digest. Used to sort blocks for deterministic acceptance and commit walks.
func (r BlockRef) Less(o BlockRef) bool {
	if r.Round != o.Round {
		return r.Round < o.Round
	}
	if r.Author != o.Author {
		return r.Author < o.Author
	}
	return r.Digest < o.Digest
}

// SortRefs sorts refs in place by the canonical BlockRef ordering.
func SortRefs(refs []BlockRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}

// Block is the unsigned payload an authority proposes each round.
type Block struct {
	Author       AuthorityIndex `json:"author"`
	Round        uint64         `json:"round"`
	TimestampMs  int64          `json:"timestamp_ms"`
	Transactions [][]byte       `json:"transactions"`
	Ancestors    []BlockRef     `json:"ancestors"`
}

// serialize returns the canonical, deterministic encoding of the unsigned
// block. Digests and signatures are computed over these exact bytes.
//
// JSON field order follows Go struct field order, which is stable, and
// BlockRef/Transaction slices preserve caller-supplied order (callers that
// need order-independent ancestor sets sort them before building a Block).
func (b *Block) serialize() ([]byte, error) {
	return json.Marshal(b)
}

// Digest computes the block's content digest: SHA-256 over the canonical
// serialized unsigned block.
func (b *Block) Digest() (string, error) {
	data, err := b.serialize()
	if err != nil {
		return "", fmt.Errorf("serialize block: %w", err)
	}
	return crypto.Hash(data), nil
}

// Ref returns the BlockRef for this block, recomputing its digest.
func (b *Block) Ref() (BlockRef, error) {
	d, err := b.Digest()
	if err != nil {
		return BlockRef{}, err
	}
	return BlockRef{Author: b.Author, Round: b.Round, Digest: d}, nil
}

// SignedBlock is a Block plus its author's signature over the serialized
// unsigned bytes.
type SignedBlock struct {
	Block     Block  `json:"block"`
	Signature string `json:"signature"`
}

// VerifiedBlock is a SignedBlock that has passed structural and signature
// verification, paired with its ref and its wire encoding (MarshalWire of
// the signed block, cached so re-broadcast never re-serializes).
type VerifiedBlock struct {
	Ref         BlockRef
	Signed      SignedBlock
	SerialBytes []byte
}

func (v VerifiedBlock) Block() Block { return v.Signed.Block }

// MarshalWire returns the over-the-wire encoding of the signed block (the
// form send_block pushes and fetch_blocks returns) — distinct from
// serialize(), which encodes only the unsigned Block for digest/signature
// computation.
func MarshalWire(s SignedBlock) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalWire decodes bytes produced by MarshalWire.
func UnmarshalWire(data []byte) (SignedBlock, error) {
	var s SignedBlock
	if err := json.Unmarshal(data, &s); err != nil {
		return SignedBlock{}, err
	}
	return s, nil
}

// Sign produces a SignedBlock for block under priv. It is the author-side
// counterpart to BlockVerifier's signature check.
func Sign(block Block, priv crypto.PrivateKey) (SignedBlock, error) {
	data, err := block.serialize()
	if err != nil {
		return SignedBlock{}, err
	}
	return SignedBlock{Block: block, Signature: crypto.Sign(priv, data)}, nil
}

// GenesisBlocks returns the fixed, unsigned round-0 block for every
// authority in the committee. Genesis blocks carry no transactions and no
// ancestors; they form the round-0 quorum that lets round 1 be proposed and
// serve as the other authorities' round-0 ancestors of a round-1 proposal
// (a round-1 block names no own ancestor). They are never exchanged over
// the wire.
func GenesisBlocks(committee *Committee) []VerifiedBlock {
	out := make([]VerifiedBlock, 0, committee.Size())
	for i := 0; i < committee.Size(); i++ {
		b := Block{Author: AuthorityIndex(i), Round: 0}
		d, _ := b.Digest() // deterministic, infallible for this fixed shape
		ref := BlockRef{Author: b.Author, Round: 0, Digest: d}
		out = append(out, VerifiedBlock{
			Ref:    ref,
			Signed: SignedBlock{Block: b},
		})
	}
	return out
}

// ancestorsMaxRound returns the maximum round among ancestors, or 0 if none.
func ancestorsMaxRound(ancestors []BlockRef) uint64 {
	var max uint64
	for _, a := range ancestors {
		if a.Round > max {
			max = a.Round
		}
	}
	return max
}

// distinctAuthors returns the set of distinct authors named in refs.
func distinctAuthors(refs []BlockRef) map[AuthorityIndex]struct{} {
	set := make(map[AuthorityIndex]struct{}, len(refs))
	for _, r := range refs {
		set[r.Author] = struct{}{}
	}
	return set
}

// canonicalRefBytes renders sorted refs into a deterministic byte stream,
// used by the commit observer to compute a per-commit integrity digest.
func canonicalRefBytes(refs []BlockRef) []byte {
	sorted := make([]BlockRef, len(refs))
	copy(sorted, refs)
	SortRefs(sorted)
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, r := range sorted {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(r.Author))
		buf.Write(lenBuf[:])
		binary.BigEndian.PutUint32(lenBuf[:], uint32(r.Round))
		buf.Write(lenBuf[:])
		buf.WriteString(r.Digest)
	}
	return buf.Bytes()
}
