package consensus

import (
	"fmt"
	"sort"

	"github.com/tolelom/tolbft/crypto"
)

// AuthorityIndex identifies a committee member within an epoch. Indices are
// dense, starting at 0, and stable for the lifetime of the epoch.
type AuthorityIndex int

// Authority is one committee member's static, epoch-scoped identity.
type Authority struct {
	Index       AuthorityIndex
	ProtocolKey crypto.PublicKey
	Address     string
	Weight      uint64
}

// Committee is the fixed set of authorities for an epoch. It is immutable
// once built; round-advancement, quorum and leader-schedule computations
// all read from it without locking.
type Committee struct {
	Epoch       uint64
	authorities []Authority
	totalWeight uint64
	cumulative  []uint64 // cumulative[i] = sum of weights of authorities[0..i]
}

// NewCommittee builds a Committee from epoch-ordered authorities. Authority
// indices are assigned by slice position. A weight of 0 is normalized to 1
// (one-authority-one-vote fallback).
func NewCommittee(epoch uint64, authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee must have at least one authority")
	}
	c := &Committee{Epoch: epoch}
	c.authorities = make([]Authority, len(authorities))
	c.cumulative = make([]uint64, len(authorities))
	var running uint64
	for i, a := range authorities {
		a.Index = AuthorityIndex(i)
		if a.Weight == 0 {
			a.Weight = 1
		}
		c.authorities[i] = a
		running += a.Weight
		c.cumulative[i] = running
	}
	c.totalWeight = running
	return c, nil
}

// Size returns the number of authorities in the committee.
func (c *Committee) Size() int { return len(c.authorities) }

// Authority returns the authority at idx. Panics on out-of-range idx, which
// indicates a bug upstream (refs are validated against Size() first).
func (c *Committee) Authority(idx AuthorityIndex) Authority {
	return c.authorities[idx]
}

// TotalWeight returns the sum of all authority weights.
func (c *Committee) TotalWeight() uint64 { return c.totalWeight }

// QuorumThreshold returns the minimum weight that constitutes 2f+1 given
// the committee's total weight, assuming byzantine tolerance f = (N-1)/3
// in weight terms: threshold = floor(2*total/3) + 1.
func (c *Committee) QuorumThreshold() uint64 {
	return (2*c.totalWeight)/3 + 1
}

// ValidAuthority reports whether idx names a real committee member.
func (c *Committee) ValidAuthority(idx AuthorityIndex) bool {
	return idx >= 0 && int(idx) < len(c.authorities)
}

// Leader returns the deterministic leader authority for round.
//
// Open question in the design this was distilled from: the exact leader
// schedule is left to the implementer. This picks stake-weighted
// round-robin: round mod TotalWeight lands in exactly one authority's
// cumulative-weight bucket, found by binary search, so higher-weight
// authorities lead proportionally more rounds.
func (c *Committee) Leader(round uint64) AuthorityIndex {
	if c.totalWeight == 0 {
		return 0
	}
	target := round%c.totalWeight + 1
	i := sort.Search(len(c.cumulative), func(i int) bool {
		return c.cumulative[i] >= target
	})
	if i >= len(c.authorities) {
		i = len(c.authorities) - 1
	}
	return AuthorityIndex(i)
}

// QuorumWeight sums the weights of the given distinct authorities.
func (c *Committee) QuorumWeight(authors map[AuthorityIndex]struct{}) uint64 {
	var sum uint64
	for idx := range authors {
		if c.ValidAuthority(idx) {
			sum += c.authorities[idx].Weight
		}
	}
	return sum
}

// HasQuorum reports whether authors reach 2f+1 weight.
func (c *Committee) HasQuorum(authors map[AuthorityIndex]struct{}) bool {
	return c.QuorumWeight(authors) >= c.QuorumThreshold()
}
