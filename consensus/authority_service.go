package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const maxAllowedFetchBlocks = 200

// AuthorityService is the inbound boundary for peer RPCs: it performs
// cheap validation before handing blocks to Core.
type AuthorityService struct {
	committee *Committee
	verifier  BlockVerifier
	core      *Core
	sync      *Synchronizer
	maxDrift  time.Duration
	metrics   *Metrics
	log       *logrus.Entry
}

// NewAuthorityService wires the inbound RPC boundary.
func NewAuthorityService(committee *Committee, verifier BlockVerifier, core *Core, sync *Synchronizer, maxDrift time.Duration, metrics *Metrics, log *logrus.Entry) *AuthorityService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AuthorityService{
		committee: committee,
		verifier:  verifier,
		core:      core,
		sync:      sync,
		maxDrift:  maxDrift,
		metrics:   metrics,
		log:       log.WithField("component", "authority_service"),
	}
}

// HandleSendBlock implements NetworkService: deserialize, check the peer
// is the block's author, run the full verifier, wait out acceptable
// forward drift, then hand off to Core. Any newly-missing ancestors are
// forwarded to the Synchronizer scoped to peer.
func (s *AuthorityService) HandleSendBlock(ctx context.Context, peer AuthorityIndex, serialized []byte) error {
	signed, err := UnmarshalWire(serialized)
	if err != nil {
		return newErr(KindMalformedBlock, err)
	}
	if signed.Block.Author != peer {
		return newErr(KindUnauthorizedBlock, fmt.Errorf("peer %d sent a block authored by %d", peer, signed.Block.Author))
	}

	verified, err := s.verifier.VerifyBlock(signed)
	if err != nil {
		s.metrics.InvalidBlocks.WithLabelValues(fmt.Sprint(peer)).Inc()
		return err
	}

	now := time.Now().UnixMilli()
	drift := verified.Block().TimestampMs - now
	if drift > s.maxDrift.Milliseconds() {
		s.metrics.InvalidBlocks.WithLabelValues(fmt.Sprint(peer)).Inc()
		return newErr(KindBlockTooFarInFuture, fmt.Errorf("block timestamp %dms ahead, max drift %dms", drift, s.maxDrift.Milliseconds()))
	}
	if drift > 0 {
		s.metrics.BlockTimestampDriftMs.Observe(float64(drift))
		select {
		case <-time.After(time.Duration(drift) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	missing, err := s.core.AddBlocks(ctx, []VerifiedBlock{verified})
	if err != nil {
		return err
	}
	if len(missing) > 0 && s.sync != nil {
		s.sync.FetchMissing(missing, peer)
	}
	return nil
}

// HandleFetchBlocks implements NetworkService: return the requested refs
// plus any ancestor whose round exceeds the requester's high-water mark
// for that author (proactive gap-filling).
func (s *AuthorityService) HandleFetchBlocks(ctx context.Context, peer AuthorityIndex, refs []BlockRef, highestRounds []uint64) ([]SignedBlock, error) {
	if len(refs) > maxAllowedFetchBlocks {
		return nil, newErr(KindTooManyFetchBlocks, fmt.Errorf("requested %d refs, max %d", len(refs), maxAllowedFetchBlocks))
	}
	for _, r := range refs {
		if !s.committee.ValidAuthority(r.Author) {
			return nil, newErr(KindInvalidAuthority, fmt.Errorf("ref author %d outside committee", r.Author))
		}
		if r.Round == 0 {
			return nil, newErr(KindUnexpectedGenesis, fmt.Errorf("genesis blocks are not fetchable"))
		}
	}

	dag := s.core.dag
	union := make(map[BlockRef]VerifiedBlock)
	for _, found := range dag.GetBlocks(refs) {
		if found.Found {
			union[found.Block.Ref] = found.Block
			s.addAncestorsBeyond(dag, found.Block, highestRounds, union)
		}
	}

	out := make([]SignedBlock, 0, len(union))
	var sortedRefs []BlockRef
	for ref := range union {
		sortedRefs = append(sortedRefs, ref)
	}
	SortRefs(sortedRefs)
	for _, ref := range sortedRefs {
		out = append(out, union[ref].Signed)
	}
	return out, nil
}

// addAncestorsBeyond recursively includes ancestors of b whose round
// exceeds the requester's highestRounds watermark for that author.
func (s *AuthorityService) addAncestorsBeyond(dag *DagState, b VerifiedBlock, highestRounds []uint64, union map[BlockRef]VerifiedBlock) {
	for _, a := range b.Block().Ancestors {
		if _, already := union[a]; already {
			continue
		}
		watermark := uint64(0)
		if int(a.Author) < len(highestRounds) {
			watermark = highestRounds[a.Author]
		}
		if a.Round <= watermark {
			continue
		}
		ab, ok := dag.GetBlock(a)
		if !ok {
			continue
		}
		union[a] = ab
		s.addAncestorsBeyond(dag, ab, highestRounds, union)
	}
}
