package consensus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxFetchBatch        = 200
	maxInFlightPerPeer    = 4
	maxRetriesPerPeer     = 3
	fetchRPCTimeout       = 10 * time.Second
)

// Synchronizer converts missing-ancestor notifications into fetch_blocks
// RPCs and feeds results back through Core. It never surfaces errors
// upstream: persistent unavailability shows up only as liveness
// degradation, per the failure semantics this was built against.
type Synchronizer struct {
	committee *Committee
	core      *Core
	client    NetworkClient
	metrics   *Metrics
	log       *logrus.Entry

	mu       sync.Mutex
	inFlight map[BlockRef]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSynchronizer creates a Synchronizer over client, feeding results back
// into core.
func NewSynchronizer(committee *Committee, core *Core, client NetworkClient, metrics *Metrics, log *logrus.Entry) *Synchronizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		committee: committee,
		core:      core,
		client:    client,
		metrics:   metrics,
		log:       log.WithField("component", "synchronizer"),
		inFlight:  make(map[BlockRef]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// FetchMissing batches refs into requests of at most maxFetchBatch and
// issues them against sourcePeer (the peer whose block referenced them) in
// a background goroutine. Refs already in flight are skipped.
func (s *Synchronizer) FetchMissing(refs []BlockRef, sourcePeer AuthorityIndex) {
	fresh := s.claim(refs)
	if len(fresh) == 0 {
		return
	}
	for i := 0; i < len(fresh); i += maxFetchBatch {
		end := i + maxFetchBatch
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[i:end]
		s.wg.Add(1)
		go s.fetchBatch(batch, sourcePeer)
	}
}

// claim marks refs not already in flight and returns that subset.
func (s *Synchronizer) claim(refs []BlockRef) []BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []BlockRef
	for _, r := range refs {
		if !s.inFlight[r] {
			s.inFlight[r] = true
			fresh = append(fresh, r)
		}
	}
	return fresh
}

func (s *Synchronizer) release(refs []BlockRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		delete(s.inFlight, r)
	}
}

// fetchBatch issues the fetch RPC, retrying against round-robin fallback
// peers on failure, then feeds any result back through Core.
func (s *Synchronizer) fetchBatch(batch []BlockRef, sourcePeer AuthorityIndex) {
	defer s.wg.Done()
	defer s.release(batch)

	SortRefs(batch)
	rounds, err := s.core.GetHighestAcceptedRounds(s.ctx)
	if err != nil {
		return // core shutting down
	}

	peer := sourcePeer
	for attempt := 0; attempt < maxRetriesPerPeer; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		ctx, cancel := context.WithTimeout(s.ctx, fetchRPCTimeout)
		s.metrics.FetchRequestsSent.WithLabelValues(peerLabel(peer)).Inc()
		blocks, err := s.client.FetchBlocks(ctx, peer, batch, rounds)
		cancel()
		if err != nil {
			s.metrics.FetchRequestFailures.WithLabelValues(peerLabel(peer)).Inc()
			s.log.WithFields(logrus.Fields{"peer": peer, "attempt": attempt, "err": err}).Debug("fetch failed, retrying")
			peer = s.nextPeer(peer)
			continue
		}
		s.feedBack(blocks)
		return
	}
	s.log.WithField("refs", len(batch)).Debug("fetch exhausted retries, dropping from active set")
}

// nextPeer does round-robin fallback over the committee, skipping self.
func (s *Synchronizer) nextPeer(current AuthorityIndex) AuthorityIndex {
	n := AuthorityIndex(s.committee.Size())
	next := (current + 1) % n
	if next == s.core.ownIndex && n > 1 {
		next = (next + 1) % n
	}
	return next
}

func peerLabel(p AuthorityIndex) string {
	return "peer-" + strconv.Itoa(int(p))
}

// feedBack verifies and hands fetched blocks to Core via add_blocks; any
// newly-missing refs recursively trigger further fetches.
func (s *Synchronizer) feedBack(blocks []SignedBlock) {
	if len(blocks) == 0 {
		return
	}
	verifier := s.core.blockManager.verifier
	verified := make([]VerifiedBlock, 0, len(blocks))
	for _, signed := range blocks {
		vb, err := verifier.VerifyBlock(signed)
		if err != nil {
			continue
		}
		verified = append(verified, vb)
	}
	if len(verified) == 0 {
		return
	}
	missing, err := s.core.AddBlocks(s.ctx, verified)
	if err != nil || len(missing) == 0 {
		return
	}
	// Re-derive a source: any of the newly fetched blocks' authors is a
	// reasonable next hop since they are part of the same causal region.
	source := verified[0].Ref.Author
	s.FetchMissing(missing, source)
}

// Stop cancels all in-flight fetches and waits for their goroutines to
// return. No new fetches are started after Stop is called.
func (s *Synchronizer) Stop() {
	s.cancel()
	s.wg.Wait()
}
