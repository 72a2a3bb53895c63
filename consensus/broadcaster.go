package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// peerBroadcaster fans a locally produced block out to every other
// committee member over a per-peer bounded channel, so one slow peer
// never blocks delivery to the rest.
type peerBroadcaster struct {
	committee *Committee
	ownIndex  AuthorityIndex
	client    NetworkClient
	log       *logrus.Entry

	mu       sync.Mutex
	queues   map[AuthorityIndex]chan VerifiedBlock
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBroadcaster creates and starts a Broadcaster for ownIndex's blocks.
func NewBroadcaster(committee *Committee, ownIndex AuthorityIndex, client NetworkClient, log *logrus.Entry) Broadcaster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &peerBroadcaster{
		committee: committee,
		ownIndex:  ownIndex,
		client:    client,
		log:       log.WithField("component", "broadcaster"),
		queues:    make(map[AuthorityIndex]chan VerifiedBlock),
		done:      make(chan struct{}),
	}
	for i := 0; i < committee.Size(); i++ {
		idx := AuthorityIndex(i)
		if idx == ownIndex {
			continue
		}
		ch := make(chan VerifiedBlock, 64)
		b.queues[idx] = ch
		b.wg.Add(1)
		go b.run(idx, ch)
	}
	return b
}

func (b *peerBroadcaster) run(peer AuthorityIndex, ch chan VerifiedBlock) {
	defer b.wg.Done()
	for {
		select {
		case block := <-ch:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := b.client.SendBlock(ctx, peer, block.SerialBytes)
			cancel()
			if err != nil {
				b.log.WithFields(logrus.Fields{"peer": peer, "block": block.Ref.String(), "err": err}).Debug("broadcast send failed")
			}
		case <-b.done:
			return
		}
	}
}

// Broadcast enqueues block for delivery to every peer; drops (never
// blocks) on a full queue, since a missed push is recovered by the
// synchronizer's reactive fetch.
func (b *peerBroadcaster) Broadcast(block VerifiedBlock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.queues {
		select {
		case ch <- block:
		default:
		}
	}
}

// Stop signals every per-peer goroutine to exit and waits for them.
func (b *peerBroadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}
