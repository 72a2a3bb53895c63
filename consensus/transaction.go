package consensus

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

const defaultTransactionQueueCapacity = 10_000

// TransactionClient is the producer-facing handle external callers use to
// submit transaction bytes into the upstream queue Core drains from when
// assembling a new block. It is the thin supplement this package adds over
// spec's "upstream transaction queue", split from the Core-internal
// consumer the way a bounded MPSC channel splits producer and consumer.
type TransactionClient struct {
	ch chan []byte
}

// Submit enqueues data for inclusion in a future block. It blocks until
// there is queue capacity or ctx is cancelled.
func (c *TransactionClient) Submit(ctx context.Context, data []byte) error {
	select {
	case c.ch <- data:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit transaction: %w", ctx.Err())
	}
}

// transactionConsumer is the Core-internal read side of the transaction
// queue, mirroring the teacher's Mempool.Pending(n) insertion-ordered
// drain but over a channel rather than a map, since ordering here only
// needs to be "whatever arrived", not persisted or queryable by ID.
type transactionConsumer struct {
	ch chan []byte
}

// NewTransactionQueue creates the paired client/consumer with the given
// bounded capacity (0 uses the default).
func NewTransactionQueue(capacity int) (*TransactionClient, *transactionConsumer) {
	if capacity <= 0 {
		capacity = defaultTransactionQueueCapacity
	}
	ch := make(chan []byte, capacity)
	return &TransactionClient{ch: ch}, &transactionConsumer{ch: ch}
}

// drain pulls up to maxItems pending transactions without blocking. Used by
// Core when assembling a new block; errors from a closed queue are logged
// and dropped per the "transaction intake errors" failure semantics — the
// block is proposed without them rather than blocking proposal.
func (t *transactionConsumer) drain(maxItems int) [][]byte {
	out := make([][]byte, 0, maxItems)
	for len(out) < maxItems {
		select {
		case tx, ok := <-t.ch:
			if !ok {
				logrus.Warn("transaction queue closed; proposing block without further transactions")
				return out
			}
			out = append(out, tx)
		default:
			return out
		}
	}
	return out
}
