// Package ledger maintains secondary indexes over the committed sub-DAG
// stream so RPC callers can look up a commit by index, or the latest commit
// index, without replaying CommitObserver's internal state on every query.
// Commits are indexed by commit index only; there is no lookup from a block
// to the commit that finalized it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/storage"
)

const (
	prefixCommit    = "ledger:commit:"
	prefixBlockToIx = "ledger:block:"
	keyLatestIndex  = "ledger:latest"
)

// CommitRecord is the durable, queryable summary of one committed sub-DAG.
type CommitRecord struct {
	CommitIndex  uint64 `json:"commit_index"`
	LeaderRound  uint64 `json:"leader_round"`
	LeaderAuthor int    `json:"leader_author"`
	Digest       string `json:"digest"`
	BlockCount   int    `json:"block_count"`
}

// Ledger subscribes to consensus lifecycle events and indexes commits for
// later lookup. It does not participate in consensus itself — it is a
// read-side projection of the commit events it has received.
type Ledger struct {
	db storage.DB
}

// New creates a Ledger backed by db and subscribes it to emitter's commit
// events. Block-accepted/suspended/rejected events are ignored here; a
// future metrics or audit subscriber could hang off the same emitter.
func New(db storage.DB, emitter *events.Emitter) *Ledger {
	l := &Ledger{db: db}
	emitter.Subscribe(events.EventCommit, l.onCommit)
	return l
}

func (l *Ledger) onCommit(ev events.Event) {
	index, _ := ev.Data["commit_index"].(uint64)
	round, _ := ev.Data["leader_round"].(uint64)
	author, _ := ev.Data["leader_author"].(int)
	digest, _ := ev.Data["digest"].(string)
	blocks, _ := ev.Data["blocks"].(int)

	rec := CommitRecord{
		CommitIndex:  index,
		LeaderRound:  round,
		LeaderAuthor: author,
		Digest:       digest,
		BlockCount:   blocks,
	}
	if err := l.putCommit(rec); err != nil {
		log.Printf("[ledger] index commit %d failed: %v", index, err)
	}
}

func (l *Ledger) putCommit(rec CommitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.db.Set([]byte(commitKey(rec.CommitIndex)), data); err != nil {
		return fmt.Errorf("write commit record: %w", err)
	}
	return l.db.Set([]byte(keyLatestIndex), []byte(fmt.Sprint(rec.CommitIndex)))
}

func commitKey(index uint64) string {
	return fmt.Sprintf("%s%020d", prefixCommit, index)
}

// GetCommit returns the indexed record for a commit index.
func (l *Ledger) GetCommit(index uint64) (CommitRecord, bool, error) {
	data, err := l.db.Get([]byte(commitKey(index)))
	if errors.Is(err, storage.ErrNotFound) {
		return CommitRecord{}, false, nil
	}
	if err != nil {
		return CommitRecord{}, false, err
	}
	var rec CommitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CommitRecord{}, false, fmt.Errorf("ledger unmarshal: %w", err)
	}
	return rec, true, nil
}

// LatestCommitIndex returns the highest commit index seen, or found=false
// if no commit has been indexed yet.
func (l *Ledger) LatestCommitIndex() (index uint64, found bool, err error) {
	data, err := l.db.Get([]byte(keyLatestIndex))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if _, err := fmt.Sscan(string(data), &index); err != nil {
		return 0, false, fmt.Errorf("parse latest commit index: %w", err)
	}
	return index, true, nil
}
