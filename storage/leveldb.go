package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/tolbft/consensus"
)

// ErrNotFound is returned by Get when a key is absent. LevelBlockStore's
// consensus.BlockStore lookups report absence as found=false instead.
var ErrNotFound = errors.New("storage: not found")

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)      { b.b.Delete(key) }
func (b *levelBatch) Write() error           { return b.db.Write(b.b, nil) }
func (b *levelBatch) Reset()                 { b.b.Reset() }

// ---- consensus.BlockStore / consensus.CommitStore implementation ----

const (
	prefixBlock  = "block:"
	keyLastCommit = "commit:last"
)

// LevelBlockStore persists VerifiedBlocks and commit metadata on top of
// LevelDB, implementing both consensus.BlockStore (the pluggable store
// behind DagState) and consensus.CommitStore (CommitObserver's restart
// bookmark).
type LevelBlockStore struct {
	db *LevelDB
}

// NewLevelBlockStore wraps a LevelDB instance as a BlockStore/CommitStore.
func NewLevelBlockStore(db *LevelDB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

func blockKey(ref consensus.BlockRef) []byte {
	return []byte(fmt.Sprintf("%s%d:%d:%s", prefixBlock, ref.Round, ref.Author, ref.Digest))
}

// PutBlocks writes blocks in one atomic batch; either all are durable or
// none are, matching DagState's all-or-nothing acceptance contract.
func (s *LevelBlockStore) PutBlocks(blocks []consensus.VerifiedBlock) error {
	batch := s.db.NewBatch()
	for _, b := range blocks {
		data, err := consensus.MarshalWire(b.Signed)
		if err != nil {
			return fmt.Errorf("marshal block %s: %w", b.Ref, err)
		}
		batch.Set(blockKey(b.Ref), data)
	}
	return batch.Write()
}

func (s *LevelBlockStore) GetBlock(ref consensus.BlockRef) (consensus.VerifiedBlock, bool, error) {
	data, err := s.db.Get(blockKey(ref))
	if err == ErrNotFound {
		return consensus.VerifiedBlock{}, false, nil
	}
	if err != nil {
		return consensus.VerifiedBlock{}, false, err
	}
	signed, err := consensus.UnmarshalWire(data)
	if err != nil {
		return consensus.VerifiedBlock{}, false, fmt.Errorf("unmarshal block %s: %w", ref, err)
	}
	return consensus.VerifiedBlock{Ref: ref, Signed: signed, SerialBytes: data}, true, nil
}

func (s *LevelBlockStore) HasBlock(ref consensus.BlockRef) (bool, error) {
	_, found, err := s.GetBlock(ref)
	return found, err
}

// LoadAll scans every persisted block for restart recovery.
func (s *LevelBlockStore) LoadAll() ([]consensus.VerifiedBlock, error) {
	it := s.db.NewIterator([]byte(prefixBlock))
	defer it.Release()
	var out []consensus.VerifiedBlock
	for it.Next() {
		signed, err := consensus.UnmarshalWire(it.Value())
		if err != nil {
			return nil, fmt.Errorf("unmarshal persisted block: %w", err)
		}
		digest, err := signed.Block.Digest()
		if err != nil {
			return nil, fmt.Errorf("recompute digest: %w", err)
		}
		ref := consensus.BlockRef{Author: signed.Block.Author, Round: signed.Block.Round, Digest: digest}
		out = append(out, consensus.VerifiedBlock{Ref: ref, Signed: signed, SerialBytes: it.Value()})
	}
	return out, it.Error()
}

type persistedCommitMetadata struct {
	LastCommitIndex  uint64
	LastCommitLeader consensus.BlockRef
	Digest           string
}

func (s *LevelBlockStore) PutCommitMetadata(meta consensus.CommitMetadata) error {
	data, err := json.Marshal(persistedCommitMetadata(meta))
	if err != nil {
		return err
	}
	return s.db.Set([]byte(keyLastCommit), data)
}

func (s *LevelBlockStore) GetLastCommitMetadata() (consensus.CommitMetadata, bool, error) {
	data, err := s.db.Get([]byte(keyLastCommit))
	if err == ErrNotFound {
		return consensus.CommitMetadata{}, false, nil
	}
	if err != nil {
		return consensus.CommitMetadata{}, false, err
	}
	var p persistedCommitMetadata
	if err := json.Unmarshal(data, &p); err != nil {
		return consensus.CommitMetadata{}, false, err
	}
	return consensus.CommitMetadata(p), true, nil
}
