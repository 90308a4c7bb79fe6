package consensus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/dgraph-io/badger/v4"
)

// HardState is the per-node state that must survive a restart.
type HardState struct {
	Term        uint64 `json:"term"`
	VotedFor    string `json:"voted_for"`
	LastApplied int    `json:"last_applied"`
}

// LogStore persists a node's hard state and log.
type LogStore interface {
	Load() (HardState, []LogEntry, error)
	SaveHardState(st HardState) error
	Append(entries []LogEntry) error
	// TruncateFrom removes every entry with Index >= index.
	TruncateFrom(index int) error
}

// MemoryLogStore keeps state in memory. A restarted node sharing the store
// sees the state its predecessor left.
type MemoryLogStore struct {
	mu      sync.Mutex
	state   HardState
	entries []LogEntry
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (s *MemoryLogStore) Load() (HardState, []LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, append([]LogEntry(nil), s.entries...), nil
}

func (s *MemoryLogStore) SaveHardState(st HardState) error {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Index != len(s.entries) {
			return fmt.Errorf("append index %d to log of length %d", e.Index, len(s.entries))
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemoryLogStore) TruncateFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < len(s.entries) {
		s.entries = s.entries[:index]
	}
	return nil
}

// BadgerLogStore keeps a node's state in the device database under
// raft/<cluster>/.
type BadgerLogStore struct {
	db     *storage.DB
	prefix []byte
}

func NewBadgerLogStore(db *storage.DB, clusterID string) *BadgerLogStore {
	return &BadgerLogStore{db: db, prefix: []byte("raft/" + clusterID + "/")}
}

func (s *BadgerLogStore) stateKey() []byte {
	return append(append([]byte{}, s.prefix...), "state"...)
}

func (s *BadgerLogStore) logPrefix() []byte {
	return append(append([]byte{}, s.prefix...), "log/"...)
}

func (s *BadgerLogStore) entryKey(index int) []byte {
	key := s.logPrefix()
	return binary.BigEndian.AppendUint64(key, uint64(index))
}

func (s *BadgerLogStore) Load() (HardState, []LogEntry, error) {
	var (
		st      HardState
		entries []LogEntry
	)
	err := s.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get(s.stateKey())
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decode hard state: %w", err)
			}
		}

		prefix := s.logPrefix()
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e LogEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode log entry: %w", err)
			}
			if e.Index != len(entries) {
				return fmt.Errorf("log gap: found index %d at position %d", e.Index, len(entries))
			}
			entries = append(entries, e)
		}
		return nil
	})
	return st, entries, err
}

func (s *BadgerLogStore) SaveHardState(st HardState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set(s.stateKey(), data)
	})
}

func (s *BadgerLogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(s.entryKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerLogStore) TruncateFrom(index int) error {
	var keys [][]byte
	err := s.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := s.logPrefix()
		for it.Seek(s.entryKey(index)); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	return s.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
