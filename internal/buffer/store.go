package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/dgraph-io/badger/v4"
)

var ErrMessageNotFound = errors.New("buffered message not found")

// Counts summarizes the persisted messages.
type Counts struct {
	Total   int
	Unsent  int
	Pending int
	Failed  int
}

// Store is the persistent tier of the buffer.
type Store interface {
	Insert(ctx context.Context, msg domain.BufferedMessage) error
	// Pending returns up to limit unsent messages with fewer than maxRetries
	// attempts, oldest first.
	Pending(ctx context.Context, limit, maxRetries int) ([]domain.BufferedMessage, error)
	Get(ctx context.Context, id string) (domain.BufferedMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteFailed(ctx context.Context, maxRetries int) (int, error)
	Counts(ctx context.Context, maxRetries int) (Counts, error)
}

var (
	msgPrefix = []byte("buffer/msg/")
	idxPrefix = []byte("buffer/idx/")
)

// BadgerStore keeps messages in a device's badger database. Message keys
// embed the enqueue time so a prefix scan yields FIFO order.
type BadgerStore struct {
	db  *storage.DB
	seq atomic.Uint64
}

func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// messageKey orders by enqueue time, then by insertion order for messages
// sharing a timestamp.
func (s *BadgerStore) messageKey(m domain.BufferedMessage) []byte {
	return []byte(fmt.Sprintf("%s%019d/%010d/%s", msgPrefix, m.EnqueuedAt.UnixNano(), s.seq.Add(1), m.ID))
}

func indexKey(id string) []byte {
	return append(append([]byte{}, idxPrefix...), id...)
}

func (s *BadgerStore) Insert(ctx context.Context, msg domain.BufferedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := s.messageKey(msg)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.ID), key)
	})
}

func (s *BadgerStore) Pending(ctx context.Context, limit, maxRetries int) ([]domain.BufferedMessage, error) {
	var out []domain.BufferedMessage
	err := s.scan(ctx, func(_ []byte, m domain.BufferedMessage) bool {
		if !m.Sent && m.RetryCount < maxRetries {
			out = append(out, m)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *BadgerStore) Get(ctx context.Context, id string) (domain.BufferedMessage, error) {
	var m domain.BufferedMessage
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := s.load(txn, id, &m)
		return err
	})
	return m, err
}

func (s *BadgerStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(m *domain.BufferedMessage) {
		m.Sent = true
		m.SentAt = at
	})
}

func (s *BadgerStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := s.mutate(ctx, id, func(m *domain.BufferedMessage) {
		m.RetryCount++
		n = m.RetryCount
	})
	return n, err
}

func (s *BadgerStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(ctx, func(m domain.BufferedMessage) bool {
		return m.Sent && m.EnqueuedAt.Before(cutoff)
	})
}

func (s *BadgerStore) DeleteFailed(ctx context.Context, maxRetries int) (int, error) {
	return s.deleteWhere(ctx, func(m domain.BufferedMessage) bool {
		return !m.Sent && m.RetryCount >= maxRetries
	})
}

func (s *BadgerStore) Counts(ctx context.Context, maxRetries int) (Counts, error) {
	var c Counts
	err := s.scan(ctx, func(_ []byte, m domain.BufferedMessage) bool {
		c.Total++
		if !m.Sent {
			c.Unsent++
			if m.RetryCount < maxRetries {
				c.Pending++
			} else {
				c.Failed++
			}
		}
		return true
	})
	return c, err
}

func (s *BadgerStore) load(txn *badger.Txn, id string, m *domain.BufferedMessage) ([]byte, error) {
	item, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	item, err = txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, m)
	})
	return key, err
}

func (s *BadgerStore) mutate(ctx context.Context, id string, fn func(m *domain.BufferedMessage)) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var m domain.BufferedMessage
		key, err := s.load(txn, id, &m)
		if err != nil {
			return err
		}
		fn(&m)
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		return txn.Set(key, data)
	})
}

// scan visits messages in key order until fn returns false.
func (s *BadgerStore) scan(ctx context.Context, fn func(key []byte, m domain.BufferedMessage) bool) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(msgPrefix); it.ValidForPrefix(msgPrefix); it.Next() {
			item := it.Item()
			var m domain.BufferedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode message %s: %w", item.Key(), err)
			}
			if !fn(item.KeyCopy(nil), m) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) deleteWhere(ctx context.Context, match func(m domain.BufferedMessage) bool) (int, error) {
	type victim struct {
		key []byte
		id  string
	}
	var victims []victim
	err := s.scan(ctx, func(key []byte, m domain.BufferedMessage) bool {
		if match(m) {
			victims = append(victims, victim{key: key, id: m.ID})
		}
		return true
	})
	if err != nil || len(victims) == 0 {
		return 0, err
	}

	err = s.db.WithWriteBatch(ctx, func(wb *badger.WriteBatch) error {
		for _, v := range victims {
			if err := wb.Delete(v.key); err != nil {
				return err
			}
			if err := wb.Delete(indexKey(v.id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}
