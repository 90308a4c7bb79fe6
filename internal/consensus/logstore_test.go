package consensus

import (
	"testing"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStores(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	stores := map[string]LogStore{
		"memory": NewMemoryLogStore(),
		"badger": NewBadgerLogStore(db, "cluster-a"),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			st, entries, err := s.Load()
			require.NoError(t, err)
			assert.Equal(t, HardState{}, st)
			assert.Empty(t, entries)

			require.NoError(t, s.SaveHardState(HardState{Term: 3, VotedFor: "edge-2", LastApplied: 1}))
			require.NoError(t, s.Append([]LogEntry{
				{Term: 1, Index: 0, Command: []byte("a")},
				{Term: 2, Index: 1, Command: []byte("b")},
				{Term: 3, Index: 2, Command: []byte("c")},
			}))
			require.NoError(t, s.TruncateFrom(2))
			require.NoError(t, s.Append([]LogEntry{{Term: 3, Index: 2, Command: []byte("d")}}))

			st, entries, err = s.Load()
			require.NoError(t, err)
			assert.Equal(t, HardState{Term: 3, VotedFor: "edge-2", LastApplied: 1}, st)
			require.Len(t, entries, 3)
			assert.Equal(t, "d", string(entries[2].Command))
		})
	}
}

func TestBadgerLogStoreIsolatesClusters(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	a := NewBadgerLogStore(db, "cluster-a")
	b := NewBadgerLogStore(db, "cluster-b")
	require.NoError(t, a.Append([]LogEntry{{Term: 1, Index: 0}}))

	_, entries, err := b.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryLogStoreRejectsGap(t *testing.T) {
	s := NewMemoryLogStore()
	err := s.Append([]LogEntry{{Term: 1, Index: 4}})
	assert.Error(t, err)
}
