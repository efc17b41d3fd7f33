package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	q := NewQueue()
	require.Nil(t, q.Drain())
	require.Nil(t, q.Drain())
}

func TestAddThenRemoveCancels(t *testing.T) {
	q := NewQueue()
	q.Push("k1", Add, "v1")
	q.Push("k1", Remove, nil)

	require.Equal(t, 0, q.Len())
	require.Nil(t, q.Drain())
}

func TestUpdateThenUpdateKeepsLatest(t *testing.T) {
	q := NewQueue()
	q.Push("k1", Update, "v1")
	q.Push("k1", Update, "v2")

	entries := q.Drain()
	require.Len(t, entries, 1)
	require.Equal(t, "v2", entries[0].Value)
}

func TestDrainIsFIFOByOpID(t *testing.T) {
	q := NewQueue()
	q.Push("a", Add, 1)
	q.Push("b", Add, 2)
	q.Push("c", Add, 3)

	entries := q.Drain()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		require.Less(t, entries[i-1].OpID, entries[i].OpID)
	}
}

func TestRequeueRestoresOnFailureWithoutClobberingNewerWrites(t *testing.T) {
	q := NewQueue()
	q.Push("k1", Update, "v1")
	q.Push("k2", Update, "v2")

	batch := q.Drain()
	require.Len(t, batch, 2)

	// Simulate a newer write racing the failed flush for k1.
	q.Push("k1", Update, "v1-newer")

	q.Requeue(batch)

	require.Equal(t, 2, q.Len())
	remaining := q.Drain()
	var sawNewer bool
	for _, e := range remaining {
		if e.Key == "k1" {
			require.Equal(t, "v1-newer", e.Value)
			sawNewer = true
		}
	}
	require.True(t, sawNewer)
}

func TestJournalDrainAllOmitsEmptyKinds(t *testing.T) {
	j := New()
	j.Push(KindTorrents, "ih1", Add, nil)

	batches := j.DrainAll()
	require.Len(t, batches, 1)
	require.Contains(t, batches, KindTorrents)
}
