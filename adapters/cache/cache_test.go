package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/adapters"
	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/journal"
)

// fakeAdapter counts LoadAll/SaveBatch calls so tests can assert the cache
// actually shields it from repeat traffic, mirroring the teacher's
// createNew() miniredis harness in storage/redis/peer_store_test.go.
type fakeAdapter struct {
	loadAllCalls   int
	saveBatchCalls int
	snapshot       adapters.Snapshot
}

func (f *fakeAdapter) LoadAll(ctx context.Context) (adapters.Snapshot, error) {
	f.loadAllCalls++
	return f.snapshot, nil
}

func (f *fakeAdapter) SaveBatch(kind journal.Kind, entries []journal.Entry) error {
	f.saveBatchCalls++
	return nil
}

func newTestCache(t *testing.T) (*Cache, *fakeAdapter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	fake := &fakeAdapter{
		snapshot: adapters.Snapshot{
			Whitelist: []bittorrent.InfoHash{{1, 2, 3}},
		},
	}

	wrapped := New(Config{
		Engine:         Redis,
		RedisBroker:    "redis://" + mr.Addr(),
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		TTL:            time.Minute,
	}, fake)

	c, ok := wrapped.(*Cache)
	require.True(t, ok, "Engine: Redis must wrap next in a *Cache")
	return c, fake, mr
}

func TestNewPassthroughWhenDisabled(t *testing.T) {
	fake := &fakeAdapter{}
	wrapped := New(Config{Engine: None}, fake)
	assert.Same(t, fake, wrapped)
}

func TestLoadAllCachesSnapshot(t *testing.T) {
	c, fake, mr := newTestCache(t)
	defer mr.Close()

	snap1, err := c.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake.snapshot.Whitelist, snap1.Whitelist)
	assert.Equal(t, 1, fake.loadAllCalls)

	snap2, err := c.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap1.Whitelist, snap2.Whitelist)
	assert.Equal(t, 1, fake.loadAllCalls, "second LoadAll must be served from cache")
}

func TestSaveBatchInvalidatesCache(t *testing.T) {
	c, fake, mr := newTestCache(t)
	defer mr.Close()

	_, err := c.LoadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fake.loadAllCalls)

	err = c.SaveBatch(journal.KindWhitelist, []journal.Entry{
		{OpID: 1, Key: bittorrent.InfoHash{9}, Action: journal.Add},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.saveBatchCalls)

	_, err = c.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.loadAllCalls, "SaveBatch must invalidate the cached snapshot")
}
