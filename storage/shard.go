package storage

import (
	"sync"

	"github.com/torrust/tracker/bittorrent"
)

// shard owns one partition of the global torrent map, guarded by its own
// reader/writer lock. dirty is set whenever an entry is created through
// GetOrCreate or removed from the shard; nothing in the tracker clears it.
type shard struct {
	mu       sync.RWMutex
	torrents map[bittorrent.InfoHash]*TorrentEntry
	dirty    bool
}

// Store is the sharded torrent map described by the tracker's data model: a
// fixed 256-way partition of info hash to TorrentEntry, selected by the
// info hash's first byte.
type Store struct {
	shards [ShardCount]*shard
}

// New creates an empty Store with all 256 shards initialized.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{torrents: make(map[bittorrent.InfoHash]*TorrentEntry)}
	}
	return s
}

func shardIndex(ih bittorrent.InfoHash) int {
	return int(ih[0])
}

func (s *Store) shardFor(ih bittorrent.InfoHash) *shard {
	return s.shards[shardIndex(ih)]
}

// Get returns the entry for ih if one exists.
func (s *Store) Get(ih bittorrent.InfoHash) (*TorrentEntry, bool) {
	sh := s.shardFor(ih)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.torrents[ih]
	return e, ok
}

// GetOrCreate returns the entry for ih, creating it if absent. It takes the
// shared lock first and only upgrades to an exclusive lock (re-checking
// before inserting) when the entry doesn't already exist.
func (s *Store) GetOrCreate(ih bittorrent.InfoHash) *TorrentEntry {
	sh := s.shardFor(ih)

	sh.mu.RLock()
	e, ok := sh.torrents[ih]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Double-check: another writer may have created it between our unlock
	// and this lock.
	if e, ok = sh.torrents[ih]; ok {
		return e
	}

	e = newTorrentEntry()
	sh.torrents[ih] = e
	sh.dirty = true
	return e
}

// Remove drops an entry from the store unconditionally, regardless of
// whether it still holds peers. Used by explicit admin removal.
func (s *Store) Remove(ih bittorrent.InfoHash) {
	sh := s.shardFor(ih)
	sh.mu.Lock()
	delete(sh.torrents, ih)
	sh.dirty = true
	sh.mu.Unlock()
}

// CountAll returns the total number of torrent entries across every shard.
//
// This visits shards in index order and holds each lock only for the
// duration of reading its map length; it is not a globally atomic snapshot.
func (s *Store) CountAll() uint64 {
	var total uint64
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += uint64(len(sh.torrents))
		sh.mu.RUnlock()
	}
	return total
}

// Totals is a point-in-time aggregate of seeds and leechers across every
// shard, used by the statistics aggregator's reconciliation pass.
type Totals struct {
	Torrents uint64
	Seeders  uint64
	Leechers uint64
}

// AggregateTotals sums torrent, seeder and leecher counts across all
// shards. Like CountAll, this is a per-shard snapshot, not a globally
// consistent one: shards are visited in index order and each is held only
// long enough to read its counts.
func (s *Store) AggregateTotals() Totals {
	var t Totals
	for _, sh := range s.shards {
		sh.mu.RLock()
		t.Torrents += uint64(len(sh.torrents))
		for _, e := range sh.torrents {
			t.Seeders += uint64(len(e.seedsByID))
			t.Leechers += uint64(len(e.peersByID))
		}
		sh.mu.RUnlock()
	}
	return t
}

// IterRange visits every torrent entry in the store, grouped by shard in
// index order. It is used by the admin API to page through torrents; the
// callback receives a point-in-time snapshot for its shard, not a
// consistent global view. Returning false from fn stops iteration early.
func (s *Store) IterRange(fn func(ih bittorrent.InfoHash, e *TorrentEntry) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		snapshot := make(map[bittorrent.InfoHash]*TorrentEntry, len(sh.torrents))
		for ih, e := range sh.torrents {
			snapshot[ih] = e
		}
		sh.mu.RUnlock()

		for ih, e := range snapshot {
			if !fn(ih, e) {
				return
			}
		}
	}
}

// pruneIfEmpty removes ih from its shard if its entry has no peers left and
// persistent is false. Caller must not be holding the shard lock.
func (s *Store) pruneIfEmpty(ih bittorrent.InfoHash, e *TorrentEntry, persistent bool) {
	if persistent {
		return
	}

	sh := s.shardFor(ih)
	sh.mu.Lock()
	if cur, ok := sh.torrents[ih]; ok && cur == e && cur.empty() {
		delete(sh.torrents, ih)
		sh.dirty = true
	}
	sh.mu.Unlock()
}
