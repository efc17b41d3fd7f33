// Package storage implements the sharded, in-memory torrent store that is
// the authoritative record of which peers are sharing which torrents.
//
// The store is partitioned into a fixed number of shards selected by the
// first byte of an info hash. Each shard owns its own reader/writer lock, so
// announces for different torrents proceed independently of one another;
// only announces that happen to collide on the same shard (or the same
// torrent) serialize against each other.
package storage

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/torrust/tracker/bittorrent"
)

// ShardCount is the number of partitions the store is split into. It is
// fixed, not configurable: the first byte of an info hash selects a shard
// directly, so there are exactly as many shards as byte values.
const ShardCount = 256

// ErrResourceDoesNotExist names the condition of a single resource (a
// torrent entry, a peer) not being present in the store. The store's own
// operations do not return it; they report absence through nil or ok
// results.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// TorrentPeer is the state the store keeps for a single peer of a single
// torrent.
type TorrentPeer struct {
	ID         bittorrent.PeerID
	IP         net.IP
	Family     bittorrent.AddressFamily
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	LastEvent  bittorrent.Event
	LastSeen   time.Time
}

// IsSeed reports whether the peer has nothing left to download.
func (p TorrentPeer) IsSeed() bool { return p.Left == 0 }

// ToBittorrentPeer converts the stored peer into the wire-facing Peer type.
func (p TorrentPeer) ToBittorrentPeer() bittorrent.Peer {
	return bittorrent.Peer{
		ID:   p.ID,
		IP:   bittorrent.IP{IP: p.IP, AddressFamily: p.Family},
		Port: p.Port,
	}
}

// EntrySnapshot is a read-only view of a torrent entry's counts, returned by
// mutating operations instead of a live, lockable reference.
type EntrySnapshot struct {
	Seeders   int
	Leechers  int
	Completed uint64
	UpdatedAt time.Time
}

// TorrentEntry is the per-torrent state held by a shard: the peer swarm,
// split into seeds and leechers, plus the lifetime completed counter.
//
// Invariant: a PeerID key is present in exactly one of seedsByID and
// peersByID, never both.
type TorrentEntry struct {
	seedsByID map[bittorrent.PeerID]TorrentPeer
	peersByID map[bittorrent.PeerID]TorrentPeer
	completed uint64 // atomic
	updatedAt int64  // unix nanoseconds, atomic
}

func newTorrentEntry() *TorrentEntry {
	return &TorrentEntry{
		seedsByID: make(map[bittorrent.PeerID]TorrentPeer),
		peersByID: make(map[bittorrent.PeerID]TorrentPeer),
	}
}

// Snapshot returns a point-in-time view of the entry's counts. Callers must
// hold the owning shard's lock (shared is sufficient) while calling this.
func (e *TorrentEntry) snapshot() EntrySnapshot {
	return EntrySnapshot{
		Seeders:   len(e.seedsByID),
		Leechers:  len(e.peersByID),
		Completed: atomic.LoadUint64(&e.completed),
		UpdatedAt: time.Unix(0, atomic.LoadInt64(&e.updatedAt)),
	}
}

// Empty reports whether the entry currently tracks no peers at all.
func (e *TorrentEntry) empty() bool {
	return len(e.seedsByID) == 0 && len(e.peersByID) == 0
}

func (e *TorrentEntry) touch(now time.Time) {
	atomic.StoreInt64(&e.updatedAt, now.UnixNano())
}
