package storage

import (
	"sync/atomic"
	"time"

	"github.com/torrust/tracker/bittorrent"
)

// AddOrUpdatePeer implements §4.C add_or_update_peer: it places peer into
// the seed or leecher map of ih's entry (creating the entry if necessary),
// moving it between maps if its completion state changed, and returns the
// peer's previous state (nil if it is new to the swarm) along with a
// snapshot of the entry after the mutation.
//
// completedHint is advisory only: the leecher-to-seed transition that
// drives the completed counter is always re-derived from whether the peer
// was previously a leecher and is now a seed. A true hint can never force a
// completion the transition check would not have recorded on its own.
func (s *Store) AddOrUpdatePeer(ih bittorrent.InfoHash, peer TorrentPeer, completedHint bool) (previous *TorrentPeer, current EntrySnapshot) {
	sh := s.shardFor(ih)

	sh.mu.Lock()
	e, ok := sh.torrents[ih]
	if !ok {
		e = newTorrentEntry()
		sh.torrents[ih] = e
	}

	// Search the map matching the peer's new state first; it is the common
	// case (a peer re-announcing without a state change).
	var prevPeer TorrentPeer
	var found bool
	if peer.IsSeed() {
		if prevPeer, found = e.seedsByID[peer.ID]; !found {
			prevPeer, found = e.peersByID[peer.ID]
		}
	} else {
		if prevPeer, found = e.peersByID[peer.ID]; !found {
			prevPeer, found = e.seedsByID[peer.ID]
		}
	}

	wasLeecher := false
	if found {
		_, wasLeecher = e.peersByID[peer.ID]
	}

	if peer.IsSeed() {
		delete(e.peersByID, peer.ID)
		e.seedsByID[peer.ID] = peer

		// completedHint is advisory only (spec §9 open question): the
		// transition check below is authoritative and a true hint can never
		// force a completion it would not have recorded on its own.
		_ = completedHint
		if found && wasLeecher {
			atomic.AddUint64(&e.completed, 1)
		}
	} else {
		delete(e.seedsByID, peer.ID)
		e.peersByID[peer.ID] = peer
	}

	e.touch(time.Now())
	snap := e.snapshot()
	sh.mu.Unlock()

	if !found {
		return nil, snap
	}
	prevCopy := prevPeer
	return &prevCopy, snap
}

// RemovePeer implements §4.C remove_peer: it deletes the peer from whichever
// map currently holds it, optionally decrementing the completed counter
// (symmetric to the AddOrUpdatePeer transition case) and, unless persistent
// is set, drops the entry entirely once it holds no more peers.
func (s *Store) RemovePeer(ih bittorrent.InfoHash, peerID bittorrent.PeerID, persistent bool, withCompletedEffect bool) (previous *TorrentPeer, current *EntrySnapshot) {
	sh := s.shardFor(ih)

	sh.mu.Lock()
	e, ok := sh.torrents[ih]
	if !ok {
		sh.mu.Unlock()
		return nil, nil
	}

	var prevPeer TorrentPeer
	var found, wasSeed bool
	if prevPeer, found = e.seedsByID[peerID]; found {
		wasSeed = true
		delete(e.seedsByID, peerID)
	} else if prevPeer, found = e.peersByID[peerID]; found {
		delete(e.peersByID, peerID)
	}

	if found && wasSeed && withCompletedEffect {
		for {
			old := atomic.LoadUint64(&e.completed)
			if old == 0 {
				break
			}
			if atomic.CompareAndSwapUint64(&e.completed, old, old-1) {
				break
			}
		}
	}

	e.touch(time.Now())
	snap := e.snapshot()
	empty := e.empty()
	sh.mu.Unlock()

	if empty {
		s.pruneIfEmpty(ih, e, persistent)
	}

	if !found {
		return nil, &snap
	}
	prevCopy := prevPeer
	return &prevCopy, &snap
}

// PeerFilter selects which address family GetPeers should draw its sample
// from.
type PeerFilter uint8

const (
	// FilterAll matches both IPv4 and IPv6 peers.
	FilterAll PeerFilter = iota
	FilterIPv4
	FilterIPv6
)

func (f PeerFilter) matches(af bittorrent.AddressFamily) bool {
	switch f {
	case FilterIPv4:
		return af == bittorrent.IPv4
	case FilterIPv6:
		return af == bittorrent.IPv6
	default:
		return true
	}
}

// GetPeers implements §4.C get_peers: it returns up to limit seeds and up
// to limit leechers of ih's swarm, filtered by address family and
// optionally excluding one peer ID (the requesting peer, so it is never
// handed its own address back). limit == 0 means unbounded.
//
// Selection walks the maps in (unspecified) iteration order and stops as
// soon as both lists reach limit; it is not uniform-random sampling, and
// since Go randomizes map iteration order, two calls on the same map state
// may return different peers. It is O(limit).
func (s *Store) GetPeers(ih bittorrent.InfoHash, limit int, filter PeerFilter, exclude *bittorrent.PeerID) (seeds, leechers []TorrentPeer) {
	e, ok := s.Get(ih)
	if !ok {
		return nil, nil
	}

	sh := s.shardFor(ih)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	seeds = collectPeers(e.seedsByID, limit, filter, exclude)
	leechers = collectPeers(e.peersByID, limit, filter, exclude)
	return seeds, leechers
}

func collectPeers(m map[bittorrent.PeerID]TorrentPeer, limit int, filter PeerFilter, exclude *bittorrent.PeerID) []TorrentPeer {
	var out []TorrentPeer
	for id, p := range m {
		if limit > 0 && len(out) >= limit {
			break
		}
		if exclude != nil && id == *exclude {
			continue
		}
		if !filter.matches(p.Family) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Scrape returns the aggregate counts §4.E's scrape operation needs for a
// single info hash: complete (seeds), incomplete (leechers) and the
// lifetime completed counter. Missing entries return zeros.
func (s *Store) Scrape(ih bittorrent.InfoHash) (complete, incomplete uint32, completed uint64) {
	e, ok := s.Get(ih)
	if !ok {
		return 0, 0, 0
	}

	sh := s.shardFor(ih)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	return uint32(len(e.seedsByID)), uint32(len(e.peersByID)), atomic.LoadUint64(&e.completed)
}

// SweepTimeouts implements the peer-timeout half of §4.G's maintenance
// scheduler: it removes every peer in every shard whose last-seen time is
// older than cutoff, dropping entries left with no peers (unless
// persistent). It makes forward progress shard-by-shard and never holds a
// shard lock across shards.
func (s *Store) SweepTimeouts(cutoff time.Time, persistent bool) (removed int) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		var emptied []bittorrent.InfoHash
		for ih, e := range sh.torrents {
			for id, p := range e.seedsByID {
				if p.LastSeen.Before(cutoff) {
					delete(e.seedsByID, id)
					removed++
				}
			}
			for id, p := range e.peersByID {
				if p.LastSeen.Before(cutoff) {
					delete(e.peersByID, id)
					removed++
				}
			}
			if e.empty() && !persistent {
				emptied = append(emptied, ih)
			}
		}
		for _, ih := range emptied {
			delete(sh.torrents, ih)
		}
		if len(emptied) > 0 {
			sh.dirty = true
		}
		sh.mu.Unlock()
	}
	return removed
}
