package storage

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
)

func mustIH(s string) bittorrent.InfoHash { return bittorrent.InfoHashFromString(s) }
func mustPID(s string) bittorrent.PeerID  { return bittorrent.PeerIDFromString(s) }

func samplePeer(id bittorrent.PeerID, ip string, port uint16, left uint64) TorrentPeer {
	parsed := net.ParseIP(ip)
	af := bittorrent.IPv4
	if parsed.To4() == nil {
		af = bittorrent.IPv6
	} else {
		parsed = parsed.To4()
	}
	return TorrentPeer{
		ID:        id,
		IP:        parsed,
		Family:    af,
		Port:      port,
		Left:      left,
		LastEvent: bittorrent.Started,
		LastSeen:  time.Now(),
	}
}

// Scenario 1 from the spec: a fresh peer announcing Started on an empty
// tracker creates exactly one torrent with one leecher and no seeds.
func TestFreshPeerCreatesEntry(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	p := samplePeer(mustPID("11111111111111111111"), "10.0.0.1", 6881, 1000)

	prev, snap := s.AddOrUpdatePeer(ih, p, false)
	require.Nil(t, prev)
	require.Equal(t, 0, snap.Seeders)
	require.Equal(t, 1, snap.Leechers)
	require.EqualValues(t, 1, s.CountAll())
}

// Scenario 2: the same peer re-announcing left=0/Completed transitions to a
// seed and increments the completed counter exactly once.
func TestCompletionTransition(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	pid := mustPID("11111111111111111111")

	started := samplePeer(pid, "10.0.0.1", 6881, 1000)
	s.AddOrUpdatePeer(ih, started, false)

	completed := samplePeer(pid, "10.0.0.1", 6881, 0)
	completed.LastEvent = bittorrent.Completed
	_, snap := s.AddOrUpdatePeer(ih, completed, true)

	require.Equal(t, 1, snap.Seeders)
	require.Equal(t, 0, snap.Leechers)
	require.EqualValues(t, 1, snap.Completed)
}

// Scenario 3: stopping removes the peer and, in non-persistent mode,
// removes the now-empty torrent entry too.
func TestStopEmptiesTracker(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	pid := mustPID("11111111111111111111")

	s.AddOrUpdatePeer(ih, samplePeer(pid, "10.0.0.1", 6881, 1000), false)
	s.AddOrUpdatePeer(ih, samplePeer(pid, "10.0.0.1", 6881, 0), true)

	prev, snap := s.RemovePeer(ih, pid, false, true)
	require.NotNil(t, prev)
	require.NotNil(t, snap)
	require.EqualValues(t, 0, s.CountAll())

	_, ok := s.Get(ih)
	require.False(t, ok)
}

// Stopped for an unknown peer ID is a no-op.
func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	s.GetOrCreate(ih)

	prev, cur := s.RemovePeer(ih, mustPID("99999999999999999999"), false, true)
	require.Nil(t, prev)
	require.NotNil(t, cur)
}

func TestLeftZeroWithStartedIsImmediatelySeed(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	p := samplePeer(mustPID("11111111111111111111"), "10.0.0.1", 6881, 0)

	_, snap := s.AddOrUpdatePeer(ih, p, false)
	require.Equal(t, 1, snap.Seeders)
	require.Equal(t, 0, snap.Leechers)
	require.EqualValues(t, 0, snap.Completed)
}

func TestPeerAppearsInExactlyOneMap(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	pid := mustPID("11111111111111111111")

	s.AddOrUpdatePeer(ih, samplePeer(pid, "10.0.0.1", 6881, 1000), false)
	e, ok := s.Get(ih)
	require.True(t, ok)
	_, inLeechers := e.peersByID[pid]
	_, inSeeds := e.seedsByID[pid]
	require.True(t, inLeechers)
	require.False(t, inSeeds)

	s.AddOrUpdatePeer(ih, samplePeer(pid, "10.0.0.1", 6881, 0), false)
	_, inLeechers = e.peersByID[pid]
	_, inSeeds = e.seedsByID[pid]
	require.False(t, inLeechers)
	require.True(t, inSeeds)
}

func TestGetPeersRespectsLimitAndExclusion(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	self := mustPID("11111111111111111111")
	s.AddOrUpdatePeer(ih, samplePeer(self, "10.0.0.1", 1, 1000), false)
	for i := 2; i <= 6; i++ {
		id := mustPID("1111111111111111111" + string(rune('0'+i)))
		s.AddOrUpdatePeer(ih, samplePeer(id, "10.0.0.1", uint16(i), 1000), false)
	}

	seeds, leechers := s.GetPeers(ih, 3, FilterAll, &self)
	require.Empty(t, seeds)
	require.LessOrEqual(t, len(leechers), 3)
	for _, p := range leechers {
		require.NotEqual(t, self, p.ID)
	}
}

func TestShardIndexIsInfoHashFirstByte(t *testing.T) {
	var ih bittorrent.InfoHash
	ih[0] = 0x42
	require.Equal(t, 0x42, shardIndex(ih))
}

func TestSweepTimeoutsRemovesStalePeers(t *testing.T) {
	s := New()
	ih := mustIH("00000000000000000000")
	p := samplePeer(mustPID("11111111111111111111"), "10.0.0.1", 1, 1000)
	p.LastSeen = time.Now().Add(-time.Hour)
	s.AddOrUpdatePeer(ih, p, false)

	removed := s.SweepTimeouts(time.Now().Add(-time.Minute), false)
	require.Equal(t, 1, removed)
	require.EqualValues(t, 0, s.CountAll())
}

func TestScrapeMissingEntryReturnsZeros(t *testing.T) {
	s := New()
	complete, incomplete, completed := s.Scrape(mustIH("00000000000000000000"))
	require.EqualValues(t, 0, complete)
	require.EqualValues(t, 0, incomplete)
	require.EqualValues(t, 0, completed)
}
