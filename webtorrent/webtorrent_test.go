package webtorrent

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
)

func mustPeerID(b byte) bittorrent.PeerID {
	var id bittorrent.PeerID
	id[0] = b
	return id
}

func TestPeerUpdateSetsIsSeeder(t *testing.T) {
	p := NewPeer(mustPeerID(1))
	assert.Nil(t, p.IsSeeder)

	p.Update(10, 20, 0)
	require.NotNil(t, p.IsSeeder)
	assert.True(t, *p.IsSeeder)

	p.Update(10, 20, 5)
	require.NotNil(t, p.IsSeeder)
	assert.False(t, *p.IsSeeder)
}

func TestPeerOfferLifecycle(t *testing.T) {
	p := NewPeer(mustPeerID(2))
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0..."}

	p.SetOffer(offer, "offer-1")
	require.NotNil(t, p.Offer)
	assert.Equal(t, "offer-1", p.OfferID)

	p.ClearOffer()
	assert.Nil(t, p.Offer)
	assert.Empty(t, p.OfferID)
}

func TestPeerIsTimeout(t *testing.T) {
	p := NewPeer(mustPeerID(3))
	p.LastAnnounce = time.Now().Add(-time.Hour)
	assert.True(t, p.IsTimeout(time.Minute))
	assert.False(t, p.IsTimeout(2*time.Hour))
}

func TestSwarmAnnounceAndRemove(t *testing.T) {
	s := NewSwarm()
	id := mustPeerID(4)

	s.Announce(id, 0, 0, 100)
	assert.Equal(t, 1, s.Len())

	p, ok := s.Peer(id)
	require.True(t, ok)
	assert.Equal(t, uint64(100), p.Left)

	s.Remove(id)
	assert.Equal(t, 0, s.Len())
}

func TestSwarmSweepRemovesStalePeers(t *testing.T) {
	s := NewSwarm()
	fresh := mustPeerID(5)
	stale := mustPeerID(6)

	s.Announce(fresh, 0, 0, 1)
	s.Announce(stale, 0, 0, 1)
	if p, ok := s.Peer(stale); ok {
		p.LastAnnounce = time.Now().Add(-time.Hour)
	}

	removed := s.Sweep(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	_, ok := s.Peer(fresh)
	assert.True(t, ok)
}

func TestParseFrameRoundTrip(t *testing.T) {
	ih := bittorrent.InfoHash{1, 2, 3}
	pid := mustPeerID(7)

	f := &Frame{
		Action:     ActionAnnounce,
		InfoHash:   ih,
		PeerID:     pid,
		Uploaded:   1,
		Downloaded: 2,
		Left:       3,
	}
	raw, err := f.Encode()
	require.NoError(t, err)

	parsed, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionAnnounce, parsed.Action)
	assert.Equal(t, ih, parsed.InfoHash)
	assert.Equal(t, pid, parsed.PeerID)
	assert.Equal(t, uint64(3), parsed.Left)
}

func TestParseFrameRejectsUnknownAction(t *testing.T) {
	f := &Frame{Action: "bogus", InfoHash: bittorrent.InfoHash{1, 2, 3}, PeerID: mustPeerID(7)}
	raw, err := f.Encode()
	require.NoError(t, err)

	_, err = ParseFrame(raw)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseFrameRejectsBadPeerID(t *testing.T) {
	_, err := ParseFrame([]byte(`{"action":"announce","info_hash":"0102030000000000000000000000000000000000","peer_id":"not-hex"}`))
	assert.Error(t, err)
}

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestHubJoinReturnsOtherPeers(t *testing.T) {
	h := NewHub()
	ih := bittorrent.InfoHash{9}
	a, b := mustPeerID(1), mustPeerID(2)

	others := h.Join(ih, a, 0, 0, 1, &fakeSender{}, 10)
	assert.Empty(t, others)

	others = h.Join(ih, b, 0, 0, 1, &fakeSender{}, 10)
	require.Len(t, others, 1)
	assert.Equal(t, a, others[0])
}

func TestHubRelayDeliversToTarget(t *testing.T) {
	h := NewHub()
	ih := bittorrent.InfoHash{9}
	a, b := mustPeerID(1), mustPeerID(2)

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	h.Join(ih, a, 0, 0, 1, senderA, 10)
	h.Join(ih, b, 0, 0, 1, senderB, 10)

	frame := &Frame{
		Action:      ActionOffer,
		InfoHash:    ih,
		PeerID:      a,
		ToPeerIDHex: hexOf(b),
		Offer:       &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0..."},
		OfferID:     "offer-1",
	}
	h.Relay(frame)

	require.Len(t, senderB.sent, 1)
	require.Empty(t, senderA.sent)

	parsed, err := ParseFrame(senderB.sent[0])
	require.NoError(t, err)
	assert.Equal(t, a, parsed.PeerID)
	assert.Equal(t, "offer-1", parsed.OfferID)
}

func TestHubRelayDropsWhenTargetMissing(t *testing.T) {
	h := NewHub()
	ih := bittorrent.InfoHash{9}
	a := mustPeerID(1)
	h.Join(ih, a, 0, 0, 1, &fakeSender{}, 10)

	frame := &Frame{
		Action:      ActionOffer,
		InfoHash:    ih,
		PeerID:      a,
		ToPeerIDHex: hexOf(mustPeerID(99)),
		Offer:       &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0..."},
	}
	h.Relay(frame) // must not panic
}

func hexOf(id bittorrent.PeerID) string {
	f := &Frame{PeerID: id}
	f.PeerIDHex = ""
	_, _ = f.Encode()
	return f.PeerIDHex
}
