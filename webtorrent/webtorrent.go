// Package webtorrent implements the spec's third wire protocol (§1): a
// WebRTC-signalling frontend for browser-based WebTorrent clients. The
// tracker never joins the WebRTC session itself — it only relays SDP
// offer/answer frames between two peers over a websocket connection so
// they can negotiate a direct data channel — so this package carries no
// ICE/DTLS machinery, just the relay state the original source's
// WebTorrentPeer and RequestType tracked.
//
// Grounded on original_source/src/webtorrent/structs/webtorrent_peer.rs
// and webtorrent_server.rs; wired to pion/webrtc/v3's SessionDescription
// so offers/answers carry a real, typed SDP payload end to end instead of
// an unvalidated string, matching the teacher's use of typed wire structs
// everywhere else (bittorrent.AnnounceRequest, udp.Request, ...).
package webtorrent

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/torrust/tracker/bittorrent"
)

// Peer is one browser client currently signalling on a torrent's swarm,
// mirroring the original source's WebTorrentPeer (peer_id, peer_addr,
// uploaded/downloaded/left, the in-flight offer, first/last announce
// timestamps, and whether it last announced as a seeder).
type Peer struct {
	ID         bittorrent.PeerID
	Uploaded   uint64
	Downloaded uint64
	Left       uint64

	Offer   *webrtc.SessionDescription
	OfferID string

	FirstAnnounce time.Time
	LastAnnounce  time.Time
	IsSeeder      *bool
}

// NewPeer returns a Peer with left=MaxUint64 (unknown until the first
// Update), matching the original's WebTorrentPeer::new.
func NewPeer(id bittorrent.PeerID) *Peer {
	now := time.Now()
	return &Peer{
		ID:            id,
		Left:          ^uint64(0),
		FirstAnnounce: now,
		LastAnnounce:  now,
	}
}

// Update records a new announce's transfer counters and re-derives
// IsSeeder from left==0, matching WebTorrentPeer::update.
func (p *Peer) Update(uploaded, downloaded, left uint64) {
	p.Uploaded = uploaded
	p.Downloaded = downloaded
	p.Left = left
	p.LastAnnounce = time.Now()
	seeder := left == 0
	p.IsSeeder = &seeder
}

// SetOffer records an in-flight SDP offer awaiting relay to another peer,
// matching WebTorrentPeer::set_offer.
func (p *Peer) SetOffer(offer webrtc.SessionDescription, offerID string) {
	p.Offer = &offer
	p.OfferID = offerID
}

// ClearOffer drops a relayed or abandoned offer, matching
// WebTorrentPeer::clear_offer.
func (p *Peer) ClearOffer() {
	p.Offer = nil
	p.OfferID = ""
}

// IsTimeout reports whether this peer has gone silent for longer than
// timeout, matching WebTorrentPeer::is_timeout.
func (p *Peer) IsTimeout(timeout time.Duration) bool {
	return time.Since(p.LastAnnounce) > timeout
}

// SecondsSinceLastAnnounce matches WebTorrentPeer::seconds_since_last_announce.
func (p *Peer) SecondsSinceLastAnnounce() int64 {
	return int64(time.Since(p.LastAnnounce).Seconds())
}

// GenerateOfferID matches WebTorrentPeer::generate_offer_id: a
// unix-timestamp-and-peer-id-prefix identifier unique enough to pair an
// offer with the answer relayed back for it.
func (p *Peer) GenerateOfferID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), hex.EncodeToString(p.ID[:1]))
}

// Swarm is the set of WebTorrent peers currently signalling on one
// info hash, analogous to a storage.TorrentEntry but for signalling state
// rather than transfer state — peers here are not counted toward
// stats.Seeds/Peers, since a WebRTC signalling peer may never actually
// transfer anything through the tracker.
type Swarm struct {
	mu    sync.Mutex
	peers map[bittorrent.PeerID]*Peer
}

// NewSwarm returns an empty signalling swarm.
func NewSwarm() *Swarm {
	return &Swarm{peers: make(map[bittorrent.PeerID]*Peer)}
}

// Announce registers or updates a peer's transfer counters, creating it on
// first contact.
func (s *Swarm) Announce(id bittorrent.PeerID, uploaded, downloaded, left uint64) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		p = NewPeer(id)
		s.peers[id] = p
	}
	p.Update(uploaded, downloaded, left)
	return p
}

// Remove drops a peer that announced "stopped" or timed out.
func (s *Swarm) Remove(id bittorrent.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// Peer returns the named peer, if signalling.
func (s *Swarm) Peer(id bittorrent.PeerID) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// Sweep removes peers silent for longer than timeout, in the same idiom as
// storage.Store.SweepTimeouts (§4.G), just over signalling state instead
// of transfer state.
func (s *Swarm) Sweep(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.peers {
		if p.IsTimeout(timeout) {
			delete(s.peers, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of peers currently signalling.
func (s *Swarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
