package webtorrent

import (
	"sync"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/pkg/log"
)

// Sender delivers an already-encoded frame to one connected client. A
// concrete implementation wraps one *websocket.Conn per connected peer;
// kept as an interface here so this package never imports gorilla/websocket
// directly and stays testable without a real socket.
type Sender interface {
	Send(frame []byte) error
}

// Hub dispatches WebTorrent signalling frames: it tracks which Sender
// serves which peer id per swarm, and relays offer/answer frames between
// them the way original_source/src/webtorrent's wt_message dispatch does
// (announce joins/updates the swarm and returns a peer sample; offer/
// answer are relayed verbatim to the named to_peer_id).
type Hub struct {
	mu      sync.Mutex
	swarms  map[bittorrent.InfoHash]*Swarm
	senders map[bittorrent.InfoHash]map[bittorrent.PeerID]Sender
}

// NewHub returns an empty signalling hub.
func NewHub() *Hub {
	return &Hub{
		swarms:  make(map[bittorrent.InfoHash]*Swarm),
		senders: make(map[bittorrent.InfoHash]map[bittorrent.PeerID]Sender),
	}
}

func (h *Hub) swarm(ih bittorrent.InfoHash) *Swarm {
	s, ok := h.swarms[ih]
	if !ok {
		s = NewSwarm()
		h.swarms[ih] = s
	}
	return s
}

// Join registers sender as the way to reach peerID within infoHash's
// swarm, and records the peer's announce in the swarm's transfer state.
// numPeers bounds how many existing peers are reported back, mirroring
// bittorrent.AnnounceRequest.NumWant.
func (h *Hub) Join(infoHash bittorrent.InfoHash, peerID bittorrent.PeerID, uploaded, downloaded, left uint64, sender Sender, numPeers int) []bittorrent.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.swarm(infoHash).Announce(peerID, uploaded, downloaded, left)
	byPeer, ok := h.senders[infoHash]
	if !ok {
		byPeer = make(map[bittorrent.PeerID]Sender)
		h.senders[infoHash] = byPeer
	}
	byPeer[peerID] = sender

	others := make([]bittorrent.PeerID, 0, numPeers)
	for id := range byPeer {
		if id == peerID {
			continue
		}
		others = append(others, id)
		if len(others) >= numPeers {
			break
		}
	}
	return others
}

// Leave removes a peer from a swarm's signalling state and sender table,
// on a "stopped" announce, a closed socket, or a sweep timeout.
func (h *Hub) Leave(infoHash bittorrent.InfoHash, peerID bittorrent.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.swarms[infoHash]; ok {
		s.Remove(peerID)
	}
	if byPeer, ok := h.senders[infoHash]; ok {
		delete(byPeer, peerID)
	}
}

// Relay forwards an offer or answer Frame to its to_peer_id within the
// frame's own info hash, dropping it silently with a debug log if that
// peer is no longer connected — matching the spec's capacity-error
// handling elsewhere ("client will retry"), since an offer that can't be
// delivered simply expires on the sender's side.
func (h *Hub) Relay(frame *Frame) {
	h.mu.Lock()
	var to Sender
	if byPeer, ok := h.senders[frame.InfoHash]; ok {
		to = byPeer[mustDecodePeerID(frame.ToPeerIDHex)]
	}
	h.mu.Unlock()

	if to == nil {
		log.Debug("webtorrent: relay target not connected", log.Fields{
			"info_hash":  frame.InfoHash.String(),
			"to_peer_id": frame.ToPeerIDHex,
			"action":     string(frame.Action),
		})
		return
	}

	encoded, err := frame.Encode()
	if err != nil {
		log.Warn("webtorrent: failed to encode relay frame", log.Fields{"err": err.Error()})
		return
	}
	if err := to.Send(encoded); err != nil {
		log.Debug("webtorrent: failed to deliver relay frame", log.Fields{"err": err.Error()})
	}
}

func mustDecodePeerID(hexStr string) bittorrent.PeerID {
	id, err := decodePeerID(hexStr)
	if err != nil {
		return bittorrent.PeerID{}
	}
	return id
}
