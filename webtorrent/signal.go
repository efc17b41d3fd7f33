package webtorrent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/torrust/tracker/bittorrent"
)

// Action names the WebTorrent signalling frame kinds relayed over a
// client's websocket connection, matching the offer/answer/announce frame
// names used by original_source/src/webtorrent (wt_offer, wt_answer,
// wt_announce).
type Action string

const (
	ActionAnnounce Action = "announce"
	ActionOffer    Action = "offer"
	ActionAnswer   Action = "answer"
)

// ErrUnknownAction is returned by ParseFrame for any Action this package
// does not relay.
var ErrUnknownAction = fmt.Errorf("webtorrent: unknown action")

// Frame is the wire envelope for one signalling message, matching the
// WebTorrent tracker protocol's flat JSON object: info_hash/peer_id
// identify the sender's swarm membership; to_peer_id, offer, answer and
// offer_id are only present for the action they apply to.
type Frame struct {
	Action   Action              `json:"action"`
	InfoHash bittorrent.InfoHash `json:"info_hash"`

	PeerID    bittorrent.PeerID `json:"-"`
	PeerIDHex string            `json:"peer_id"`

	Uploaded   uint64 `json:"uploaded,omitempty"`
	Downloaded uint64 `json:"downloaded,omitempty"`
	Left       uint64 `json:"left,omitempty"`

	ToPeerIDHex string                     `json:"to_peer_id,omitempty"`
	Offer       *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer      *webrtc.SessionDescription `json:"answer,omitempty"`
	OfferID     string                     `json:"offer_id,omitempty"`
}

func decodePeerID(hexStr string) (bittorrent.PeerID, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return bittorrent.PeerID{}, fmt.Errorf("webtorrent: peer_id: %w", err)
	}
	if len(raw) != 20 {
		return bittorrent.PeerID{}, fmt.Errorf("webtorrent: peer_id must be 40 hex characters, got %d", len(hexStr))
	}
	return bittorrent.PeerIDFromBytes(raw), nil
}

// ParseFrame decodes a raw websocket text message into a Frame, resolving
// the hex-encoded peer id field into its byte-array form the way
// bittorrent.Params does for the other two wire protocols. InfoHash
// decodes via bittorrent.InfoHash's own UnmarshalText.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	switch f.Action {
	case ActionAnnounce, ActionOffer, ActionAnswer:
	default:
		return nil, ErrUnknownAction
	}

	pid, err := decodePeerID(f.PeerIDHex)
	if err != nil {
		return nil, err
	}
	f.PeerID = pid

	return &f, nil
}

// Encode re-serializes a Frame for relay to its recipient, filling the hex
// peer id field back in from its byte-array form.
func (f *Frame) Encode() ([]byte, error) {
	f.PeerIDHex = hex.EncodeToString(f.PeerID[:])
	return json.Marshal(f)
}
