package webtorrent

import (
	"sync"

	gorilla "github.com/gorilla/websocket"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/pkg/log"
	"github.com/torrust/tracker/webtorrent"
)

// connection is one client's websocket socket: it implements
// webtorrent.Sender so the Hub can push relayed offer/answer frames back
// without knowing anything about gorilla/websocket, and it owns the
// client's set of joined info hashes so Stop/disconnect can leave every
// swarm the client was signalling on.
type connection struct {
	front *Frontend
	conn  *gorilla.Conn

	mu     sync.Mutex
	joined map[bittorrent.InfoHash]bittorrent.PeerID
}

var _ webtorrent.Sender = (*connection)(nil)

func newConnection(front *Frontend, conn *gorilla.Conn) *connection {
	return &connection{
		front:  front,
		conn:   conn,
		joined: make(map[bittorrent.InfoHash]bittorrent.PeerID),
	}
}

// Send implements webtorrent.Sender by writing one text frame.
func (c *connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(gorilla.TextMessage, frame)
}

func (c *connection) run() {
	defer c.close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := webtorrent.ParseFrame(raw)
		if err != nil {
			log.Debug("webtorrent: dropping malformed frame", log.Fields{"err": err.Error()})
			continue
		}

		c.dispatch(frame)
	}
}

func (c *connection) dispatch(frame *webtorrent.Frame) {
	switch frame.Action {
	case webtorrent.ActionAnnounce:
		others := c.front.hub.Join(frame.InfoHash, frame.PeerID, frame.Uploaded, frame.Downloaded, frame.Left, c, c.front.cfg.NumWant)
		c.mu.Lock()
		c.joined[frame.InfoHash] = frame.PeerID
		c.mu.Unlock()

		resp := &webtorrent.Frame{
			Action:   webtorrent.ActionAnnounce,
			InfoHash: frame.InfoHash,
			PeerID:   frame.PeerID,
		}
		if raw, err := resp.Encode(); err == nil {
			_ = c.Send(raw)
		}
		_ = others // the full compact peer-list shape belongs to the HTTP/UDP
		// bencoded response; here only the relay addressing matters, since a
		// WebTorrent client negotiates directly with the other peer ids via
		// offer/answer frames rather than a peer-address list.

	case webtorrent.ActionOffer, webtorrent.ActionAnswer:
		c.front.hub.Relay(frame)

	default:
		log.Debug("webtorrent: unhandled action", log.Fields{"action": string(frame.Action)})
	}
}

func (c *connection) close() {
	c.mu.Lock()
	joined := make(map[bittorrent.InfoHash]bittorrent.PeerID, len(c.joined))
	for ih, id := range c.joined {
		joined[ih] = id
	}
	c.mu.Unlock()

	for ih, id := range joined {
		c.front.hub.Leave(ih, id)
	}
	_ = c.conn.Close()
}
