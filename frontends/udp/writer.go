package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/torrust/tracker/bittorrent"
)

// WriteError writes the failure reason as a null-terminated string.
func WriteError(w io.Writer, txID []byte, err error) {
	// If the client wasn't at fault, acknowledge it.
	if _, ok := err.(bittorrent.ClientError); !ok {
		err = fmt.Errorf("internal error occurred: %s", err.Error())
	}

	var buf bytes.Buffer
	writeHeader(&buf, txID, errorActionID)
	buf.WriteString(err.Error())
	buf.WriteRune('\000')
	w.Write(buf.Bytes())
}

// maxDatagramSize is the safe UDP payload size the announce response must
// fit under: 1,496 bytes, MTU minus IP/UDP headers, per spec §4.H.
const maxDatagramSize = 1496

// announceHeaderSize is the fixed portion of an announce response ahead of
// the peer list: action(4) + txID(4) + interval(4) + incomplete(4) +
// complete(4).
const announceHeaderSize = 20

// peerEncodedSize returns the wire size of one compact peer address for the
// given action: 4-byte IP + 2-byte port for IPv4, 16+2 for IPv6.
func peerEncodedSize(v6Action bool) int {
	if v6Action {
		return 18
	}
	return 6
}

// trimToDatagramSize truncates peers so the encoded response fits within
// maxDatagramSize, trimming the sample rather than erroring per spec §4.H.
func trimToDatagramSize(peers []bittorrent.Peer, txIDLen int, v6Action bool) []bittorrent.Peer {
	budget := maxDatagramSize - announceHeaderSize - (txIDLen - 4)
	maxPeers := budget / peerEncodedSize(v6Action)
	if maxPeers < 0 {
		maxPeers = 0
	}
	if len(peers) > maxPeers {
		return peers[:maxPeers]
	}
	return peers
}

// WriteAnnounce encodes an announce response according to BEP 15. v6Action
// selects the opentracker-style IPv6 action (4) and its 16-byte peer
// addresses; otherwise IPv4Peers are written as 4-byte addresses under the
// ordinary announce action (1). The peer sample is trimmed, never the
// response rejected, if it would otherwise push the datagram over the safe
// MTU bound.
func WriteAnnounce(w io.Writer, txID []byte, resp *bittorrent.AnnounceResponse, v6Action bool) {
	var buf bytes.Buffer

	action := announceActionID
	peers := resp.IPv4Peers
	if v6Action {
		action = announceV6ActionID
		peers = resp.IPv6Peers
	}
	peers = trimToDatagramSize(peers, len(txID), v6Action)

	writeHeader(&buf, txID, action)
	binary.Write(&buf, binary.BigEndian, uint32(resp.Interval/time.Second))
	binary.Write(&buf, binary.BigEndian, uint32(resp.Incomplete))
	binary.Write(&buf, binary.BigEndian, uint32(resp.Complete))

	for _, peer := range peers {
		ip := peer.IP.IP
		if v6Action {
			if v6 := ip.To16(); v6 != nil {
				ip = v6
			}
		} else if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		buf.Write(ip)
		binary.Write(&buf, binary.BigEndian, peer.Port)
	}

	w.Write(buf.Bytes())
}

// WriteScrape encodes a scrape response according to BEP 15. Replies are
// written positionally, one per entry of infohashes, in the same order the
// client sent them — resp.Files is keyed by info hash and carries no order
// of its own.
func WriteScrape(w io.Writer, txID []byte, infohashes []bittorrent.InfoHash, resp *bittorrent.ScrapeResponse) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, scrapeActionID)

	for _, ih := range infohashes {
		scrape := resp.Files[ih]
		binary.Write(&buf, binary.BigEndian, scrape.Complete)
		binary.Write(&buf, binary.BigEndian, scrape.Snatches)
		binary.Write(&buf, binary.BigEndian, scrape.Incomplete)
	}

	w.Write(buf.Bytes())
}

// WriteConnectionID encodes a new connection response according to BEP 15.
func WriteConnectionID(w io.Writer, txID, connID []byte) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, connectActionID)
	buf.Write(connID)

	w.Write(buf.Bytes())
}

// writeHeader writes the action and transaction ID to the provided response
// buffer.
func writeHeader(w io.Writer, txID []byte, action uint32) {
	binary.Write(w, binary.BigEndian, action)
	w.Write(txID)
}
