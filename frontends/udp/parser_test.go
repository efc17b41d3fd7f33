package udp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/torrust/tracker/bittorrent"
)

var table = []struct {
	data   []byte
	values map[string]string
	err    error
}{
	{
		[]byte{0x2, 0x5, '/', '?', 'a', '=', 'b'},
		map[string]string{"a": "b"},
		nil,
	},
	{
		[]byte{0x2, 0x0},
		map[string]string{},
		nil,
	},
	{
		[]byte{0x2, 0x1},
		nil,
		errMalformedPacket,
	},
	{
		[]byte{0x2},
		nil,
		errMalformedPacket,
	},
	{
		[]byte{0x2, 0x8, '/', 'c', '/', 'd', '?', 'a', '=', 'b'},
		map[string]string{"a": "b"},
		nil,
	},
	{
		[]byte{0x2, 0x2, '/', '?', 0x2, 0x3, 'a', '=', 'b'},
		map[string]string{"a": "b"},
		nil,
	},
	{
		[]byte{0x2, 0x9, '/', '?', 'a', '=', 'b', '%', '2', '0', 'c'},
		map[string]string{"a": "b c"},
		nil,
	},
}

func TestHandleOptionalParameters(t *testing.T) {
	for _, testCase := range table {
		params, err := handleOptionalParameters(testCase.data)
		if err != testCase.err {
			if testCase.err == nil {
				t.Fatalf("expected no parsing error for %x but got %s", testCase.data, err)
			} else {
				t.Fatalf("expected parsing error for %x", testCase.data)
			}
		}
		if testCase.values != nil {
			if params == nil {
				t.Fatalf("expected values %v for %x", testCase.values, testCase.data)
			} else {
				for key, want := range testCase.values {
					if got, ok := params.String(key); !ok {
						t.Fatalf("params missing entry %s for data %x", key, testCase.data)
					} else if got != want {
						t.Fatalf("expected param %s=%s, but was %s for data %x", key, want, got, testCase.data)
					}
				}
			}
		}
	}
}

func buildAnnouncePacket(v6 bool, infohash, peerID [20]byte, eventID byte, ip net.IP, port uint16) []byte {
	ipLen := net.IPv4len
	if v6 {
		ipLen = net.IPv6len
	}

	packet := make([]byte, 84+ipLen+10)
	binary.BigEndian.PutUint64(packet[0:8], 0x41727101980)
	binary.BigEndian.PutUint32(packet[8:12], 1)
	copy(packet[16:36], infohash[:])
	copy(packet[36:56], peerID[:])
	packet[83] = eventID
	copy(packet[84:84+ipLen], ip)
	binary.BigEndian.PutUint32(packet[84+ipLen+4:84+ipLen+8], 0)
	binary.BigEndian.PutUint16(packet[84+ipLen+8:84+ipLen+10], port)

	return packet
}

func TestParseAnnounceSetsIPv4AddressFamily(t *testing.T) {
	var ih, pid [20]byte
	packet := buildAnnouncePacket(false, ih, pid, 2, net.ParseIP("203.0.113.5").To4(), 6881)

	req, err := ParseAnnounce(Request{Packet: packet, IP: net.ParseIP("203.0.113.5")}, false, ParseOptions{
		MaxNumWant: defaultMaxNumWant, DefaultNumWant: defaultDefaultNumWant,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if req.Peer.IP.AddressFamily != bittorrent.IPv4 {
		t.Fatalf("expected IPv4, got %s", req.Peer.IP.AddressFamily)
	}
	if req.Event != bittorrent.Started {
		t.Fatalf("expected Started event, got %s", req.Event)
	}
}

func TestParseAnnounceV6SetsIPv6AddressFamily(t *testing.T) {
	var ih, pid [20]byte
	ip := net.ParseIP("2001:db8::1")
	packet := buildAnnouncePacket(true, ih, pid, 0, ip, 6881)

	req, err := ParseAnnounce(Request{Packet: packet, IP: ip}, true, ParseOptions{
		MaxNumWant: defaultMaxNumWant, DefaultNumWant: defaultDefaultNumWant,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if req.Peer.IP.AddressFamily != bittorrent.IPv6 {
		t.Fatalf("expected IPv6, got %s", req.Peer.IP.AddressFamily)
	}
}

func TestParseScrapeTruncatesToHardCap(t *testing.T) {
	packet := make([]byte, 16+20*(hardMaxScrapeInfoHashes+10))
	for i := 0; i < hardMaxScrapeInfoHashes+10; i++ {
		packet[16+i*20] = byte(i)
	}

	req, err := ParseScrape(Request{Packet: packet}, ParseOptions{MaxScrapeInfoHashes: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(req.InfoHashes) != hardMaxScrapeInfoHashes {
		t.Fatalf("expected %d info hashes, got %d", hardMaxScrapeInfoHashes, len(req.InfoHashes))
	}
}

func TestParseScrapeHonorsLowerConfiguredCap(t *testing.T) {
	packet := make([]byte, 16+20*10)
	for i := 0; i < 10; i++ {
		packet[16+i*20] = byte(i)
	}

	req, err := ParseScrape(Request{Packet: packet}, ParseOptions{MaxScrapeInfoHashes: 3})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(req.InfoHashes) != 3 {
		t.Fatalf("expected 3 info hashes, got %d", len(req.InfoHashes))
	}
}
