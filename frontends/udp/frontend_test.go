package udp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/engine"
	"github.com/torrust/tracker/frontends/udp/bytepool"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

func newTestLogic() *engine.Logic {
	return engine.New(engine.Config{AnnounceInterval: time.Minute}, storage.New(), policy.New(policy.Config{}), stats.New(), journal.New())
}

func TestStartStop(t *testing.T) {
	fe, err := NewFrontend(newTestLogic(), stats.New(), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	select {
	case err := <-fe.Stop():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop never signaled completion")
	}
}

func TestHandleRequestRejectsShortPacket(t *testing.T) {
	fe, err := NewFrontend(newTestLogic(), stats.New(), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { <-fe.Stop() }()

	var buf bytes.Buffer
	_, _, err = fe.handleRequest(Request{Packet: []byte{1, 2, 3}, IP: net.ParseIP("127.0.0.1")}, &buf)
	require.Equal(t, errMalformedPacket, err)
}

func TestHandleRequestRejectsBadConnectionID(t *testing.T) {
	fe, err := NewFrontend(newTestLogic(), stats.New(), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { <-fe.Stop() }()

	packet := make([]byte, 16)
	packet[11] = byte(announceActionID)

	var buf bytes.Buffer
	_, _, err = fe.handleRequest(Request{Packet: packet, IP: net.ParseIP("127.0.0.1")}, &buf)
	require.Equal(t, errBadConnectionID, err)
}

func TestHandleRequestConnect(t *testing.T) {
	fe, err := NewFrontend(newTestLogic(), stats.New(), Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { <-fe.Stop() }()

	packet := make([]byte, 16)
	copy(packet[0:8], initialConnectionID)
	copy(packet[12:16], []byte{1, 2, 3, 4})

	var buf bytes.Buffer
	action, af, err := fe.handleRequest(Request{Packet: packet, IP: net.ParseIP("127.0.0.1")}, &buf)
	require.NoError(t, err)
	require.Equal(t, "connect", action)
	require.Equal(t, bittorrent.IPv4, *af)
	require.Positive(t, buf.Len())
}

func TestEnqueuePacketDropsOldestWhenFull(t *testing.T) {
	st := stats.New()
	fe := &Frontend{st: st, bufPool: bytepool.New(2048), recvQueue: make(chan packetJob, 1)}

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}
	fe.enqueuePacket(packetJob{buf: fe.bufPool.Get(), n: 16, addr: addr})
	fe.enqueuePacket(packetJob{buf: fe.bufPool.Get(), n: 16, addr: addr})

	require.Len(t, fe.recvQueue, 1)
	require.Equal(t, uint64(1), st.Snapshot().PacketsDropped)
}

func TestEnqueueResponseCountsQueueFullWhenSaturated(t *testing.T) {
	st := stats.New()
	fe := &Frontend{st: st, responseQueue: make(chan responseJob, 1)}

	fe.enqueueResponse(responseJob{})
	fe.enqueueResponse(responseJob{})

	require.Equal(t, uint64(1), st.Snapshot().QueueFull)
}
