// Package udp implements a BitTorrent tracker via the UDP protocol as
// described in BEP 15.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/frontend"
	"github.com/torrust/tracker/frontends/udp/bytepool"
	"github.com/torrust/tracker/pkg/log"
	"github.com/torrust/tracker/pkg/stop"
	"github.com/torrust/tracker/pkg/timecache"
	"github.com/torrust/tracker/stats"
)

var allowedGeneratedPrivateKeyRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")

// Default worker pool sizes. A UDP datagram's worth of work is cheap, so a
// handful of workers is plenty; the queues exist to absorb bursts, not to
// buffer sustained overload, which is instead shed via the drop counters.
const (
	defaultParseWorkers      = 8
	defaultParseQueueSize    = 512
	defaultResponseWorkers   = 4
	defaultResponseQueueSize = 512
)

// Config represents all of the configurable options for a UDP BitTorrent
// Tracker.
type Config struct {
	Addr                string        `yaml:"addr"`
	PrivateKey          string        `yaml:"private_key"`
	MaxClockSkew        time.Duration `yaml:"max_clock_skew"`
	EnableRequestTiming bool          `yaml:"enable_request_timing"`
	ParseWorkers        int           `yaml:"parse_workers"`
	ParseQueueSize      int           `yaml:"parse_queue_size"`
	ResponseWorkers     int           `yaml:"response_workers"`
	ResponseQueueSize   int           `yaml:"response_queue_size"`
	ParseOptions        `yaml:",inline"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":                cfg.Addr,
		"privateKey":          cfg.PrivateKey,
		"maxClockSkew":        cfg.MaxClockSkew,
		"enableRequestTiming": cfg.EnableRequestTiming,
		"parseWorkers":        cfg.ParseWorkers,
		"parseQueueSize":      cfg.ParseQueueSize,
		"responseWorkers":     cfg.ResponseWorkers,
		"responseQueueSize":   cfg.ResponseQueueSize,
		"allowIPSpoofing":     cfg.AllowIPSpoofing,
		"maxNumWant":          cfg.MaxNumWant,
		"defaultNumWant":      cfg.DefaultNumWant,
		"maxScrapeInfoHashes": cfg.MaxScrapeInfoHashes,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	// Generate a private key if one isn't provided by the user.
	if cfg.PrivateKey == "" {
		rand.Seed(time.Now().UnixNano())
		pkeyRunes := make([]rune, 64)
		for i := range pkeyRunes {
			pkeyRunes[i] = allowedGeneratedPrivateKeyRunes[rand.Intn(len(allowedGeneratedPrivateKeyRunes))]
		}
		validcfg.PrivateKey = string(pkeyRunes)

		log.Warn("UDP private key was not provided, using generated key", log.Fields{"key": validcfg.PrivateKey})
	}

	if cfg.MaxNumWant <= 0 {
		validcfg.MaxNumWant = defaultMaxNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.MaxNumWant",
			"provided": cfg.MaxNumWant,
			"default":  validcfg.MaxNumWant,
		})
	}

	if cfg.DefaultNumWant <= 0 {
		validcfg.DefaultNumWant = defaultDefaultNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.DefaultNumWant",
			"provided": cfg.DefaultNumWant,
			"default":  validcfg.DefaultNumWant,
		})
	}

	if cfg.MaxScrapeInfoHashes <= 0 {
		validcfg.MaxScrapeInfoHashes = defaultMaxScrapeInfoHashes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.MaxScrapeInfoHashes",
			"provided": cfg.MaxScrapeInfoHashes,
			"default":  validcfg.MaxScrapeInfoHashes,
		})
	}

	if cfg.ParseWorkers <= 0 {
		validcfg.ParseWorkers = defaultParseWorkers
	}
	if cfg.ParseQueueSize <= 0 {
		validcfg.ParseQueueSize = defaultParseQueueSize
	}
	if cfg.ResponseWorkers <= 0 {
		validcfg.ResponseWorkers = defaultResponseWorkers
	}
	if cfg.ResponseQueueSize <= 0 {
		validcfg.ResponseQueueSize = defaultResponseQueueSize
	}

	return validcfg
}

// packetJob is a received datagram awaiting a parse worker.
type packetJob struct {
	buf  *[]byte
	n    int
	addr *net.UDPAddr
}

// responseJob is an encoded response awaiting a write worker.
type responseJob struct {
	addr    *net.UDPAddr
	payload []byte
}

// Frontend holds the state of a UDP BitTorrent Frontend.
type Frontend struct {
	socket    *net.UDPConn
	closing   chan struct{}
	serveDone chan struct{}
	parseWG   sync.WaitGroup
	respWG    sync.WaitGroup

	genPool *sync.Pool
	bufPool *bytepool.BytePool

	recvQueue     chan packetJob
	responseQueue chan responseJob

	logic frontend.TrackerLogic
	st    *stats.Stats
	Config
}

// NewFrontend creates a new instance of an UDP Frontend that asynchronously
// serves requests. st may be nil, in which case dropped-packet and
// dropped-response counters are simply not recorded.
func NewFrontend(logic frontend.TrackerLogic, st *stats.Stats, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	f := &Frontend{
		closing:       make(chan struct{}),
		serveDone:     make(chan struct{}),
		logic:         logic,
		st:            st,
		Config:        cfg,
		recvQueue:     make(chan packetJob, cfg.ParseQueueSize),
		responseQueue: make(chan responseJob, cfg.ResponseQueueSize),
		bufPool:       bytepool.New(2048),
		genPool: &sync.Pool{
			New: func() interface{} {
				return NewConnectionIDGenerator(cfg.PrivateKey)
			},
		},
	}

	err := f.listen()
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.ParseWorkers; i++ {
		f.parseWG.Add(1)
		go f.runParseWorker()
	}
	for i := 0; i < cfg.ResponseWorkers; i++ {
		f.respWG.Add(1)
		go f.runResponseWorker()
	}

	go func() {
		defer close(f.serveDone)
		if err := f.serve(); err != nil {
			log.Fatal("failed while serving udp", log.Err(err))
		}
	}()

	return f, nil
}

// Stop implements stop.Stopper. Shutdown happens in strict stages so no
// stage ever sends on a channel a later stage has already closed: the
// socket read loop stops first, then the parse workers it feeds drain and
// exit, then the response workers they feed drain and exit, then the
// socket itself closes.
func (t *Frontend) Stop() <-chan error {
	c := make(chan error)
	go func() {
		close(t.closing)
		_ = t.socket.SetReadDeadline(time.Now())
		<-t.serveDone

		close(t.recvQueue)
		t.parseWG.Wait()

		close(t.responseQueue)
		t.respWG.Wait()

		if err := t.socket.Close(); err != nil {
			c <- err
			return
		}
		close(c)
	}()
	return c
}

var _ stop.Stopper = (*Frontend)(nil)

// listen resolves the address and binds the server socket.
func (t *Frontend) listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.Addr)
	if err != nil {
		return err
	}
	t.socket, err = net.ListenUDP("udp", udpAddr)
	return err
}

// serve blocks while reading UDP datagrams and handing them to the bounded
// parse queue until Stop() is called or a non-temporary error is returned.
// A queue at capacity sheds the oldest buffered packet rather than blocking
// the read loop, so one slow burst never starves the whole listener.
func (t *Frontend) serve() error {
	for {
		select {
		case <-t.closing:
			log.Debug("udp serve() received shutdown signal")
			return nil
		default:
		}

		buffer := t.bufPool.Get()
		n, addr, err := t.socket.ReadFromUDP(*buffer)
		if err != nil {
			t.bufPool.Put(buffer)
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				continue
			}
			select {
			case <-t.closing:
				return nil
			default:
				return err
			}
		}

		if n == 0 {
			t.bufPool.Put(buffer)
			continue
		}

		t.enqueuePacket(packetJob{buf: buffer, n: n, addr: addr})
	}
}

// enqueuePacket hands a received datagram to the parse queue, dropping the
// oldest queued packet to make room if it's already full rather than
// blocking the socket read loop.
func (t *Frontend) enqueuePacket(job packetJob) {
	select {
	case t.recvQueue <- job:
	default:
		select {
		case dropped := <-t.recvQueue:
			t.bufPool.Put(dropped.buf)
			t.recordDrop(stats.PacketDropped)
		default:
		}
		select {
		case t.recvQueue <- job:
		default:
			t.bufPool.Put(job.buf)
			t.recordDrop(stats.PacketDropped)
		}
	}
}

func (t *Frontend) recordDrop(kind stats.EventKind) {
	if t.st != nil {
		t.st.RecordEvent(kind)
	}
}

// runParseWorker drains the receive queue, parses and handles each request,
// and forwards any encoded response to the response queue.
func (t *Frontend) runParseWorker() {
	defer t.parseWG.Done()
	for job := range t.recvQueue {
		t.handlePacket(job)
	}
}

func (t *Frontend) handlePacket(job packetJob) {
	defer t.bufPool.Put(job.buf)

	addr := job.addr
	if ip := addr.IP.To4(); ip != nil {
		addr.IP = ip
	}

	var start time.Time
	if t.EnableRequestTiming {
		start = time.Now()
	}

	var buf bytes.Buffer
	action, af, err := t.handleRequest(
		Request{Packet: (*job.buf)[:job.n], IP: append(net.IP{}, addr.IP...)},
		&buf,
	)

	if t.EnableRequestTiming {
		recordResponseDuration(action, af, err, time.Since(start))
	} else {
		recordResponseDuration(action, af, err, 0)
	}

	if buf.Len() > 0 {
		t.enqueueResponse(responseJob{addr: addr, payload: buf.Bytes()})
	}
}

func (t *Frontend) enqueueResponse(job responseJob) {
	select {
	case t.responseQueue <- job:
	default:
		t.recordDrop(stats.QueueFull)
	}
}

// runResponseWorker drains the response queue and writes each payload to the
// socket.
func (t *Frontend) runResponseWorker() {
	defer t.respWG.Done()
	for job := range t.responseQueue {
		_, _ = t.socket.WriteToUDP(job.payload, job.addr)
	}
}

// Request represents a UDP payload received by a Tracker.
type Request struct {
	Packet []byte
	IP     net.IP
}

// handleRequest parses and responds to a UDP Request, writing its response
// (if any) to w.
func (t *Frontend) handleRequest(r Request, w *bytes.Buffer) (actionName string, af *bittorrent.AddressFamily, err error) {
	if len(r.Packet) < 16 {
		// Malformed, no client packets are less than 16 bytes.
		// We explicitly return nothing in case this is a DoS amplification attempt.
		err = errMalformedPacket
		return
	}

	connID := r.Packet[0:8]
	actionID := binary.BigEndian.Uint32(r.Packet[8:12])
	txID := r.Packet[12:16]

	gen := t.genPool.Get().(*ConnectionIDGenerator)
	defer t.genPool.Put(gen)

	if actionID != connectActionID && !gen.Validate(connID, r.IP, timecache.Now(), t.MaxClockSkew) {
		err = errBadConnectionID
		WriteError(w, txID, err)
		return
	}

	switch actionID {
	case connectActionID:
		actionName = "connect"

		if !bytes.Equal(connID, initialConnectionID) {
			err = errMalformedPacket
			return
		}

		af = new(bittorrent.AddressFamily)
		if r.IP.To4() != nil {
			*af = bittorrent.IPv4
		} else if len(r.IP) == net.IPv6len {
			*af = bittorrent.IPv6
		} else {
			panic(fmt.Sprintf("udp: invalid IP: neither v4 nor v6, IP: %#v", r.IP))
		}

		WriteConnectionID(w, txID, gen.Generate(r.IP, timecache.Now()))

	case announceActionID, announceV6ActionID:
		actionName = "announce"
		v6 := actionID == announceV6ActionID

		var req *bittorrent.AnnounceRequest
		req, err = ParseAnnounce(r, v6, t.ParseOptions)
		if err != nil {
			WriteError(w, txID, err)
			return
		}
		af = new(bittorrent.AddressFamily)
		*af = req.Peer.IP.AddressFamily

		var resp *bittorrent.AnnounceResponse
		resp, err = t.logic.HandleAnnounce(context.Background(), req)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteAnnounce(w, txID, resp, v6)

		t.logic.AfterAnnounce(context.Background(), req, resp)

	case scrapeActionID:
		actionName = "scrape"

		var req *bittorrent.ScrapeRequest
		req, err = ParseScrape(r, t.ParseOptions)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		if r.IP.To4() != nil {
			req.AddressFamily = bittorrent.IPv4
		} else if len(r.IP) == net.IPv6len {
			req.AddressFamily = bittorrent.IPv6
		} else {
			panic(fmt.Sprintf("udp: invalid IP: neither v4 nor v6, IP: %#v", r.IP))
		}
		af = new(bittorrent.AddressFamily)
		*af = req.AddressFamily

		var resp *bittorrent.ScrapeResponse
		resp, err = t.logic.HandleScrape(context.Background(), req)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteScrape(w, txID, req.InfoHashes, resp)

		t.logic.AfterScrape(context.Background(), req, resp)

	default:
		err = errUnknownAction
		WriteError(w, txID, err)
	}

	return
}
