// Package cluster implements the spec's supplemented cluster mode feature
// (original source src/config/enums/cluster_mode.rs and
// src/websocket/enums/request_type.rs): a standalone node needs no
// forwarder at all, a slave proxies announce/scrape it cannot answer
// locally to its master over a persistent websocket connection, and a
// master answers those forwarded requests by running them through its own
// local announce/scrape Logic. Wiring is grounded on the teacher's storage/redis dial-pool
// pattern (a long-lived connection rebuilt on failure) generalized from a
// redis.Pool to a single reconnecting gorilla/websocket connection, since
// a cluster has exactly one master per slave rather than a pool of peers.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torrust/tracker/adapters"
	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/frontend"
	"github.com/torrust/tracker/pkg/log"
)

// Mode selects a node's role in the cluster, mirroring the original
// source's ClusterMode enum.
type Mode string

const (
	// Standalone disables cluster forwarding entirely.
	Standalone Mode = "standalone"
	// Master answers requests forwarded to it by slave nodes.
	Master Mode = "master"
	// Slave forwards requests it cannot answer locally to a master.
	Slave Mode = "slave"
)

// RequestType labels a forwarded request the way the original source's
// websocket RequestType enum does, so a master's handler can dispatch on
// it without inspecting the payload first.
type RequestType string

const (
	RequestAnnounce RequestType = "announce"
	RequestScrape   RequestType = "scrape"
)

// request is the envelope sent over the websocket connection for one
// forwarded call.
type request struct {
	RequestID uint64          `json:"request_id"`
	Type      RequestType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// response is the envelope the master answers with, matching the shape of
// the original source's ClusterResponse.
type response struct {
	RequestID    uint64          `json:"request_id"`
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Config configures a cluster forwarder or listener.
type Config struct {
	Mode Mode `yaml:"mode"`
	// MasterAddr is the slave's dial target; ListenAddr is the master's
	// listen address. Only the one matching the configured Mode is used.
	MasterAddr     string        `yaml:"master_addr"`
	ListenAddr     string        `yaml:"listen_addr"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// pending is a request awaiting its response from the master.
type pending struct {
	resp chan response
}

// Forwarder is a gorilla/websocket-backed adapters.ClusterForwarder. A
// Standalone-mode Forwarder is never constructed; New returns nil for it
// so callers can treat a nil *Forwarder as "forward nothing, answer
// everything locally".
type Forwarder struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	waiting map[uint64]pending

	closed int32
}

var _ adapters.ClusterForwarder = (*Forwarder)(nil)

// New dials the configured master and starts the forwarder's read loop.
// It returns nil, nil for Standalone mode and nil, nil for Master mode
// (a master never forwards; it is the thing forwarded to, wired in
// separately via Serve).
func New(cfg Config) (*Forwarder, error) {
	cfg = cfg.withDefaults()
	if cfg.Mode != Slave {
		return nil, nil
	}

	f := &Forwarder{
		cfg:     cfg,
		waiting: make(map[uint64]pending),
	}
	if err := f.dial(); err != nil {
		return nil, err
	}
	go f.readLoop()
	return f, nil
}

func (f *Forwarder) dial() error {
	dialer := &websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
	conn, _, err := dialer.Dial(f.cfg.MasterAddr, nil)
	if err != nil {
		return fmt.Errorf("cluster: dial master %s: %w", f.cfg.MasterAddr, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

// readLoop demultiplexes responses from the master connection back to
// their waiting caller by request_id, reconnecting on a read error the
// way the teacher's redis pool dial func is reused after a bad borrow.
func (f *Forwarder) readLoop() {
	for atomic.LoadInt32(&f.closed) == 0 {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			log.Warn("cluster: master connection lost, reconnecting", log.Fields{"err": err.Error()})
			time.Sleep(time.Second)
			if dialErr := f.dial(); dialErr != nil {
				log.Warn("cluster: reconnect to master failed", log.Fields{"err": dialErr.Error()})
			}
			continue
		}

		f.mu.Lock()
		p, ok := f.waiting[resp.RequestID]
		if ok {
			delete(f.waiting, resp.RequestID)
		}
		f.mu.Unlock()
		if ok {
			p.resp <- resp
		}
	}
}

func (f *Forwarder) call(ctx context.Context, typ RequestType, payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	ch := make(chan response, 1)
	f.waiting[id] = pending{resp: ch}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("cluster: no connection to master")
	}
	if err := conn.WriteJSON(request{RequestID: id, Type: typ, Payload: raw}); err != nil {
		return nil, fmt.Errorf("cluster: write to master: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, bittorrent.ClientError(resp.ErrorMessage)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.waiting, id)
		f.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ForwardAnnounce proxies an announce request to the master.
func (f *Forwarder) ForwardAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	raw, err := f.call(ctx, RequestAnnounce, req)
	if err != nil {
		return nil, err
	}
	var resp bittorrent.AnnounceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForwardScrape proxies a scrape request to the master.
func (f *Forwarder) ForwardScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	raw, err := f.call(ctx, RequestScrape, req)
	if err != nil {
		return nil, err
	}
	var resp bittorrent.ScrapeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close stops the forwarder's read loop and closes the master connection.
func (f *Forwarder) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Logic is the subset of engine.Logic a master-mode Server needs to
// answer a forwarded request locally.
type Logic interface {
	HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error)
	HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error)
}

// FullLogic is the frontend.TrackerLogic surface a DelegatingLogic wraps.
type FullLogic interface {
	Logic
	AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse)
	AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse)
}

// DelegatingLogic implements frontend.TrackerLogic for a slave node: every
// request is proxied to the master over f instead of answered against the
// local (necessarily incomplete, since it never sees other nodes'
// announces) store. A nil Forwarder makes DelegatingLogic behave exactly
// like the wrapped local logic, so standalone and master nodes can use
// the same wiring path without a conditional at the call site.
type DelegatingLogic struct {
	Local     FullLogic
	Forwarder *Forwarder
}

var _ frontend.TrackerLogic = (*DelegatingLogic)(nil)

// HandleAnnounce forwards to the master when in slave mode, otherwise
// handles the request locally.
func (d *DelegatingLogic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	if d.Forwarder != nil {
		return d.Forwarder.ForwardAnnounce(ctx, req)
	}
	return d.Local.HandleAnnounce(ctx, req)
}

// AfterAnnounce always runs locally: it is bookkeeping (logging, stats)
// that only makes sense on the node that actually fielded the request.
func (d *DelegatingLogic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	d.Local.AfterAnnounce(ctx, req, resp)
}

// HandleScrape forwards to the master when in slave mode, otherwise
// handles the request locally.
func (d *DelegatingLogic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	if d.Forwarder != nil {
		return d.Forwarder.ForwardScrape(ctx, req)
	}
	return d.Local.HandleScrape(ctx, req)
}

// AfterScrape always runs locally, mirroring AfterAnnounce.
func (d *DelegatingLogic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	d.Local.AfterScrape(ctx, req, resp)
}

// Server is the master side of a cluster: it accepts websocket
// connections from slave nodes and answers their forwarded requests
// against the local Logic.
type Server struct {
	logic    Logic
	upgrader websocket.Upgrader
}

// NewServer wires a master-mode cluster Server against the local engine.
func NewServer(logic Logic) *Server {
	return &Server{logic: logic}
}

// ServeHTTP upgrades an incoming connection from a slave node and services
// it until it disconnects, so a master node's cluster listener is itself
// an ordinary http.Handler it can register on any mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("cluster: failed to upgrade slave connection", log.Fields{"err": err.Error()})
		return
	}
	s.ServeConn(conn)
}

// ServeConn takes over an already-upgraded connection and services
// requests on it until it disconnects.
func (s *Server) ServeConn(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go s.handle(conn, req)
	}
}

func (s *Server) handle(conn *websocket.Conn, req request) {
	ctx := context.Background()
	resp := response{RequestID: req.RequestID}

	switch req.Type {
	case RequestAnnounce:
		var areq bittorrent.AnnounceRequest
		if err := json.Unmarshal(req.Payload, &areq); err != nil {
			resp.ErrorMessage = err.Error()
			break
		}
		aresp, err := s.logic.HandleAnnounce(ctx, &areq)
		if err != nil {
			resp.ErrorMessage = err.Error()
			break
		}
		raw, _ := json.Marshal(aresp)
		resp.Success = true
		resp.Payload = raw
	case RequestScrape:
		var sreq bittorrent.ScrapeRequest
		if err := json.Unmarshal(req.Payload, &sreq); err != nil {
			resp.ErrorMessage = err.Error()
			break
		}
		sresp, err := s.logic.HandleScrape(ctx, &sreq)
		if err != nil {
			resp.ErrorMessage = err.Error()
			break
		}
		raw, _ := json.Marshal(sresp)
		resp.Success = true
		resp.Payload = raw
	default:
		resp.ErrorMessage = "cluster: unknown request type"
	}

	if err := conn.WriteJSON(resp); err != nil {
		log.Warn("cluster: failed to write response to slave", log.Fields{"err": err.Error()})
	}
}
