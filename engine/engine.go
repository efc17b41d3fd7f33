// Package engine implements the tracker's announce/scrape state machine
// (§4.E): policy gating, peer-store mutation and response construction,
// expressed as a pure function of a request and the store/policy views it
// reads and writes — so a cluster forwarder can hold a reference to the
// engine without the engine ever needing one back (§9).
package engine

import (
	"context"
	"time"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/frontend"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/pkg/log"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

// Config controls response shaping; gating behavior itself is entirely
// driven by the wired policy.Set.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
}

var _ frontend.TrackerLogic = (*Logic)(nil)

// Logic wires the sharded store, the policy set, the statistics aggregator
// and the pending-updates journal into the announce/scrape state machine.
type Logic struct {
	cfg      Config
	store    *storage.Store
	policies *policy.Set
	st       *stats.Stats
	j        *journal.Journal
}

// New returns a Logic over the given store/policy/stats/journal.
func New(cfg Config, store *storage.Store, policies *policy.Set, st *stats.Stats, j *journal.Journal) *Logic {
	return &Logic{cfg: cfg, store: store, policies: policies, st: st, j: j}
}

func keyFromParams(p bittorrent.Params) (key string, hasKey bool) {
	return p.String("key")
}

func passkeyFromParams(p bittorrent.Params) (bittorrent.UserID, bool) {
	raw, ok := p.String("passkey")
	if !ok || len(raw) != 20 {
		return bittorrent.UserID{}, false
	}
	return bittorrent.UserIDFromString(raw), true
}

// HandleAnnounce runs the full gating chain, applies the announce's state
// effect to the store, and builds the response.
func (l *Logic) HandleAnnounce(_ context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	now := time.Now()

	key, hasKey := keyFromParams(req.Params)
	if err := l.policies.Gate(req.InfoHash, key, hasKey, now); err != nil {
		return nil, err
	}

	var user *bittorrent.UserID
	if l.policies.UsersMode() {
		id, ok := passkeyFromParams(req.Params)
		if !ok {
			return nil, policy.ErrUnknownUser
		}
		if _, err := l.policies.CheckPasskey(id); err != nil {
			return nil, err
		}
		user = &id
	}

	if req.Port == 0 {
		return nil, bittorrent.ClientError("bad request: port must not be zero")
	}

	if user != nil {
		id := *user
		defer func() {
			l.policies.RecordUserProgress(id, req.InfoHash, req.Uploaded, req.Downloaded, req.Left, req.Event == bittorrent.Completed, now, req.Event == bittorrent.Stopped)
			if u, ok := l.policies.LookupUser(id); ok {
				l.j.Push(journal.KindUsers, id, journal.Update, *u)
			}
		}()
	}

	resp := &bittorrent.AnnounceResponse{
		Compact:     req.Compact,
		Interval:    l.cfg.AnnounceInterval,
		MinInterval: l.cfg.MinAnnounceInterval,
	}

	var snap storage.EntrySnapshot
	var completedNow bool
	if req.Event == bittorrent.Stopped {
		_, current := l.store.RemovePeer(req.InfoHash, req.Peer.ID, false, true)
		if current != nil {
			snap = *current
		}
		if snap.Seeders == 0 && snap.Leechers == 0 {
			l.j.Push(journal.KindTorrents, req.InfoHash, journal.Remove, nil)
		}
	} else {
		peer := storage.TorrentPeer{
			ID:         req.Peer.ID,
			IP:         req.Peer.IP.IP,
			Family:     req.Peer.IP.AddressFamily,
			Port:       req.Peer.Port,
			Uploaded:   req.Uploaded,
			Downloaded: req.Downloaded,
			Left:       req.Left,
			LastEvent:  req.Event,
			LastSeen:   now,
		}
		previous, current := l.store.AddOrUpdatePeer(req.InfoHash, peer, req.Event == bittorrent.Completed)
		snap = current
		completedNow = previous != nil && !previous.IsSeed() && peer.IsSeed()
		if previous == nil && snap.Seeders+snap.Leechers == 1 {
			l.j.Push(journal.KindTorrents, req.InfoHash, journal.Add, nil)
		}
	}

	totals := l.store.AggregateTotals()
	l.st.SetTorrentTotals(totals.Torrents, totals.Seeders, totals.Leechers)
	if completedNow {
		l.st.AddCompleted(1)
	}

	resp.Complete = int32(snap.Seeders)
	resp.Incomplete = int32(snap.Leechers)

	filter := storage.FilterIPv4
	if req.Peer.IP.AddressFamily == bittorrent.IPv6 {
		filter = storage.FilterIPv6
	}

	seeds, leechers := l.store.GetPeers(req.InfoHash, int(req.NumWant), filter, &req.Peer.ID)
	peers := make([]bittorrent.Peer, 0, len(seeds)+len(leechers))
	for _, p := range seeds {
		peers = append(peers, p.ToBittorrentPeer())
	}
	for _, p := range leechers {
		peers = append(peers, p.ToBittorrentPeer())
	}

	switch req.Peer.IP.AddressFamily {
	case bittorrent.IPv6:
		resp.IPv6Peers = peers
	default:
		resp.IPv4Peers = peers
	}

	return resp, nil
}

// AfterAnnounce logs the finished announce; it has no further side effects,
// since swarm mutation already happened synchronously in HandleAnnounce so
// the response reflects the state it describes.
func (l *Logic) AfterAnnounce(_ context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	log.Debug("announce handled", log.Fields{
		"info_hash":  req.InfoHash.String(),
		"event":      req.Event.String(),
		"complete":   resp.Complete,
		"incomplete": resp.Incomplete,
	})
}

// HandleScrape reads the aggregate counters for every requested info hash;
// an info hash with no matching entry reports zeros rather than erroring.
func (l *Logic) HandleScrape(_ context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	resp := &bittorrent.ScrapeResponse{
		Files: make(map[bittorrent.InfoHash]bittorrent.Scrape, len(req.InfoHashes)),
	}

	for _, ih := range req.InfoHashes {
		complete, incomplete, completed := l.store.Scrape(ih)
		resp.Files[ih] = bittorrent.Scrape{
			InfoHash:   ih,
			Complete:   complete,
			Snatches:   uint32(completed),
			Incomplete: incomplete,
		}
	}

	return resp, nil
}

// AfterScrape logs the finished scrape.
func (l *Logic) AfterScrape(_ context.Context, req *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) {
	log.Debug("scrape handled", log.Fields{"count": len(req.InfoHashes)})
}
