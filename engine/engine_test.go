package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

type stubParams struct {
	values map[string]string
}

func (p stubParams) String(key string) (string, bool) { v, ok := p.values[key]; return v, ok }
func (p stubParams) RawPath() string                  { return "" }
func (p stubParams) RawQuery() string                 { return "" }

func newLogic() (*Logic, *storage.Store, *policy.Set, *stats.Stats, *journal.Journal) {
	store := storage.New()
	policies := policy.New(policy.Config{})
	st := stats.New()
	j := journal.New()
	l := New(Config{AnnounceInterval: time.Minute, MinAnnounceInterval: 30 * time.Second}, store, policies, st, j)
	return l, store, policies, st, j
}

func announceReq(ih bittorrent.InfoHash, pid bittorrent.PeerID, event bittorrent.Event, left uint64, params bittorrent.Params) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Event:    event,
		InfoHash: ih,
		Left:     left,
		Peer: bittorrent.Peer{
			ID:   pid,
			IP:   bittorrent.IP{IP: net.ParseIP("203.0.113.1").To4(), AddressFamily: bittorrent.IPv4},
			Port: 6881,
		},
		Params: params,
	}
}

func TestFreshAnnounceCreatesTorrentJournalEntry(t *testing.T) {
	l, _, _, _, j := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000011"[:20])

	resp, err := l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Started, 10, stubParams{}))
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.Complete)
	require.Equal(t, int32(1), resp.Incomplete)
	require.Equal(t, 1, j.Queue(journal.KindTorrents).Len())
}

func TestStoppedAnnounceRemovesPeerAndJournalsRemoval(t *testing.T) {
	l, store, _, _, j := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000002")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000021"[:20])

	_, err := l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Started, 10, stubParams{}))
	require.NoError(t, err)
	j.Queue(journal.KindTorrents).Drain()

	_, err = l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Stopped, 10, stubParams{}))
	require.NoError(t, err)

	_, ok := store.Get(ih)
	require.False(t, ok)
	require.Equal(t, 1, j.Queue(journal.KindTorrents).Len())
}

func TestLeecherToSeedTransitionCountsCompletion(t *testing.T) {
	l, store, _, st, _ := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000003")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000031"[:20])

	_, err := l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Started, 10, stubParams{}))
	require.NoError(t, err)

	_, err = l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Completed, 0, stubParams{}))
	require.NoError(t, err)

	complete, incomplete, completed := store.Scrape(ih)
	require.EqualValues(t, 1, complete)
	require.EqualValues(t, 0, incomplete)
	require.EqualValues(t, 1, completed)
	require.EqualValues(t, 1, st.Snapshot().Completed)
}

func TestAnnounceRejectsZeroPort(t *testing.T) {
	l, _, _, _, _ := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000004")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000041"[:20])

	req := announceReq(ih, pid, bittorrent.Started, 10, stubParams{})
	req.Port = 0

	_, err := l.HandleAnnounce(context.Background(), req)
	require.Error(t, err)
}

func TestWhitelistGateRejectsUnlistedInfoHash(t *testing.T) {
	store := storage.New()
	policies := policy.New(policy.Config{WhitelistMode: true})
	l := New(Config{}, store, policies, stats.New(), journal.New())

	ih := bittorrent.InfoHashFromString("00000000000000000005")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000051"[:20])

	_, err := l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Started, 10, stubParams{}))
	require.Equal(t, policy.ErrInfoHashNotWhitelisted, err)

	_, ok := store.Get(ih)
	require.False(t, ok)
}

func TestScrapeReturnsZerosForUnknownInfoHash(t *testing.T) {
	l, _, _, _, _ := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000006")

	resp, err := l.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{ih}})
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.Files[ih].Complete)
	require.Equal(t, uint32(0), resp.Files[ih].Incomplete)
}

func TestAnnounceSampleExcludesRequestingPeer(t *testing.T) {
	l, _, _, _, _ := newLogic()
	ih := bittorrent.InfoHashFromString("00000000000000000007")
	pidA := bittorrent.PeerIDFromString("-TR0000-0000000000071"[:20])
	pidB := bittorrent.PeerIDFromString("-TR0000-0000000000072"[:20])

	_, err := l.HandleAnnounce(context.Background(), announceReq(ih, pidA, bittorrent.Started, 10, stubParams{}))
	require.NoError(t, err)

	resp, err := l.HandleAnnounce(context.Background(), announceReq(ih, pidB, bittorrent.Started, 10, stubParams{}))
	require.NoError(t, err)

	require.Len(t, resp.IPv4Peers, 1)
	require.Equal(t, pidA, resp.IPv4Peers[0].ID)
}

func TestUsersModeRejectsUnknownPasskey(t *testing.T) {
	store := storage.New()
	policies := policy.New(policy.Config{UsersMode: true})
	l := New(Config{}, store, policies, stats.New(), journal.New())

	ih := bittorrent.InfoHashFromString("00000000000000000008")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000081"[:20])

	_, err := l.HandleAnnounce(context.Background(), announceReq(ih, pid, bittorrent.Started, 10, stubParams{}))
	require.Equal(t, policy.ErrUnknownUser, err)
}

func TestUsersModeRecordsProgressAndJournalsUser(t *testing.T) {
	store := storage.New()
	policies := policy.New(policy.Config{UsersMode: true})
	j := journal.New()
	l := New(Config{}, store, policies, stats.New(), j)

	id := bittorrent.UserIDFromString("00000000000000000009")
	policies.AddUser(id)

	ih := bittorrent.InfoHashFromString("00000000000000000010")
	pid := bittorrent.PeerIDFromString("-TR0000-0000000000101"[:20])

	req := announceReq(ih, pid, bittorrent.Started, 10, stubParams{values: map[string]string{"passkey": string(id[:])}})
	req.Uploaded = 500

	_, err := l.HandleAnnounce(context.Background(), req)
	require.NoError(t, err)

	u, ok := policies.LookupUser(id)
	require.True(t, ok)
	require.EqualValues(t, 500, u.Uploaded)
	require.Equal(t, 1, j.Queue(journal.KindUsers).Len())
}
