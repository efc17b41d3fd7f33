package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

func fastConfig() Config {
	return Config{
		PeerTimeoutSweepInterval: 10 * time.Millisecond,
		KeyExpirySweepInterval:   10 * time.Millisecond,
		PersistenceDrainInterval: 10 * time.Millisecond,
		ConsoleHeartbeatInterval: 10 * time.Millisecond,
		PeerTimeout:              time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, DefaultPeerTimeoutSweepInterval, cfg.PeerTimeoutSweepInterval)
	require.Equal(t, DefaultKeyExpirySweepInterval, cfg.KeyExpirySweepInterval)
	require.Equal(t, DefaultPersistenceDrainInterval, cfg.PersistenceDrainInterval)
	require.Equal(t, DefaultConsoleHeartbeatInterval, cfg.ConsoleHeartbeatInterval)
	require.Equal(t, DefaultPeerTimeout, cfg.PeerTimeout)
}

func TestPeerTimeoutSweepRemovesStalePeers(t *testing.T) {
	store := storage.New()
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	pid := bittorrent.PeerIDFromBytes([]byte("-TR0000-0000000000001"[:20]))

	store.AddOrUpdatePeer(ih, storage.TorrentPeer{
		ID:        pid,
		Left:      10,
		LastSeen:  time.Now().Add(-time.Hour),
		LastEvent: bittorrent.None,
	}, false)

	s := New(fastConfig(), store, policy.New(policy.Config{}), journal.New(), stats.New(), nil)
	defer func() { <-s.Stop() }()

	waitFor(t, time.Second, func() bool {
		_, ok := store.Get(ih)
		return !ok
	})
}

func TestKeyExpirySweepRemovesExpiredKeys(t *testing.T) {
	policies := policy.New(policy.Config{KeyMode: true})
	ih := bittorrent.InfoHashFromString("00000000000000000002")
	policies.AddKey(ih, time.Now().Add(-time.Minute).Unix())

	s := New(fastConfig(), storage.New(), policies, journal.New(), stats.New(), nil)
	defer func() { <-s.Stop() }()

	waitFor(t, time.Second, func() bool {
		present, _ := policies.CheckKey(ih, time.Now())
		return !present
	})
}

type fakeAdapter struct {
	batches chan journal.Kind
	fail    bool
}

func (f *fakeAdapter) SaveBatch(kind journal.Kind, entries []journal.Entry) error {
	if f.fail {
		return errFakeAdapter
	}
	f.batches <- kind
	return nil
}

var errFakeAdapter = &adapterError{"fake adapter failure"}

type adapterError struct{ msg string }

func (e *adapterError) Error() string { return e.msg }

func TestPersistenceDrainHandsBatchesToAdapter(t *testing.T) {
	j := journal.New()
	j.Push(journal.KindTorrents, "ih1", journal.Add, nil)

	adapter := &fakeAdapter{batches: make(chan journal.Kind, 1)}
	s := New(fastConfig(), storage.New(), policy.New(policy.Config{}), j, stats.New(), adapter)
	defer func() { <-s.Stop() }()

	select {
	case kind := <-adapter.batches:
		require.Equal(t, journal.KindTorrents, kind)
	case <-time.After(time.Second):
		t.Fatal("adapter never received a batch")
	}
}

func TestPersistenceDrainRequeuesOnFailure(t *testing.T) {
	j := journal.New()
	j.Push(journal.KindTorrents, "ih1", journal.Add, nil)

	adapter := &fakeAdapter{batches: make(chan journal.Kind, 1), fail: true}
	s := New(fastConfig(), storage.New(), policy.New(policy.Config{}), j, stats.New(), adapter)

	waitFor(t, time.Second, func() bool {
		return j.Queue(journal.KindTorrents).Len() > 0
	})
	<-s.Stop()
}

func TestConsoleHeartbeatMarksStats(t *testing.T) {
	st := stats.New()
	s := New(fastConfig(), storage.New(), policy.New(policy.Config{}), journal.New(), st, nil)
	defer func() { <-s.Stop() }()

	waitFor(t, time.Second, func() bool {
		return !st.Snapshot().LastConsole.IsZero()
	})
}

func TestStopWaitsForAllSubTasks(t *testing.T) {
	s := New(fastConfig(), storage.New(), policy.New(policy.Config{}), journal.New(), stats.New(), nil)

	select {
	case err := <-s.Stop():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop never signaled completion")
	}
}
