// Package scheduler implements the tracker's maintenance scheduler (§4.G):
// four independently-ticking sub-tasks — peer timeout sweep, key expiry
// sweep, persistence drain and console heartbeat — that run against the
// store, policy set and journal without ever holding a lock across a
// sub-task boundary.
package scheduler

import (
	"sync"
	"time"

	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/pkg/log"
	"github.com/torrust/tracker/pkg/stop"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

// Default intervals, illustrative per spec §4.G, not normative.
const (
	DefaultPeerTimeoutSweepInterval = 90 * time.Second
	DefaultKeyExpirySweepInterval   = 60 * time.Second
	DefaultPersistenceDrainInterval = 5 * time.Minute
	DefaultConsoleHeartbeatInterval = 60 * time.Second
	DefaultPeerTimeout              = 15 * time.Minute
)

// PersistenceDrainThreshold is the soft queue-length threshold above which
// the drain sub-task runs ahead of its interval, per §4.G.
const PersistenceDrainThreshold = 1000

// Adapter is the narrow persistence contract (§4.J) the drain sub-task
// hands batches to. Implementations must be safe to call repeatedly; a
// failed SaveBatch causes its batch to be merged back into the journal at
// the original op_ids rather than discarded.
type Adapter interface {
	SaveBatch(kind journal.Kind, entries []journal.Entry) error
}

// Config controls the scheduler's sub-task cadence.
type Config struct {
	PeerTimeoutSweepInterval time.Duration `yaml:"peer_timeout_sweep_interval"`
	KeyExpirySweepInterval   time.Duration `yaml:"key_expiry_sweep_interval"`
	PersistenceDrainInterval time.Duration `yaml:"persistence_drain_interval"`
	ConsoleHeartbeatInterval time.Duration `yaml:"console_heartbeat_interval"`
	PeerTimeout              time.Duration `yaml:"peer_timeout"`
	Persistent               bool          `yaml:"persistent"`
}

// Validate fills in any unset interval with its spec default, logging a
// warning for each field it had to override.
func (cfg Config) Validate() Config {
	valid := cfg
	if cfg.PeerTimeoutSweepInterval <= 0 {
		valid.PeerTimeoutSweepInterval = DefaultPeerTimeoutSweepInterval
		log.Warn("falling back to default configuration", log.Fields{"name": "scheduler.PeerTimeoutSweepInterval", "default": valid.PeerTimeoutSweepInterval})
	}
	if cfg.KeyExpirySweepInterval <= 0 {
		valid.KeyExpirySweepInterval = DefaultKeyExpirySweepInterval
		log.Warn("falling back to default configuration", log.Fields{"name": "scheduler.KeyExpirySweepInterval", "default": valid.KeyExpirySweepInterval})
	}
	if cfg.PersistenceDrainInterval <= 0 {
		valid.PersistenceDrainInterval = DefaultPersistenceDrainInterval
		log.Warn("falling back to default configuration", log.Fields{"name": "scheduler.PersistenceDrainInterval", "default": valid.PersistenceDrainInterval})
	}
	if cfg.ConsoleHeartbeatInterval <= 0 {
		valid.ConsoleHeartbeatInterval = DefaultConsoleHeartbeatInterval
		log.Warn("falling back to default configuration", log.Fields{"name": "scheduler.ConsoleHeartbeatInterval", "default": valid.ConsoleHeartbeatInterval})
	}
	if cfg.PeerTimeout <= 0 {
		valid.PeerTimeout = DefaultPeerTimeout
		log.Warn("falling back to default configuration", log.Fields{"name": "scheduler.PeerTimeout", "default": valid.PeerTimeout})
	}
	return valid
}

// Scheduler runs the four maintenance sub-tasks as independent goroutines
// against a shared store/policy/journal/stats/persistence quadruple.
type Scheduler struct {
	cfg Config

	store    *storage.Store
	policies *policy.Set
	j        *journal.Journal
	st       *stats.Stats
	adapter  Adapter

	closing chan struct{}
	wg      sync.WaitGroup
}

// New starts a Scheduler's four sub-tasks. adapter may be nil, in which
// case the persistence drain sub-task only ever no-ops (there is nowhere
// to hand batches to).
func New(provided Config, store *storage.Store, policies *policy.Set, j *journal.Journal, st *stats.Stats, adapter Adapter) *Scheduler {
	cfg := provided.Validate()
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		policies: policies,
		j:        j,
		st:       st,
		adapter:  adapter,
		closing:  make(chan struct{}),
	}

	s.wg.Add(4)
	go s.runPeerTimeoutSweep()
	go s.runKeyExpirySweep()
	go s.runPersistenceDrain()
	go s.runConsoleHeartbeat()

	return s
}

func (s *Scheduler) runPeerTimeoutSweep() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PeerTimeoutSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			cutoff := time.Now().Add(-s.cfg.PeerTimeout)
			removed := s.store.SweepTimeouts(cutoff, s.cfg.Persistent)
			totals := s.store.AggregateTotals()
			s.st.SetTorrentTotals(totals.Torrents, totals.Seeders, totals.Leechers)
			s.st.MarkMaintenance(time.Now())
			log.Debug("scheduler: peer timeout sweep finished", log.Fields{"removed": removed})
		}
	}
}

func (s *Scheduler) runKeyExpirySweep() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.KeyExpirySweepInterval)
	defer t.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			removed := s.policies.SweepExpiredKeys(time.Now())
			log.Debug("scheduler: key expiry sweep finished", log.Fields{"removed": removed})
		}
	}
}

func (s *Scheduler) runPersistenceDrain() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PersistenceDrainInterval)
	defer t.Stop()

	// Poll at a finer grain than the drain interval so a queue that crosses
	// the soft threshold gets drained ahead of schedule.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			s.drain()
		case <-poll.C:
			if s.overThreshold() {
				s.drain()
			}
		}
	}
}

func (s *Scheduler) overThreshold() bool {
	for _, kind := range []journal.Kind{journal.KindTorrents, journal.KindWhitelist, journal.KindBlacklist, journal.KindKeys, journal.KindUsers} {
		if s.j.Queue(kind).Len() > PersistenceDrainThreshold {
			return true
		}
	}
	return false
}

func (s *Scheduler) drain() {
	batches := s.j.DrainAll()
	if len(batches) == 0 {
		return
	}

	if s.adapter == nil {
		// Nothing to hand off to; merge straight back so nothing is lost.
		for kind, entries := range batches {
			s.j.Queue(kind).Requeue(entries)
		}
		return
	}

	for kind, entries := range batches {
		if err := s.adapter.SaveBatch(kind, entries); err != nil {
			log.Error("scheduler: persistence drain failed, requeueing batch", log.Fields{"kind": kind, "err": err.Error()})
			s.j.Queue(kind).Requeue(entries)
			continue
		}
	}
	s.st.MarkSaved(time.Now())
}

func (s *Scheduler) runConsoleHeartbeat() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.ConsoleHeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			snap := s.st.Snapshot()
			s.st.ReportToPrometheus()
			s.st.MarkConsole(time.Now())
			log.Info("tracker stats", log.Fields{
				"torrents":  snap.Torrents,
				"seeders":   snap.Seeders,
				"leechers":  snap.Leechers,
				"completed": snap.Completed,
			})
		}
	}
}

// Stop implements stop.Stopper: each sub-task finishes its in-flight shard
// sweep or drain and exits cleanly.
func (s *Scheduler) Stop() <-chan error {
	c := make(chan error)
	go func() {
		close(s.closing)
		s.wg.Wait()
		close(c)
	}()
	return c
}

var _ stop.Stopper = (*Scheduler)(nil)
