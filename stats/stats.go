// Package stats implements the tracker's statistics aggregator: a fixed
// schema of atomic counters tagged by event kind, readable as a snapshot
// without ever blocking a writer.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds every counter the tracker exposes. All fields are accessed
// through atomic operations; there is no lock and no cross-field
// transaction, so a Snapshot may mix counters taken at slightly different
// instants relative to one another even though no individual counter is
// ever observed torn.
type Stats struct {
	torrents  uint64
	seeders   uint64
	leechers  uint64
	completed uint64

	announcesIPv4   uint64
	announcesIPv6   uint64
	scrapesIPv4     uint64
	scrapesIPv6     uint64
	connectionsIPv4 uint64
	connectionsIPv6 uint64

	packetsDropped uint64
	queueFull      uint64

	lastSaveUnixNano        int64
	lastConsoleUnixNano     int64
	lastMaintenanceUnixNano int64
}

// New returns an empty Stats ready for use.
func New() *Stats { return &Stats{} }

// EventKind enumerates the finite set of things a single counter increment
// can be attributed to.
type EventKind uint8

const (
	AnnounceIPv4 EventKind = iota
	AnnounceIPv6
	ScrapeIPv4
	ScrapeIPv6
	ConnectionIPv4
	ConnectionIPv6
	PacketDropped
	QueueFull
)

// RecordEvent increments the counter for kind by one. Updates are
// commutative additions; callers never need to serialize against one
// another.
func (s *Stats) RecordEvent(kind EventKind) {
	switch kind {
	case AnnounceIPv4:
		atomic.AddUint64(&s.announcesIPv4, 1)
	case AnnounceIPv6:
		atomic.AddUint64(&s.announcesIPv6, 1)
	case ScrapeIPv4:
		atomic.AddUint64(&s.scrapesIPv4, 1)
	case ScrapeIPv6:
		atomic.AddUint64(&s.scrapesIPv6, 1)
	case ConnectionIPv4:
		atomic.AddUint64(&s.connectionsIPv4, 1)
	case ConnectionIPv6:
		atomic.AddUint64(&s.connectionsIPv6, 1)
	case PacketDropped:
		atomic.AddUint64(&s.packetsDropped, 1)
	case QueueFull:
		atomic.AddUint64(&s.queueFull, 1)
	}
}

// SetTorrentTotals overwrites the torrents/seeders/leechers gauges with a
// freshly reconciled value. Called after every store mutation completes
// (the spec's fence point for the torrents/seeds/peers invariant) so the
// gauges never lag more than one mutation behind the store.
func (s *Stats) SetTorrentTotals(torrents, seeders, leechers uint64) {
	atomic.StoreUint64(&s.torrents, torrents)
	atomic.StoreUint64(&s.seeders, seeders)
	atomic.StoreUint64(&s.leechers, leechers)
}

// AddCompleted adds delta (may be negative-via-underflow-free design: only
// ever called with +1) to the lifetime completed counter.
func (s *Stats) AddCompleted(delta uint64) {
	atomic.AddUint64(&s.completed, delta)
}

// MarkSaved records that a persistence drain has just finished.
func (s *Stats) MarkSaved(t time.Time) {
	atomic.StoreInt64(&s.lastSaveUnixNano, t.UnixNano())
}

// MarkConsole records that a console heartbeat has just been emitted.
func (s *Stats) MarkConsole(t time.Time) {
	atomic.StoreInt64(&s.lastConsoleUnixNano, t.UnixNano())
}

// MarkMaintenance records that a maintenance sweep has just finished.
func (s *Stats) MarkMaintenance(t time.Time) {
	atomic.StoreInt64(&s.lastMaintenanceUnixNano, t.UnixNano())
}

// Snapshot is a copied, immutable view of every counter at one instant.
type Snapshot struct {
	Torrents  uint64
	Seeders   uint64
	Leechers  uint64
	Completed uint64

	AnnouncesIPv4   uint64
	AnnouncesIPv6   uint64
	ScrapesIPv4     uint64
	ScrapesIPv6     uint64
	ConnectionsIPv4 uint64
	ConnectionsIPv6 uint64

	PacketsDropped uint64
	QueueFull      uint64

	LastSave        time.Time
	LastConsole     time.Time
	LastMaintenance time.Time
}

// Snapshot copies every counter. Reads never block writers and never block
// each other.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Torrents:        atomic.LoadUint64(&s.torrents),
		Seeders:         atomic.LoadUint64(&s.seeders),
		Leechers:        atomic.LoadUint64(&s.leechers),
		Completed:       atomic.LoadUint64(&s.completed),
		AnnouncesIPv4:   atomic.LoadUint64(&s.announcesIPv4),
		AnnouncesIPv6:   atomic.LoadUint64(&s.announcesIPv6),
		ScrapesIPv4:     atomic.LoadUint64(&s.scrapesIPv4),
		ScrapesIPv6:     atomic.LoadUint64(&s.scrapesIPv6),
		ConnectionsIPv4: atomic.LoadUint64(&s.connectionsIPv4),
		ConnectionsIPv6: atomic.LoadUint64(&s.connectionsIPv6),
		PacketsDropped:  atomic.LoadUint64(&s.packetsDropped),
		QueueFull:       atomic.LoadUint64(&s.queueFull),
		LastSave:        loadTime(&s.lastSaveUnixNano),
		LastConsole:     loadTime(&s.lastConsoleUnixNano),
		LastMaintenance: loadTime(&s.lastMaintenanceUnixNano),
	}
}

func loadTime(addr *int64) time.Time {
	ns := atomic.LoadInt64(addr)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
