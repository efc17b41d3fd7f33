// Package adapters defines the narrow contracts the tracker core speaks to
// external collaborators through, per spec §4.J and §9: persistence, SSL
// certificates, inter-node forwarding and telemetry. The core never imports
// a concrete adapter; it is handed implementations of these interfaces at
// wiring time (see cmd/tracker), so the engine stays a pure function of a
// request and a store view, exactly as the design notes require.
package adapters

import (
	"context"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/storage"
)

// Snapshot is the full policy/store state a PersistenceAdapter hands back
// from LoadAll at startup, keyed the way the five persisted tables are
// described in spec §6.
type Snapshot struct {
	Torrents  map[bittorrent.InfoHash]storage.EntrySnapshot
	Whitelist []bittorrent.InfoHash
	Blacklist []bittorrent.InfoHash
	Keys      map[bittorrent.InfoHash]int64
	Users     map[bittorrent.UserID]policy.UserEntry
}

// PersistenceAdapter is the spec §4.J persistence contract: load everything
// once at startup, then accept batched writes drained from the journal.
// SaveBatch must be safe to call repeatedly with the same entries (the
// scheduler retries a failed batch verbatim); LoadAll is only ever called
// once, before the store and policy set are wired up.
type PersistenceAdapter interface {
	LoadAll(ctx context.Context) (Snapshot, error)
	SaveBatch(kind journal.Kind, entries []journal.Entry) error
}

// CertificateBundle is a certificate, its private key and an optional chain
// for one named server identity, per spec §4.J's SSL store contract and the
// original source's certificate_bundle.rs.
type CertificateBundle struct {
	ServerID    string
	Certificate []byte
	PrivateKey  []byte
	Chain       [][]byte
}

// SSLStore is the spec §4.J SSL certificate store contract. The core never
// touches disk; Reload re-reads whatever backs the bundle (file, secret
// manager, ACME state) and makes the new bundle visible to subsequent Get
// calls.
type SSLStore interface {
	Get(serverID string) (*CertificateBundle, error)
	Reload(serverID string) error
}

// ClusterForwarder is the spec §4.J / §9 cluster-forwarding contract: a
// slave node proxies announce/scrape requests it cannot answer locally to
// the master over this interface. The forwarder holds a reference to the
// engine (to serve requests when it is itself the master); the engine holds
// no reference back, resolving the cyclic concern the design notes flag.
type ClusterForwarder interface {
	ForwardAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error)
	ForwardScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error)
}

// Telemetry is the spec §4.J telemetry contract: a fire-and-forget event
// sink for operational visibility beyond the Prometheus counters exposed by
// stats and storage. labels carries small, low-cardinality context, never
// full announce payloads.
type Telemetry interface {
	RecordEvent(kind string, labels map[string]string)
}
