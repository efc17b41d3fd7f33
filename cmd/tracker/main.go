// Command tracker starts the BitTorrent tracker core: the sharded peer
// store, announce/scrape engine, UDP frontend, maintenance scheduler and
// admin API, wired together from a single TOML configuration file. Its
// flag handling and shutdown sequencing is grounded on cmd/trakr/main.go's
// cobra root command.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torrust/tracker/adapters"
	"github.com/torrust/tracker/adapters/cache"
	"github.com/torrust/tracker/adapters/cluster"
	"github.com/torrust/tracker/adapters/sql"
	"github.com/torrust/tracker/adapters/telemetry"
	"github.com/torrust/tracker/api"
	"github.com/torrust/tracker/config"
	"github.com/torrust/tracker/engine"
	"github.com/torrust/tracker/frontends/udp"
	webtorrentfrontend "github.com/torrust/tracker/frontends/webtorrent"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/pkg/stop"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/scheduler"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
	"github.com/torrust/tracker/webtorrent"
)

func main() {
	var configFilePath string
	var cpuProfilePath string

	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "BitTorrent tracker",
		Long:  "A sharded, multi-protocol BitTorrent tracker core",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(configFilePath, cpuProfilePath); err != nil {
				log.Fatal(err)
			}
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "/etc/tracker.toml", "location of the configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configFilePath, cpuProfilePath string) error {
	if cpuProfilePath != "" {
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(configFilePath)
	if err != nil {
		return err
	}

	store := storage.New()
	policies := policy.New(cfg.Policy)
	st := stats.New()
	j := journal.New()

	persistence, err := buildPersistence(cfg)
	if err != nil {
		return err
	}

	seedStore(persistence, store, policies)

	sched := scheduler.New(cfg.Scheduler, store, policies, j, st, persistence)

	forwarder, err := cluster.New(cfg.Cluster)
	if err != nil {
		return err
	}

	var telemetrySink *telemetry.Sentry
	if telemetrySink, err = telemetry.New(cfg.Telemetry); err != nil {
		return err
	}

	logic := engine.New(cfg.Engine, store, policies, st, j)
	delegating := &cluster.DelegatingLogic{Local: logic, Forwarder: forwarder}

	udpFrontend, err := udp.NewFrontend(delegating, st, cfg.UDP)
	if err != nil {
		return err
	}

	apiServer := api.New(cfg.API, policies, store, j, st, nil, telemetrySink)

	hub := webtorrent.NewHub()
	wtFrontend := webtorrentfrontend.NewFrontend(cfg.WebTorrent, hub)

	group := stop.NewGroup()
	group.Add(sched)
	group.Add(udpFrontend)
	group.Add(wtFrontend)
	group.AddFunc(func() <-chan error { return apiServer.Stop() })

	go func() {
		if err := udpFrontend.ListenAndServe(); err != nil {
			log.Println("udp frontend stopped:", err)
		}
	}()
	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			log.Println("admin api stopped:", err)
		}
	}()
	go func() {
		if err := wtFrontend.ListenAndServe(); err != nil {
			log.Println("webtorrent frontend stopped:", err)
		}
	}()

	// In master mode, the engine answers requests forwarded over
	// websocket by slave nodes, alongside its own frontends.
	if cfg.Cluster.Mode == cluster.Master {
		clusterServer := &http.Server{
			Addr:    cfg.Cluster.ListenAddr,
			Handler: cluster.NewServer(logic),
		}
		group.AddFunc(func() <-chan error {
			c := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				c <- clusterServer.Shutdown(ctx)
				close(c)
			}()
			return c
		})
		go func() {
			log.Println("cluster: listening", clusterServer.Addr)
			if err := clusterServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Println("cluster listener stopped:", err)
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	telemetrySink.Flush(5)
	for _, stopErr := range group.Stop() {
		log.Println("error during shutdown:", stopErr)
	}
	return nil
}

// buildPersistence wires the SQL adapter and, if configured, fronts it
// with the redis cache decorator, matching the teacher's pattern of
// layering its cache package in front of its database-backed store.
func buildPersistence(cfg *config.Configuration) (adapters.PersistenceAdapter, error) {
	sqlAdapter, err := sql.Open(cfg.SQL)
	if err != nil {
		return nil, err
	}
	return cache.New(cfg.Cache, sqlAdapter), nil
}

// seedStore loads every persisted table into the in-memory store and
// policy set at startup, the way a restarted tracker must recover its
// whitelist/blacklist/keys/users/torrents without waiting on traffic.
func seedStore(persistence adapters.PersistenceAdapter, store *storage.Store, policies *policy.Set) {
	snap, err := persistence.LoadAll(context.Background())
	if err != nil {
		log.Println("failed to load persisted state, starting empty:", err)
		return
	}

	for ih := range snap.Torrents {
		store.GetOrCreate(ih)
	}
	for _, ih := range snap.Whitelist {
		policies.AddWhitelist(ih)
	}
	for _, ih := range snap.Blacklist {
		policies.AddBlacklist(ih)
	}
	for ih, expiry := range snap.Keys {
		policies.AddKey(ih, expiry)
	}
	for id := range snap.Users {
		policies.AddUser(id)
	}
}
