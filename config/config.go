// Package config implements the two-layer process configuration SPEC_FULL
// calls for: an outer TOML document (listeners, backend selection,
// credentials) parsed with github.com/BurntSushi/toml, wrapping nested
// per-component configs decoded the way the teacher's own driver configs
// are: each subsystem's TOML table is first read back as a generic blob,
// then marshalled to YAML and unmarshalled into that subsystem's typed,
// yaml-tagged Config struct, mirroring server/http/config.go's
// newHTTPConfig and server/store/middleware/infohash/config.go's
// newConfig (both do the same chihaya.ServerConfig.Config
// interface{}-via-yaml roundtrip), generalized from one generic
// Config interface{} field to this process's per-subsystem TOML tables.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/torrust/tracker/adapters/cache"
	"github.com/torrust/tracker/adapters/cluster"
	"github.com/torrust/tracker/adapters/sql"
	"github.com/torrust/tracker/adapters/telemetry"
	"github.com/torrust/tracker/api"
	"github.com/torrust/tracker/engine"
	"github.com/torrust/tracker/frontends/udp"
	webtorrentfrontend "github.com/torrust/tracker/frontends/webtorrent"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/scheduler"
)

// rawConfiguration holds each subsystem's TOML table as a generic blob,
// deferring the typed decode to decodeComponent so every subsystem Config
// is reached through the same yaml-tagged path regardless of which table
// layout BurntSushi/toml happened to produce for it.
type rawConfiguration struct {
	Cluster    map[string]interface{} `toml:"cluster"`
	Engine     map[string]interface{} `toml:"engine"`
	Policy     map[string]interface{} `toml:"policy"`
	Scheduler  map[string]interface{} `toml:"scheduler"`
	UDP        map[string]interface{} `toml:"udp"`
	WebTorrent map[string]interface{} `toml:"webtorrent"`
	API        map[string]interface{} `toml:"api"`
	SQL        map[string]interface{} `toml:"sql"`
	Cache      map[string]interface{} `toml:"cache"`
	Telemetry  map[string]interface{} `toml:"telemetry"`
}

// Configuration is the top-level process configuration: one TOML document
// with one table per subsystem, each decoded into that subsystem's own
// Config type.
type Configuration struct {
	Cluster    cluster.Config
	Engine     engine.Config
	Policy     policy.Config
	Scheduler  scheduler.Config
	UDP        udp.Config
	WebTorrent webtorrentfrontend.Config
	API        api.Config
	SQL        sql.Config
	Cache      cache.Config
	Telemetry  telemetry.Config
}

// decodeComponent re-encodes raw (as decoded by BurntSushi/toml into a
// generic map) as YAML and unmarshals it into out, so every subsystem
// Config is populated through its yaml tags exactly as if it had been
// read from a standalone YAML file.
func decodeComponent(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	bytes, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(bytes, out)
}

// Load reads and parses a TOML configuration file from path.
func Load(path string) (*Configuration, error) {
	if path == "" {
		return nil, fmt.Errorf("config: no path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var raw rawConfiguration
	if _, err := toml.DecodeReader(f, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cfg Configuration
	components := []struct {
		raw map[string]interface{}
		out interface{}
	}{
		{raw.Cluster, &cfg.Cluster},
		{raw.Engine, &cfg.Engine},
		{raw.Policy, &cfg.Policy},
		{raw.Scheduler, &cfg.Scheduler},
		{raw.UDP, &cfg.UDP},
		{raw.WebTorrent, &cfg.WebTorrent},
		{raw.API, &cfg.API},
		{raw.SQL, &cfg.SQL},
		{raw.Cache, &cfg.Cache},
		{raw.Telemetry, &cfg.Telemetry},
	}
	for _, c := range components {
		if err := decodeComponent(c.raw, c.out); err != nil {
			return nil, fmt.Errorf("config: decode component: %w", err)
		}
	}

	return &cfg, nil
}
