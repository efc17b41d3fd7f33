// Package telemetry implements the spec §4.J telemetry contract with
// getsentry/sentry-go, the one pack dependency none of the retrieved
// chihaya-chihaya code exercises directly but that spec.md names as a
// first-class external collaborator alongside the SQL and cache adapters.
// It is intentionally thin: a fire-and-forget breadcrumb-and-capture sink,
// never on the request hot path the way stats.Stats is.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/torrust/tracker/adapters"
	"github.com/torrust/tracker/pkg/log"
)

// Config configures the sentry client.
type Config struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Sentry is an adapters.Telemetry backed by sentry-go.
type Sentry struct {
	enabled bool
}

var _ adapters.Telemetry = (*Sentry)(nil)

// New initializes the global sentry client from cfg. When cfg.DSN is
// empty, telemetry is disabled and RecordEvent becomes a no-op, so a
// deployment that never wants to phone home doesn't pay for the client.
func New(cfg Config) (*Sentry, error) {
	if cfg.DSN == "" {
		return &Sentry{enabled: false}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}

	return &Sentry{enabled: true}, nil
}

// RecordEvent reports kind as a sentry message event with labels attached
// as extra context.
func (s *Sentry) RecordEvent(kind string, labels map[string]string) {
	if !s.enabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range labels {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(kind)
	})
}

// Flush blocks until all pending events are sent or timeout elapses,
// matching the drain step every graceful shutdown needs before exit.
func (s *Sentry) Flush(timeoutSeconds int) {
	if !s.enabled {
		return
	}
	if ok := sentry.Flush(time.Duration(timeoutSeconds) * time.Second); !ok {
		log.Warn("telemetry: sentry flush timed out")
	}
}
