// Package api implements the spec's supplemented admin REST API: an
// httprouter-routed HTTP surface over the whitelist, blacklist, key and
// user policy tables plus read-only torrent/peer inspection, grounded on
// the teacher's server/store package (ResponseFunc signature,
// log/recover middleware chain, {ok,error,result} envelope) generalized
// from a raw peer store's CRUD surface to this tracker's policy.Set and
// storage.Store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/torrust/tracker/adapters"
	"github.com/torrust/tracker/adapters/auth"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/pkg/log"
	"github.com/torrust/tracker/policy"
	"github.com/torrust/tracker/stats"
	"github.com/torrust/tracker/storage"
)

// Config controls the admin API server.
type Config struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// Server is the admin REST API. It holds no request-path dependency on
// the announce/scrape engine; it reads and writes the same policy.Set and
// storage.Store the engine does, and pushes its writes through the same
// journal so they are persisted exactly like engine-driven changes.
type Server struct {
	cfg       Config
	policies  *policy.Set
	store     *storage.Store
	journal   *journal.Journal
	stats     *stats.Stats
	verifier  *auth.Verifier
	telemetry adapters.Telemetry
	router    *httprouter.Router
	http      *http.Server
}

// New wires an admin API server. verifier and telemetry may be nil: with
// no verifier, only cfg.APIKey (if set) gates requests; with no
// telemetry, recovered panics are only logged, never reported upstream.
func New(cfg Config, policies *policy.Set, store *storage.Store, j *journal.Journal, st *stats.Stats, verifier *auth.Verifier, telemetry adapters.Telemetry) *Server {
	s := &Server{
		cfg:       cfg,
		policies:  policies,
		store:     store,
		journal:   j,
		stats:     st,
		verifier:  verifier,
		telemetry: telemetry,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

// ListenAndServe starts the admin API's HTTP listener. It blocks until the
// server stops or fails.
func (s *Server) ListenAndServe() error {
	log.Info("api: listening", log.Fields{"addr": s.cfg.Addr})
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the admin API down, satisfying pkg/stop.Stopper.
func (s *Server) Stop() <-chan error {
	c := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c <- s.http.Shutdown(ctx)
		close(c)
	}()
	return c
}

// response is the {ok,error,result} envelope every endpoint answers with.
type response struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// ErrInternalServerError is surfaced whenever recoverHandler traps a
// panic from a handler.
var ErrInternalServerError = errors.New("internal server error")

// handlerFunc mirrors the teacher's ResponseFunc: a handler returns a
// status code, an optional JSON-able result and an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (status int, result interface{}, err error)

func (s *Server) wrap(inner handlerFunc) httprouter.Handle {
	chained := s.authHandler(logHandler(s.recoverHandler(inner)))

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		status, result, err := chained(w, r, p)

		resp := response{Ok: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		if result != nil {
			resp.Result = result
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
			log.Warn("api: failed to encode response", log.Fields{"err": encErr.Error()})
		}
	}
}

func (s *Server) authHandler(inner handlerFunc) handlerFunc {
	if s.verifier == nil && s.cfg.APIKey == "" {
		return inner
	}

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		if s.verifier != nil {
			token := bearerToken(r)
			if err := s.verifier.Verify(token); err == nil {
				return inner(w, r, p)
			}
		}
		if s.cfg.APIKey != "" {
			if token := apiKeyOf(r); token == s.cfg.APIKey {
				return inner(w, r, p)
			}
		}
		return http.StatusForbidden, nil, errors.New("invalid credentials")
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func apiKeyOf(r *http.Request) string {
	if token := r.Header.Get("X-API-Key"); token != "" {
		return token
	}
	return r.URL.Query().Get("apikey")
}

func logHandler(inner handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		before := time.Now()
		status, result, err := inner(w, r, p)
		log.Debug("api: request", log.Fields{
			"status":   status,
			"duration": time.Since(before).String(),
			"method":   r.Method,
			"path":     r.URL.EscapedPath(),
		})
		return status, result, err
	}
}

func (s *Server) recoverHandler(inner handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (status int, result interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("api: recovered from panic", log.Fields{"panic": rec})
				if s.telemetry != nil {
					s.telemetry.RecordEvent("api.panic", map[string]string{"path": r.URL.EscapedPath()})
				}
				status = http.StatusInternalServerError
				result = nil
				err = ErrInternalServerError
			}
		}()
		return inner(w, r, p)
	}
}
