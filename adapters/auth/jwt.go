// Package auth implements bearer-token authentication for the admin API,
// grounded on the teacher's middleware/jwt package: JWTs are verified
// against a JWK Set (RS256 public keys keyed by "kid"), refreshed
// periodically from a URL the same way the teacher's hook refreshes its
// key material, generalized from gating an Announce to gating an admin
// API request.
package auth

import (
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	jc "github.com/SermoDigital/jose/crypto"
	"github.com/SermoDigital/jose/jws"
	"github.com/mendsley/gojwk"

	"github.com/torrust/tracker/bittorrent"
	"github.com/torrust/tracker/pkg/log"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = bittorrent.ClientError("unauthorized: missing bearer token")

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = bittorrent.ClientError("unauthorized: invalid bearer token")

// Config configures the admin API's JWT verifier.
type Config struct {
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	JWKSetURL         string        `yaml:"jwk_set_url"`
	JWKUpdateInterval time.Duration `yaml:"jwk_set_update_interval"`
}

// Verifier checks admin API bearer tokens against a periodically
// refreshed JWK Set.
type Verifier struct {
	cfg     Config
	closing chan struct{}

	mu         sync.RWMutex
	publicKeys map[string]crypto.PublicKey
}

// New fetches the initial JWK Set and starts the background refresh
// loop. It fails fast if the first fetch doesn't succeed, since an admin
// API with no verification keys can authenticate nobody.
func New(cfg Config) (*Verifier, error) {
	if cfg.JWKUpdateInterval <= 0 {
		cfg.JWKUpdateInterval = time.Hour
	}

	v := &Verifier{
		cfg:        cfg,
		publicKeys: map[string]crypto.PublicKey{},
		closing:    make(chan struct{}),
	}

	if err := v.updateKeys(); err != nil {
		return nil, fmt.Errorf("auth: initial JWK Set fetch: %w", err)
	}

	go func() {
		for {
			select {
			case <-v.closing:
				return
			case <-time.After(cfg.JWKUpdateInterval):
				if err := v.updateKeys(); err != nil {
					log.Warn("auth: failed to refresh JWK Set", log.Fields{"err": err.Error()})
				}
			}
		}
	}()

	return v, nil
}

func (v *Verifier) updateKeys() error {
	resp, err := http.Get(v.cfg.JWKSetURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed gojwk.Key
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}

	keys := make(map[string]crypto.PublicKey, len(parsed.Keys))
	for _, key := range parsed.Keys {
		publicKey, err := key.DecodePublicKey()
		if err != nil {
			return fmt.Errorf("auth: decode JWK %q: %w", key.Kid, err)
		}
		keys[key.Kid] = publicKey
	}
	v.mu.Lock()
	v.publicKeys = keys
	v.mu.Unlock()
	return nil
}

// Verify checks token's signature, issuer and audience claims against the
// verifier's configuration and current JWK Set.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}

	parsed, err := jws.ParseJWT([]byte(token))
	if err != nil {
		return ErrInvalidToken
	}

	claims := parsed.Claims()
	if iss, ok := claims.Issuer(); !ok || iss != v.cfg.Issuer {
		return ErrInvalidToken
	}
	if auds, ok := claims.Audience(); !ok || !contains(auds, v.cfg.Audience) {
		return ErrInvalidToken
	}

	parsedJWS := parsed.(jws.JWS)
	kid, ok := parsedJWS.Protected().Get("kid").(string)
	if !ok {
		return ErrInvalidToken
	}
	v.mu.RLock()
	publicKey, ok := v.publicKeys[kid]
	v.mu.RUnlock()
	if !ok {
		return ErrInvalidToken
	}

	if err := parsedJWS.Verify(publicKey, jc.SigningMethodRS256); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// Close stops the background refresh loop.
func (v *Verifier) Close() {
	close(v.closing)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
