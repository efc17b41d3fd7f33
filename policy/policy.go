// Package policy implements the tracker's policy sets: the whitelist,
// blacklist, expiring keys and per-user passkey accounting that gate and
// account for announces, as described in §4.D.
package policy

import (
	"sync"
	"time"

	"github.com/torrust/tracker/bittorrent"
)

// Errors returned by gating checks, named after the taxonomy in spec §7.
var (
	ErrBlacklisted            = bittorrent.ClientError("blacklisted")
	ErrInfoHashNotWhitelisted = bittorrent.ClientError("info hash not whitelisted")
	ErrKeyInvalid             = bittorrent.ClientError("invalid key")
	ErrKeyExpired             = bittorrent.ClientError("expired key")
	ErrUnknownUser            = bittorrent.ClientError("unknown user")
)

// UserEntry is the per-user accounting record kept while users-mode is
// active: lifetime totals plus the last-seen (uploaded, downloaded, left)
// tuple for each torrent the user is currently active on, so the next
// announce can compute a delta instead of double-counting.
type UserEntry struct {
	Uploaded       uint64
	Downloaded     uint64
	Completed      uint64
	UpdatedAt      time.Time
	ActiveTorrents map[bittorrent.InfoHash]TorrentProgress
}

// TorrentProgress is the last-observed (uploaded, downloaded, left) triple
// for one user on one torrent.
type TorrentProgress struct {
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
}

// Set holds the whitelist, blacklist, expiring keys and user table. All
// fields are guarded by a single mutex: these are low-frequency admin-driven
// mutations and high-frequency read checks, not a contended hot path like
// the peer store, so one lock is sufficient.
type Set struct {
	mu sync.RWMutex

	whitelistMode bool
	blacklistMode bool
	keyMode       bool
	usersMode     bool

	whitelist map[bittorrent.InfoHash]struct{}
	blacklist map[bittorrent.InfoHash]struct{}
	keys      map[bittorrent.InfoHash]int64 // expiry, unix seconds
	users     map[bittorrent.UserID]*UserEntry
}

// Config controls which policy gates are active. Each mode can be enabled
// independently; an info hash that is both whitelisted and blacklisted is
// still rejected (spec invariant 4: blacklist always wins).
type Config struct {
	WhitelistMode bool `yaml:"whitelist_enabled"`
	BlacklistMode bool `yaml:"blacklist_enabled"`
	KeyMode       bool `yaml:"key_enabled"`
	UsersMode     bool `yaml:"users_enabled"`
}

// New creates an empty policy Set.
func New(cfg Config) *Set {
	return &Set{
		whitelistMode: cfg.WhitelistMode,
		blacklistMode: cfg.BlacklistMode,
		keyMode:       cfg.KeyMode,
		usersMode:     cfg.UsersMode,
		whitelist:     make(map[bittorrent.InfoHash]struct{}),
		blacklist:     make(map[bittorrent.InfoHash]struct{}),
		keys:          make(map[bittorrent.InfoHash]int64),
		users:         make(map[bittorrent.UserID]*UserEntry),
	}
}

// --- Whitelist ---

func (s *Set) AddWhitelist(ih bittorrent.InfoHash) {
	s.mu.Lock()
	s.whitelist[ih] = struct{}{}
	s.mu.Unlock()
}

func (s *Set) RemoveWhitelist(ih bittorrent.InfoHash) {
	s.mu.Lock()
	delete(s.whitelist, ih)
	s.mu.Unlock()
}

func (s *Set) IsWhitelisted(ih bittorrent.InfoHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.whitelist[ih]
	return ok
}

// --- Blacklist ---

func (s *Set) AddBlacklist(ih bittorrent.InfoHash) {
	s.mu.Lock()
	s.blacklist[ih] = struct{}{}
	s.mu.Unlock()
}

func (s *Set) RemoveBlacklist(ih bittorrent.InfoHash) {
	s.mu.Lock()
	delete(s.blacklist, ih)
	s.mu.Unlock()
}

func (s *Set) IsBlacklisted(ih bittorrent.InfoHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[ih]
	return ok
}

// --- Keys ---

// AddKey records a key valid through expiryUnixSeconds.
func (s *Set) AddKey(ih bittorrent.InfoHash, expiryUnixSeconds int64) {
	s.mu.Lock()
	s.keys[ih] = expiryUnixSeconds
	s.mu.Unlock()
}

func (s *Set) RemoveKey(ih bittorrent.InfoHash) {
	s.mu.Lock()
	delete(s.keys, ih)
	s.mu.Unlock()
}

// CheckKey reports whether ih has a key on file and, if so, whether it has
// expired relative to now.
func (s *Set) CheckKey(ih bittorrent.InfoHash, now time.Time) (present, expired bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.keys[ih]
	if !ok {
		return false, false
	}
	return true, now.Unix() > expiry
}

// SweepExpiredKeys implements §4.G's key expiry sweep: it purges every key
// whose expiry has passed as of now, and returns how many were removed.
func (s *Set) SweepExpiredKeys(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	nowUnix := now.Unix()
	for ih, expiry := range s.keys {
		if nowUnix > expiry {
			delete(s.keys, ih)
			removed++
		}
	}
	return removed
}

// --- Users ---

// LookupUser reports whether passkey maps to a known user.
func (s *Set) LookupUser(id bittorrent.UserID) (*UserEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// AddUser registers a new, empty user entry (or resets an existing one).
func (s *Set) AddUser(id bittorrent.UserID) {
	s.mu.Lock()
	s.users[id] = &UserEntry{ActiveTorrents: make(map[bittorrent.InfoHash]TorrentProgress)}
	s.mu.Unlock()
}

func (s *Set) RemoveUser(id bittorrent.UserID) {
	s.mu.Lock()
	delete(s.users, id)
	s.mu.Unlock()
}

// RecordUserProgress applies the (current - previous) delta for a user's
// announce on ih into the user's lifetime totals, and remembers the new
// (uploaded, downloaded, left) triple for next time. A Stopped announce
// should pass remove=true to drop the torrent from ActiveTorrents instead.
func (s *Set) RecordUserProgress(id bittorrent.UserID, ih bittorrent.InfoHash, uploaded, downloaded, left uint64, completedNow bool, now time.Time, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return
	}

	prev, hadPrev := u.ActiveTorrents[ih]
	if hadPrev {
		if uploaded >= prev.Uploaded {
			u.Uploaded += uploaded - prev.Uploaded
		}
		if downloaded >= prev.Downloaded {
			u.Downloaded += downloaded - prev.Downloaded
		}
	} else {
		u.Uploaded += uploaded
		u.Downloaded += downloaded
	}

	if completedNow {
		u.Completed++
	}

	if remove {
		delete(u.ActiveTorrents, ih)
	} else {
		u.ActiveTorrents[ih] = TorrentProgress{Uploaded: uploaded, Downloaded: downloaded, Left: left}
	}
	u.UpdatedAt = now
}

// Gate runs the announce-time policy checks in the order spec §4.E
// mandates: blacklist, then whitelist (if enabled), then key (if enabled).
// It stops at the first failure. User/passkey gating is handled separately
// by CheckPasskey since it depends on whether the request carried one.
func (s *Set) Gate(ih bittorrent.InfoHash, key string, hasKey bool, now time.Time) error {
	if s.blacklistMode && s.IsBlacklisted(ih) {
		return ErrBlacklisted
	}

	if s.whitelistMode && !s.IsWhitelisted(ih) {
		return ErrInfoHashNotWhitelisted
	}

	if s.keyMode {
		if !hasKey {
			return ErrKeyInvalid
		}
		keyHash := bittorrent.InfoHashFromString(key)
		present, expired := s.CheckKey(keyHash, now)
		if !present {
			return ErrKeyInvalid
		}
		if expired {
			return ErrKeyExpired
		}
	}

	return nil
}

// CheckPasskey enforces the users-mode gate: an unrecognized passkey is
// rejected, a recognized one is returned for the caller to record progress
// against.
func (s *Set) CheckPasskey(id bittorrent.UserID) (*UserEntry, error) {
	if !s.usersMode {
		return nil, nil
	}

	u, ok := s.LookupUser(id)
	if !ok {
		return nil, ErrUnknownUser
	}
	return u, nil
}

// UsersMode reports whether passkey accounting is active.
func (s *Set) UsersMode() bool { return s.usersMode }

// KeyMode reports whether key gating is active.
func (s *Set) KeyMode() bool { return s.keyMode }
