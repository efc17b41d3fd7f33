package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker/bittorrent"
)

func TestWhitelistGate(t *testing.T) {
	s := New(Config{WhitelistMode: true})
	ih := bittorrent.InfoHashFromString("00000000000000000001")

	err := s.Gate(ih, "", false, time.Now())
	require.Equal(t, ErrInfoHashNotWhitelisted, err)

	s.AddWhitelist(ih)
	require.NoError(t, s.Gate(ih, "", false, time.Now()))
}

func TestBlacklistWinsOverWhitelist(t *testing.T) {
	s := New(Config{WhitelistMode: true, BlacklistMode: true})
	ih := bittorrent.InfoHashFromString("00000000000000000001")

	s.AddWhitelist(ih)
	s.AddBlacklist(ih)

	require.Equal(t, ErrBlacklisted, s.Gate(ih, "", false, time.Now()))
}

func TestKeyExpiry(t *testing.T) {
	s := New(Config{KeyMode: true})
	keyHash := bittorrent.InfoHashFromString("00000000000000000002")
	key := keyHash.String()[:20]
	_ = key

	now := time.Now()
	s.AddKey(keyHash, now.Add(time.Minute).Unix())

	present, expired := s.CheckKey(keyHash, now)
	require.True(t, present)
	require.False(t, expired)

	present, expired = s.CheckKey(keyHash, now.Add(2*time.Minute))
	require.True(t, present)
	require.True(t, expired)
}

func TestSweepExpiredKeys(t *testing.T) {
	s := New(Config{KeyMode: true})
	now := time.Now()
	expired := bittorrent.InfoHashFromString("00000000000000000003")
	valid := bittorrent.InfoHashFromString("00000000000000000004")

	s.AddKey(expired, now.Add(-time.Minute).Unix())
	s.AddKey(valid, now.Add(time.Hour).Unix())

	removed := s.SweepExpiredKeys(now)
	require.Equal(t, 1, removed)

	present, _ := s.CheckKey(expired, now)
	require.False(t, present)
	present, _ = s.CheckKey(valid, now)
	require.True(t, present)
}

func TestUnknownUserRejected(t *testing.T) {
	s := New(Config{UsersMode: true})
	id := bittorrent.UserIDFromString("00000000000000000005")

	_, err := s.CheckPasskey(id)
	require.Equal(t, ErrUnknownUser, err)

	s.AddUser(id)
	_, err = s.CheckPasskey(id)
	require.NoError(t, err)
}

func TestRecordUserProgressAccumulatesDeltas(t *testing.T) {
	s := New(Config{UsersMode: true})
	id := bittorrent.UserIDFromString("00000000000000000006")
	ih := bittorrent.InfoHashFromString("00000000000000000007")
	s.AddUser(id)

	now := time.Now()
	s.RecordUserProgress(id, ih, 100, 50, 900, false, now, false)
	s.RecordUserProgress(id, ih, 250, 120, 750, false, now, false)

	u, ok := s.LookupUser(id)
	require.True(t, ok)
	require.EqualValues(t, 150, u.Uploaded)
	require.EqualValues(t, 70, u.Downloaded)
}
