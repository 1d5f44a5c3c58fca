package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSHA1RoundTrip(t *testing.T) {
	key := []byte("secret-key")
	msg := []byte("the quick brown fox")

	mac := HMACSHA1(key, msg)
	require.True(t, VerifyHMACSHA1(key, msg, mac))

	flipped := append([]byte(nil), msg...)
	flipped[0] ^= 0x01
	require.False(t, VerifyHMACSHA1(key, flipped, mac))
}

func TestLongTermKeyDeterministic(t *testing.T) {
	k1 := LongTermKey("alice", "example.com", "hunter2")
	k2 := LongTermKey("alice", "example.com", "hunter2")
	assert.Equal(t, k1, k2)

	k3 := LongTermKey("alice", "example.com", "different")
	assert.NotEqual(t, k1, k3)
}

func TestCRC32FingerprintXOR(t *testing.T) {
	msg := []byte{0x00, 0x01, 0x02, 0x03}
	fp := CRC32Fingerprint(msg)
	assert.NotZero(t, fp)
	assert.Equal(t, fp, CRC32Fingerprint(msg)) // sanity: function is pure
}

func TestNptTimestamp90KBeforeRollover(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	got := NptTimestamp90K(now)
	totalMs := now.Sub(ntpEpoch).Milliseconds()
	want := uint32(uint64(totalMs*90) & 0xFFFFFFFF)
	assert.Equal(t, want, got)
}

func TestNptTimestamp90KAfterRollover(t *testing.T) {
	now := time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)
	got := NptTimestamp90K(now)
	totalMs := now.Sub(ntpEra1Rollover).Milliseconds()
	want := uint32(uint64(totalMs*90) & 0xFFFFFFFF)
	assert.Equal(t, want, got)
}

func TestNTPTimestamp64SplitsSecondsAndFraction(t *testing.T) {
	now := ntpEpoch.Add(90 * time.Second).Add(250 * time.Millisecond)
	got := NTPTimestamp64(now)
	assert.Equal(t, uint64(90), got>>32)
	assert.InDelta(t, float64(uint32(got))/float64(1<<32), 0.25, 0.001)
}
