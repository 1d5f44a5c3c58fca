// Package wire holds the small bit-exact helpers shared by every wire
// codec in this module: big-endian integer helpers, the STUN FINGERPRINT
// CRC-32 and MESSAGE-INTEGRITY HMAC-SHA1 wrappers, and NPT/NTP timestamp
// conversion for RTCP sender reports.
package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"time"
)

// PutUint16 and friends exist so callers building wire buffers don't
// repeat binary.BigEndian at every call site.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func PutUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

func Uint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func Uint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func Uint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// FingerprintXOR is the constant STUN FINGERPRINT attributes are XORed
// with (RFC 5389 §15.5).
const FingerprintXOR uint32 = 0x5354554E

// CRC32Fingerprint computes the STUN FINGERPRINT value: the IEEE CRC-32
// of msg XORed with FingerprintXOR.
func CRC32Fingerprint(msg []byte) uint32 {
	return crc32.ChecksumIEEE(msg) ^ FingerprintXOR
}

// HMACSHA1 computes the MESSAGE-INTEGRITY value: HMAC-SHA1 of msg using key.
func HMACSHA1(key, msg []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// VerifyHMACSHA1 reports whether mac is the correct HMAC-SHA1 of msg
// under key, using constant-time comparison.
func VerifyHMACSHA1(key, msg, mac []byte) bool {
	expected := HMACSHA1(key, msg)
	return hmac.Equal(expected, mac)
}

// LongTermKey derives the STUN/TURN long-term credential key:
// MD5(username ":" realm ":" password), per RFC 5389 §15.4.
func LongTermKey(username, realm, password string) []byte {
	h := md5.New()
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(realm))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return h.Sum(nil)
}

// ntpEpoch is 1900-01-01T00:00:00Z, the NTP Era-0 epoch.
var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ntpEra1Rollover is 2036-02-07T06:28:16Z, the instant NTP 32-bit
// seconds wrap from Era 0 into Era 1.
var ntpEra1Rollover = time.Date(2036, 2, 7, 6, 28, 16, 0, time.UTC)

// npt90KTicksPerSecond is the RTP clock rate NTP timestamps are
// rescaled to for RFC 2435 JPEG/RTCP use (90kHz).
const npt90KTicksPerSecond = 90000

// NptTimestamp90K converts now to a 90kHz "NPT" timestamp: milliseconds
// since the applicable NTP epoch, scaled to a 90kHz clock and wrapped
// to 32 bits. The epoch used is 1900-01-01 UTC unless now has already
// reached the Era-1 rollover instant, in which case the rollover
// instant itself is used as the epoch — a deliberately rudimentary
// rollover handling rather than a full Era-2 scheme.
func NptTimestamp90K(now time.Time) uint32 {
	epoch := ntpEpoch
	if !now.Before(ntpEra1Rollover) {
		epoch = ntpEra1Rollover
	}
	totalMs := now.Sub(epoch).Milliseconds()
	return uint32(uint64(totalMs*90) & 0xFFFFFFFF)
}

// NTPTimestamp64 converts now into the 64-bit fixed-point NTP timestamp
// format used by RTCP sender reports: the high 32 bits are whole
// seconds since the NTP epoch, the low 32 bits are the fractional
// second scaled to 2^32.
func NTPTimestamp64(now time.Time) uint64 {
	d := now.Sub(ntpEpoch)
	seconds := d / time.Second
	frac := d % time.Second
	fractional := (uint64(frac) << 32) / uint64(time.Second)
	return uint64(seconds)<<32 | fractional
}
