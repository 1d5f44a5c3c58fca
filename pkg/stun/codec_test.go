package stun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/rtcore/pkg/wire"
)

func TestRoundTripPreservesAttributeOrder(t *testing.T) {
	m := &Message{
		Type:          NewType(MethodAllocate, ClassRequest),
		TransactionID: NewTransactionID(),
	}
	m.Add(AttrUsername, []byte("alice"))
	m.Add(AttrRealm, []byte("example.com"))
	m.Add(AttrNonce, []byte("abc123"))
	m.Add(AttrLifetime, []byte{0, 0, 2, 88})

	raw, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, m.TransactionID, decoded.TransactionID)
	require.Len(t, decoded.Attributes, len(m.Attributes))
	for i, a := range m.Attributes {
		require.Equal(t, a.Type, decoded.Attributes[i].Type, "attribute order must be preserved at index %d", i)
		require.Equal(t, a.Value, decoded.Attributes[i].Value)
	}

	reEncoded, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, raw, reEncoded)
}

func TestFingerprintIdempotence(t *testing.T) {
	m := &Message{Type: NewType(MethodBinding, ClassRequest), TransactionID: NewTransactionID()}
	m.Add(AttrUsername, []byte("bob"))
	require.NoError(t, AddFingerprint(m))

	raw, err := Encode(m)
	require.NoError(t, err)

	ok, err := VerifyFingerprint(raw)
	require.NoError(t, err)
	require.True(t, ok)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	reEncoded, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, raw, reEncoded)
}

func TestMessageIntegrityValidAndBitFlip(t *testing.T) {
	key := wire.LongTermKey("alice", "example.com", "hunter2")

	m := &Message{Type: NewType(MethodAllocate, ClassRequest), TransactionID: NewTransactionID()}
	m.Add(AttrUsername, []byte("alice"))
	m.Add(AttrRealm, []byte("example.com"))
	m.Add(AttrNonce, []byte("abc123"))
	require.NoError(t, AddMessageIntegrity(m, key))
	require.NoError(t, AddFingerprint(m))

	raw, err := Encode(m)
	require.NoError(t, err)

	ok, err := VerifyMessageIntegrity(raw, key)
	require.NoError(t, err)
	require.True(t, ok)

	flipped := append([]byte(nil), raw...)
	flipped[HeaderSize] ^= 0x01
	ok, err = VerifyMessageIntegrity(flipped, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestXORMappedAddressIPv4(t *testing.T) {
	// family=0x01, port 0x2112^0xabcd=0x8adf,
	// addr 0x2112A442 ^ 0x7F000001 = 0x5E12A443 -> (127.0.0.1, 0xABCD).
	var txID [TransactionIDSize]byte
	addr := netip.MustParseAddr("127.0.0.1")
	encoded := EncodeXORAddress(addr, 0xABCD, txID)

	require.Equal(t, byte(familyIPv4), encoded[1])
	require.Equal(t, uint16(0x8adf), wire.Uint16(encoded[2:4]))
	require.Equal(t, uint32(0x5E12A443), wire.Uint32(encoded[4:8]))

	decodedAddr, decodedPort, err := DecodeXORAddress(encoded, txID)
	require.NoError(t, err)
	require.Equal(t, addr, decodedAddr)
	require.Equal(t, uint16(0xABCD), decodedPort)
}

func TestXORMappedAddressIPv6RoundTrip(t *testing.T) {
	txID := NewTransactionID()
	addr := netip.MustParseAddr("2001:db8::1")
	encoded := EncodeXORAddress(addr, 12345, txID)

	decodedAddr, decodedPort, err := DecodeXORAddress(encoded, txID)
	require.NoError(t, err)
	require.Equal(t, addr, decodedAddr)
	require.Equal(t, uint16(12345), decodedPort)
}

func TestDecodeRejectsBadMagicCookie(t *testing.T) {
	raw := make([]byte, HeaderSize)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsNonZeroHighBits(t *testing.T) {
	m := &Message{Type: NewType(MethodBinding, ClassRequest), TransactionID: NewTransactionID()}
	raw, err := Encode(m)
	require.NoError(t, err)
	raw[0] |= 0xC0
	_, err = Decode(raw)
	require.Error(t, err)
}
