package stun

import "github.com/ethan/rtcore/pkg/wire"

// ProtoUDP is the value REQUESTED-TRANSPORT carries for UDP relays
// (RFC 5766 §14.7); this module only ever allocates UDP relays.
const ProtoUDP byte = 17

// EncodeRequestedTransport builds a REQUESTED-TRANSPORT attribute body:
// protocol number followed by 3 reserved zero bytes.
func EncodeRequestedTransport(proto byte) []byte {
	return []byte{proto, 0, 0, 0}
}

// EncodeLifetime builds a LIFETIME attribute body: a 32-bit seconds value.
func EncodeLifetime(seconds uint32) []byte {
	b := make([]byte, 4)
	wire.PutUint32(b, seconds)
	return b
}

// DecodeLifetime parses a LIFETIME attribute body.
func DecodeLifetime(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return wire.Uint32(b)
}

// EncodeRequestedAddressFamily builds a REQUESTED-ADDRESS-FAMILY body
// (RFC 8656 §18.6): family byte followed by 3 reserved zero bytes.
func EncodeRequestedAddressFamily(family byte) []byte {
	return []byte{family, 0, 0, 0}
}
