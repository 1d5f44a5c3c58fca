package stun

import (
	"fmt"
	"net/netip"

	"github.com/ethan/rtcore/pkg/wire"
)

// AttrType is a STUN/TURN attribute type (RFC 5389 §18.2, RFC 5766 §14).
type AttrType uint16

const (
	AttrMappedAddress       AttrType = 0x0001
	AttrUsername            AttrType = 0x0006
	AttrMessageIntegrity    AttrType = 0x0008
	AttrErrorCode           AttrType = 0x0009
	AttrRequestedTransport  AttrType = 0x0019
	AttrXORPeerAddress      AttrType = 0x0012
	AttrData                AttrType = 0x0013
	AttrRealm               AttrType = 0x0014
	AttrNonce               AttrType = 0x0015
	AttrXORRelayedAddress   AttrType = 0x0016
	AttrRequestedAddrFamily AttrType = 0x0017
	AttrLifetime            AttrType = 0x000D
	AttrXORMappedAddress    AttrType = 0x0020
	AttrFingerprint         AttrType = 0x8028
	AttrAlternateServer     AttrType = 0x8023
)

func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrXORPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXORRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrRequestedAddrFamily:
		return "REQUESTED-ADDRESS-FAMILY"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// Error codes referenced by TurnClient.
const (
	CodeUnauthorised = 401
	CodeStaleNonce   = 438
)

const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// EncodeXORAddress serialises addr/port as an XOR-MAPPED-ADDRESS-family
// attribute body (RFC 5389 §15.2): the port is XORed with the high 16
// bits of the magic cookie; an IPv4 address is XORed with the magic
// cookie; an IPv6 address is XORed with cookie||transactionID.
func EncodeXORAddress(addr netip.Addr, port uint16, txID [TransactionIDSize]byte) []byte {
	xport := port ^ uint16(MagicCookie>>16)
	if addr.Is4() {
		b := make([]byte, 8)
		b[1] = familyIPv4
		wire.PutUint16(b[2:4], xport)
		a := addr.As4()
		cookie := make([]byte, 4)
		wire.PutUint32(cookie, MagicCookie)
		for i := 0; i < 4; i++ {
			b[4+i] = a[i] ^ cookie[i]
		}
		return b
	}
	b := make([]byte, 20)
	b[1] = familyIPv6
	wire.PutUint16(b[2:4], xport)
	a := addr.As16()
	pad := make([]byte, 16)
	wire.PutUint32(pad[0:4], MagicCookie)
	copy(pad[4:16], txID[:])
	for i := 0; i < 16; i++ {
		b[4+i] = a[i] ^ pad[i]
	}
	return b
}

// DecodeXORAddress is the inverse of EncodeXORAddress.
func DecodeXORAddress(b []byte, txID [TransactionIDSize]byte) (netip.Addr, uint16, error) {
	if len(b) < 8 {
		return netip.Addr{}, 0, fmt.Errorf("stun: xor-address too short (%d bytes)", len(b))
	}
	family := b[1]
	xport := wire.Uint16(b[2:4])
	port := xport ^ uint16(MagicCookie>>16)

	switch family {
	case familyIPv4:
		if len(b) < 8 {
			return netip.Addr{}, 0, fmt.Errorf("stun: ipv4 xor-address truncated")
		}
		cookie := make([]byte, 4)
		wire.PutUint32(cookie, MagicCookie)
		var a [4]byte
		for i := 0; i < 4; i++ {
			a[i] = b[4+i] ^ cookie[i]
		}
		return netip.AddrFrom4(a), port, nil
	case familyIPv6:
		if len(b) < 20 {
			return netip.Addr{}, 0, fmt.Errorf("stun: ipv6 xor-address truncated")
		}
		pad := make([]byte, 16)
		wire.PutUint32(pad[0:4], MagicCookie)
		copy(pad[4:16], txID[:])
		var a [16]byte
		for i := 0; i < 16; i++ {
			a[i] = b[4+i] ^ pad[i]
		}
		return netip.AddrFrom16(a), port, nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// DecodeMappedAddress parses a non-XORed MAPPED-ADDRESS-format body
// (RFC 5389 §15.1), as sent by servers/clients that haven't upgraded to
// XOR-MAPPED-ADDRESS; this module only ever decodes it defensively.
func DecodeMappedAddress(b []byte) (netip.Addr, uint16, error) {
	if len(b) < 8 {
		return netip.Addr{}, 0, fmt.Errorf("stun: mapped-address too short")
	}
	family := b[1]
	port := wire.Uint16(b[2:4])
	switch family {
	case familyIPv4:
		var a [4]byte
		copy(a[:], b[4:8])
		return netip.AddrFrom4(a), port, nil
	case familyIPv6:
		if len(b) < 20 {
			return netip.Addr{}, 0, fmt.Errorf("stun: ipv6 mapped-address truncated")
		}
		var a [16]byte
		copy(a[:], b[4:20])
		return netip.AddrFrom16(a), port, nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// ErrorCode is a decoded ERROR-CODE attribute body (RFC 5389 §15.6):
// class (low 3 bits of the third byte), number (fourth byte), and the
// UTF-8 reason phrase.
type ErrorCode struct {
	Code   int
	Reason string
}

func DecodeErrorCode(b []byte) (ErrorCode, error) {
	if len(b) < 4 {
		return ErrorCode{}, fmt.Errorf("stun: error-code too short")
	}
	class := int(b[2] & 0x07)
	number := int(b[3])
	return ErrorCode{Code: class*100 + number, Reason: string(b[4:])}, nil
}

func EncodeErrorCode(code int, reason string) []byte {
	b := make([]byte, 4+len(reason))
	class := byte(code / 100)
	number := byte(code % 100)
	b[2] = class
	b[3] = number
	copy(b[4:], reason)
	return b
}
