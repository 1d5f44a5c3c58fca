// Package stun implements STUN message framing and attribute codecs
// per RFC 5389, plus the TURN (RFC 5766) attributes this module's
// TurnClient needs: XOR-mapped addresses, MESSAGE-INTEGRITY (HMAC-SHA1),
// FINGERPRINT (CRC-32), and long-term credential handling.
package stun

import (
	"crypto/rand"
	"fmt"
)

// MagicCookie is the fixed STUN magic cookie (RFC 5389 §6).
const MagicCookie uint32 = 0x2112A442

// HeaderSize is the fixed 20-byte STUN header: type(2) + length(2) +
// cookie(4) + transaction ID(12).
const HeaderSize = 20

// TransactionIDSize is the STUN transaction ID length in bytes.
const TransactionIDSize = 12

// MessageType is the 12-bit method plus 2-bit class encoded in the
// first two header bytes (the high two bits are always zero).
type MessageType uint16

// Method is the low-order STUN/TURN method, independent of class.
type Method uint16

const (
	MethodBinding           Method = 0x0001
	MethodAllocate          Method = 0x0003
	MethodRefresh           Method = 0x0004
	MethodSend              Method = 0x0006
	MethodData              Method = 0x0007
	MethodCreatePermission  Method = 0x0008
	MethodChannelBind       Method = 0x0009
)

// Class is the STUN message class (RFC 5389 §6).
type Class uint16

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

// NewType builds a MessageType from a method and class, per RFC 5389
// §6's M11..M0 / C1 C0 bit interleaving.
func NewType(method Method, class Class) MessageType {
	m := uint16(method)
	c := uint16(class)
	t := (m & 0x000F) | ((c & 0x1) << 4) | ((m & 0x0070) << 1) | ((c & 0x2) << 7) | ((m & 0x0F80) << 2)
	return MessageType(t)
}

func (t MessageType) Method() Method {
	v := uint16(t)
	return Method((v & 0x000F) | ((v & 0x00E0) >> 1) | ((v & 0x3E00) >> 2))
}

func (t MessageType) Class() Class {
	v := uint16(t)
	return Class(((v & 0x0100) >> 7) | ((v & 0x0010) >> 4))
}

func (t MessageType) String() string {
	return fmt.Sprintf("method=0x%04x class=%d", t.Method(), t.Class())
}

// Message is a decoded STUN message: header fields plus an ordered
// attribute list. Attribute order is preserved across decode/encode so
// round-tripping an arbitrary message reproduces its original bytes.
type Message struct {
	Type          MessageType
	TransactionID [TransactionIDSize]byte
	Attributes    []Attribute
}

// Attribute is one raw (type, value) pair as it appears on the wire.
// Typed accessors below decode Value lazily so attribute order and
// unknown attribute types survive round-tripping untouched.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// NewTransactionID returns 12 cryptographically random bytes, the
// 96-bit transaction ID used by both STUN requests and TURN
// allocations.
func NewTransactionID() [TransactionIDSize]byte {
	var tid [TransactionIDSize]byte
	_, _ = rand.Read(tid[:])
	return tid
}

// Get returns the first attribute of type t, if present.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Add appends an attribute, preserving on-wire ordering.
func (m *Message) Add(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}
