package stun

import (
	"fmt"

	"github.com/ethan/rtcore/pkg/wire"
)

// padTo4 returns the number of padding bytes needed to round n up to a
// multiple of 4, per RFC 5389 §15 (every attribute value is padded).
func padTo4(n int) int {
	if n%4 == 0 {
		return 0
	}
	return 4 - n%4
}

// Encode serialises m to wire format. The message-length header field
// is computed from the attribute list as given; callers that need
// MESSAGE-INTEGRITY/FINGERPRINT should add those attributes with
// AddMessageIntegrity/AddFingerprint, which recompute the length field
// correctly around them.
func Encode(m *Message) ([]byte, error) {
	body := make([]byte, 0, 64)
	for _, a := range m.Attributes {
		body = appendAttribute(body, a)
	}

	out := make([]byte, HeaderSize+len(body))
	wire.PutUint16(out[0:2], uint16(m.Type))
	wire.PutUint16(out[2:4], uint16(len(body)))
	wire.PutUint32(out[4:8], MagicCookie)
	copy(out[8:20], m.TransactionID[:])
	copy(out[20:], body)
	return out, nil
}

func appendAttribute(body []byte, a Attribute) []byte {
	header := make([]byte, 4)
	wire.PutUint16(header[0:2], uint16(a.Type))
	wire.PutUint16(header[2:4], uint16(len(a.Value)))
	body = append(body, header...)
	body = append(body, a.Value...)
	body = append(body, make([]byte, padTo4(len(a.Value)))...)
	return body
}

// Decode parses a raw STUN/TURN message. The high two bits of the type
// field MUST be zero (RFC 5389 §6); a failing magic cookie is rejected
// as not-a-STUN-message rather than parsed defensively.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("stun: message shorter than header (%d bytes)", len(b))
	}
	typ := wire.Uint16(b[0:2])
	if typ&0xC000 != 0 {
		return nil, fmt.Errorf("stun: high two type bits must be zero, got 0x%04x", typ)
	}
	length := wire.Uint16(b[2:4])
	cookie := wire.Uint32(b[4:8])
	if cookie != MagicCookie {
		return nil, fmt.Errorf("stun: bad magic cookie 0x%08x", cookie)
	}
	if HeaderSize+int(length) > len(b) {
		return nil, fmt.Errorf("stun: message length %d exceeds buffer", length)
	}

	m := &Message{Type: MessageType(typ)}
	copy(m.TransactionID[:], b[8:20])

	body := b[HeaderSize : HeaderSize+int(length)]
	off := 0
	for off+4 <= len(body) {
		atype := AttrType(wire.Uint16(body[off : off+2]))
		alen := int(wire.Uint16(body[off+2 : off+4]))
		off += 4
		if off+alen > len(body) {
			return nil, fmt.Errorf("stun: attribute 0x%04x length %d exceeds message", atype, alen)
		}
		value := make([]byte, alen)
		copy(value, body[off:off+alen])
		m.Attributes = append(m.Attributes, Attribute{Type: atype, Value: value})
		off += alen + padTo4(alen)
	}
	return m, nil
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed
// over the message so far, re-encoding it with the length field
// rewritten to include the new attribute's own 24 bytes (4 header + 20
// HMAC-SHA1 digest) — but never a trailing FINGERPRINT, since
// MESSAGE-INTEGRITY always precedes FINGERPRINT on the wire.
func AddMessageIntegrity(m *Message, key []byte) error {
	prefix, err := encodeWithLength(m, 24)
	if err != nil {
		return err
	}
	mac := wire.HMACSHA1(key, prefix)
	m.Add(AttrMessageIntegrity, mac)
	return nil
}

// VerifyMessageIntegrity recomputes MESSAGE-INTEGRITY over the message
// prefix preceding it (with the length field rewritten as encoding
// would have produced, excluding any trailing FINGERPRINT) and compares
// it against the attribute already present in m.
func VerifyMessageIntegrity(raw []byte, key []byte) (bool, error) {
	m, err := Decode(raw)
	if err != nil {
		return false, err
	}
	miAttr, ok := m.Get(AttrMessageIntegrity)
	if !ok {
		return false, fmt.Errorf("stun: no MESSAGE-INTEGRITY attribute present")
	}

	// Find the offset of the MESSAGE-INTEGRITY attribute's header within
	// the original bytes so the prefix we HMAC matches exactly what the
	// sender signed, with the length field patched to stop there.
	off := HeaderSize
	miEnd := -1
	for _, a := range m.Attributes {
		alen := len(a.Value)
		attrTotal := 4 + alen + padTo4(alen)
		if a.Type == AttrMessageIntegrity {
			miEnd = off + 4 + alen
			break
		}
		off += attrTotal
	}
	if miEnd < 0 || miEnd > len(raw) {
		return false, fmt.Errorf("stun: could not locate MESSAGE-INTEGRITY bytes")
	}

	prefix := make([]byte, off)
	copy(prefix, raw[:off])
	wire.PutUint16(prefix[2:4], uint16(miEnd-HeaderSize))

	return wire.VerifyHMACSHA1(key, prefix, miAttr.Value), nil
}

// AddFingerprint appends a FINGERPRINT attribute: the IEEE CRC-32 of
// the message preceding it (with the length field rewritten to include
// FINGERPRINT's own 8 bytes), XORed with the STUN fingerprint constant.
func AddFingerprint(m *Message) error {
	prefix, err := encodeWithLength(m, 8)
	if err != nil {
		return err
	}
	fp := wire.CRC32Fingerprint(prefix)
	fpBytes := make([]byte, 4)
	wire.PutUint32(fpBytes, fp)
	m.Add(AttrFingerprint, fpBytes)
	return nil
}

// VerifyFingerprint reports whether the trailing FINGERPRINT attribute
// in raw is correct.
func VerifyFingerprint(raw []byte) (bool, error) {
	m, err := Decode(raw)
	if err != nil {
		return false, err
	}
	if len(m.Attributes) == 0 || m.Attributes[len(m.Attributes)-1].Type != AttrFingerprint {
		return false, fmt.Errorf("stun: FINGERPRINT must be the last attribute")
	}
	fpAttr := m.Attributes[len(m.Attributes)-1]
	prefixLen := len(raw) - (4 + len(fpAttr.Value) + padTo4(len(fpAttr.Value)))
	prefix := make([]byte, prefixLen)
	copy(prefix, raw[:prefixLen])
	wire.PutUint16(prefix[2:4], uint16(len(raw)-HeaderSize))
	want := wire.CRC32Fingerprint(prefix)
	got := wire.Uint32(fpAttr.Value)
	return want == got, nil
}

// encodeWithLength encodes m's current attributes and returns that
// prefix with the header length field rewritten to additionally count
// extraBytes (the not-yet-appended attribute this prefix is being
// signed/checksummed for).
func encodeWithLength(m *Message, extraBytes int) ([]byte, error) {
	raw, err := Encode(m)
	if err != nil {
		return nil, err
	}
	current := wire.Uint16(raw[2:4])
	wire.PutUint16(raw[2:4], current+uint16(extraBytes))
	return raw, nil
}
