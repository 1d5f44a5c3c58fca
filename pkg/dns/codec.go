// Package dns implements RFC 1035 message framing: header flags, the
// question and resource-record sections, label compression, and the
// tagged-union resource-record bodies this module resolves (A, AAAA,
// CNAME, NS, PTR, SOA, MX, SRV, NAPTR, HINFO, TXT, plus a raw fallback
// for anything else).
package dns

import (
	"encoding/binary"
	"fmt"
)

// Limits applied to decoded messages to bound resource use on
// malformed or adversarial input.
const (
	MaxMessageSize   = 4096
	MaxRRPerSection  = 100
	MaxTotalRR       = 200
)

// DnsResponse is a full DNS message: header plus the four sections.
type DnsResponse struct {
	ID          uint16
	Flags       uint16
	Questions   []DnsQuestion
	Answers     []DnsResourceRecord
	Authorities []DnsResourceRecord
	Additionals []DnsResourceRecord
}

func (r *DnsResponse) RCode() RCode { return RCode(r.Flags & RCodeMask) }

// Marshal serializes the response to wire format, compressing repeated
// name suffixes across the whole message.
func (r *DnsResponse) Marshal() ([]byte, error) {
	h := Header{
		ID:      r.ID,
		Flags:   r.Flags,
		QDCount: uint16(len(r.Questions)),
		ANCount: uint16(len(r.Answers)),
		NSCount: uint16(len(r.Authorities)),
		ARCount: uint16(len(r.Additionals)),
	}
	buf := make([]byte, HeaderSize)
	h.marshal(buf)

	c := newNameCompressor()
	var err error
	for _, q := range r.Questions {
		if buf, err = marshalQuestion(buf, q, c); err != nil {
			return nil, err
		}
	}
	for _, section := range [][]DnsResourceRecord{r.Answers, r.Authorities, r.Additionals} {
		for _, rr := range section {
			if buf, err = marshalRecord(buf, rr, c); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

// EncodeRequest builds a standard recursive query for name/qtype with
// the given ID and RD set, one question, no other sections.
func EncodeRequest(id uint16, name string, qtype RRType) ([]byte, error) {
	h := Header{ID: id, Flags: RDFlag, QDCount: 1}
	buf := make([]byte, HeaderSize)
	h.marshal(buf)

	c := newNameCompressor()
	qname, err := writeName(nil, name, c)
	if err != nil {
		return nil, err
	}
	buf = append(buf, qname...)
	tail := make([]byte, 4)
	binary.BigEndian.PutUint16(tail[0:2], uint16(qtype))
	binary.BigEndian.PutUint16(tail[2:4], uint16(ClassIN))
	buf = append(buf, tail...)
	return buf, nil
}

// DecodeResponse parses a complete DNS message from msg.
func DecodeResponse(msg []byte) (*DnsResponse, error) {
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message too large (%d > %d)", ErrDNS, len(msg), MaxMessageSize)
	}

	off := 0
	h, err := parseHeader(msg, &off)
	if err != nil {
		return nil, err
	}
	if err := checkSectionCounts(h); err != nil {
		return nil, err
	}

	resp := &DnsResponse{ID: h.ID, Flags: h.Flags}

	resp.Questions = make([]DnsQuestion, 0, h.QDCount)
	for i := uint16(0); i < h.QDCount; i++ {
		q, err := parseQuestion(msg, &off)
		if err != nil {
			return nil, err
		}
		resp.Questions = append(resp.Questions, q)
	}

	for _, n := range []struct {
		count uint16
		dest  *[]DnsResourceRecord
	}{
		{h.ANCount, &resp.Answers},
		{h.NSCount, &resp.Authorities},
		{h.ARCount, &resp.Additionals},
	} {
		*n.dest = make([]DnsResourceRecord, 0, min(int(n.count), MaxRRPerSection))
		for i := uint16(0); i < n.count; i++ {
			rr, err := parseRecord(msg, &off)
			if err != nil {
				return nil, err
			}
			*n.dest = append(*n.dest, rr)
		}
	}

	return resp, nil
}

func checkSectionCounts(h Header) error {
	an, ns, ar := int(h.ANCount), int(h.NSCount), int(h.ARCount)
	if an > MaxRRPerSection || ns > MaxRRPerSection || ar > MaxRRPerSection {
		return fmt.Errorf("%w: too many resource records in a section", ErrDNS)
	}
	if an+ns+ar > MaxTotalRR {
		return fmt.Errorf("%w: too many total resource records", ErrDNS)
	}
	return nil
}

func marshalQuestion(buf []byte, q DnsQuestion, c *nameCompressor) ([]byte, error) {
	buf, err := writeName(buf, q.Name, c)
	if err != nil {
		return nil, err
	}
	tail := make([]byte, 4)
	binary.BigEndian.PutUint16(tail[0:2], uint16(q.Type))
	binary.BigEndian.PutUint16(tail[2:4], uint16(q.Class))
	return append(buf, tail...), nil
}

func parseQuestion(msg []byte, off *int) (DnsQuestion, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return DnsQuestion{}, err
	}
	if *off+4 > len(msg) {
		return DnsQuestion{}, errUnexpectedEOF("question")
	}
	q := DnsQuestion{
		Name:  normalizeName(name),
		Type:  RRType(binary.BigEndian.Uint16(msg[*off : *off+2])),
		Class: RRClass(binary.BigEndian.Uint16(msg[*off+2 : *off+4])),
	}
	*off += 4
	return q, nil
}

func marshalRecord(buf []byte, rr DnsResourceRecord, c *nameCompressor) ([]byte, error) {
	var err error
	buf, err = writeName(buf, rr.Name, c)
	if err != nil {
		return nil, err
	}

	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], uint16(rr.Type))
	binary.BigEndian.PutUint16(fixed[2:4], uint16(rr.Class))
	binary.BigEndian.PutUint32(fixed[4:8], rr.TTL)
	rdlenPos := len(buf) + 8
	buf = append(buf, fixed...)

	rdata, err := rr.Data.rdataMarshal(c)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf[rdlenPos:rdlenPos+2], uint16(len(rdata)))
	return append(buf, rdata...), nil
}

func parseRecord(msg []byte, off *int) (DnsResourceRecord, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return DnsResourceRecord{}, err
	}
	if *off+10 > len(msg) {
		return DnsResourceRecord{}, errUnexpectedEOF("record")
	}
	rrType := RRType(binary.BigEndian.Uint16(msg[*off : *off+2]))
	rrClass := RRClass(binary.BigEndian.Uint16(msg[*off+2 : *off+4]))
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10

	rdStart := *off
	if rdStart+rdlen > len(msg) {
		return DnsResourceRecord{}, errUnexpectedEOF("record rdata")
	}

	data, err := decodeRData(msg, off, rrType, rdStart, rdlen)
	if err != nil {
		return DnsResourceRecord{}, err
	}

	return DnsResourceRecord{
		Name:  normalizeName(name),
		Type:  rrType,
		Class: rrClass,
		TTL:   ttl,
		Data:  data,
	}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
