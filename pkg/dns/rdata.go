package dns

import (
	"encoding/binary"
	"fmt"
)

func (d AData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	return append([]byte(nil), d.Addr[:]...), nil
}

func (d AAAAData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	return append([]byte(nil), d.Addr[:]...), nil
}

func (d NameData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	return writeName(nil, d.Name, c)
}

func (d SOAData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	buf, err := writeName(nil, d.MName, c)
	if err != nil {
		return nil, err
	}
	buf, err = writeName(buf, d.RName, c)
	if err != nil {
		return nil, err
	}
	tail := make([]byte, 20)
	binary.BigEndian.PutUint32(tail[0:4], d.Serial)
	binary.BigEndian.PutUint32(tail[4:8], d.Refresh)
	binary.BigEndian.PutUint32(tail[8:12], d.Retry)
	binary.BigEndian.PutUint32(tail[12:16], d.Expire)
	binary.BigEndian.PutUint32(tail[16:20], d.Minimum)
	return append(buf, tail...), nil
}

func (d MXData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	pref := make([]byte, 2)
	binary.BigEndian.PutUint16(pref, d.Preference)
	return writeName(pref, d.Exchange, c)
}

func (d SRVData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	head := make([]byte, 6)
	binary.BigEndian.PutUint16(head[0:2], d.Priority)
	binary.BigEndian.PutUint16(head[2:4], d.Weight)
	binary.BigEndian.PutUint16(head[4:6], d.Port)
	// RFC 2782: the target name is not eligible for compression.
	target, err := EncodeName(d.Target)
	if err != nil {
		return nil, err
	}
	return append(head, target...), nil
}

func (d NAPTRData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	head := make([]byte, 4)
	binary.BigEndian.PutUint16(head[0:2], d.Order)
	binary.BigEndian.PutUint16(head[2:4], d.Preference)
	out := head
	for _, s := range []string{d.Flags, d.Services, d.Regexp} {
		cs, err := encodeCharString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	replacement, err := EncodeName(d.Replacement)
	if err != nil {
		return nil, err
	}
	return append(out, replacement...), nil
}

func (d HINFOData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	cpu, err := encodeCharString(d.CPU)
	if err != nil {
		return nil, err
	}
	os, err := encodeCharString(d.OS)
	if err != nil {
		return nil, err
	}
	return append(cpu, os...), nil
}

func (d TXTData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	var out []byte
	for _, s := range d.Strings {
		cs, err := encodeCharString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func (d RawRData) rdataMarshal(c *nameCompressor) ([]byte, error) {
	return append([]byte(nil), d.Bytes...), nil
}

func encodeCharString(s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("%w: character-string cannot exceed 255 bytes", ErrDNS)
	}
	out := make([]byte, 1+len(s))
	out[0] = byte(len(s))
	copy(out[1:], s)
	return out, nil
}

func decodeCharString(msg []byte, off *int) (string, error) {
	if *off >= len(msg) {
		return "", fmt.Errorf("%w: unexpected EOF while reading character-string", ErrDNS)
	}
	n := int(msg[*off])
	*off++
	if *off+n > len(msg) {
		return "", fmt.Errorf("%w: unexpected EOF while reading character-string body", ErrDNS)
	}
	s := string(msg[*off : *off+n])
	*off += n
	return s, nil
}

// decodeRData decodes the rdata for rrType starting at *off, which must
// equal rdStart on entry; it is an error for the decode not to consume
// exactly rdlen bytes.
func decodeRData(msg []byte, off *int, rrType RRType, rdStart, rdlen int) (RData, error) {
	switch rrType {
	case TypeA:
		if rdlen != 4 {
			return nil, fmt.Errorf("%w: A rdata must be 4 bytes, got %d", ErrDNS, rdlen)
		}
		var d AData
		copy(d.Addr[:], msg[*off:*off+4])
		*off += 4
		return d, nil
	case TypeAAAA:
		if rdlen != 16 {
			return nil, fmt.Errorf("%w: AAAA rdata must be 16 bytes, got %d", ErrDNS, rdlen)
		}
		var d AAAAData
		copy(d.Addr[:], msg[*off:*off+16])
		*off += 16
		return d, nil
	case TypeCNAME, TypeNS, TypePTR:
		name, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for name-based type %d", ErrDNS, rrType)
		}
		return NameData{Name: name}, nil
	case TypeSOA:
		mname, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		rname, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		if *off+20 > len(msg) {
			return nil, errUnexpectedEOF("SOA rdata")
		}
		d := SOAData{
			MName:   mname,
			RName:   rname,
			Serial:  binary.BigEndian.Uint32(msg[*off : *off+4]),
			Refresh: binary.BigEndian.Uint32(msg[*off+4 : *off+8]),
			Retry:   binary.BigEndian.Uint32(msg[*off+8 : *off+12]),
			Expire:  binary.BigEndian.Uint32(msg[*off+12 : *off+16]),
			Minimum: binary.BigEndian.Uint32(msg[*off+16 : *off+20]),
		}
		*off += 20
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for SOA", ErrDNS)
		}
		return d, nil
	case TypeMX:
		if *off+2 > len(msg) {
			return nil, errUnexpectedEOF("MX preference")
		}
		pref := binary.BigEndian.Uint16(msg[*off : *off+2])
		*off += 2
		exchange, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for MX", ErrDNS)
		}
		return MXData{Preference: pref, Exchange: exchange}, nil
	case TypeSRV:
		if *off+6 > len(msg) {
			return nil, errUnexpectedEOF("SRV rdata")
		}
		d := SRVData{
			Priority: binary.BigEndian.Uint16(msg[*off : *off+2]),
			Weight:   binary.BigEndian.Uint16(msg[*off+2 : *off+4]),
			Port:     binary.BigEndian.Uint16(msg[*off+4 : *off+6]),
		}
		*off += 6
		target, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		d.Target = target
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for SRV", ErrDNS)
		}
		return d, nil
	case TypeNAPTR:
		if *off+4 > len(msg) {
			return nil, errUnexpectedEOF("NAPTR rdata")
		}
		d := NAPTRData{
			Order:      binary.BigEndian.Uint16(msg[*off : *off+2]),
			Preference: binary.BigEndian.Uint16(msg[*off+2 : *off+4]),
		}
		*off += 4
		var err error
		if d.Flags, err = decodeCharString(msg, off); err != nil {
			return nil, err
		}
		if d.Services, err = decodeCharString(msg, off); err != nil {
			return nil, err
		}
		if d.Regexp, err = decodeCharString(msg, off); err != nil {
			return nil, err
		}
		if d.Replacement, err = DecodeName(msg, off); err != nil {
			return nil, err
		}
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for NAPTR", ErrDNS)
		}
		return d, nil
	case TypeHINFO:
		cpu, err := decodeCharString(msg, off)
		if err != nil {
			return nil, err
		}
		os, err := decodeCharString(msg, off)
		if err != nil {
			return nil, err
		}
		if *off-rdStart != rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for HINFO", ErrDNS)
		}
		return HINFOData{CPU: cpu, OS: os}, nil
	case TypeTXT:
		var strs []string
		for *off < rdStart+rdlen {
			s, err := decodeCharString(msg, off)
			if err != nil {
				return nil, err
			}
			strs = append(strs, s)
		}
		if *off != rdStart+rdlen {
			return nil, fmt.Errorf("%w: invalid rdata length for TXT", ErrDNS)
		}
		return TXTData{Strings: strs}, nil
	default:
		b := make([]byte, rdlen)
		copy(b, msg[*off:*off+rdlen])
		*off += rdlen
		return RawRData{Bytes: b}, nil
	}
}
