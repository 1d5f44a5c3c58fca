package mjpeg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header is one packet's parsed RFC 2435 JPEG RTP payload header.
type Header struct {
	TypeSpecific    byte
	FragmentOffset  uint32
	Type            byte
	Q               byte
	Width           int // pixels
	Height          int // pixels
	RestartInterval uint16
	RestartCount    uint16
	HasRestart      bool
}

// baseType strips the restart-marker bit (64) that types 64..127 add
// to the underlying format type (0 = 4:2:2, 1 = 4:2:0).
func (h Header) baseType() byte {
	if h.Type >= 64 {
		return h.Type - 64
	}
	return h.Type
}

// parseHeader parses the fixed 8-byte header, the optional 4-byte
// restart-marker header (types 64..127), and — only for the packet at
// fragment offset 0 — the quantization-table block. It returns the
// header, the remaining scan payload, and any explicit quantization
// table bytes present (nil if none).
func parseHeader(buf []byte) (Header, []byte, []byte, error) {
	if len(buf) < 8 {
		return Header{}, nil, nil, fmt.Errorf("mjpeg: packet too short for jpeg header: %d bytes", len(buf))
	}
	h := Header{
		TypeSpecific:   buf[0],
		FragmentOffset: uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		Type:           buf[4],
		Q:              buf[5],
		Width:          int(buf[6]) * 8,
		Height:         int(buf[7]) * 8,
	}
	if h.Type >= 2 && h.Type <= 5 {
		return Header{}, nil, nil, fmt.Errorf("mjpeg: reserved jpeg type %d", h.Type)
	}

	rest := buf[8:]
	if h.Type >= 64 {
		if len(rest) < 4 {
			return Header{}, nil, nil, fmt.Errorf("mjpeg: packet too short for restart marker header")
		}
		h.HasRestart = true
		h.RestartInterval = binary.BigEndian.Uint16(rest[0:2])
		flc := binary.BigEndian.Uint16(rest[2:4])
		h.RestartCount = flc & 0x3FFF
		rest = rest[4:]
	}

	var qTable []byte
	if h.FragmentOffset == 0 && h.Q > 127 {
		if len(rest) < 4 {
			return Header{}, nil, nil, fmt.Errorf("mjpeg: packet too short for quantization table header")
		}
		precision := rest[1]
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		if len(rest) < length {
			return Header{}, nil, nil, fmt.Errorf("mjpeg: quantization table length %d exceeds payload", length)
		}
		qTable = append([]byte(nil), rest[:length]...)
		_ = precision // precision 0 (1 byte/coefficient) is the only form produced by encoders this module targets
		rest = rest[length:]
	}

	return h, rest, qTable, nil
}

// Assembler reassembles one JPEG frame's ordered RTP packets into a
// JFIF byte stream.
type Assembler struct {
	scan            bytes.Buffer
	width, height   int
	baseType        byte
	restartInterval uint16
	lumaQ, chromaQ  []byte
	started         bool
}

// NewAssembler returns an empty Assembler ready for AddPacket calls.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// AddPacket feeds one RTP payload (the bytes after the RTP header) in
// sequence-number order. The packet at fragment offset 0 establishes
// the frame's dimensions and quantization tables; every packet's
// post-header bytes are appended to the scan data.
func (a *Assembler) AddPacket(payload []byte) error {
	h, scan, qTable, err := parseHeader(payload)
	if err != nil {
		return err
	}

	if h.FragmentOffset == 0 {
		if h.Width == 0 || h.Height == 0 {
			// Some encoders require an out-of-band extension to signal
			// resolutions above 2040px; treat as non-fatal.
		}
		a.width, a.height = h.Width, h.Height
		a.baseType = h.baseType()
		if h.HasRestart {
			a.restartInterval = h.RestartInterval
		}
		if qTable != nil {
			if len(qTable) < 128 {
				return fmt.Errorf("mjpeg: explicit quantization table block too short: %d bytes", len(qTable))
			}
			a.lumaQ = append([]byte(nil), qTable[:64]...)
			a.chromaQ = append([]byte(nil), qTable[64:128]...)
		} else {
			a.lumaQ = deriveQuantTable(lumaQuantizer, int(h.Q))
			a.chromaQ = deriveQuantTable(chromaQuantizer, int(h.Q))
		}
		a.started = true
	}

	a.scan.Write(scan)
	return nil
}

// Reset discards any in-progress frame so the Assembler can be reused.
func (a *Assembler) Reset() {
	a.scan.Reset()
	a.width, a.height = 0, 0
	a.baseType = 0
	a.restartInterval = 0
	a.lumaQ, a.chromaQ = nil, nil
	a.started = false
}

// Bytes synthesises the JFIF container for the frame assembled so far:
// SOI, APP0, an optional DRI, the two DQT segments, four fixed DHT
// segments, SOF0, SOS, the scan data, and a trailing EOI (only
// appended if the scan doesn't already end with one).
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.started {
		return nil, fmt.Errorf("mjpeg: no packet at fragment offset 0 received")
	}

	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8}) // SOI

	out.Write([]byte{0xFF, 0xE0, 0x00, 0x10})
	out.WriteString("JFIF")
	out.WriteByte(0x00)
	out.Write([]byte{0x01, 0x01}) // version 1.1
	out.WriteByte(0x00)           // units: none
	out.Write([]byte{0x00, 0x01}) // Xdensity
	out.Write([]byte{0x00, 0x01}) // Ydensity
	out.Write([]byte{0x00, 0x00}) // thumbnail w, h

	if a.restartInterval > 0 {
		out.Write([]byte{0xFF, 0xDD, 0x00, 0x04})
		var ri [2]byte
		binary.BigEndian.PutUint16(ri[:], a.restartInterval)
		out.Write(ri[:])
	}

	writeDQT(&out, 0, a.lumaQ)
	writeDQT(&out, 1, a.chromaQ)

	writeDHT(&out, 0x00, lumDCBits, lumDCVal)
	writeDHT(&out, 0x01, chmDCBits, chmDCVal)
	writeDHT(&out, 0x10, lumACBits, lumACVal)
	writeDHT(&out, 0x11, chmACBits, chmACVal)

	writeSOF0(&out, a.width, a.height, a.baseType)
	writeSOS(&out)

	scan := a.scan.Bytes()
	out.Write(scan)

	if len(scan) < 2 || scan[len(scan)-2] != 0xFF || scan[len(scan)-1] != 0xD9 {
		out.Write([]byte{0xFF, 0xD9}) // EOI
	}

	return out.Bytes(), nil
}

func writeDQT(out *bytes.Buffer, id byte, table []byte) {
	out.Write([]byte{0xFF, 0xDB})
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(2+1+len(table)))
	out.Write(length[:])
	out.WriteByte(id) // precision 0 (upper nibble) | table id (lower nibble)
	out.Write(table)
}

func writeDHT(out *bytes.Buffer, classAndID byte, bits, values []byte) {
	out.Write([]byte{0xFF, 0xC4})
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(2+1+len(bits)+len(values)))
	out.Write(length[:])
	out.WriteByte(classAndID)
	out.Write(bits)
	out.Write(values)
}

func writeSOF0(out *bytes.Buffer, width, height int, baseType byte) {
	out.Write([]byte{0xFF, 0xC0, 0x00, 0x11})
	out.WriteByte(0x08) // sample precision
	var wh [4]byte
	binary.BigEndian.PutUint16(wh[0:2], uint16(height))
	binary.BigEndian.PutUint16(wh[2:4], uint16(width))
	out.Write(wh[:])
	out.WriteByte(0x03) // 3 components

	ySampling := byte(0x22) // 4:2:0
	if baseType == 0 {
		ySampling = 0x21 // 4:2:2
	}
	out.Write([]byte{0x01, ySampling, 0x00}) // Y: component id 1, table 0
	out.Write([]byte{0x02, 0x11, 0x01})      // Cb: component id 2, table 1
	out.Write([]byte{0x03, 0x11, 0x01})      // Cr: component id 3, table 1
}

func writeSOS(out *bytes.Buffer) {
	out.Write([]byte{0xFF, 0xDA, 0x00, 0x0C})
	out.WriteByte(0x03)                 // 3 components
	out.Write([]byte{0x01, 0x00})       // Y: DC table 0, AC table 0
	out.Write([]byte{0x02, 0x11})       // Cb: DC table 1, AC table 1
	out.Write([]byte{0x03, 0x11})       // Cr: DC table 1, AC table 1
	out.Write([]byte{0x00, 0x3F, 0x00}) // Ss, Se, Ah/Al
}
