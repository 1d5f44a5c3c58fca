package mjpeg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPacket constructs one RTP-payload-level JPEG packet: the 8-byte
// header, an optional explicit quantization-table block at offset 0,
// and scan bytes.
func buildPacket(offset uint32, typ, q byte, w8, h8 byte, qTable []byte, scan []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // type-specific
	buf.WriteByte(byte(offset >> 16))
	buf.WriteByte(byte(offset >> 8))
	buf.WriteByte(byte(offset))
	buf.WriteByte(typ)
	buf.WriteByte(q)
	buf.WriteByte(w8)
	buf.WriteByte(h8)
	if offset == 0 && q > 127 {
		buf.WriteByte(0) // MBZ
		buf.WriteByte(0) // precision
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(qTable)))
		buf.Write(length[:])
		buf.Write(qTable)
	}
	buf.Write(scan)
	return buf.Bytes()
}

func TestAssembleWithExplicitQuantTable(t *testing.T) {
	qTable := make([]byte, 128)
	for i := range qTable {
		qTable[i] = byte(i % 256)
	}

	scan1 := bytes.Repeat([]byte{0xAB}, 1400)
	scan2 := []byte{0xCD, 0xEF}

	p1 := buildPacket(0, 0, 128, 80, 60, qTable, scan1)
	p2 := buildPacket(1400, 0, 128, 80, 60, nil, scan2)

	asm := NewAssembler()
	require.NoError(t, asm.AddPacket(p1))
	require.NoError(t, asm.AddPacket(p2))

	out, err := asm.Bytes()
	require.NoError(t, err)

	wantPrefix := []byte{
		0xFF, 0xD8, // SOI
		0xFF, 0xE0, 0x00, 0x10, // APP0
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x01,
		0x00,
		0x00, 0x01,
		0x00, 0x01,
		0x00, 0x00,
	}
	require.Equal(t, wantPrefix, out[:len(wantPrefix)])

	require.Equal(t, 2, countMarker(out, 0xDB))
	require.Equal(t, 4, countMarker(out, 0xC4))
	require.Equal(t, 1, countMarker(out, 0xC0))
	require.Equal(t, 1, countMarker(out, 0xDA))

	require.True(t, bytes.HasSuffix(out, []byte{0xFF, 0xD9}))
}

func countMarker(buf []byte, marker byte) int {
	count := 0
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == marker {
			count++
		}
	}
	return count
}

func TestAssembleDerivesTablesWhenNoExplicitBlock(t *testing.T) {
	scan := []byte{0x01, 0x02, 0x03}
	p := buildPacket(0, 1, 50, 40, 30, nil, scan)

	asm := NewAssembler()
	require.NoError(t, asm.AddPacket(p))
	require.Len(t, asm.lumaQ, 64)
	require.Len(t, asm.chromaQ, 64)

	out, err := asm.Bytes()
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte{0xFF, 0xD8}))
	require.True(t, bytes.HasSuffix(out, []byte{0xFF, 0xD9}))
}

func TestReservedTypeIsFatal(t *testing.T) {
	p := buildPacket(0, 3, 50, 10, 10, nil, []byte{0x00})
	asm := NewAssembler()
	require.Error(t, asm.AddPacket(p))
}

func TestRestartMarkerHeaderParsed(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.Write([]byte{0, 0, 0}) // offset 0
	buf.WriteByte(64)          // type 0 with restart marker
	buf.WriteByte(50)          // Q <= 127, derived tables
	buf.WriteByte(10)
	buf.WriteByte(10)
	var ri [2]byte
	binary.BigEndian.PutUint16(ri[:], 8)
	buf.Write(ri[:])
	buf.Write([]byte{0xC0, 0x00}) // F=1, L=1, restart count encoded in low 14 bits
	buf.Write([]byte{0xFF, 0xFF})

	asm := NewAssembler()
	require.NoError(t, asm.AddPacket(buf.Bytes()))
	require.Equal(t, uint16(8), asm.restartInterval)

	out, err := asm.Bytes()
	require.NoError(t, err)
	require.Equal(t, 1, countMarker(out, 0xDD))
}
