package rtpsession

import (
	"github.com/pion/rtp"
)

// RTPMaxPayload is the maximum RTP payload size packetisers split
// frames into.
const RTPMaxPayload = 1400

// PacketizeJPEG splits a JPEG scan (already minus JFIF container
// framing — caller supplies quantization tables separately) into RTP
// payloads per RFC 2435: each payload gets an 8-byte
// Type-specific|FragmentOffset(24)|Type|Q|W/8|H/8 header. The first
// packet's header is followed by the quantization-table block when
// qTables is non-empty (an MBZ byte, precision byte 0, 16-bit length,
// then the tables themselves) — this lets a caller send Q>127 (explicit table)
// or Q<=127 (server-computed defaults) by choosing whether to pass
// qTables.
func PacketizeJPEG(scan []byte, typ, q, width8, height8 byte, qTables []byte) [][]byte {
	var payloads [][]byte
	offset := 0
	for offset < len(scan) || (offset == 0 && len(scan) == 0) {
		remaining := len(scan) - offset
		headerLen := 8
		var extra []byte
		if offset == 0 && len(qTables) > 0 {
			extra = append([]byte{0, 0, byte(len(qTables) >> 8), byte(len(qTables))}, qTables...)
		}
		room := RTPMaxPayload - headerLen - len(extra)
		if room <= 0 {
			room = RTPMaxPayload
		}
		chunkLen := remaining
		if chunkLen > room {
			chunkLen = room
		}

		hdr := make([]byte, headerLen, headerLen+len(extra)+chunkLen)
		hdr[0] = 0 // type-specific
		hdr[1] = byte(offset >> 16)
		hdr[2] = byte(offset >> 8)
		hdr[3] = byte(offset)
		hdr[4] = typ
		hdr[5] = q
		hdr[6] = width8
		hdr[7] = height8
		hdr = append(hdr, extra...)
		hdr = append(hdr, scan[offset:offset+chunkLen]...)

		payloads = append(payloads, hdr)
		offset += chunkLen
		if chunkLen == 0 {
			break
		}
	}
	return payloads
}

// H.264 FU-A indicator/header byte pairs. This module always wraps
// H.264 output as FU-A, even single-fragment NALs, rather than using
// RFC 6184's single-NAL passthrough mode.
var (
	fuaStart  = [2]byte{0x1C, 0x89}
	fuaMiddle = [2]byte{0x1C, 0x09}
	fuaEnd    = [2]byte{0x1C, 0x49}
)

// PacketizeH264 fragments one H.264 NAL unit (without its start code)
// into FU-A RTP payloads.
func PacketizeH264(nal []byte) [][]byte {
	if len(nal) == 0 {
		return nil
	}
	if len(nal) <= RTPMaxPayload-2 {
		payload := make([]byte, 2+len(nal))
		payload[0], payload[1] = fuaEnd[0], fuaEnd[1]
		copy(payload[2:], nal)
		return [][]byte{payload}
	}

	var payloads [][]byte
	chunkSize := RTPMaxPayload - 2
	for offset := 0; offset < len(nal); offset += chunkSize {
		end := offset + chunkSize
		if end > len(nal) {
			end = len(nal)
		}
		var hdr [2]byte
		switch {
		case offset == 0:
			hdr = fuaStart
		case end == len(nal):
			hdr = fuaEnd
		default:
			hdr = fuaMiddle
		}
		payload := make([]byte, 2+(end-offset))
		payload[0], payload[1] = hdr[0], hdr[1]
		copy(payload[2:], nal[offset:end])
		payloads = append(payloads, payload)
	}
	return payloads
}

// PacketizeVP8 splits a VP8 frame into RTP payloads per RFC 7741: each
// payload is prefixed with a 3-byte X|S|PID header, with S (start of
// VP8 partition) set only on the first fragment.
func PacketizeVP8(frame []byte) [][]byte {
	if len(frame) == 0 {
		return nil
	}
	chunkSize := RTPMaxPayload - 3
	var payloads [][]byte
	for offset := 0; offset < len(frame); offset += chunkSize {
		end := offset + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		hdr := byte(0x00)
		if offset == 0 {
			hdr |= 0x10 // S bit
		}
		payload := make([]byte, 3+(end-offset))
		payload[0] = hdr
		payload[1] = 0
		payload[2] = 0
		copy(payload[3:], frame[offset:end])
		payloads = append(payloads, payload)
	}
	return payloads
}

// BuildPacket wraps one packetiser payload fragment in an rtp.Packet
// with the given header fields; marker is copied into the Marker bit
// as given.
func BuildPacket(pt uint8, seq uint16, timestamp, ssrc uint32, payload []byte, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
			Marker:         marker,
		},
		Payload: payload,
	}
}
