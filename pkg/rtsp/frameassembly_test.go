package rtsp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16, ts uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: marker}}
}

// TestFrameOrderingOutOfOrderPackets checks that given out-of-order RTP
// packets for two frames, no frame is delivered before its predecessor.
func TestFrameOrderingOutOfOrderPackets(t *testing.T) {
	var delivered []uint32
	a := newFrameAssembler(func(f *Frame) { delivered = append(delivered, f.Timestamp) }, nil)

	// frame 200 arrives first and completes before frame 100's packets
	// have all arrived.
	a.Push(pkt(10, 200, false))
	a.Push(pkt(11, 200, true))
	require.Equal(t, []uint32{200}, delivered)

	// A late packet for the superseded frame 100 must now be dropped.
	a.Push(pkt(5, 100, false))
	a.Push(pkt(6, 100, true))
	require.Equal(t, []uint32{200}, delivered, "frame 100 must not be delivered after frame 200")
}

func TestFrameCompletesOnlyWhenContiguousToMarker(t *testing.T) {
	var delivered []*Frame
	a := newFrameAssembler(func(f *Frame) { delivered = append(delivered, f) }, nil)

	a.Push(pkt(1, 500, false))
	a.Push(pkt(3, 500, true)) // gap at seq 2 — marker present but not contiguous
	require.Empty(t, delivered)

	a.Push(pkt(2, 500, false))
	require.Len(t, delivered, 1)
	require.Equal(t, uint32(500), delivered[0].Timestamp)
	require.Len(t, delivered[0].Packets, 3)
}

func TestFrameQueueOverflowPurgesAndFires(t *testing.T) {
	fired := false
	a := newFrameAssembler(nil, func() { fired = true })

	for ts := uint32(0); ts < maxQueuedFrames+1; ts++ {
		a.Push(pkt(uint16(ts), ts, false))
	}
	require.True(t, fired)
	a.mu.Lock()
	require.Empty(t, a.pending)
	a.mu.Unlock()
}

func TestTsLessHandlesWraparound(t *testing.T) {
	require.True(t, tsLess(0xFFFFFFFF, 0))
	require.False(t, tsLess(0, 0xFFFFFFFF))
	require.True(t, tsLess(10, 20))
	require.False(t, tsLess(20, 10))
}
