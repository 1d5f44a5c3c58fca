package rtsp

import (
	"sort"
	"sync"

	"github.com/pion/rtp"
)

// maxQueuedFrames bounds the frame-assembly queue independently of
// rtpsession's packet-level queue: this is "frames awaiting
// completion", not raw datagrams.
const maxQueuedFrames = 1000

// Frame is a complete, marker-terminated group of RTP packets sharing
// one timestamp.
type Frame struct {
	Timestamp uint32
	HasMarker bool
	Packets   []*rtp.Packet
}

// tsLess compares RTP timestamps accounting for 32-bit wraparound.
func tsLess(a, b uint32) bool { return int32(a-b) < 0 }

// seqLess compares RTP sequence numbers accounting for 16-bit wraparound.
func seqLess(a, b uint16) bool { return int16(a-b) < 0 }

// frameAssembler groups packets by timestamp, completes a frame when a
// marker packet arrives and the run of sequence numbers from the
// frame's start to the marker is contiguous, and drops anything older
// than the last delivered frame.
//
// It holds no socket or goroutine of its own so it can be driven
// directly in tests; Client wires it to a channel fed by the RTP
// receive loop.
type frameAssembler struct {
	mu               sync.Mutex
	pending          map[uint32]*Frame
	order            []uint32
	haveLastComplete bool
	lastCompleteTS   uint32

	onFrameReady func(*Frame)
	onQueueFull  func()
}

func newFrameAssembler(onFrameReady func(*Frame), onQueueFull func()) *frameAssembler {
	return &frameAssembler{
		pending:      make(map[uint32]*Frame),
		onFrameReady: onFrameReady,
		onQueueFull:  onQueueFull,
	}
}

// Push feeds one received RTP packet into the assembler.
func (a *frameAssembler) Push(pkt *rtp.Packet) {
	a.mu.Lock()

	if a.haveLastComplete && tsLess(pkt.Timestamp, a.lastCompleteTS) {
		a.mu.Unlock()
		return
	}

	frame, ok := a.pending[pkt.Timestamp]
	if !ok {
		frame = &Frame{Timestamp: pkt.Timestamp}
		a.pending[pkt.Timestamp] = frame
		a.order = append(a.order, pkt.Timestamp)
	}
	frame.Packets = append(frame.Packets, pkt)
	if pkt.Marker {
		frame.HasMarker = true
	}

	var completed *Frame
	if frame.HasMarker && contiguousFromStart(frame.Packets) {
		completed = frame
		a.evictThroughLocked(frame.Timestamp)
	}

	overflow := false
	if len(a.pending) > maxQueuedFrames {
		a.pending = make(map[uint32]*Frame)
		a.order = nil
		overflow = true
	}
	a.mu.Unlock()

	if completed != nil && a.onFrameReady != nil {
		a.onFrameReady(completed)
	}
	if overflow && a.onQueueFull != nil {
		a.onQueueFull()
	}
}

// evictThroughLocked removes every pending frame with a timestamp at
// or before ts and advances the last-delivered-frame watermark. Caller
// holds a.mu.
func (a *frameAssembler) evictThroughLocked(ts uint32) {
	a.haveLastComplete = true
	a.lastCompleteTS = ts

	kept := a.order[:0]
	for _, t := range a.order {
		if tsLess(t, ts) || t == ts {
			delete(a.pending, t)
			continue
		}
		kept = append(kept, t)
	}
	a.order = kept
}

// contiguousFromStart reports whether pkts' sequence numbers form one
// unbroken run with no gaps, regardless of arrival order.
func contiguousFromStart(pkts []*rtp.Packet) bool {
	if len(pkts) == 0 {
		return false
	}
	sorted := append([]*rtp.Packet(nil), pkts...)
	sort.Slice(sorted, func(i, j int) bool {
		return seqLess(sorted[i].SequenceNumber, sorted[j].SequenceNumber)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].SequenceNumber != sorted[i-1].SequenceNumber+1 {
			return false
		}
	}
	return true
}
