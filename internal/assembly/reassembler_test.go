package assembly

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvusworks/sensorbridge/internal/gpu"
	"github.com/corvusworks/sensorbridge/internal/pool"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
	"github.com/corvusworks/sensorbridge/internal/wire"
)

// harness bundles a reassembler with captured outputs and a manual clock.
type harness struct {
	pool    *pool.Pool
	r       *Reassembler
	frames  []*Frame
	drops   []DropEvent
	now     time.Time
	counter *telemetry.Counters
}

func newHarness(t *testing.T, capacity, slotBytes int) *harness {
	t.Helper()
	alloc := gpu.NewPinnedAllocator(0)
	p, err := pool.New(alloc, pool.Config{Capacity: capacity, SlotBytes: slotBytes, MTU: 1500})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	h := &harness{pool: p, now: time.Unix(1000, 0), counter: telemetry.NewCounters()}
	h.r = New(Config{
		Pool:         p,
		Channels:     4,
		FrameTimeout: 50 * time.Millisecond,
		Counters:     h.counter,
		OnFrame:      func(f *Frame) { h.frames = append(h.frames, f) },
		OnDrop:       func(d DropEvent) { h.drops = append(h.drops, d) },
		Now:          func() time.Time { return h.now },
	})
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// packet builds one chunk of a synthetic frame whose byte at position i is
// byte(i), so reassembled content is easy to verify.
func packet(channel uint16, frame uint32, seq, total uint32, chunk, lastChunk int) (wire.PacketHeader, []byte) {
	size := chunk
	if seq == total-1 {
		size = lastChunk
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(int(seq)*chunk + i)
	}
	h := wire.PacketHeader{
		ChannelID:    channel,
		FrameID:      frame,
		Sequence:     seq,
		TotalPackets: total,
		PayloadLen:   uint16(size),
		Timestamp:    uint64(1_000_000 + seq),
	}
	if seq == total-1 {
		h.Flags = wire.FlagEndOfFrame
	}
	return h, payload
}

func wantFrameBytes(total, chunk, lastChunk int) []byte {
	want := make([]byte, 0, (total-1)*chunk+lastChunk)
	for seq := 0; seq < total; seq++ {
		size := chunk
		if seq == total-1 {
			size = lastChunk
		}
		for i := 0; i < size; i++ {
			want = append(want, byte(seq*chunk+i))
		}
	}
	return want
}

func TestArrivalOrderPermutations(t *testing.T) {
	const total, chunk, lastChunk = 5, 32, 20
	want := wantFrameBytes(total, chunk, lastChunk)

	orders := [][]uint32{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{4, 0, 1, 2, 3}, // short final chunk arrives first
		{2, 4, 0, 3, 1},
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 4; i++ {
		perm := rng.Perm(total)
		order := make([]uint32, total)
		for j, v := range perm {
			order[j] = uint32(v)
		}
		orders = append(orders, order)
	}

	for _, order := range orders {
		h := newHarness(t, 2, 4096)
		for _, seq := range order {
			hdr, payload := packet(0, 1, seq, total, chunk, lastChunk)
			h.r.Process(hdr, payload)
		}
		require.Len(t, h.frames, 1, "order %v", order)
		require.Empty(t, h.drops, "order %v", order)

		f := h.frames[0]
		require.Equal(t, len(want), f.Meta.Size)
		require.Equal(t, uint32(total), f.Meta.ReceivedPackets)
		got := f.Slot.Bytes()[:f.Meta.Size]
		if !bytes.Equal(want, got) {
			t.Fatalf("order %v: reassembled bytes differ from in-order delivery", order)
		}
		require.Equal(t, pool.Ready, h.pool.SlotState(f.Slot))
	}
}

func TestSinglePacketFrame(t *testing.T) {
	// total_packets=1 on a channel with no profiled chunk size: the only
	// packet is both first and final, so the frame must complete without
	// ever learning a nominal chunk size.
	h := newHarness(t, 2, 4096)

	hdr, payload := packet(0, 3, 0, 1, 16, 16)
	h.r.Process(hdr, payload)

	require.Len(t, h.frames, 1)
	require.Empty(t, h.drops)
	f := h.frames[0]
	require.Equal(t, 16, f.Meta.Size)
	require.Equal(t, uint32(1), f.Meta.ReceivedPackets)
	require.Equal(t, payload, f.Slot.Bytes()[:16])

	// Advancing past the timeout must not re-report it.
	h.advance(time.Second)
	hdr, payload = packet(0, 4, 0, 1, 16, 16)
	h.r.Process(hdr, payload)
	require.Len(t, h.frames, 2)
	require.Empty(t, h.drops)
}

func TestCorruptPendingFinalStopsFrame(t *testing.T) {
	// The held final chunk turns out larger than the learned chunk size.
	// The frame must resolve as corrupt exactly once, and the packet that
	// exposed the corruption must not touch the released slot.
	h := newHarness(t, 2, 4096)

	final := wire.PacketHeader{
		ChannelID: 0, FrameID: 1, Sequence: 2, TotalPackets: 3,
		PayloadLen: 32, Flags: wire.FlagEndOfFrame, Timestamp: 1,
	}
	h.r.Process(final, make([]byte, 32))
	require.Equal(t, 1, h.r.InFlight())

	// Chunk size learned here is 16, smaller than the held final chunk.
	hdr, payload := packet(0, 1, 1, 3, 16, 16)
	h.r.Process(hdr, payload)

	require.Empty(t, h.frames)
	require.Len(t, h.drops, 1)
	require.Equal(t, DropEvent{ChannelID: 0, FrameID: 1, Reason: ReasonCorrupt}, h.drops[0])
	require.Equal(t, 0, h.r.InFlight())
	require.Equal(t, 2, h.pool.FreeCount())

	// The channel is healthy afterwards.
	for seq := uint32(0); seq < 3; seq++ {
		hdr, payload := packet(0, 2, seq, 3, 16, 16)
		h.r.Process(hdr, payload)
	}
	require.Len(t, h.frames, 1)
	require.Len(t, h.drops, 1)
}

func TestDuplicatesAreIdempotent(t *testing.T) {
	h := newHarness(t, 2, 4096)
	const total, chunk = 3, 16

	for _, seq := range []uint32{0, 1, 1, 0, 1} {
		hdr, payload := packet(0, 9, seq, total, chunk, chunk)
		h.r.Process(hdr, payload)
	}
	require.Empty(t, h.frames, "duplicates must not advance completion")

	hdr, payload := packet(0, 9, 2, total, chunk, chunk)
	h.r.Process(hdr, payload)
	require.Len(t, h.frames, 1)
	require.Equal(t, uint32(total), h.frames[0].Meta.ReceivedPackets)
}

func TestFrameTimeoutReportedExactlyOnce(t *testing.T) {
	h := newHarness(t, 2, 4096)
	const total, chunk = 4, 16

	// Frame 1 misses its last packet.
	for seq := uint32(0); seq < total-1; seq++ {
		hdr, payload := packet(0, 1, seq, total, chunk, chunk)
		h.r.Process(hdr, payload)
	}
	require.Equal(t, 1, h.r.InFlight())

	// Time passes; the next packet on the channel (a newer frame) triggers
	// the lazy timeout evaluation.
	h.advance(100 * time.Millisecond)
	hdr, payload := packet(0, 2, 0, total, chunk, chunk)
	h.r.Process(hdr, payload)

	require.Len(t, h.drops, 1)
	require.Equal(t, DropEvent{ChannelID: 0, FrameID: 1, Reason: ReasonTimeout}, h.drops[0])

	// A straggler for the timed-out frame must not resurrect it or produce
	// a second report.
	hdr, payload = packet(0, 1, 3, total, chunk, chunk)
	h.r.Process(hdr, payload)
	require.Len(t, h.drops, 1)

	// The released slot is acquirable again: completing two more frames
	// needs it (capacity 2, one slot still held by frame 2).
	for seq := uint32(0); seq < total; seq++ {
		hdr, payload := packet(1, 7, seq, total, chunk, chunk)
		h.r.Process(hdr, payload)
	}
	require.Len(t, h.frames, 1)
}

func TestEvictionOnPoolExhaustion(t *testing.T) {
	// Pool capacity 2; three frames arrive on one channel before any is
	// consumed. The third frame's allocation evicts the oldest in-flight
	// frame and reuses its slot.
	h := newHarness(t, 2, 4096)
	const total, chunk = 4, 16

	start := func(frame uint32) {
		hdr, payload := packet(0, frame, 0, total, chunk, chunk)
		h.r.Process(hdr, payload)
		h.advance(time.Millisecond)
	}
	finish := func(frame uint32) {
		for seq := uint32(1); seq < total; seq++ {
			hdr, payload := packet(0, frame, seq, total, chunk, chunk)
			h.r.Process(hdr, payload)
		}
	}

	start(1)
	start(2)
	finish(2) // frame 2 completes and holds a Ready slot
	require.Len(t, h.frames, 1)
	require.Equal(t, uint32(2), h.frames[0].Meta.FrameID)

	start(3) // no free slot: frame 1 (oldest in-flight) is evicted

	require.Len(t, h.drops, 1)
	require.Equal(t, DropEvent{ChannelID: 0, FrameID: 1, Reason: ReasonEvicted}, h.drops[0])

	finish(3)
	require.Len(t, h.frames, 2)
	require.Equal(t, uint32(3), h.frames[1].Meta.FrameID)
}

func TestPoolExhaustedWithNothingEvictable(t *testing.T) {
	h := newHarness(t, 1, 4096)
	const total, chunk = 2, 16

	// Channel 0 holds the only slot.
	hdr, payload := packet(0, 1, 0, total, chunk, chunk)
	h.r.Process(hdr, payload)

	// Channel 1 cannot evict channel 0's frame; its frame is dropped.
	hdr, payload = packet(1, 5, 0, total, chunk, chunk)
	h.r.Process(hdr, payload)
	require.Len(t, h.drops, 1)
	require.Equal(t, DropEvent{ChannelID: 1, FrameID: 5, Reason: ReasonPoolExhausted}, h.drops[0])

	// Channel 0's frame is unharmed and still completes.
	hdr, payload = packet(0, 1, 1, total, chunk, chunk)
	h.r.Process(hdr, payload)
	require.Len(t, h.frames, 1)
}

func TestTotalPacketsMismatchIsCorruption(t *testing.T) {
	h := newHarness(t, 2, 4096)

	hdr, payload := packet(0, 1, 0, 4, 16, 16)
	h.r.Process(hdr, payload)

	hdr, payload = packet(0, 1, 1, 4, 16, 16)
	hdr.TotalPackets = 6 // wrap/corruption signal
	h.r.Process(hdr, payload)

	require.Len(t, h.drops, 1)
	require.Equal(t, ReasonCorrupt, h.drops[0].Reason)
	require.Equal(t, 2, h.pool.FreeCount())
}

func TestChannelOutOfRangeIsCounted(t *testing.T) {
	h := newHarness(t, 2, 4096)
	hdr, payload := packet(99, 1, 0, 2, 16, 16)
	h.r.Process(hdr, payload)
	require.Equal(t, 0, h.r.InFlight())
	snap := h.counter.GetAndReset()
	require.Equal(t, int64(1), snap.ParseErrors)
}

func TestOversizeFrameRejected(t *testing.T) {
	h := newHarness(t, 2, 64) // tiny slots
	hdr, payload := packet(0, 1, 0, 8, 16, 16)
	h.r.Process(hdr, payload) // 8*16 = 128 > 64
	require.Len(t, h.drops, 1)
	require.Equal(t, ReasonOversize, h.drops[0].Reason)
	require.Equal(t, 2, h.pool.FreeCount())
}

func TestFlushAllReleasesEverything(t *testing.T) {
	h := newHarness(t, 2, 4096)
	for frame := uint32(1); frame <= 2; frame++ {
		hdr, payload := packet(0, frame, 0, 4, 16, 16)
		h.r.Process(hdr, payload)
	}
	require.Equal(t, 2, h.r.InFlight())
	require.Equal(t, 0, h.pool.FreeCount())

	h.r.FlushAll()
	require.Equal(t, 0, h.r.InFlight())
	require.Equal(t, 2, h.pool.FreeCount())
	require.Len(t, h.drops, 2)
	for _, d := range h.drops {
		require.Equal(t, ReasonFlush, d.Reason)
	}
}

func TestTimestampRangeRecorded(t *testing.T) {
	h := newHarness(t, 2, 4096)
	const total, chunk = 3, 8
	for _, seq := range []uint32{2, 0, 1} {
		hdr, payload := packet(0, 1, seq, total, chunk, chunk)
		h.r.Process(hdr, payload)
	}
	require.Len(t, h.frames, 1)
	meta := h.frames[0].Meta
	require.Equal(t, uint64(1_000_000), meta.FirstTimestamp)
	require.Equal(t, uint64(1_000_002), meta.LastTimestamp)
}
