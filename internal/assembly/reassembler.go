// Package assembly converts the unordered stream of bridge packets into
// completed frames. It tracks in-flight frames per channel, writes payload
// chunks into pool slots at their frame offsets, and resolves every frame as
// exactly one of: Ready, timed out, evicted, or corrupt.
package assembly

import (
	"time"

	"github.com/corvusworks/sensorbridge/internal/pool"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
	"github.com/corvusworks/sensorbridge/internal/wire"
)

// DropReason explains why a frame was resolved without being delivered.
type DropReason string

const (
	ReasonTimeout       DropReason = "timeout"        // last packet never arrived in time
	ReasonEvicted       DropReason = "evicted"        // slot reclaimed for a newer frame
	ReasonCorrupt       DropReason = "corrupt"        // inconsistent headers within one frame
	ReasonOversize      DropReason = "oversize"       // frame cannot fit a pool slot
	ReasonPoolExhausted DropReason = "pool_exhausted" // no slot free and nothing evictable
	ReasonBackpressure  DropReason = "backpressure"   // consumer queue full
	ReasonFlush         DropReason = "flush"          // explicit flush or shutdown
)

// FrameMeta describes a completed frame.
type FrameMeta struct {
	FrameID         uint32
	ChannelID       uint16
	FirstTimestamp  uint64 // earliest header timestamp seen (FPGA clock, ns)
	LastTimestamp   uint64 // latest header timestamp seen
	ReceivedPackets uint32
	Size            int // reassembled frame size in bytes
}

// Frame is a completed frame: a Ready pool slot plus its metadata. The
// receiver owns the slot until it releases it back to the pool.
type Frame struct {
	Slot *pool.Slot
	Meta FrameMeta
}

// DropEvent reports a frame resolved without delivery.
type DropEvent struct {
	ChannelID uint16
	FrameID   uint32
	Reason    DropReason
}

// Config wires a Reassembler. OnFrame and OnDrop run synchronously on the
// data path and must not block.
type Config struct {
	Pool     *pool.Pool
	Channels int // valid channel ids are [0, Channels)

	// FrameTimeout resolves a stalled in-flight frame as Incomplete. It is
	// evaluated lazily when newer packets arrive on the same channel.
	// Default 50ms, on the order of one frame interval.
	FrameTimeout time.Duration

	// NominalPayload optionally fixes the chunk size per channel (from the
	// camera profile geometry). Channels absent from the map learn it from
	// the first full-size chunk of each frame.
	NominalPayload map[uint16]int

	Counters *telemetry.Counters
	OnFrame  func(*Frame)
	OnDrop   func(DropEvent)

	// Now is the clock; tests override it.
	Now func() time.Time
}

// inflight is one frame being reassembled. Owned exclusively by the
// Reassembler until completion, timeout, eviction, or flush.
type inflight struct {
	frameID       uint32
	channelID     uint16
	slot          *pool.Slot
	total         uint32
	bitmap        []uint64
	received      uint32
	nominal       int    // chunk size; 0 until learned
	size          int    // max extent written so far
	pendingFinal  []byte // final chunk held until nominal is known
	pendingSeq    uint32
	pendingTS     uint64
	firstTS       uint64
	lastTS        uint64
	firstArrival  time.Time
	lastArrival   time.Time
	sawFirstStamp bool
}

func (f *inflight) mark(seq uint32) bool {
	word, bit := seq/64, seq%64
	if f.bitmap[word]&(1<<bit) != 0 {
		return false
	}
	f.bitmap[word] |= 1 << bit
	f.received++
	return true
}

// Reassembler tracks in-flight frames across channels. It is driven from a
// single data goroutine; the mutex-free design relies on that single-writer
// discipline, matching the pool's ownership lifecycle.
type Reassembler struct {
	cfg      Config
	inflight map[uint16]map[uint32]*inflight
	// dead remembers recently resolved frame ids per channel so stragglers
	// for an already-resolved frame are discarded silently instead of
	// resurrecting it (and double-reporting its drop).
	dead      map[uint16]map[uint32]time.Time
	lastPrune time.Time
}

// New builds a Reassembler. The pool, counters, and callbacks must be set.
func New(cfg Config) *Reassembler {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reassembler{
		cfg:      cfg,
		inflight: make(map[uint16]map[uint32]*inflight),
		dead:     make(map[uint16]map[uint32]time.Time),
	}
}

// Process handles one parsed packet. The payload slice must point into
// device-addressable staging memory; it is consumed before Process returns.
func (r *Reassembler) Process(h wire.PacketHeader, payload []byte) {
	if int(h.ChannelID) >= r.cfg.Channels {
		r.cfg.Counters.AddParseError()
		return
	}
	now := r.cfg.Now()
	r.expireStalled(h.ChannelID, h.FrameID, now)
	r.pruneDead(now)

	if r.isDead(h.ChannelID, h.FrameID) {
		return
	}

	f := r.lookup(h.ChannelID, h.FrameID)
	if f == nil {
		f = r.admit(h, now)
		if f == nil {
			return
		}
	}

	if h.TotalPackets != f.total {
		// Counter wrap or a corrupted header; either way the frame's
		// accounting can no longer be trusted.
		r.resolve(f, ReasonCorrupt)
		return
	}

	final := h.Sequence == f.total-1
	if !final {
		if f.nominal == 0 {
			f.nominal = int(h.PayloadLen)
			if !r.checkFit(f) {
				return
			}
			if !r.applyPendingFinal(f) {
				return
			}
		} else if int(h.PayloadLen) != f.nominal {
			r.resolve(f, ReasonCorrupt)
			return
		}
	}

	if f.nominal == 0 && h.Sequence > 0 {
		// The short final chunk arrived before any full-size chunk, so its
		// offset is unknowable yet. Hold a copy until nominal is learned.
		// Sequence 0 is exempt: its offset is 0 whatever the chunk size,
		// which also covers single-packet frames outright.
		if f.pendingFinal == nil {
			f.pendingFinal = append([]byte(nil), payload...)
			f.pendingSeq = h.Sequence
			f.pendingTS = h.Timestamp
		}
		r.stamp(f, h.Timestamp, now)
		return
	}

	if final && f.nominal > 0 && int(h.PayloadLen) > f.nominal {
		r.resolve(f, ReasonCorrupt)
		return
	}

	if !r.write(f, h.Sequence, h.Timestamp, payload, now) {
		return
	}
	if f.received == f.total {
		r.complete(f)
	}
}

// write places one chunk at its frame offset. Duplicate sequences overwrite
// the same offset idempotently without advancing the completion count.
// Returns false if the frame was resolved as a side effect.
func (r *Reassembler) write(f *inflight, seq uint32, ts uint64, payload []byte, now time.Time) bool {
	offset := int(seq) * f.nominal
	end := offset + len(payload)
	if end > f.slot.Capacity() {
		r.resolve(f, ReasonOversize)
		return false
	}
	f.slot.Region().CopyWithin(offset, payload)
	f.mark(seq)
	if end > f.size {
		f.size = end
	}
	r.stamp(f, ts, now)
	return true
}

func (r *Reassembler) stamp(f *inflight, ts uint64, now time.Time) {
	if !f.sawFirstStamp || ts < f.firstTS {
		f.firstTS = ts
		f.sawFirstStamp = true
	}
	if ts > f.lastTS {
		f.lastTS = ts
	}
	f.lastArrival = now
}

// applyPendingFinal replays a held final chunk once nominal is known.
// Returns false if the frame was resolved, so the caller must not keep
// writing into its slot.
func (r *Reassembler) applyPendingFinal(f *inflight) bool {
	if f.pendingFinal == nil {
		return true
	}
	payload := f.pendingFinal
	f.pendingFinal = nil
	if len(payload) > f.nominal {
		r.resolve(f, ReasonCorrupt)
		return false
	}
	return r.write(f, f.pendingSeq, f.pendingTS, payload, f.lastArrival)
}

// admit creates the in-flight frame for a first-seen (channel, frame) pair,
// acquiring a slot or falling back to the eviction policy.
func (r *Reassembler) admit(h wire.PacketHeader, now time.Time) *inflight {
	slot, ok := r.cfg.Pool.Acquire()
	if !ok {
		// Dropped-frame policy: reclaim the oldest in-flight frame on this
		// channel and reuse its slot.
		victim := r.oldest(h.ChannelID)
		if victim == nil {
			r.cfg.Counters.AddFrameDropped(string(ReasonPoolExhausted))
			r.markDead(h.ChannelID, h.FrameID, now)
			r.emitDrop(h.ChannelID, h.FrameID, ReasonPoolExhausted)
			return nil
		}
		slot = victim.slot
		r.remove(victim)
		r.markDead(victim.channelID, victim.frameID, now)
		r.cfg.Counters.AddFrameDropped(string(ReasonEvicted))
		r.emitDrop(victim.channelID, victim.frameID, ReasonEvicted)
		// The victim's slot stays Filling and passes straight to the new
		// frame; it never transits Free, so no other channel can steal it.
	}

	f := &inflight{
		frameID:      h.FrameID,
		channelID:    h.ChannelID,
		slot:         slot,
		total:        h.TotalPackets,
		bitmap:       make([]uint64, (h.TotalPackets+63)/64),
		firstArrival: now,
		lastArrival:  now,
	}
	if n, ok := r.cfg.NominalPayload[h.ChannelID]; ok {
		f.nominal = n
		if !r.checkFit(f) {
			return nil
		}
	}
	perChannel := r.inflight[h.ChannelID]
	if perChannel == nil {
		perChannel = make(map[uint32]*inflight)
		r.inflight[h.ChannelID] = perChannel
	}
	perChannel[h.FrameID] = f
	return f
}

// checkFit rejects a frame whose nominal geometry can never fit a slot.
// Returns false if the frame was resolved.
func (r *Reassembler) checkFit(f *inflight) bool {
	if f.nominal*int(f.total) > f.slot.Capacity() {
		// admit may not have registered the frame yet; resolve handles both.
		r.resolve(f, ReasonOversize)
		return false
	}
	return true
}

// expireStalled applies the per-frame timeout to older in-flight frames on
// the channel. Evaluated lazily on packet arrival, never from a timer, so
// the data path stays single-threaded.
func (r *Reassembler) expireStalled(channel uint16, exceptFrame uint32, now time.Time) {
	for _, f := range r.inflight[channel] {
		if f.frameID == exceptFrame {
			continue
		}
		if now.Sub(f.lastArrival) > r.cfg.FrameTimeout {
			r.resolve(f, ReasonTimeout)
		}
	}
}

// complete hands a fully reassembled frame to the consumer callback.
func (r *Reassembler) complete(f *inflight) {
	r.remove(f)
	r.markDead(f.channelID, f.frameID, f.lastArrival)
	if err := r.cfg.Pool.MarkReady(f.slot); err != nil {
		// Slot state was corrupted externally; count it and bail.
		r.cfg.Counters.AddFrameDropped(string(ReasonCorrupt))
		r.emitDrop(f.channelID, f.frameID, ReasonCorrupt)
		return
	}
	r.cfg.Counters.AddFrameCompleted()
	if r.cfg.OnFrame != nil {
		r.cfg.OnFrame(&Frame{
			Slot: f.slot,
			Meta: FrameMeta{
				FrameID:         f.frameID,
				ChannelID:       f.channelID,
				FirstTimestamp:  f.firstTS,
				LastTimestamp:   f.lastTS,
				ReceivedPackets: f.received,
				Size:            f.size,
			},
		})
	}
}

// resolve drops an in-flight frame for the given reason and releases its
// slot back to the pool, making it immediately acquirable again.
func (r *Reassembler) resolve(f *inflight, reason DropReason) {
	r.remove(f)
	r.markDead(f.channelID, f.frameID, r.cfg.Now())
	_ = r.cfg.Pool.Release(f.slot)
	r.cfg.Counters.AddFrameDropped(string(reason))
	r.emitDrop(f.channelID, f.frameID, reason)
}

// FlushAll resolves every in-flight frame, releasing all slots. Used at
// shutdown and when restarting a stream.
func (r *Reassembler) FlushAll() {
	for _, perChannel := range r.inflight {
		for _, f := range perChannel {
			r.resolve(f, ReasonFlush)
		}
	}
}

// InFlight reports the number of frames currently being reassembled.
func (r *Reassembler) InFlight() int {
	n := 0
	for _, perChannel := range r.inflight {
		n += len(perChannel)
	}
	return n
}

func (r *Reassembler) lookup(channel uint16, frame uint32) *inflight {
	return r.inflight[channel][frame]
}

func (r *Reassembler) oldest(channel uint16) *inflight {
	var oldest *inflight
	for _, f := range r.inflight[channel] {
		if oldest == nil || f.firstArrival.Before(oldest.firstArrival) {
			oldest = f
		}
	}
	return oldest
}

func (r *Reassembler) remove(f *inflight) {
	if perChannel := r.inflight[f.channelID]; perChannel != nil {
		delete(perChannel, f.frameID)
	}
}

func (r *Reassembler) emitDrop(channel uint16, frame uint32, reason DropReason) {
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(DropEvent{ChannelID: channel, FrameID: frame, Reason: reason})
	}
}

func (r *Reassembler) markDead(channel uint16, frame uint32, now time.Time) {
	perChannel := r.dead[channel]
	if perChannel == nil {
		perChannel = make(map[uint32]time.Time)
		r.dead[channel] = perChannel
	}
	perChannel[frame] = now
}

func (r *Reassembler) isDead(channel uint16, frame uint32) bool {
	_, ok := r.dead[channel][frame]
	return ok
}

// pruneDead forgets resolved frame ids after a few timeout periods, bounding
// memory while still absorbing realistic straggler reordering.
func (r *Reassembler) pruneDead(now time.Time) {
	if now.Sub(r.lastPrune) < r.cfg.FrameTimeout {
		return
	}
	r.lastPrune = now
	horizon := 4 * r.cfg.FrameTimeout
	for channel, perChannel := range r.dead {
		for frame, resolved := range perChannel {
			if now.Sub(resolved) > horizon {
				delete(perChannel, frame)
			}
		}
		if len(perChannel) == 0 {
			delete(r.dead, channel)
		}
	}
}
