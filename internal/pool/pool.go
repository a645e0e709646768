// Package pool manages the fixed ring of device-addressable frame buffers
// that reassembled frames land in, plus the MTU-sized packet staging buffers
// the transport reads datagrams into. Capacity is fixed at initialization;
// resizing requires a full pipeline restart.
package pool

import (
	"fmt"
	"sync"

	"github.com/corvusworks/sensorbridge/internal/gpu"
)

// SlotState tracks the ownership lifecycle of one frame buffer.
type SlotState int

const (
	// Free: owned by the pool, eligible for Acquire.
	Free SlotState = iota
	// Filling: assigned to an in-flight frame; the reassembly engine is the
	// single writer.
	Filling
	// Ready: reassembly complete, queued for the consumer.
	Ready
	// InUse: the consumer holds a reference.
	InUse
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case InUse:
		return "in-use"
	default:
		return fmt.Sprintf("slot-state(%d)", int(s))
	}
}

// Slot is one frame buffer in the ring. Slot contents are never cleared
// between reuses; the next writer fully overwrites before the frame is
// exposed as Ready.
type Slot struct {
	index  int
	region gpu.Region
	state  SlotState // guarded by the pool mutex
}

// Index is the stable ring position of this slot.
func (s *Slot) Index() int { return s.index }

// Region exposes the device-addressable memory backing this slot.
func (s *Slot) Region() gpu.Region { return s.region }

// Bytes is shorthand for the mapped view of the slot region.
func (s *Slot) Bytes() []byte { return s.region.Bytes() }

// Capacity is the slot size in bytes.
func (s *Slot) Capacity() int { return s.region.Len() }

// Pool is the fixed ring of frame buffers plus the packet staging ring.
// All state transitions are atomic with respect to concurrent acquire and
// release from the reassembly path and the consumer path.
type Pool struct {
	mu      sync.Mutex
	alloc   gpu.Allocator
	slots   []*Slot
	free    []*Slot // stack of Free slots
	staging []gpu.Region
	next    int // staging round-robin cursor
	closed  bool
}

// Config sizes the pool. Everything is fixed once New returns.
type Config struct {
	Capacity     int // number of frame slots
	SlotBytes    int // capacity of each slot
	MTU          int // packet staging buffer size
	StagingDepth int // number of staging buffers (default 2*Capacity, min 8)
}

// New allocates the full ring up front. An allocation failure here is the
// one startup-fatal condition in the core.
func New(alloc gpu.Allocator, cfg Config) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.SlotBytes <= 0 {
		return nil, fmt.Errorf("slot size must be positive, got %d", cfg.SlotBytes)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	if cfg.StagingDepth <= 0 {
		cfg.StagingDepth = 2 * cfg.Capacity
		if cfg.StagingDepth < 8 {
			cfg.StagingDepth = 8
		}
	}

	p := &Pool{alloc: alloc}
	for i := 0; i < cfg.Capacity; i++ {
		region, err := alloc.Allocate(cfg.SlotBytes)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocating frame slot %d/%d: %w", i+1, cfg.Capacity, err)
		}
		slot := &Slot{index: i, region: region, state: Free}
		p.slots = append(p.slots, slot)
		p.free = append(p.free, slot)
	}
	for i := 0; i < cfg.StagingDepth; i++ {
		region, err := alloc.Allocate(cfg.MTU)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocating staging buffer %d/%d: %w", i+1, cfg.StagingDepth, err)
		}
		p.staging = append(p.staging, region)
	}
	return p, nil
}

// Acquire hands out a Free slot, transitioning it to Filling. It never
// blocks: when the ring is exhausted it returns (nil, false) and the caller
// falls back to its eviction policy.
func (p *Pool) Acquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.free) == 0 {
		return nil, false
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	slot.state = Filling
	return slot, true
}

// MarkReady transitions a slot from Filling to Ready when reassembly
// completes.
func (p *Pool) MarkReady(s *Slot) error {
	return p.transition(s, Filling, Ready)
}

// MarkInUse transitions a slot from Ready to InUse as it is handed to the
// consumer.
func (p *Pool) MarkInUse(s *Slot) error {
	return p.transition(s, Ready, InUse)
}

func (p *Pool) transition(s *Slot, from, to SlotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("slot %d: invalid transition %s -> %s (slot is %s)",
			s.index, from, to, s.state)
	}
	s.state = to
	return nil
}

// Release returns a slot to the Free list from any non-Free state. Contents
// are not cleared; the next writer overwrites them.
func (p *Pool) Release(s *Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state == Free {
		return fmt.Errorf("slot %d: double release", s.index)
	}
	s.state = Free
	if !p.closed {
		p.free = append(p.free, s)
	}
	return nil
}

// ReleaseAll forces every slot back to Free. Used at teardown to guarantee
// no latent ownership survives shutdown, regardless of reassembly state.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = p.free[:0]
	for _, s := range p.slots {
		s.state = Free
		if !p.closed {
			p.free = append(p.free, s)
		}
	}
}

// NextPacketBuffer returns the next staging buffer for a single receive
// call. Buffers are reused round-robin; the reassembly engine must consume
// (CopyWithin) a datagram before the ring wraps back around.
func (p *Pool) NextPacketBuffer() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	region := p.staging[p.next]
	p.next = (p.next + 1) % len(p.staging)
	return region.Bytes()
}

// FreeCount reports the number of slots currently acquirable.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity reports the fixed number of frame slots.
func (p *Pool) Capacity() int { return len(p.slots) }

// SlotState reports the current state of a slot, for telemetry and tests.
func (p *Pool) SlotState(s *Slot) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.state
}

// Close releases every region back to the allocator. The pool is unusable
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.slots {
		p.alloc.Release(s.region)
	}
	for _, r := range p.staging {
		p.alloc.Release(r)
	}
	p.free = nil
}
