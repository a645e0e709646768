// Package gpu abstracts the device-addressable memory that frame buffers and
// packet staging buffers live in. The bridge core never assumes host memory:
// every payload byte moves from the socket into an allocator Region, and any
// reshuffling (placing a chunk at its frame offset) happens through the
// Region so a device-backed allocator can express it as a DMA.
package gpu

import (
	"fmt"
	"sync"
)

// Region is one device-addressable allocation.
type Region interface {
	// Bytes exposes the mapped view of the region. Transport code reads
	// datagrams directly into sub-slices of this view.
	Bytes() []byte

	// CopyWithin places src (which must itself live in device-addressable
	// memory) at dstOff inside this region. On a CUDA-backed allocator this
	// is a device-to-device copy; the pinned allocator does a plain copy.
	CopyWithin(dstOff int, src []byte)

	// Len is the region capacity in bytes.
	Len() int
}

// Allocator hands out device-addressable regions. Allocation failure while
// building the buffer pool is startup-fatal; nothing else in the core
// allocates device memory after initialization.
type Allocator interface {
	Allocate(n int) (Region, error)
	Release(r Region)
}

// pinnedRegion is a Region over pinned host memory. It stands in for
// GPU-mapped memory on hosts without a device; a cgo CUDA allocator can
// satisfy the same interfaces out of tree.
type pinnedRegion struct {
	buf []byte
}

func (r *pinnedRegion) Bytes() []byte { return r.buf }
func (r *pinnedRegion) Len() int      { return len(r.buf) }

func (r *pinnedRegion) CopyWithin(dstOff int, src []byte) {
	copy(r.buf[dstOff:], src)
}

// PinnedAllocator allocates page-aligned pinned host buffers and tracks the
// total outstanding size against a fixed budget, mirroring how a device
// allocator would run out of BAR/pinned space.
type PinnedAllocator struct {
	mu        sync.Mutex
	budget    int // zero means unlimited
	allocated int
}

// NewPinnedAllocator returns an allocator with the given byte budget.
// budget <= 0 disables the limit.
func NewPinnedAllocator(budget int) *PinnedAllocator {
	return &PinnedAllocator{budget: budget}
}

// Allocate returns a zeroed pinned region of n bytes.
func (a *PinnedAllocator) Allocate(n int) (Region, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && a.allocated+n > a.budget {
		return nil, fmt.Errorf("pinned memory budget exhausted: %d in use, %d requested, %d budget",
			a.allocated, n, a.budget)
	}
	a.allocated += n
	return &pinnedRegion{buf: make([]byte, n)}, nil
}

// Release returns a region's bytes to the budget.
func (a *PinnedAllocator) Release(r Region) {
	if r == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated -= r.Len()
	if a.allocated < 0 {
		a.allocated = 0
	}
}

// Allocated reports the bytes currently outstanding.
func (a *PinnedAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}
