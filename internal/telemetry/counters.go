// Package telemetry tracks bridge health: thread-safe counters logged on an
// interval, and a best-effort sqlite journal of notable events. Nothing in
// this package ever blocks the data path.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvusworks/sensorbridge/internal/monitoring"
)

// Counters tracks data-plane and control-plane statistics with thread-safe
// operations. Data-path faults are absorbed into these counters instead of
// propagating as errors.
type Counters struct {
	mu              sync.Mutex
	packets         int64
	bytes           int64
	parseErrors     int64
	transportFaults int64
	framesCompleted int64
	framesDropped   map[string]int64 // by drop reason
	controlRetries  int64
	controlFailed   int64
	staleResponses  int64
	pairedFrames    int64
	unmatchedFrames int64
	lastReset       time.Time
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{
		framesDropped: make(map[string]int64),
		lastReset:     time.Now(),
	}
}

// AddPacket records one received datagram.
func (c *Counters) AddPacket(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	c.bytes += int64(bytes)
}

// AddParseError records a malformed packet (discarded, non-fatal).
func (c *Counters) AddParseError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parseErrors++
}

// AddTransportFault records a socket-level fault on the data path.
func (c *Counters) AddTransportFault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportFaults++
}

// AddFrameCompleted records a frame delivered as Ready.
func (c *Counters) AddFrameCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesCompleted++
}

// AddFrameDropped records a dropped frame by reason.
func (c *Counters) AddFrameDropped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesDropped[reason]++
}

// AddControlRetry records one control-plane retransmission.
func (c *Counters) AddControlRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlRetries++
}

// AddControlFailed records a transaction that exhausted its retries.
func (c *Counters) AddControlFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlFailed++
}

// AddStaleResponse records a control response that matched no pending
// transaction.
func (c *Counters) AddStaleResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleResponses++
}

// AddPairedFrames records one paired-frame event from the synchronizer.
func (c *Counters) AddPairedFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairedFrames++
}

// AddUnmatchedFrame records a frame whose sync partners never arrived in
// tolerance.
func (c *Counters) AddUnmatchedFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmatchedFrames++
}

// Snapshot is one interval's worth of counters.
type Snapshot struct {
	Packets         int64
	Bytes           int64
	ParseErrors     int64
	TransportFaults int64
	FramesCompleted int64
	FramesDropped   map[string]int64
	ControlRetries  int64
	ControlFailed   int64
	StaleResponses  int64
	PairedFrames    int64
	UnmatchedFrames int64
	Duration        time.Duration
}

// DroppedTotal sums drops across reasons.
func (s Snapshot) DroppedTotal() int64 {
	var total int64
	for _, n := range s.FramesDropped {
		total += n
	}
	return total
}

// GetAndReset returns current stats and resets the counters.
func (c *Counters) GetAndReset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		Packets:         c.packets,
		Bytes:           c.bytes,
		ParseErrors:     c.parseErrors,
		TransportFaults: c.transportFaults,
		FramesCompleted: c.framesCompleted,
		FramesDropped:   c.framesDropped,
		ControlRetries:  c.controlRetries,
		ControlFailed:   c.controlFailed,
		StaleResponses:  c.staleResponses,
		PairedFrames:    c.pairedFrames,
		UnmatchedFrames: c.unmatchedFrames,
		Duration:        now.Sub(c.lastReset),
	}
	c.packets = 0
	c.bytes = 0
	c.parseErrors = 0
	c.transportFaults = 0
	c.framesCompleted = 0
	c.framesDropped = make(map[string]int64)
	c.controlRetries = 0
	c.controlFailed = 0
	c.staleResponses = 0
	c.pairedFrames = 0
	c.unmatchedFrames = 0
	c.lastReset = now
	return snap
}

// LogStats logs one interval summary and resets. Quiet intervals (no packets
// and no drops) log nothing.
func (c *Counters) LogStats() {
	snap := c.GetAndReset()
	dropped := snap.DroppedTotal()
	if snap.Packets == 0 && dropped == 0 {
		return
	}
	secs := snap.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("Bridge stats (/sec): %.2f MB, %.1f packets, %.1f frames",
		float64(snap.Bytes)/secs/(1024*1024),
		float64(snap.Packets)/secs,
		float64(snap.FramesCompleted)/secs)
	if dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", dropped)
	}
	if snap.ParseErrors > 0 {
		msg += fmt.Sprintf(", %d malformed", snap.ParseErrors)
	}
	if snap.TransportFaults > 0 {
		msg += fmt.Sprintf(", %d transport faults", snap.TransportFaults)
	}
	if snap.ControlFailed > 0 || snap.ControlRetries > 0 {
		msg += fmt.Sprintf(", control retries=%d failed=%d", snap.ControlRetries, snap.ControlFailed)
	}
	monitoring.Logf("%s", msg)
}

// Run logs stats on the given interval until the stop channel closes.
func (c *Counters) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.LogStats()
		}
	}
}
