// Package bridge assembles the whole sensor bridge: control-plane bring-up,
// the data receive path, frame delivery, and synchronization. It owns the
// process-scoped state behind an explicit Start/Shutdown contract; nothing
// here lives in package globals.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/corvusworks/sensorbridge/internal/align"
	"github.com/corvusworks/sensorbridge/internal/assembly"
	"github.com/corvusworks/sensorbridge/internal/config"
	"github.com/corvusworks/sensorbridge/internal/control"
	"github.com/corvusworks/sensorbridge/internal/gpu"
	"github.com/corvusworks/sensorbridge/internal/monitoring"
	"github.com/corvusworks/sensorbridge/internal/pool"
	"github.com/corvusworks/sensorbridge/internal/profile"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
	"github.com/corvusworks/sensorbridge/internal/transport"
	"github.com/corvusworks/sensorbridge/internal/wire"
)

// Consumer receives completed frames and stream events.
//
// OnFrameReady and OnPairedFrames run on the bridge's consumer goroutine, one
// at a time, in completion order. OnFrameDropped also fires from the data
// goroutine (reassembly drops) and from Shutdown (flushed frames), so it must
// be safe to call concurrently with the other two.
//
// A frame handed to OnFrameReady is owned by the consumer until it releases
// the slot. When the frame's channel belongs to a sync group, the bridge
// later reports it exactly once more: either through OnPairedFrames or
// through OnFrameDropped with reason align.ReasonUnmatched. Consumers that
// hold frames until pairing release them on whichever of the two arrives.
type Consumer interface {
	OnFrameReady(f *assembly.Frame)
	OnFrameDropped(channel uint16, frame uint32, reason string)
	OnPairedFrames(group string, frames []*assembly.Frame)
}

// Options configures a Bridge.
type Options struct {
	Config   *config.BridgeConfig
	Profiles []profile.Profile
	Consumer Consumer

	// Allocator provides device-addressable memory. Defaults to the pinned
	// host allocator; a CUDA-backed allocator slots in here.
	Allocator gpu.Allocator

	// OnDataListen reports the bound data socket address. Tests bind ":0".
	OnDataListen func(addr net.Addr)
}

// Bridge wires the transport, reassembly, control, and synchronization
// components together and runs their goroutines.
type Bridge struct {
	cfg      *config.BridgeConfig
	profiles []profile.Profile
	consumer Consumer

	counters *telemetry.Counters
	journal  *telemetry.Journal
	pool     *pool.Pool
	reasm    *assembly.Reassembler
	listener *transport.DataListener
	engine   *control.Engine
	sync     *align.Synchronizer

	ready     chan *assembly.Frame
	stopStats chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	dataWG   sync.WaitGroup
	consWG   sync.WaitGroup
	statsWG  sync.WaitGroup
}

// New builds a bridge from immutable configuration. Buffer pool allocation
// happens here; failure to allocate is fatal at startup, never later.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bridge needs a config")
	}
	if opts.Consumer == nil {
		return nil, fmt.Errorf("bridge needs a consumer")
	}
	cfg := opts.Config

	for _, p := range opts.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Geometry.FrameBytes() > cfg.GetSlotBytes() {
			return nil, fmt.Errorf("profile %q frame (%d bytes) exceeds slot capacity (%d bytes)",
				p.Name, p.Geometry.FrameBytes(), cfg.GetSlotBytes())
		}
	}

	b := &Bridge{
		cfg:       cfg,
		profiles:  opts.Profiles,
		consumer:  opts.Consumer,
		counters:  telemetry.NewCounters(),
		ready:     make(chan *assembly.Frame, cfg.GetReadyDepth()),
		stopStats: make(chan struct{}),
	}

	if path := cfg.GetJournalPath(); path != "" {
		j, err := telemetry.OpenJournal(path)
		if err != nil {
			return nil, fmt.Errorf("opening event journal: %w", err)
		}
		b.journal = j
	}

	alloc := opts.Allocator
	if alloc == nil {
		alloc = gpu.NewPinnedAllocator(0)
	}
	p, err := pool.New(alloc, pool.Config{
		Capacity:  cfg.GetPoolCapacity(),
		SlotBytes: cfg.GetSlotBytes(),
		MTU:       cfg.GetMTU(),
	})
	if err != nil {
		b.closeJournal()
		return nil, fmt.Errorf("allocating buffer pool: %w", err)
	}
	b.pool = p

	groups, err := syncGroups(cfg.SyncGroups)
	if err != nil {
		b.teardownEarly()
		return nil, err
	}
	b.sync, err = align.New(align.Config{
		Groups:      groups,
		Counters:    b.counters,
		OnPaired:    b.paired,
		OnUnmatched: b.unmatched,
	})
	if err != nil {
		b.teardownEarly()
		return nil, err
	}

	b.reasm = assembly.New(assembly.Config{
		Pool:           b.pool,
		Channels:       cfg.GetChannels(),
		FrameTimeout:   cfg.GetFrameTimeout(),
		NominalPayload: profile.NominalPayloads(opts.Profiles),
		Counters:       b.counters,
		OnFrame:        b.frameReady,
		OnDrop:         b.frameDropped,
	})

	b.listener = transport.NewDataListener(transport.DataListenerConfig{
		Address:  cfg.GetDataAddress(),
		RcvBuf:   cfg.GetUDPRcvBuf(),
		Buffers:  b.pool,
		Counters: b.counters,
		Handler:  b.handleDatagram,
		OnListen: opts.OnDataListen,
	})
	return b, nil
}

func syncGroups(defs []config.SyncGroupConfig) ([]align.Group, error) {
	groups := make([]align.Group, 0, len(defs))
	for _, d := range defs {
		tol, err := time.ParseDuration(d.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("sync group %q tolerance: %w", d.ID, err)
		}
		groups = append(groups, align.Group{ID: d.ID, Members: d.Channels, Tolerance: tol})
	}
	return groups, nil
}

// Start brings up the control plane, applies each profile's init sequence,
// and then opens the data path. The context bounds the whole stream; cancel
// it or call Shutdown to stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	conn, err := transport.DialControl(b.cfg.GetControlAddress())
	if err != nil {
		return fmt.Errorf("dialing control endpoint: %w", err)
	}
	b.engine = control.NewEngine(conn, control.Config{
		Timeout:    b.cfg.GetControlTimeout(),
		MaxRetries: b.cfg.GetControlMaxRetries(),
		Backoff:    b.cfg.GetControlBackoff(),
	}, b.counters)

	// Sensors must be programmed before any frame data can be meaningful.
	for _, p := range b.profiles {
		if len(p.InitSequence) == 0 {
			continue
		}
		monitoring.Logf("applying init sequence for profile %q (channel %d, %d writes)",
			p.Name, p.ChannelID, len(p.InitSequence))
		if err := b.engine.ApplyInitSequence(ctx, p.InitSequence); err != nil {
			b.engine.Close()
			return fmt.Errorf("profile %q init: %w", p.Name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.dataWG.Add(1)
	go func() {
		defer b.dataWG.Done()
		if err := b.listener.Run(runCtx); err != nil && runCtx.Err() == nil {
			monitoring.Logf("data listener exited: %v", err)
		}
	}()

	b.consWG.Add(1)
	go b.consumeLoop()

	b.statsWG.Add(1)
	go func() {
		defer b.statsWG.Done()
		b.counters.Run(b.cfg.GetStatsInterval(), b.stopStats)
	}()

	return nil
}

// handleDatagram runs on the data goroutine for every received datagram.
func (b *Bridge) handleDatagram(datagram []byte) {
	h, payload, err := wire.ParsePacket(datagram)
	if err != nil {
		b.counters.AddParseError()
		return
	}
	b.reasm.Process(h, payload)
}

// frameReady moves a completed frame to the consumer goroutine. When the
// queue is full the frame is dropped rather than stalling reassembly.
func (b *Bridge) frameReady(f *assembly.Frame) {
	select {
	case b.ready <- f:
	default:
		_ = b.pool.Release(f.Slot)
		b.counters.AddFrameDropped(string(assembly.ReasonBackpressure))
		b.frameDropped(assembly.DropEvent{
			ChannelID: f.Meta.ChannelID,
			FrameID:   f.Meta.FrameID,
			Reason:    assembly.ReasonBackpressure,
		})
	}
}

func (b *Bridge) frameDropped(d assembly.DropEvent) {
	if b.journal != nil {
		b.journal.RecordDrop(d.ChannelID, d.FrameID, string(d.Reason))
	}
	b.consumer.OnFrameDropped(d.ChannelID, d.FrameID, string(d.Reason))
}

func (b *Bridge) consumeLoop() {
	defer b.consWG.Done()
	for f := range b.ready {
		if err := b.pool.MarkInUse(f.Slot); err != nil {
			monitoring.Logf("frame %d/%d skipped: %v", f.Meta.ChannelID, f.Meta.FrameID, err)
			continue
		}
		b.consumer.OnFrameReady(f)
		b.sync.Observe(f)
	}
}

// paired runs on the consumer goroutine when a sync group completes.
func (b *Bridge) paired(group string, frames []*assembly.Frame) {
	if b.journal != nil {
		var minTS, maxTS uint64
		for i, f := range frames {
			ts := f.Meta.LastTimestamp
			if i == 0 || ts < minTS {
				minTS = ts
			}
			if i == 0 || ts > maxTS {
				maxTS = ts
			}
		}
		b.journal.RecordPaired(group, maxTS-minTS)
	}
	b.consumer.OnPairedFrames(group, frames)
}

// unmatched runs when a frame ages out of its sync group without a partner.
// The consumer still owns the slot; the drop report is its cue to release.
func (b *Bridge) unmatched(group string, f *assembly.Frame) {
	if b.journal != nil {
		b.journal.RecordUnmatched(group, f.Meta.ChannelID, f.Meta.FrameID)
	}
	b.consumer.OnFrameDropped(f.Meta.ChannelID, f.Meta.FrameID, align.ReasonUnmatched)
}

// ReleaseFrame returns a consumed frame's slot to the pool, making it
// acquirable for new frames.
func (b *Bridge) ReleaseFrame(f *assembly.Frame) error {
	return b.pool.Release(f.Slot)
}

// Counters exposes the bridge's statistics, mainly for status surfaces.
func (b *Bridge) Counters() *telemetry.Counters { return b.counters }

// Engine exposes the control engine for ad-hoc register access while the
// stream runs (exposure, gain, trigger tweaks).
func (b *Bridge) Engine() *control.Engine { return b.engine }

// SkewStats reports synchronizer pair-skew statistics in nanoseconds.
func (b *Bridge) SkewStats() (mean, stddev float64, n int) {
	return b.sync.SkewStats()
}

// Shutdown stops the stream and releases every resource. Pending control
// transactions fail with ErrShutdown; in-flight frames are flushed; all pool
// slots return to Free. No frame ownership survives. Safe after a failed
// Start, where it still releases whatever New and Start built.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	// cancel is only set once the goroutines are running; a Start that
	// failed during control bring-up leaves it nil.
	if cancel != nil {
		cancel()
		b.dataWG.Wait()

		// The data goroutine is gone; flushing from here keeps the
		// single-writer discipline.
		b.reasm.FlushAll()
		close(b.ready)
		b.consWG.Wait()
		b.sync.Flush()

		close(b.stopStats)
		b.statsWG.Wait()
		b.counters.LogStats()
	}

	if b.engine != nil {
		b.engine.Close()
	}

	b.pool.ReleaseAll()
	b.pool.Close()
	b.closeJournal()
}

func (b *Bridge) closeJournal() {
	if b.journal != nil {
		b.journal.Close()
		b.journal = nil
	}
}

// teardownEarly releases what New built before a construction error.
func (b *Bridge) teardownEarly() {
	if b.pool != nil {
		b.pool.Close()
	}
	b.closeJournal()
}
