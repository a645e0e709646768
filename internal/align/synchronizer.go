// Package align pairs frames across sensor channels by hardware timestamp.
// A sync group names a set of channels (a stereo pair, a camera ring) whose
// frames belong together when their timestamps fall within a tolerance.
package align

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/corvusworks/sensorbridge/internal/assembly"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
)

const skewWindow = 256 // recent pair skews retained for statistics

// ReasonUnmatched marks a frame whose sync-group partners never arrived
// within tolerance. It reaches consumers through their drop callback.
const ReasonUnmatched = "unmatched"

// Group names a set of channels whose frames are temporally aligned.
// Tolerance is compared against hardware timestamps, which share the FPGA
// clock domain across channels.
type Group struct {
	ID        string
	Members   []uint16
	Tolerance time.Duration
}

// Validate checks a group definition.
func (g Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("sync group has no id")
	}
	if len(g.Members) < 2 {
		return fmt.Errorf("sync group %q has %d members, need at least 2", g.ID, len(g.Members))
	}
	if g.Tolerance <= 0 {
		return fmt.Errorf("sync group %q has non-positive tolerance", g.ID)
	}
	seen := make(map[uint16]bool)
	for _, ch := range g.Members {
		if seen[ch] {
			return fmt.Errorf("sync group %q lists channel %d twice", g.ID, ch)
		}
		seen[ch] = true
	}
	return nil
}

// Config wires a synchronizer to its outputs.
type Config struct {
	Groups   []Group
	Counters *telemetry.Counters

	// OnPaired receives one event per completed pairing. Frames are in
	// member order; the receiver takes over the frame references.
	OnPaired func(groupID string, frames []*assembly.Frame)

	// OnUnmatched receives frames whose partners never arrived in
	// tolerance. Optional.
	OnUnmatched func(groupID string, frame *assembly.Frame)
}

// pending is the latest unpaired frame from one member channel.
type pending struct {
	frame *assembly.Frame
	ts    uint64
}

type groupState struct {
	def     Group
	entries map[uint16]*pending
}

// Synchronizer pairs Ready frames across channels. It runs on the consumer
// goroutine and is not safe for concurrent use.
type Synchronizer struct {
	cfg      Config
	groups   []*groupState
	byChan   map[uint16]*groupState
	skews    []float64 // ns, ring of recent pair skews
	skewNext int
}

// New builds a synchronizer. Group definitions must already be validated;
// a channel may belong to at most one group.
func New(cfg Config) (*Synchronizer, error) {
	s := &Synchronizer{cfg: cfg, byChan: make(map[uint16]*groupState)}
	for _, def := range cfg.Groups {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		gs := &groupState{def: def, entries: make(map[uint16]*pending)}
		for _, ch := range def.Members {
			if prev, taken := s.byChan[ch]; taken {
				return nil, fmt.Errorf("channel %d in both sync groups %q and %q", ch, prev.def.ID, def.ID)
			}
			s.byChan[ch] = gs
		}
		s.groups = append(s.groups, gs)
	}
	return s, nil
}

// Observe feeds one Ready frame into pairing. Frames from channels outside
// every group pass through untouched (returns false). When the frame
// completes a pairing, the paired event fires before Observe returns.
func (s *Synchronizer) Observe(f *assembly.Frame) bool {
	gs, ok := s.byChan[f.Meta.ChannelID]
	if !ok {
		return false
	}
	ts := f.Meta.LastTimestamp
	tol := uint64(gs.def.Tolerance.Nanoseconds())

	// Entries too old to ever pair with this frame are unmatched. No
	// blocking wait: staleness is decided the moment a newer timestamp
	// shows the gap.
	for ch, e := range gs.entries {
		if diff(ts, e.ts) > tol {
			s.unmatch(gs, ch, e)
		}
	}

	// A newer frame on the same channel supersedes its unpaired predecessor.
	if prev, dup := gs.entries[f.Meta.ChannelID]; dup {
		s.unmatch(gs, f.Meta.ChannelID, prev)
	}
	gs.entries[f.Meta.ChannelID] = &pending{frame: f, ts: ts}

	if len(gs.entries) < len(gs.def.Members) {
		return true
	}

	// All members present and mutually within tolerance of the newest
	// timestamp; older gaps were culled above.
	frames := make([]*assembly.Frame, len(gs.def.Members))
	var minTS, maxTS uint64
	for i, ch := range gs.def.Members {
		e := gs.entries[ch]
		frames[i] = e.frame
		if i == 0 || e.ts < minTS {
			minTS = e.ts
		}
		if i == 0 || e.ts > maxTS {
			maxTS = e.ts
		}
	}
	gs.entries = make(map[uint16]*pending)

	s.recordSkew(float64(maxTS - minTS))
	s.cfg.Counters.AddPairedFrames()
	if s.cfg.OnPaired != nil {
		s.cfg.OnPaired(gs.def.ID, frames)
	}
	return true
}

func (s *Synchronizer) unmatch(gs *groupState, ch uint16, e *pending) {
	delete(gs.entries, ch)
	s.cfg.Counters.AddUnmatchedFrame()
	if s.cfg.OnUnmatched != nil {
		s.cfg.OnUnmatched(gs.def.ID, e.frame)
	}
}

// Flush reports every pending entry as unmatched. Called at stream teardown
// so no frame reference is silently forgotten.
func (s *Synchronizer) Flush() {
	for _, gs := range s.groups {
		for ch, e := range gs.entries {
			s.unmatch(gs, ch, e)
		}
	}
}

func (s *Synchronizer) recordSkew(ns float64) {
	if len(s.skews) < skewWindow {
		s.skews = append(s.skews, ns)
		return
	}
	s.skews[s.skewNext] = ns
	s.skewNext = (s.skewNext + 1) % skewWindow
}

// SkewStats returns mean and standard deviation (nanoseconds) of recent pair
// skews, plus the sample count. Used by the telemetry interval log.
func (s *Synchronizer) SkewStats() (mean, stddev float64, n int) {
	if len(s.skews) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(s.skews, nil)
	if len(s.skews) > 1 {
		stddev = stat.StdDev(s.skews, nil)
	}
	return mean, stddev, len(s.skews)
}

// diff is |a-b| for unsigned timestamps.
func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
