// Package config holds the bridge's startup configuration. All values are
// supplied at initialization and immutable afterwards; changing any of them
// requires a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BridgeConfig is the root configuration. Fields are pointers so a partial
// JSON file overrides only what it names; the Get* methods supply defaults
// for everything else.
type BridgeConfig struct {
	// Network
	DataAddress    *string `json:"data_address,omitempty"`
	ControlAddress *string `json:"control_address,omitempty"`
	UDPRcvBuf      *int    `json:"udp_rcvbuf,omitempty"`

	// Channels and buffering
	Channels     *int `json:"channels,omitempty"`
	PoolCapacity *int `json:"pool_capacity,omitempty"`
	SlotBytes    *int `json:"slot_bytes,omitempty"`
	MTU          *int `json:"mtu,omitempty"`
	ReadyDepth   *int `json:"ready_depth,omitempty"`

	// Reassembly
	FrameTimeout *string `json:"frame_timeout,omitempty"` // duration string like "50ms"

	// Control plane
	ControlTimeout    *string `json:"control_timeout,omitempty"`
	ControlMaxRetries *int    `json:"control_max_retries,omitempty"`
	ControlBackoff    *string `json:"control_backoff,omitempty"`

	// Synchronization
	SyncGroups []SyncGroupConfig `json:"sync_groups,omitempty"`

	// Telemetry
	StatsInterval *string `json:"stats_interval,omitempty"`
	JournalPath   *string `json:"journal_path,omitempty"` // empty disables the journal
}

// SyncGroupConfig declares one set of channels to pair by timestamp.
type SyncGroupConfig struct {
	ID        string   `json:"id"`
	Channels  []uint16 `json:"channels"`
	Tolerance string   `json:"tolerance"` // duration string like "1ms"
}

// Load reads a BridgeConfig from a JSON file. Fields omitted from the file
// retain their defaults, so partial configs are safe.
func Load(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &BridgeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *BridgeConfig) Validate() error {
	if c.Channels != nil && *c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", *c.Channels)
	}
	if c.PoolCapacity != nil && *c.PoolCapacity <= 0 {
		return fmt.Errorf("pool_capacity must be positive, got %d", *c.PoolCapacity)
	}
	if c.SlotBytes != nil && *c.SlotBytes <= 0 {
		return fmt.Errorf("slot_bytes must be positive, got %d", *c.SlotBytes)
	}
	if c.MTU != nil && *c.MTU <= 0 {
		return fmt.Errorf("mtu must be positive, got %d", *c.MTU)
	}
	if c.ControlMaxRetries != nil && *c.ControlMaxRetries < 0 {
		return fmt.Errorf("control_max_retries must be non-negative, got %d", *c.ControlMaxRetries)
	}
	for _, field := range []struct {
		name  string
		value *string
	}{
		{"frame_timeout", c.FrameTimeout},
		{"control_timeout", c.ControlTimeout},
		{"control_backoff", c.ControlBackoff},
		{"stats_interval", c.StatsInterval},
	} {
		if field.value != nil && *field.value != "" {
			if _, err := time.ParseDuration(*field.value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", field.name, *field.value, err)
			}
		}
	}
	for _, g := range c.SyncGroups {
		if g.ID == "" {
			return fmt.Errorf("sync group with no id")
		}
		if len(g.Channels) < 2 {
			return fmt.Errorf("sync group %q needs at least 2 channels", g.ID)
		}
		if _, err := time.ParseDuration(g.Tolerance); err != nil {
			return fmt.Errorf("sync group %q has invalid tolerance '%s': %w", g.ID, g.Tolerance, err)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetDataAddress returns the data socket bind address or the default.
func (c *BridgeConfig) GetDataAddress() string {
	if c.DataAddress == nil {
		return ":12288"
	}
	return *c.DataAddress
}

// GetControlAddress returns the FPGA control endpoint or the default.
func (c *BridgeConfig) GetControlAddress() string {
	if c.ControlAddress == nil {
		return "192.168.0.2:8192"
	}
	return *c.ControlAddress
}

// GetUDPRcvBuf returns the requested kernel receive buffer size.
func (c *BridgeConfig) GetUDPRcvBuf() int {
	if c.UDPRcvBuf == nil {
		return 8 * 1024 * 1024
	}
	return *c.UDPRcvBuf
}

// GetChannels returns the number of sensor channels.
func (c *BridgeConfig) GetChannels() int {
	if c.Channels == nil {
		return 2
	}
	return *c.Channels
}

// GetPoolCapacity returns the frame buffer pool slot count.
func (c *BridgeConfig) GetPoolCapacity() int {
	if c.PoolCapacity == nil {
		return 8
	}
	return *c.PoolCapacity
}

// GetSlotBytes returns the per-slot frame buffer capacity.
func (c *BridgeConfig) GetSlotBytes() int {
	if c.SlotBytes == nil {
		return 16 * 1024 * 1024 // 4k @ 2 bytes/pixel fits
	}
	return *c.SlotBytes
}

// GetMTU returns the datagram staging buffer size.
func (c *BridgeConfig) GetMTU() int {
	if c.MTU == nil {
		return 1500
	}
	return *c.MTU
}

// GetReadyDepth returns the Ready-frame queue depth.
func (c *BridgeConfig) GetReadyDepth() int {
	if c.ReadyDepth == nil {
		return 16
	}
	return *c.ReadyDepth
}

// GetFrameTimeout returns the in-flight frame timeout.
func (c *BridgeConfig) GetFrameTimeout() time.Duration {
	return durationOr(c.FrameTimeout, 50*time.Millisecond)
}

// GetControlTimeout returns the per-attempt control response timeout.
func (c *BridgeConfig) GetControlTimeout() time.Duration {
	return durationOr(c.ControlTimeout, 100*time.Millisecond)
}

// GetControlMaxRetries returns the control retransmission limit.
func (c *BridgeConfig) GetControlMaxRetries() int {
	if c.ControlMaxRetries == nil {
		return 3
	}
	return *c.ControlMaxRetries
}

// GetControlBackoff returns the base control retransmission backoff.
func (c *BridgeConfig) GetControlBackoff() time.Duration {
	return durationOr(c.ControlBackoff, 50*time.Millisecond)
}

// GetStatsInterval returns the telemetry logging interval.
func (c *BridgeConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Second)
}

// GetJournalPath returns the sqlite journal path; empty disables journaling.
func (c *BridgeConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}
