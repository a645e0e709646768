// Package profile describes sensor configurations: the frame geometry a
// channel produces and the register init sequence that puts the sensor into
// that mode. Profiles ship as built-in presets or load from YAML.
package profile

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/corvusworks/sensorbridge/internal/control"
	"github.com/corvusworks/sensorbridge/internal/wire"
)

// Geometry describes the shape of one sensor frame on the wire.
type Geometry struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	BytesPerPixel int `yaml:"bytes_per_pixel"`
	PayloadSize   int `yaml:"payload_size"` // bytes per chunk, except the last
}

// FrameBytes is the total size of one reassembled frame.
func (g Geometry) FrameBytes() int {
	return g.Width * g.Height * g.BytesPerPixel
}

// TotalPackets is the chunk count a frame of this geometry arrives in.
func (g Geometry) TotalPackets() int {
	if g.PayloadSize <= 0 {
		return 0
	}
	return (g.FrameBytes() + g.PayloadSize - 1) / g.PayloadSize
}

// Profile binds one channel to a sensor mode.
type Profile struct {
	Name         string                  `yaml:"name"`
	ChannelID    uint16                  `yaml:"channel"`
	Geometry     Geometry                `yaml:"geometry"`
	InitSequence []control.RegisterWrite `yaml:"init_sequence"`
}

// Validate checks a profile for internal consistency.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile has no name")
	}
	g := p.Geometry
	if g.Width <= 0 || g.Height <= 0 || g.BytesPerPixel <= 0 {
		return fmt.Errorf("profile %q: geometry %dx%dx%d is not positive", p.Name, g.Width, g.Height, g.BytesPerPixel)
	}
	if g.PayloadSize <= 0 || g.PayloadSize > wire.MaxPayloadLen {
		return fmt.Errorf("profile %q: payload_size %d outside (0, %d]", p.Name, g.PayloadSize, wire.MaxPayloadLen)
	}
	return nil
}

// Presets are the built-in sensor modes, usable without a profile file.
var Presets = []Profile{
	{
		Name:      "imx274-1080p",
		ChannelID: 0,
		Geometry:  Geometry{Width: 1920, Height: 1080, BytesPerPixel: 2, PayloadSize: 1472},
		InitSequence: []control.RegisterWrite{
			{Address: 0x3000, Value: 0x12}, // standby
			{Address: 0x3004, Value: 0x04}, // 1080p mode select
			{Address: 0x3018, Value: 0xA2},
			{Address: 0x3000, Value: 0x00}, // streaming
		},
	},
	{
		Name:      "imx274-4k",
		ChannelID: 0,
		Geometry:  Geometry{Width: 3840, Height: 2160, BytesPerPixel: 2, PayloadSize: 1472},
		InitSequence: []control.RegisterWrite{
			{Address: 0x3000, Value: 0x12},
			{Address: 0x3004, Value: 0x01}, // 4k mode select
			{Address: 0x3018, Value: 0xA2},
			{Address: 0x3000, Value: 0x00},
		},
	},
}

// Preset returns the built-in profile with the given name.
func Preset(name string) (Profile, error) {
	for _, p := range Presets {
		if p.Name == name {
			return p, nil
		}
	}
	names := make([]string, 0, len(Presets))
	for _, p := range Presets {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return Profile{}, fmt.Errorf("unknown preset %q (have %v)", name, names)
}

// Load reads and validates profiles from a YAML file. The file holds a list
// of profiles; each channel may appear at most once.
func Load(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates profiles from YAML bytes.
func Parse(data []byte) ([]Profile, error) {
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("profile file defines no profiles")
	}
	byChannel := make(map[uint16]string)
	for i := range doc.Profiles {
		p := &doc.Profiles[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if prev, dup := byChannel[p.ChannelID]; dup {
			return nil, fmt.Errorf("channel %d claimed by both %q and %q", p.ChannelID, prev, p.Name)
		}
		byChannel[p.ChannelID] = p.Name
	}
	return doc.Profiles, nil
}

// NominalPayloads maps each profiled channel to its chunk payload size, in
// the form the reassembler consumes.
func NominalPayloads(profiles []Profile) map[uint16]int {
	m := make(map[uint16]int, len(profiles))
	for _, p := range profiles {
		m[p.ChannelID] = p.Geometry.PayloadSize
	}
	return m
}
