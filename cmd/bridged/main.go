// bridged receives sensor frames from an FPGA bridge board over UDP,
// reassembles them into device-addressable buffers, and keeps multi-channel
// streams aligned. Register-level sensor bring-up runs over the control
// socket before streaming starts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/corvusworks/sensorbridge/internal/assembly"
	"github.com/corvusworks/sensorbridge/internal/bridge"
	"github.com/corvusworks/sensorbridge/internal/config"
	"github.com/corvusworks/sensorbridge/internal/profile"
	"github.com/corvusworks/sensorbridge/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to bridge config JSON (defaults used when empty)")
	profilePath  = flag.String("profiles", "", "Path to sensor profiles YAML")
	presets      = flag.String("presets", "", "Comma-separated built-in profile presets (alternative to -profiles)")
	logFile      = flag.String("log-file", "", "Rotate logs to this file instead of stderr")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// logConsumer is the default frame sink: it logs activity and returns slots
// immediately so the daemon can run headless for soak testing. Real
// consumers attach through the bridge package API.
type logConsumer struct {
	b *bridge.Bridge
}

func (c *logConsumer) OnFrameReady(f *assembly.Frame) {
	if err := c.b.ReleaseFrame(f); err != nil {
		log.Printf("releasing frame %d/%d: %v", f.Meta.ChannelID, f.Meta.FrameID, err)
	}
}

func (c *logConsumer) OnFrameDropped(channel uint16, frame uint32, reason string) {
	log.Printf("frame dropped: channel=%d frame=%d reason=%s", channel, frame, reason)
}

func (c *logConsumer) OnPairedFrames(group string, frames []*assembly.Frame) {
	// Slots were already released by OnFrameReady; pairing is informational
	// in headless mode.
}

func loadProfiles() ([]profile.Profile, error) {
	if *profilePath != "" && *presets != "" {
		return nil, fmt.Errorf("-profiles and -presets are mutually exclusive")
	}
	if *profilePath != "" {
		return profile.Load(*profilePath)
	}
	var profiles []profile.Profile
	if *presets != "" {
		for _, name := range strings.Split(*presets, ",") {
			p, err := profile.Preset(strings.TrimSpace(name))
			if err != nil {
				return nil, err
			}
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridged %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	cfg := &config.BridgeConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	profiles, err := loadProfiles()
	if err != nil {
		log.Fatalf("loading profiles: %v", err)
	}

	consumer := &logConsumer{}
	b, err := bridge.New(bridge.Options{
		Config:   cfg,
		Profiles: profiles,
		Consumer: consumer,
	})
	if err != nil {
		log.Fatalf("building bridge: %v", err)
	}
	consumer.b = b

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("bridged %s starting: data=%s control=%s channels=%d pool=%d",
		version.Version, cfg.GetDataAddress(), cfg.GetControlAddress(),
		cfg.GetChannels(), cfg.GetPoolCapacity())

	if err := b.Start(ctx); err != nil {
		log.Fatalf("starting bridge: %v", err)
	}

	<-ctx.Done()
	log.Printf("shutting down")
	b.Shutdown()
	os.Exit(0)
}
