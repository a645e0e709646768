//go:build pcap
// +build pcap

// replay resends captured bridge traffic from a PCAP file to a running
// bridge, preserving (optionally scaling) the original packet timing. Used
// to reproduce field captures against a development bridge without the
// sensor hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/corvusworks/sensorbridge/internal/wire"
)

var (
	pcapFile = flag.String("pcap", "", "PCAP file with captured bridge traffic (required)")
	target   = flag.String("target", "127.0.0.1:12288", "Bridge data address to replay to")
	udpPort  = flag.Int("udp-port", 12288, "Capture-side UDP destination port to extract")
	speed    = flag.Float64("speed", 1.0, "Timing scale: 2.0 replays at double speed, 0 replays as fast as possible")
	verbose  = flag.Bool("verbose", false, "Log every replayed packet header")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("replay: -pcap is required")
	}

	handle, err := pcap.OpenOffline(*pcapFile)
	if err != nil {
		log.Fatalf("opening capture: %v", err)
	}
	defer handle.Close()

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("dialing bridge: %v", err)
	}
	defer conn.Close()

	var (
		sent      int
		bytes     int64
		malformed int
		skipped   int
		lastTS    time.Time
	)
	start := time.Now()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.DstPort) != *udpPort {
			skipped++
			continue
		}
		payload := udp.Payload
		if len(payload) == 0 {
			skipped++
			continue
		}

		h, _, err := wire.ParsePacket(payload)
		if err != nil {
			// Replayed anyway; the bridge's parse-error counting is part of
			// what captures are replayed to exercise.
			malformed++
		} else if *verbose {
			log.Printf("channel=%d frame=%d seq=%d/%d len=%d",
				h.ChannelID, h.FrameID, h.Sequence, h.TotalPackets, h.PayloadLen)
		}

		// Pace by capture timestamps.
		ts := packet.Metadata().Timestamp
		if *speed > 0 && !lastTS.IsZero() && ts.After(lastTS) {
			gap := ts.Sub(lastTS)
			time.Sleep(time.Duration(float64(gap) / *speed))
		}
		lastTS = ts

		if _, err := conn.Write(payload); err != nil {
			log.Fatalf("sending packet %d: %v", sent+1, err)
		}
		sent++
		bytes += int64(len(payload))
	}

	elapsed := time.Since(start)
	fmt.Printf("replayed %d packets (%.2f MB) in %v; %d malformed, %d skipped\n",
		sent, float64(bytes)/(1024*1024), elapsed.Round(time.Millisecond), malformed, skipped)
}
