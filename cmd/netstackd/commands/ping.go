package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-netstack/netstackd/internal/config"
	"github.com/go-netstack/netstackd/internal/icmp"
	"github.com/go-netstack/netstackd/internal/stack"
)

// pingProbeCount is the number of echo requests ping sends before
// reporting statistics and exiting.
const pingProbeCount = 4

// pingID is the ICMP identifier stamped on every echo request this client
// originates; a single process only ever runs one ping at a time, so a
// fixed id is enough to tell its own replies apart from anyone else's.
const pingID = 0x1234

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <ipv4>",
		Short: "Send 4 ICMP echo requests to a host and report round-trip statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runPing(configPath, args[0])
		},
	}
}

func runPing(path, target string) error {
	dst, err := parseIPv4(target)
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	drv, err := newDriver(cfg.Driver)
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}
	defer drv.Close()

	s, err := stack.New(cfg, drv, nil)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for seq := uint16(1); seq <= pingProbeCount; seq++ {
		s.ICMP.PingRequest(dst, pingID, seq)
		time.Sleep(time.Second)
	}

	printPingReport(target, s.ICMP.PingReportStats())
	return nil
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("ping: %q is not a valid IP address", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("ping: %q is not an IPv4 address", s)
	}
	copy(out[:], v4)
	return out, nil
}

func printPingReport(target string, stats icmp.Stats) {
	var lossPct float64
	if stats.Sent > 0 {
		lossPct = float64(stats.Sent-stats.Received) * 100 / float64(stats.Sent)
	}

	fmt.Printf("--- %s ping statistics ---\n", target)
	fmt.Printf("%d packets transmitted, %d received, %.0f%% packet loss\n",
		stats.Sent, stats.Received, lossPct)

	if stats.Received == 0 {
		return
	}
	avg := stats.TotalRTT / time.Duration(stats.Received)
	fmt.Printf("rtt min/avg/max = %.3f/%.3f/%.3f ms\n",
		msFloat(stats.MinRTT), msFloat(avg), msFloat(stats.MaxRTT))
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
