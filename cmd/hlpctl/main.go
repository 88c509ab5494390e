// Command hlpctl is a small operator tool for poking HLP fixtures:
// discover devices on the local segment, fetch status, or set a channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verdant-labs/hlpd/internal/client"
	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/eventbus"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

func main() {
	port := flag.Int("port", hlp.DefaultDiscoveryPort, "Discovery port")
	wait := flag.Duration("wait", 0, "How long to wait for discovery replies (0 = discovery timeout)")
	timeout := flag.Duration("timeout", 3*time.Second, "Command timeout")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if flag.NArg() < 1 {
		usage()
	}

	discCfg := config.DiscoveryConfig{Port: *port}
	cmdCfg := config.CommandConfig{Timeout: config.Duration(*timeout)}
	cfg := &config.Config{Discovery: discCfg, Command: cmdCfg}
	cfg.ApplyDefaults()
	if *wait == 0 {
		*wait = cfg.Discovery.Timeout.Duration()
	}

	bus := eventbus.New()
	cl := client.New(cfg.Discovery, cfg.Command, bus)

	ctx := context.Background()
	if err := cl.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer func() {
		cl.Stop()
		bus.Close(context.Background())
	}()

	time.Sleep(*wait)

	switch flag.Arg(0) {
	case "discover":
		devices := cl.Devices()
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return
		}
		for _, dev := range devices {
			fmt.Printf("%-16s %-20s %s:%d  %s (%d channels)\n",
				dev.ID, dev.Name, dev.Address, dev.CommandPort, dev.Model,
				dev.Capabilities.MaxChannels)
		}

	case "status":
		if flag.NArg() < 2 {
			usage()
		}
		status, err := cl.GetStatus(ctx, flag.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		if status == nil {
			fmt.Fprintln(os.Stderr, "no reply within timeout")
			os.Exit(1)
		}
		fmt.Printf("status: %s  total power: %.1fW", status.DeviceStatus, status.TotalPower)
		if status.Temperature != nil {
			fmt.Printf("  temperature: %.1fC", *status.Temperature)
		}
		fmt.Println()
		for _, ch := range status.Channels {
			fmt.Printf("  channel %d %-11s intensity %5.1f%%  %.1fW / %.1fW\n",
				ch.ID, ch.Type, ch.Intensity, ch.ActualPower, ch.TargetPower)
		}

	case "set":
		if flag.NArg() < 4 {
			usage()
		}
		channel, err := strconv.Atoi(flag.Arg(2))
		if err != nil {
			usage()
		}
		intensity, err := strconv.ParseFloat(flag.Arg(3), 64)
		if err != nil {
			usage()
		}
		err = cl.SetIntensity(flag.Arg(1), []hlp.ChannelIntensity{
			{ChannelID: channel, Intensity: intensity},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: hlpctl [flags] <command>

commands:
  discover                      list devices on the local segment
  status <device-id>            fetch live channel state
  set <device-id> <ch> <pct>    set one channel's intensity

`)
	flag.PrintDefaults()
	os.Exit(2)
}
