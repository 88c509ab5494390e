package client

import (
	"context"
	"testing"
	"time"

	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/eventbus"
	"github.com/verdant-labs/hlpd/internal/hlp"
	"github.com/verdant-labs/hlpd/internal/sim"
)

// TestLoopback runs the whole path against a simulated fixture: unicast
// discovery, device info over the command socket, a ramped spectrum change,
// and status polls observing the ramp settle.
func TestLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := sim.New(config.SimulatedDevice{
		ID:       "sim-hlp-001",
		Name:     "Loopback Rack",
		Channels: []hlp.ChannelType{hlp.ChannelWhite, hlp.ChannelRed, hlp.ChannelBlue, hlp.ChannelFarRed},
		MaxPower: 50,
	}, nil)
	if err := device.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer device.Stop()

	responder := sim.NewResponder(config.DiscoveryConfig{Port: 0}, []*sim.Simulator{device})
	if err := responder.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer responder.Stop()

	bus := eventbus.New()
	defer bus.Close(context.Background())

	off := false
	c := New(config.DiscoveryConfig{
		Port:            responder.Port(),
		Interval:        config.Duration(100 * time.Millisecond),
		EnableBroadcast: &off,
		EnableMulticast: &off,
		UnicastAddrs:    []string{"127.0.0.1"},
	}, config.CommandConfig{
		Timeout:    config.Duration(2 * time.Second),
		RetryDelay: config.Duration(50 * time.Millisecond),
	}, bus)

	discovered := make(chan hlp.Device, 1)
	c.OnDeviceDiscovered(func(dev hlp.Device) { discovered <- dev })

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	var dev hlp.Device
	select {
	case dev = <-discovered:
	case <-time.After(5 * time.Second):
		t.Fatal("fixture was never discovered")
	}
	if dev.ID != "sim-hlp-001" || dev.CommandPort != device.CommandPort() {
		t.Fatalf("discovered %+v", dev)
	}

	info, err := c.GetDeviceInfo(ctx, "sim-hlp-001")
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || len(info.Channels) != 4 {
		t.Fatalf("device info = %+v", info)
	}

	// Scenario: ramp red to 80% over 200ms. Power converges only after the
	// ramp window elapses.
	err = c.SetSpectrum("sim-hlp-001", map[hlp.ChannelType]float64{hlp.ChannelRed: 80}, nil, 0.2)
	if err != nil {
		t.Fatal(err)
	}

	status, err := c.GetStatus(ctx, "sim-hlp-001")
	if err != nil {
		t.Fatal(err)
	}
	if status == nil {
		t.Fatal("status poll timed out")
	}
	red := channelByType(t, status.Channels, hlp.ChannelRed)
	if red.Intensity != 80 {
		t.Errorf("red intensity = %v, want 80 immediately", red.Intensity)
	}
	if red.ActualPower != 0 {
		t.Errorf("red actual power = %v during ramp, want 0", red.ActualPower)
	}

	time.Sleep(300 * time.Millisecond)
	status, err = c.GetStatus(ctx, "sim-hlp-001")
	if err != nil || status == nil {
		t.Fatalf("status after ramp: %v, %v", status, err)
	}
	red = channelByType(t, status.Channels, hlp.ChannelRed)
	if red.ActualPower != red.TargetPower {
		t.Errorf("after ramp actual = %v, target = %v", red.ActualPower, red.TargetPower)
	}
	if red.TargetPower != 40 { // 80% of 50W
		t.Errorf("red target power = %v, want 40", red.TargetPower)
	}

	// The status poll refreshed the registry's channel snapshot.
	cached, err := c.Device("sim-hlp-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(cached.Channels) != 4 {
		t.Errorf("registry channels = %d, want 4", len(cached.Channels))
	}
}

func channelByType(t *testing.T, channels []hlp.Channel, typ hlp.ChannelType) hlp.Channel {
	t.Helper()
	for _, ch := range channels {
		if ch.Type == typ {
			return ch
		}
	}
	t.Fatalf("no %s channel in %+v", typ, channels)
	return hlp.Channel{}
}
