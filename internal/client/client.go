// Package client implements the client side of the Horticulture Lighting
// Protocol: UDP device discovery, a device registry, and a per-device TCP
// command transport with sequence-number correlation.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/eventbus"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

// ErrUnknownDevice is returned for operations addressing a device id the
// discovery registry has never seen. It indicates a caller mistake, not a
// network condition, so no I/O is attempted.
var ErrUnknownDevice = errors.New("unknown device")

// Client discovers fixtures and drives them over the command transport.
// All maps are private to the instance; two clients in one process share
// nothing.
type Client struct {
	discCfg config.DiscoveryConfig
	cmdCfg  config.CommandConfig
	bus     *eventbus.Bus

	registry *registry
	clientID string
	seq      atomic.Uint32

	mu      sync.Mutex
	conns   map[string]*deviceConn
	pending map[uint32]chan *hlp.Message
	groups  map[string]hlp.Group

	udp    *net.UDPConn
	mconn  *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   chan struct{}
}

// New creates a client publishing its events to the given bus.
func New(discCfg config.DiscoveryConfig, cmdCfg config.CommandConfig, bus *eventbus.Bus) *Client {
	return &Client{
		discCfg:  discCfg,
		cmdCfg:   cmdCfg,
		bus:      bus,
		registry: newRegistry(),
		clientID: uuid.NewString(),
		conns:    make(map[string]*deviceConn),
		pending:  make(map[uint32]chan *hlp.Message),
		groups:   make(map[string]hlp.Group),
		stop:     make(chan struct{}),
	}
}

func (c *Client) nextSeq() uint32 {
	return c.seq.Add(1)
}

func (c *Client) closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Start binds the discovery socket, sends the first probe immediately, and
// keeps probing every discovery interval until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("discovery socket: %w", err)
	}
	c.udp = udp

	if c.discCfg.Multicast() {
		maddr := &net.UDPAddr{IP: net.ParseIP(c.discCfg.MulticastAddr), Port: c.discCfg.Port}
		mconn, err := net.ListenMulticastUDP("udp4", nil, maddr)
		if err != nil {
			// Best effort: replies are unicast anyway, this only matters
			// for hearing multicast pushes.
			log.Warn().Err(err).Str("group", c.discCfg.MulticastAddr).Msg("Multicast join failed")
		} else {
			c.mconn = mconn
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.discoveryReadLoop(c.udp)
	if c.mconn != nil {
		c.wg.Add(1)
		go c.discoveryReadLoop(c.mconn)
	}

	c.wg.Add(1)
	go c.discoveryProbeLoop(runCtx)
	c.wg.Add(1)
	go c.agingLoop(runCtx)

	log.Info().
		Int("discovery_port", c.discCfg.Port).
		Dur("interval", c.discCfg.Interval.Duration()).
		Msg("HLP client started")
	return nil
}

// Stop closes all sockets and waits for the loops to exit. The event bus is
// owned by the caller and is not closed here.
func (c *Client) Stop() {
	select {
	case <-c.stop:
		return
	default:
	}
	close(c.stop)
	if c.cancel != nil {
		c.cancel()
	}
	if c.udp != nil {
		c.udp.Close()
	}
	if c.mconn != nil {
		c.mconn.Close()
	}

	c.mu.Lock()
	conns := make([]*deviceConn, 0, len(c.conns))
	for _, dc := range c.conns {
		conns = append(conns, dc)
	}
	c.mu.Unlock()
	for _, dc := range conns {
		dc.Conn.Close()
	}

	c.wg.Wait()
	log.Info().Msg("HLP client stopped")
}

func (c *Client) discoveryProbeLoop(ctx context.Context) {
	defer c.wg.Done()

	c.probe()
	ticker := time.NewTicker(c.discCfg.Interval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

// probe broadcasts one DISCOVER_REQUEST to every enabled target address.
func (c *Client) probe() {
	msg, err := hlp.NewMessage(hlp.TypeDiscoverRequest, "", c.nextSeq(), &hlp.DiscoverRequest{ClientID: c.clientID})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build discovery probe")
		return
	}
	data, err := hlp.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode discovery probe")
		return
	}

	var targets []*net.UDPAddr
	if c.discCfg.Broadcast() {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: c.discCfg.Port})
	}
	if c.discCfg.Multicast() {
		targets = append(targets, &net.UDPAddr{IP: net.ParseIP(c.discCfg.MulticastAddr), Port: c.discCfg.Port})
	}
	for _, host := range c.discCfg.UnicastAddrs {
		addr, err := c.resolveUnicast(host)
		if err != nil {
			log.Warn().Err(err).Str("target", host).Msg("Bad unicast discovery target")
			continue
		}
		targets = append(targets, addr)
	}

	for _, target := range targets {
		if _, err := c.udp.WriteToUDP(data, target); err != nil {
			log.Warn().Err(err).Str("target", target.String()).Msg("Discovery probe failed")
		}
	}
	log.Debug().Int("targets", len(targets)).Uint32("seq", msg.Seq).Msg("Discovery probe sent")
}

func (c *Client) resolveUnicast(host string) (*net.UDPAddr, error) {
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, fmt.Sprintf("%d", c.discCfg.Port))
	}
	return net.ResolveUDPAddr("udp4", host)
}

func (c *Client) discoveryReadLoop(conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !c.closed() && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("Discovery read error")
			}
			return
		}
		c.handleDiscoveryDatagram(buf[:n], src)
	}
}

// handleDiscoveryDatagram processes one inbound datagram. Anything other
// than a well-formed DISCOVER_RESPONSE is cross-talk and is dropped without
// logging.
func (c *Client) handleDiscoveryDatagram(data []byte, src *net.UDPAddr) {
	msg := hlp.Decode(data)
	if msg == nil || msg.Type != hlp.TypeDiscoverResponse {
		return
	}
	payload, err := msg.DecodePayload()
	if err != nil {
		return
	}
	resp := payload.(*hlp.DiscoverResponse)
	if resp.DeviceID == "" {
		return
	}

	dev, isNew := c.registry.upsert(resp, src.IP.String(), time.Now())
	if !isNew {
		return
	}

	log.Info().
		Str("device_id", dev.ID).
		Str("name", dev.Name).
		Str("addr", dev.Address).
		Int("command_port", dev.CommandPort).
		Msg("Device discovered")
	c.bus.Publish(eventbus.Event{
		Type:     eventbus.EventDeviceDiscovered,
		DeviceID: dev.ID,
		Data:     &dev,
	})
}

// agingLoop marks devices offline after StaleCycles missed discovery
// intervals. Records are kept; the device springs back to online on its
// next reply.
func (c *Client) agingLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.discCfg.Interval.Duration()
	cycles := c.discCfg.StaleCycles
	if cycles <= 0 {
		cycles = 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-time.Duration(cycles) * interval)
			for _, dev := range c.registry.markStale(cutoff) {
				log.Warn().Str("device_id", dev.ID).Time("last_seen", dev.LastSeen).Msg("Device went offline")
				c.bus.Publish(eventbus.Event{
					Type:     eventbus.EventDeviceEvent,
					DeviceID: dev.ID,
					Data:     &hlp.Event{Name: "offline", Data: map[string]any{"last_seen": dev.LastSeen}},
				})
			}
		}
	}
}

// Devices returns a snapshot of all known devices, ordered by id.
func (c *Client) Devices() []hlp.Device {
	return c.registry.list()
}

// Device returns a snapshot of one device record.
func (c *Client) Device(deviceID string) (hlp.Device, error) {
	dev, ok := c.registry.get(deviceID)
	if !ok {
		return hlp.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return dev, nil
}

// SetIntensity drives individual channels on one device. A nil error means
// the command frame was written, not that the fixture applied it.
func (c *Client) SetIntensity(deviceID string, channels []hlp.ChannelIntensity) error {
	return c.command(deviceID, hlp.TypeSetIntensity, &hlp.SetIntensity{Channels: channels})
}

// SetSpectrum drives channels by spectral band on one device.
func (c *Client) SetSpectrum(deviceID string, spectrum map[hlp.ChannelType]float64, intensity *float64, rampSeconds float64) error {
	return c.command(deviceID, hlp.TypeSetSpectrum, &hlp.SetSpectrum{
		Spectrum:  spectrum,
		Intensity: intensity,
		RampTime:  rampSeconds,
	})
}

// SetSchedule uploads a daily program to one device.
func (c *Client) SetSchedule(deviceID string, schedule hlp.Schedule) error {
	return c.command(deviceID, hlp.TypeSetSchedule, &hlp.SetSchedule{Schedule: schedule})
}

// SetGroup stores the group definition and fans it out to every member:
// each member receives the definition and the group's target spectrum.
// Fan-out is not atomic; the result maps each member to its own outcome so
// partial failure stays visible. Members missing from the registry fail
// with ErrUnknownDevice.
func (c *Client) SetGroup(group hlp.Group) map[string]error {
	c.mu.Lock()
	c.groups[group.ID] = group
	c.mu.Unlock()

	results := make(map[string]error, len(group.DeviceIDs))
	for _, deviceID := range group.DeviceIDs {
		if err := c.command(deviceID, hlp.TypeSetGroup, &hlp.SetGroup{Group: group}); err != nil {
			results[deviceID] = err
			continue
		}
		if len(group.Intensities) > 0 {
			results[deviceID] = c.command(deviceID, hlp.TypeSetSpectrum, &hlp.SetSpectrum{Spectrum: group.Intensities})
			continue
		}
		results[deviceID] = nil
	}
	return results
}

// Group returns a previously stored group definition.
func (c *Client) Group(groupID string) (hlp.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	return g, ok
}

// GetStatus polls one device and waits for the correlated reply. It
// returns (nil, nil) when the device does not answer within the command
// timeout or rejects the request; transport failures and unknown devices
// return an error.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (*hlp.StatusResponse, error) {
	reply, err := c.request(ctx, deviceID, hlp.TypeStatusRequest, &hlp.StatusRequest{})
	if err != nil || reply == nil {
		return nil, err
	}
	if reply.Type == hlp.TypeNack {
		log.Warn().Str("device_id", deviceID).Msg("Status request rejected by device")
		return nil, nil
	}
	if reply.Type != hlp.TypeStatusResponse {
		return nil, nil
	}
	payload, err := reply.DecodePayload()
	if err != nil {
		return nil, nil
	}
	status := payload.(*hlp.StatusResponse)
	c.registry.updateChannels(deviceID, status.Channels, time.Now())
	return status, nil
}

// GetDeviceInfo fetches the full descriptor over the command socket.
func (c *Client) GetDeviceInfo(ctx context.Context, deviceID string) (*hlp.DeviceInfoResponse, error) {
	reply, err := c.request(ctx, deviceID, hlp.TypeDeviceInfoRequest, &hlp.DeviceInfoRequest{})
	if err != nil || reply == nil {
		return nil, err
	}
	if reply.Type != hlp.TypeDeviceInfoResponse {
		return nil, nil
	}
	payload, err := reply.DecodePayload()
	if err != nil {
		return nil, nil
	}
	return payload.(*hlp.DeviceInfoResponse), nil
}

// OnDeviceDiscovered subscribes to first sightings of new devices.
func (c *Client) OnDeviceDiscovered(handler func(hlp.Device)) {
	c.bus.Subscribe(eventbus.EventDeviceDiscovered, func(ev eventbus.Event) {
		if dev, ok := ev.Data.(*hlp.Device); ok {
			handler(*dev)
		}
	})
}

// OnDeviceStatus subscribes to uncorrelated status pushes.
func (c *Client) OnDeviceStatus(handler func(deviceID string, status *hlp.StatusResponse)) {
	c.bus.Subscribe(eventbus.EventDeviceStatus, func(ev eventbus.Event) {
		if status, ok := ev.Data.(*hlp.StatusResponse); ok {
			handler(ev.DeviceID, status)
		}
	})
}

// OnDeviceEvent subscribes to device notifications, including the
// online/offline transitions produced by staleness aging.
func (c *Client) OnDeviceEvent(handler func(deviceID string, event *hlp.Event)) {
	c.bus.Subscribe(eventbus.EventDeviceEvent, func(ev eventbus.Event) {
		if event, ok := ev.Data.(*hlp.Event); ok {
			handler(ev.DeviceID, event)
		}
	})
}

// AddDevice provisions a device record without discovery. Used for fixtures
// on segments discovery cannot reach and by tests.
func (c *Client) AddDevice(dev hlp.Device) {
	resp := &hlp.DiscoverResponse{
		DeviceID:     dev.ID,
		Name:         dev.Name,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Serial:       dev.Serial,
		Firmware:     dev.Firmware,
		CommandPort:  dev.CommandPort,
		Capabilities: dev.Capabilities,
	}
	c.registry.upsert(resp, dev.Address, time.Now())
}
