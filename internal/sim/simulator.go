// Package sim implements the device side of the Horticulture Lighting
// Protocol: a protocol-correct stand-in for real fixtures, so the client
// and schedule runner can be exercised without hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

const (
	defaultMaxPower = 50.0 // watts per channel at 100%
	manufacturer    = "Verdant Labs"
	firmwareVersion = "1.4.2"
)

// defaultChannels seeds fixtures whose config lists no bands.
var defaultChannels = []hlp.ChannelType{
	hlp.ChannelWhite, hlp.ChannelRed, hlp.ChannelBlue, hlp.ChannelFarRed,
}

// Simulator is one simulated fixture: a TCP command listener plus the
// authoritative channel/schedule/group state behind it. Discovery replies
// are produced here but sent by the shared Responder.
type Simulator struct {
	cfg    config.SimulatedDevice
	serial string
	state  *state
	store  *Store // nil = no retention

	ln     net.Listener
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New builds a simulator from its device declaration. The serial number is
// generated when the config leaves it empty.
func New(cfg config.SimulatedDevice, store *Store) *Simulator {
	if cfg.MaxPower <= 0 {
		cfg.MaxPower = defaultMaxPower
	}
	bands := cfg.Channels
	if len(bands) == 0 {
		bands = defaultChannels
	}
	channels := make([]hlp.Channel, len(bands))
	for i, band := range bands {
		channels[i] = hlp.Channel{ID: i, Type: band, MaxPower: cfg.MaxPower}
	}

	serial := cfg.Serial
	if serial == "" {
		serial = uuid.NewString()
	}

	return &Simulator{
		cfg:    cfg,
		serial: serial,
		state:  newState(channels),
		store:  store,
	}
}

// ID returns the simulated device id.
func (s *Simulator) ID() string {
	return s.cfg.ID
}

// CommandPort returns the port the command listener is bound to. Only valid
// after Start; it differs from the configured port when that was 0.
func (s *Simulator) CommandPort() int {
	if s.ln == nil {
		return s.cfg.CommandPort
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Start loads retained state and begins accepting command connections.
func (s *Simulator) Start(ctx context.Context) error {
	if s.store != nil {
		s.loadRetained()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.CommandPort))
	if err != nil {
		return fmt.Errorf("device %q: command listener: %w", s.cfg.ID, err)
	}
	s.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.g, runCtx = errgroup.WithContext(runCtx)

	s.g.Go(func() error {
		<-runCtx.Done()
		return s.ln.Close()
	})
	s.g.Go(func() error {
		return s.acceptLoop(runCtx)
	})

	log.Info().
		Str("device_id", s.cfg.ID).
		Int("command_port", s.CommandPort()).
		Msg("Simulated device started")
	return nil
}

// Stop tears down the listener and cancels pending ramps.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.g != nil {
		_ = s.g.Wait()
	}
	s.state.stopRamps()
}

func (s *Simulator) loadRetained() {
	schedules, err := s.store.LoadSchedules(s.cfg.ID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", s.cfg.ID).Msg("Failed to load retained schedules")
	} else {
		for _, sched := range schedules {
			s.state.upsertSchedule(sched)
		}
	}
	groups, err := s.store.LoadGroups(s.cfg.ID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", s.cfg.ID).Msg("Failed to load retained groups")
	} else {
		for _, group := range groups {
			s.state.upsertGroup(group)
		}
	}
}

func (s *Simulator) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("device %q: accept: %w", s.cfg.ID, err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Simulator) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	log.Debug().Str("device_id", s.cfg.ID).Str("remote", remote).Msg("Command connection opened")

	for {
		msg, err := hlp.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("device_id", s.cfg.ID).Str("remote", remote).Msg("Command connection closed")
			}
			return
		}
		if msg == nil {
			// Undecodable frame: drop it, keep the connection.
			continue
		}
		if msg.DeviceID != s.cfg.ID {
			// Addressed to someone else sharing the broadcast domain.
			continue
		}

		reply := s.handle(msg)
		if reply == nil {
			continue
		}
		if err := hlp.WriteMessage(conn, reply); err != nil {
			log.Warn().Err(err).Str("device_id", s.cfg.ID).Str("remote", remote).Msg("Failed to write reply")
			return
		}
	}
}

// handle runs the per-message state machine and returns the reply, or nil
// for message types a device never answers.
func (s *Simulator) handle(msg *hlp.Message) *hlp.Message {
	payload, err := msg.DecodePayload()
	if err != nil {
		// Well-framed envelope with a broken payload: drop.
		log.Debug().Err(err).Str("device_id", s.cfg.ID).Msg("Dropping message with bad payload")
		return nil
	}

	switch p := payload.(type) {
	case *hlp.DeviceInfoRequest:
		channels, _ := s.state.snapshot()
		schedules, groups := s.state.counts()
		return s.reply(msg, hlp.TypeDeviceInfoResponse, &hlp.DeviceInfoResponse{
			DiscoverResponse: s.descriptor(),
			Channels:         channels,
			ScheduleCount:    schedules,
			GroupCount:       groups,
		})

	case *hlp.SetIntensity:
		for _, ch := range p.Channels {
			if !s.state.setIntensity(ch.ChannelID, ch.Intensity, ch.RampTime) {
				return s.reply(msg, hlp.TypeNack, &hlp.Nack{
					AckedType: msg.Type,
					Reason:    fmt.Sprintf("unknown channel id %d", ch.ChannelID),
				})
			}
		}
		return s.reply(msg, hlp.TypeAck, &hlp.Ack{AckedType: msg.Type})

	case *hlp.SetSpectrum:
		s.state.setSpectrum(p.Spectrum, p.Intensity, p.RampTime)
		return s.reply(msg, hlp.TypeAck, &hlp.Ack{AckedType: msg.Type})

	case *hlp.SetSchedule:
		s.state.upsertSchedule(p.Schedule)
		if s.store != nil {
			if err := s.store.SaveSchedule(s.cfg.ID, p.Schedule); err != nil {
				log.Warn().Err(err).Str("device_id", s.cfg.ID).Str("schedule", p.Schedule.ID).Msg("Failed to retain schedule")
			}
		}
		return s.reply(msg, hlp.TypeAck, &hlp.Ack{AckedType: msg.Type})

	case *hlp.SetGroup:
		s.state.upsertGroup(p.Group)
		if s.store != nil {
			if err := s.store.SaveGroup(s.cfg.ID, p.Group); err != nil {
				log.Warn().Err(err).Str("device_id", s.cfg.ID).Str("group", p.Group.ID).Msg("Failed to retain group")
			}
		}
		return s.reply(msg, hlp.TypeAck, &hlp.Ack{AckedType: msg.Type})

	case *hlp.StatusRequest:
		channels, totalPower := s.state.snapshot()
		temp := s.temperature(totalPower)
		return s.reply(msg, hlp.TypeStatusResponse, &hlp.StatusResponse{
			DeviceStatus: hlp.StatusOnline,
			Channels:     channels,
			Temperature:  &temp,
			TotalPower:   totalPower,
			Errors:       []string{},
		})

	case *hlp.Ping:
		return s.reply(msg, hlp.TypeAck, &hlp.Ack{AckedType: msg.Type})

	default:
		return nil
	}
}

// reply builds a response envelope echoing the request's sequence number.
func (s *Simulator) reply(req *hlp.Message, typ hlp.MessageType, payload any) *hlp.Message {
	reply, err := hlp.NewMessage(typ, s.cfg.ID, req.Seq, payload)
	if err != nil {
		log.Error().Err(err).Str("device_id", s.cfg.ID).Str("type", string(typ)).Msg("Failed to build reply")
		return nil
	}
	return reply
}

// descriptor advertises the device and its live command port.
func (s *Simulator) descriptor() hlp.DiscoverResponse {
	return hlp.DiscoverResponse{
		DeviceID:     s.cfg.ID,
		Name:         s.cfg.Name,
		Manufacturer: manufacturer,
		Model:        s.model(),
		Serial:       s.serial,
		Firmware:     firmwareVersion,
		CommandPort:  s.CommandPort(),
		Capabilities: s.capabilities(),
	}
}

func (s *Simulator) model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return "HLP-SIM"
}

func (s *Simulator) capabilities() hlp.Capabilities {
	channels, _ := s.state.snapshot()
	types := make([]hlp.ChannelType, len(channels))
	for i, ch := range channels {
		types[i] = ch.Type
	}
	return hlp.Capabilities{
		MaxChannels:  len(channels),
		ChannelTypes: types,
		Dimming:      true,
		Scheduling:   true,
		Grouping:     true,
		MaxGroups:    16,
		MaxSchedules: 8,
	}
}

// temperature synthesizes a plausible fixture temperature that rises with
// dissipated power.
func (s *Simulator) temperature(totalPower float64) float64 {
	return 25.0 + totalPower*0.04
}
