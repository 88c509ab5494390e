package sim

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

// Responder is the discovery side of the simulator. One responder owns the
// UDP discovery socket and answers probes on behalf of every registered
// simulated device, the way a broadcast datagram reaches every fixture on
// the segment. Replies are unicast to the requester's observed address.
type Responder struct {
	cfg  config.DiscoveryConfig
	sims []*Simulator

	conn   *net.UDPConn
	mconn  *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResponder creates a discovery responder for the given devices.
func NewResponder(cfg config.DiscoveryConfig, sims []*Simulator) *Responder {
	return &Responder{cfg: cfg, sims: sims}
}

// Port returns the bound discovery port. Only valid after Start.
func (r *Responder) Port() int {
	if r.conn == nil {
		return r.cfg.Port
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start binds the discovery port and, best-effort, joins the multicast
// group. A failed multicast join is logged and ignored: broadcast alone is
// enough to be discoverable on most segments.
func (r *Responder) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: r.cfg.Port})
	if err != nil {
		return fmt.Errorf("discovery responder: %w", err)
	}
	r.conn = conn

	if r.cfg.Multicast() {
		maddr := &net.UDPAddr{IP: net.ParseIP(r.cfg.MulticastAddr), Port: r.Port()}
		mconn, err := net.ListenMulticastUDP("udp4", nil, maddr)
		if err != nil {
			log.Warn().Err(err).Str("group", r.cfg.MulticastAddr).Msg("Multicast join failed, continuing with broadcast only")
		} else {
			r.mconn = mconn
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		<-runCtx.Done()
		r.conn.Close()
		if r.mconn != nil {
			r.mconn.Close()
		}
	}()

	go func() {
		defer close(r.done)
		if r.mconn != nil {
			go r.readLoop(runCtx, r.mconn)
		}
		r.readLoop(runCtx, r.conn)
	}()

	log.Info().Int("port", r.Port()).Int("devices", len(r.sims)).Msg("Discovery responder started")
	return nil
}

// Stop closes the sockets and waits for the read loop.
func (r *Responder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Responder) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("Discovery read error")
			}
			return
		}
		r.handleProbe(buf[:n], src)
	}
}

// handleProbe answers a discovery probe for every addressed device. An
// empty device id on the probe addresses all of them. Anything that is not
// a well-formed DISCOVER_REQUEST is dropped without a log: cross-talk from
// other protocols on the discovery port is routine.
func (r *Responder) handleProbe(data []byte, src *net.UDPAddr) {
	msg := hlp.Decode(data)
	if msg == nil || msg.Type != hlp.TypeDiscoverRequest {
		return
	}

	for _, s := range r.sims {
		if msg.DeviceID != "" && msg.DeviceID != s.ID() {
			continue
		}
		reply, err := hlp.NewMessage(hlp.TypeDiscoverResponse, s.ID(), msg.Seq, s.descriptor())
		if err != nil {
			log.Error().Err(err).Str("device_id", s.ID()).Msg("Failed to build discovery reply")
			continue
		}
		encoded, err := hlp.Encode(reply)
		if err != nil {
			log.Error().Err(err).Str("device_id", s.ID()).Msg("Failed to encode discovery reply")
			continue
		}
		if _, err := r.conn.WriteToUDP(encoded, src); err != nil {
			log.Warn().Err(err).Str("device_id", s.ID()).Str("requester", src.String()).Msg("Failed to send discovery reply")
		}
	}
}
