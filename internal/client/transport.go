package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verdant-labs/hlpd/internal/eventbus"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

// deviceConn is one fixture's persistent command connection. A write mutex
// serializes outgoing frames so concurrent commands to one device never
// interleave on the stream; replies are demultiplexed by sequence number in
// the read loop, because a device may answer out of submission order.
type deviceConn struct {
	net.Conn
	wmu sync.Mutex
}

func (dc *deviceConn) writeMessage(m *hlp.Message) error {
	dc.wmu.Lock()
	defer dc.wmu.Unlock()
	return hlp.WriteMessage(dc.Conn, m)
}

// conn returns the device's command connection, dialing it on first use.
func (c *Client) conn(dev *hlp.Device) (*deviceConn, error) {
	c.mu.Lock()
	if dc, ok := c.conns[dev.ID]; ok {
		c.mu.Unlock()
		return dc, nil
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(dev.Address, fmt.Sprintf("%d", dev.CommandPort))
	raw, err := net.DialTimeout("tcp", addr, c.cmdCfg.Timeout.Duration())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c.mu.Lock()
	if existing, ok := c.conns[dev.ID]; ok {
		// Lost the dial race; keep the first connection.
		c.mu.Unlock()
		raw.Close()
		return existing, nil
	}
	dc := &deviceConn{Conn: raw}
	c.conns[dev.ID] = dc
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(dev.ID, dc)

	log.Debug().Str("device_id", dev.ID).Str("addr", addr).Msg("Command connection opened")
	return dc, nil
}

// dropConn removes and closes a device's connection if it is still the
// registered one.
func (c *Client) dropConn(deviceID string, dc *deviceConn) {
	c.mu.Lock()
	if c.conns[deviceID] == dc {
		delete(c.conns, deviceID)
	}
	c.mu.Unlock()
	dc.Conn.Close()
}

// readLoop demultiplexes inbound frames on one device connection. A frame
// whose sequence number matches a pending request resolves that request;
// everything else is routed to event subscribers.
func (c *Client) readLoop(deviceID string, dc *deviceConn) {
	defer c.wg.Done()
	defer c.dropConn(deviceID, dc)

	for {
		msg, err := hlp.ReadMessage(dc.Conn)
		if err != nil {
			if c.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("device_id", deviceID).Msg("Command connection lost")
			return
		}
		if msg == nil {
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[msg.Seq]
		if ok {
			delete(c.pending, msg.Seq)
		}
		c.mu.Unlock()

		if ok {
			// Buffered channel: delivery never blocks, and a raced timeout
			// that already gave up simply never reads it.
			waiter <- msg
			continue
		}

		c.routeUnsolicited(deviceID, msg)
	}
}

// routeUnsolicited forwards status pushes and device notifications to
// subscribers instead of discarding them.
func (c *Client) routeUnsolicited(deviceID string, msg *hlp.Message) {
	switch msg.Type {
	case hlp.TypeStatusResponse:
		payload, err := msg.DecodePayload()
		if err != nil {
			return
		}
		status := payload.(*hlp.StatusResponse)
		c.registry.updateChannels(deviceID, status.Channels, time.Now())
		c.bus.Publish(eventbus.Event{
			Type:     eventbus.EventDeviceStatus,
			DeviceID: deviceID,
			Data:     status,
		})
	case hlp.TypeEvent:
		payload, err := msg.DecodePayload()
		if err != nil {
			return
		}
		c.bus.Publish(eventbus.Event{
			Type:     eventbus.EventDeviceEvent,
			DeviceID: deviceID,
			Data:     payload.(*hlp.Event),
		})
	default:
		// Late ACKs and unmatched replies carry no information.
	}
}

// send writes one command frame, retrying with a fixed delay on transport
// failure. A failed write tears the connection down so the next attempt
// redials.
func (c *Client) send(dev *hlp.Device, msg *hlp.Message) error {
	attempts := 1 + c.cmdCfg.RetryAttempts
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cmdCfg.RetryDelay.Duration())
		}
		dc, err := c.conn(dev)
		if err != nil {
			lastErr = err
			continue
		}
		if err := dc.writeMessage(msg); err != nil {
			c.dropConn(dev.ID, dc)
			lastErr = err
			continue
		}
		return nil
	}
	log.Warn().Err(lastErr).Str("device_id", dev.ID).Str("type", string(msg.Type)).Int("attempts", attempts).Msg("Command send failed")
	return fmt.Errorf("send %s to %s: %w", msg.Type, dev.ID, lastErr)
}

// command encodes and fire-and-forgets a command. Success means the frame
// was written, not that the device applied it; the device's ACK arrives on
// the read loop and is dropped there.
func (c *Client) command(deviceID string, typ hlp.MessageType, payload any) error {
	dev, ok := c.registry.get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	msg, err := hlp.NewMessage(typ, deviceID, c.nextSeq(), payload)
	if err != nil {
		return err
	}
	return c.send(&dev, msg)
}

// request sends a correlated request and waits for the reply matching its
// sequence number, bounded by the command timeout. The pending entry is
// removed on every exit path, so a late reply can never resolve a finished
// call and repeated timeouts leak nothing.
func (c *Client) request(ctx context.Context, deviceID string, typ hlp.MessageType, payload any) (*hlp.Message, error) {
	dev, ok := c.registry.get(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	seq := c.nextSeq()
	msg, err := hlp.NewMessage(typ, deviceID, seq, payload)
	if err != nil {
		return nil, err
	}

	waiter := make(chan *hlp.Message, 1)
	c.mu.Lock()
	c.pending[seq] = waiter
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}

	if err := c.send(&dev, msg); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(c.cmdCfg.Timeout.Duration())
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		cleanup()
		log.Warn().Str("device_id", deviceID).Str("type", string(typ)).Dur("timeout", c.cmdCfg.Timeout.Duration()).Msg("Request timed out")
		return nil, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}
