package hlp

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the only wire version this codec speaks. The decoder
// drops frames carrying any other version.
const ProtocolVersion = 1

// MessageType tags the payload shape of a Message.
type MessageType string

const (
	TypeDiscoverRequest    MessageType = "DISCOVER_REQUEST"
	TypeDiscoverResponse   MessageType = "DISCOVER_RESPONSE"
	TypeDeviceInfoRequest  MessageType = "DEVICE_INFO_REQUEST"
	TypeDeviceInfoResponse MessageType = "DEVICE_INFO_RESPONSE"
	TypeSetIntensity       MessageType = "SET_INTENSITY"
	TypeSetSpectrum        MessageType = "SET_SPECTRUM"
	TypeSetSchedule        MessageType = "SET_SCHEDULE"
	TypeSetGroup           MessageType = "SET_GROUP"
	TypeStatusRequest      MessageType = "STATUS_REQUEST"
	TypeStatusResponse     MessageType = "STATUS_RESPONSE"
	TypeAck                MessageType = "ACK"
	TypeNack               MessageType = "NACK"
	TypeEvent              MessageType = "EVENT"
	TypePing               MessageType = "PING"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeDiscoverRequest, TypeDiscoverResponse,
		TypeDeviceInfoRequest, TypeDeviceInfoResponse,
		TypeSetIntensity, TypeSetSpectrum, TypeSetSchedule, TypeSetGroup,
		TypeStatusRequest, TypeStatusResponse,
		TypeAck, TypeNack, TypeEvent, TypePing:
		return true
	}
	return false
}

// Message is the wire envelope shared by client and simulator. DeviceID
// addresses the target on requests and names the source on responses;
// Seq is scoped to the sender and only used for request/response
// correlation.
type Message struct {
	Version   int             `json:"version"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	DeviceID  string          `json:"device_id"`
	Seq       uint32          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with the current timestamp. A nil payload
// produces an empty payload field.
func NewMessage(typ MessageType, deviceID string, seq uint32, payload any) (*Message, error) {
	msg := &Message{
		Version:   ProtocolVersion,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		DeviceID:  deviceID,
		Seq:       seq,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DiscoverRequest probes the broadcast domain for fixtures. An empty
// DeviceID on the envelope addresses every listener.
type DiscoverRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

// DiscoverResponse is a device's unicast reply to a discovery probe.
type DiscoverResponse struct {
	DeviceID     string       `json:"device_id"`
	Name         string       `json:"name"`
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial"`
	Firmware     string       `json:"firmware"`
	CommandPort  int          `json:"command_port"`
	Capabilities Capabilities `json:"capabilities"`
}

// DeviceInfoRequest asks for the full descriptor over the command socket.
type DeviceInfoRequest struct{}

// DeviceInfoResponse carries the full descriptor plus live channel state.
type DeviceInfoResponse struct {
	DiscoverResponse
	Channels      []Channel `json:"channels"`
	ScheduleCount int       `json:"schedule_count"`
	GroupCount    int       `json:"group_count"`
}

// ChannelIntensity addresses one channel by id with an optional ramp.
type ChannelIntensity struct {
	ChannelID int     `json:"channel_id"`
	Intensity float64 `json:"intensity"`            // 0-100
	RampTime  float64 `json:"ramp_time,omitempty"` // seconds
}

// SetIntensity drives individual channels by id.
type SetIntensity struct {
	Channels []ChannelIntensity `json:"channels"`
}

// SetSpectrum drives channels by spectral band instead of id.
type SetSpectrum struct {
	Spectrum  map[ChannelType]float64 `json:"spectrum"`
	Intensity *float64                `json:"intensity,omitempty"` // master scale, 0-100
	RampTime  float64                 `json:"ramp_time,omitempty"`
}

// SetSchedule upserts a daily program on the device.
type SetSchedule struct {
	Schedule Schedule `json:"schedule"`
}

// SetGroup upserts a group definition on the device.
type SetGroup struct {
	Group Group `json:"group"`
}

// StatusRequest polls live channel state.
type StatusRequest struct{}

// StatusResponse reports the device's instantaneous state.
type StatusResponse struct {
	DeviceStatus DeviceStatus `json:"device_status"`
	Channels     []Channel    `json:"channels"`
	Temperature  *float64     `json:"temperature,omitempty"` // celsius
	TotalPower   float64      `json:"total_power"`           // watts
	Errors       []string     `json:"errors"`
}

// Ack confirms a command was accepted. AckedType names what it answers.
type Ack struct {
	AckedType MessageType `json:"acked_type,omitempty"`
}

// Nack rejects a command.
type Nack struct {
	AckedType MessageType `json:"acked_type,omitempty"`
	Reason    string      `json:"reason"`
}

// Event is an unsolicited device notification.
type Event struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Ping is a keepalive on the command socket; answered with an Ack.
type Ping struct{}

// DecodePayload unmarshals the envelope payload into its typed form,
// switching exhaustively on the message type.
func (m *Message) DecodePayload() (any, error) {
	var dst any
	switch m.Type {
	case TypeDiscoverRequest:
		dst = &DiscoverRequest{}
	case TypeDiscoverResponse:
		dst = &DiscoverResponse{}
	case TypeDeviceInfoRequest:
		dst = &DeviceInfoRequest{}
	case TypeDeviceInfoResponse:
		dst = &DeviceInfoResponse{}
	case TypeSetIntensity:
		dst = &SetIntensity{}
	case TypeSetSpectrum:
		dst = &SetSpectrum{}
	case TypeSetSchedule:
		dst = &SetSchedule{}
	case TypeSetGroup:
		dst = &SetGroup{}
	case TypeStatusRequest:
		dst = &StatusRequest{}
	case TypeStatusResponse:
		dst = &StatusResponse{}
	case TypeAck:
		dst = &Ack{}
	case TypeNack:
		dst = &Nack{}
	case TypeEvent:
		dst = &Event{}
	case TypePing:
		dst = &Ping{}
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	if len(m.Payload) == 0 {
		return dst, nil
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return dst, nil
}
