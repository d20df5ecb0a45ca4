package proto

import (
	"strconv"
	"strings"
	"time"
)

// Flag bits carried in ProtocolMessage.Flags.
const (
	FlagHasPresence       int64 = 1 << 0
	FlagHasBacklog        int64 = 1 << 1
	FlagResumed           int64 = 1 << 2
	FlagTransient         int64 = 1 << 4
	FlagAttachResume      int64 = 1 << 5
	FlagHasObjects        int64 = 1 << 7
	FlagPresence          int64 = 1 << 16
	FlagPublish           int64 = 1 << 17
	FlagSubscribe         int64 = 1 << 18
	FlagPresenceSubscribe int64 = 1 << 19
)

// Payload is one element of the messages or presence arrays. Its contents
// belong to the channel layer and are never interpreted here.
type Payload = map[string]any

// ConnectionDetails are the session parameters the server advertises in
// CONNECTED. Durations are in milliseconds on the wire.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty" msgpack:"connectionKey,omitempty"`
	MaxMessageSize     int64  `json:"maxMessageSize,omitempty" msgpack:"maxMessageSize,omitempty"`
	MaxFrameSize       int64  `json:"maxFrameSize,omitempty" msgpack:"maxFrameSize,omitempty"`
	MaxInboundRate     int64  `json:"maxInboundRate,omitempty" msgpack:"maxInboundRate,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty" msgpack:"maxIdleInterval,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty" msgpack:"connectionStateTtl,omitempty"`
	ServerID           string `json:"serverId,omitempty" msgpack:"serverId,omitempty"`
}

// IdleInterval returns the advertised maximum idle interval, or zero when the
// server declines to promise one.
func (d *ConnectionDetails) IdleInterval() time.Duration {
	if d == nil || d.MaxIdleInterval <= 0 {
		return 0
	}
	return time.Duration(d.MaxIdleInterval) * time.Millisecond
}

// StateTTL returns how long the server keeps connection state after a drop.
func (d *ConnectionDetails) StateTTL() time.Duration {
	if d == nil || d.ConnectionStateTTL <= 0 {
		return 0
	}
	return time.Duration(d.ConnectionStateTTL) * time.Millisecond
}

// AuthDetails carries a replacement token in an AUTH frame.
type AuthDetails struct {
	AccessToken string `json:"accessToken,omitempty" msgpack:"accessToken,omitempty"`
}

// ProtocolMessage is a single frame exchanged with the service. Treat values
// as immutable once built; use the With* helpers to derive variants.
type ProtocolMessage struct {
	Action            Action             `json:"action" msgpack:"action"`
	Flags             int64              `json:"flags,omitempty" msgpack:"flags,omitempty"`
	Count             int                `json:"count,omitempty" msgpack:"count,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty" msgpack:"error,omitempty"`
	ID                string             `json:"id,omitempty" msgpack:"id,omitempty"`
	Channel           string             `json:"channel,omitempty" msgpack:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty" msgpack:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	ConnectionSerial  int64              `json:"connectionSerial,omitempty" msgpack:"connectionSerial,omitempty"`
	MsgSerial         int64              `json:"msgSerial" msgpack:"msgSerial"`
	Timestamp         int64              `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Messages          []Payload          `json:"messages,omitempty" msgpack:"messages,omitempty"`
	Presence          []Payload          `json:"presence,omitempty" msgpack:"presence,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty" msgpack:"auth,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty" msgpack:"connectionDetails,omitempty"`
	Params            map[string]string  `json:"params,omitempty" msgpack:"params,omitempty"`
}

// HasFlag reports whether every bit of flag is set.
func (m *ProtocolMessage) HasFlag(flag int64) bool {
	return m.Flags&flag == flag
}

// AcksRequired reports whether sending m allocates a msgSerial and expects
// an ACK or NACK in return.
func (m *ProtocolMessage) AcksRequired() bool {
	return m.Action == ActionMessage || m.Action == ActionPresence
}

// WithMsgSerial returns a shallow copy of m carrying serial.
func (m *ProtocolMessage) WithMsgSerial(serial int64) *ProtocolMessage {
	cp := *m
	cp.MsgSerial = serial
	return &cp
}

// String renders a compact single-line summary for logs.
func (m *ProtocolMessage) String() string {
	if m == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("[ProtocolMessage action=")
	b.WriteString(m.Action.String())
	if m.Channel != "" {
		b.WriteString(" channel=")
		b.WriteString(m.Channel)
	}
	if m.ID != "" {
		b.WriteString(" id=")
		b.WriteString(m.ID)
	}
	if m.ConnectionID != "" {
		b.WriteString(" connectionId=")
		b.WriteString(m.ConnectionID)
	}
	if m.AcksRequired() || m.Action == ActionAck || m.Action == ActionNack {
		b.WriteString(" msgSerial=")
		b.WriteString(strconv.FormatInt(m.MsgSerial, 10))
	}
	if m.Count > 0 {
		b.WriteString(" count=")
		b.WriteString(strconv.Itoa(m.Count))
	}
	if len(m.Messages) > 0 {
		b.WriteString(" messages=")
		b.WriteString(strconv.Itoa(len(m.Messages)))
	}
	if len(m.Presence) > 0 {
		b.WriteString(" presence=")
		b.WriteString(strconv.Itoa(len(m.Presence)))
	}
	if m.Error != nil {
		b.WriteString(" error=")
		b.WriteString(m.Error.Error())
	}
	b.WriteString("]")
	return b.String()
}

// Control frames sent by the client.
func NewHeartbeat(id string) *ProtocolMessage {
	return &ProtocolMessage{Action: ActionHeartbeat, ID: id}
}

func NewClose() *ProtocolMessage {
	return &ProtocolMessage{Action: ActionClose}
}

func NewDisconnect() *ProtocolMessage {
	return &ProtocolMessage{Action: ActionDisconnect}
}

func NewAuth(accessToken string) *ProtocolMessage {
	return &ProtocolMessage{Action: ActionAuth, Auth: &AuthDetails{AccessToken: accessToken}}
}
