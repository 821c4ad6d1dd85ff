package protocol

import (
	"strconv"
	"strings"
)

// ProtocolMessage is the envelope exchanged with the service over a transport.
type ProtocolMessage struct {
	Action            Action             `json:"action"`
	ID                string             `json:"id,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	MsgSerial         int64              `json:"msgSerial"`
	Count             int                `json:"count,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	Flags             Flag               `json:"flags,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Messages          []*Message         `json:"messages,omitempty"`
	Presence          []*PresenceMessage `json:"presence,omitempty"`
	Params            map[string]string  `json:"params,omitempty"`
	Auth              *AuthDetails       `json:"auth,omitempty"`
}

// ConnectionDetails is delivered on CONNECTED and carries server-side limits.
type ConnectionDetails struct {
	ClientID string `json:"clientId,omitempty"`
	// ConnectionKey is the resumption token for this connection.
	ConnectionKey string `json:"connectionKey,omitempty"`
	// ConnectionStateTTL and MaxIdleInterval are in milliseconds.
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	MaxMessageSize     int64  `json:"maxMessageSize,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
}

// AuthDetails carries a renewed access token on AUTH.
type AuthDetails struct {
	AccessToken string `json:"accessToken,omitempty"`
}

// Message is a single published message.
type Message struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Data         interface{}    `json:"data,omitempty"`
	ClientID     string         `json:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// PresenceMessage describes a single member's presence on a channel.
type PresenceMessage struct {
	// ID has the form connectionId:msgSerial:index.
	ID           string         `json:"id,omitempty"`
	Action       PresenceAction `json:"action"`
	ClientID     string         `json:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Data         interface{}    `json:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// MemberKey identifies the presence slot of a member.
func (p *PresenceMessage) MemberKey() string {
	return p.ConnectionID + ":" + p.ClientID
}

// Clone returns a shallow copy.
func (p *PresenceMessage) Clone() *PresenceMessage {
	clone := *p
	return &clone
}

// HasFlag reports whether the envelope carries flag.
func (m *ProtocolMessage) HasFlag(flag Flag) bool {
	return m.Flags.Has(flag)
}

// SetFlag sets flag on the envelope.
func (m *ProtocolMessage) SetFlag(flag Flag) {
	m.Flags |= flag
}

// AckRequired reports whether this envelope must be serial-assigned.
func (m *ProtocolMessage) AckRequired() bool {
	return m.Action.AckRequired()
}

// PopulateFields fills in id, connectionId and timestamp of the contained
// messages from the envelope when they are missing. Ids are derived as
// envelopeId:index.
func (m *ProtocolMessage) PopulateFields() {
	for i, msg := range m.Messages {
		if msg.ID == "" && m.ID != "" {
			msg.ID = m.ID + ":" + strconv.Itoa(i)
		}
		if msg.ConnectionID == "" {
			msg.ConnectionID = m.ConnectionID
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = m.Timestamp
		}
	}
	for i, msg := range m.Presence {
		if msg.ID == "" && m.ID != "" {
			msg.ID = m.ID + ":" + strconv.Itoa(i)
		}
		if msg.ConnectionID == "" {
			msg.ConnectionID = m.ConnectionID
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = m.Timestamp
		}
	}
}

// SyncCursor splits a channelSerial of the form seq:cursor. A SYNC is
// complete when the cursor is empty.
func SyncCursor(channelSerial string) (sequence string, cursor string) {
	index := strings.Index(channelSerial, ":")
	if index < 0 {
		return channelSerial, ""
	}
	return channelSerial[:index], channelSerial[index+1:]
}
