package realtime

import (
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
)

// ConnectionState is the state of the realtime connection.
type ConnectionState int

const (
	ConnectionStateInitialized ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateSuspended
	ConnectionStateClosing
	ConnectionStateClosed
	ConnectionStateFailed
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionStateInitialized:  "INITIALIZED",
	ConnectionStateConnecting:   "CONNECTING",
	ConnectionStateConnected:    "CONNECTED",
	ConnectionStateDisconnected: "DISCONNECTED",
	ConnectionStateSuspended:    "SUSPENDED",
	ConnectionStateClosing:      "CLOSING",
	ConnectionStateClosed:       "CLOSED",
	ConnectionStateFailed:       "FAILED",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ConnectionEvent is emitted on connection state changes. Each state has a
// matching event; ConnectionEventUpdate reports a change of connection
// details without a state change.
type ConnectionEvent int

const (
	ConnectionEventInitialized  = ConnectionEvent(ConnectionStateInitialized)
	ConnectionEventConnecting   = ConnectionEvent(ConnectionStateConnecting)
	ConnectionEventConnected    = ConnectionEvent(ConnectionStateConnected)
	ConnectionEventDisconnected = ConnectionEvent(ConnectionStateDisconnected)
	ConnectionEventSuspended    = ConnectionEvent(ConnectionStateSuspended)
	ConnectionEventClosing      = ConnectionEvent(ConnectionStateClosing)
	ConnectionEventClosed       = ConnectionEvent(ConnectionStateClosed)
	ConnectionEventFailed       = ConnectionEvent(ConnectionStateFailed)
	ConnectionEventUpdate       = ConnectionEvent(100)
)

func (e ConnectionEvent) String() string {
	if e == ConnectionEventUpdate {
		return "UPDATE"
	}
	return ConnectionState(e).String()
}

// ConnectionStateChange describes one transition of the connection.
type ConnectionStateChange struct {
	Current  ConnectionState
	Previous ConnectionState
	Event    ConnectionEvent
	Reason   *protocol.ErrorInfo
	// RetryIn is set when a reconnection attempt has been scheduled.
	RetryIn time.Duration
}

// ChannelState is the attach state of a channel.
type ChannelState int

const (
	ChannelStateInitialized ChannelState = iota
	ChannelStateAttaching
	ChannelStateAttached
	ChannelStateDetaching
	ChannelStateDetached
	ChannelStateSuspended
	ChannelStateFailed
)

var channelStateNames = map[ChannelState]string{
	ChannelStateInitialized: "INITIALIZED",
	ChannelStateAttaching:   "ATTACHING",
	ChannelStateAttached:    "ATTACHED",
	ChannelStateDetaching:   "DETACHING",
	ChannelStateDetached:    "DETACHED",
	ChannelStateSuspended:   "SUSPENDED",
	ChannelStateFailed:      "FAILED",
}

func (s ChannelState) String() string {
	if name, ok := channelStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ChannelEvent is emitted on channel state changes.
type ChannelEvent int

const (
	ChannelEventInitialized = ChannelEvent(ChannelStateInitialized)
	ChannelEventAttaching   = ChannelEvent(ChannelStateAttaching)
	ChannelEventAttached    = ChannelEvent(ChannelStateAttached)
	ChannelEventDetaching   = ChannelEvent(ChannelStateDetaching)
	ChannelEventDetached    = ChannelEvent(ChannelStateDetached)
	ChannelEventSuspended   = ChannelEvent(ChannelStateSuspended)
	ChannelEventFailed      = ChannelEvent(ChannelStateFailed)
	ChannelEventUpdate      = ChannelEvent(100)
)

func (e ChannelEvent) String() string {
	if e == ChannelEventUpdate {
		return "UPDATE"
	}
	return ChannelState(e).String()
}

// ChannelStateChange describes one transition of a channel.
type ChannelStateChange struct {
	Current  ChannelState
	Previous ChannelState
	Event    ChannelEvent
	Reason   *protocol.ErrorInfo
	// Resumed is set on ATTACHED and UPDATE when message continuity was preserved.
	Resumed bool
}
