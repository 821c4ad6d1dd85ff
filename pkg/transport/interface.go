package transport

import (
	"context"
	"net/http"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
)

// Transport is one physical bidirectional connection to the service.
type Transport interface {
	// Send encodes and writes an envelope.
	Send(msg *protocol.ProtocolMessage) error
	// Dispose closes the connection. No listener callbacks are made
	// after Dispose returns, apart from a single OnClosed already in flight.
	Dispose() error
}

// Listener receives decoded envelopes and the terminal close notification.
// Both callbacks are made from the same goroutine, in receipt order.
type Listener interface {
	OnMessage(msg *protocol.ProtocolMessage)
	// OnClosed is called exactly once when the connection is lost or disposed.
	OnClosed(err error)
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header, listener Listener) (Transport, error)
}
