package realtime

import (
	"context"
	"sync"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/transport"
)

type handshakeResult struct {
	connected bool
	err       *protocol.ErrorInfo
	// transportFailure marks a failure of the socket itself rather than an
	// error returned by the service.
	transportFailure bool
}

// transportListener sits between one transport and the connection manager.
// Until the transport reaches CONNECTED it reports the handshake outcome to
// tryHosts; afterwards it forwards everything to the protocol loop.
type transportListener struct {
	m       *connectionManager
	attempt int

	readyCh   chan struct{}
	readyOnce sync.Once
	tr        transport.Transport
	aborted   bool

	handshake chan handshakeResult
	// handshakeDone is only touched from the transport's read goroutine.
	handshakeDone bool
}

func newTransportListener(m *connectionManager, attempt int) *transportListener {
	return &transportListener{
		m:         m,
		attempt:   attempt,
		readyCh:   make(chan struct{}),
		handshake: make(chan handshakeResult, 1),
	}
}

func (l *transportListener) ready(tr transport.Transport) {
	l.tr = tr
	l.readyOnce.Do(func() { close(l.readyCh) })
}

func (l *transportListener) abort() {
	l.aborted = true
	l.readyOnce.Do(func() { close(l.readyCh) })
}

func (l *transportListener) transport() transport.Transport {
	<-l.readyCh
	return l.tr
}

func (l *transportListener) OnMessage(msg *protocol.ProtocolMessage) {
	<-l.readyCh
	if l.aborted {
		return
	}
	if l.handshakeDone {
		l.m.loop.post(func() { l.m.onProtocolMessage(l, msg) })
		return
	}

	switch msg.Action {
	case protocol.ActionConnected:
		l.handshakeDone = true
		l.m.loop.post(func() { l.m.onTransportConnected(l, msg) })
		l.handshake <- handshakeResult{connected: true}
	case protocol.ActionError, protocol.ActionDisconnected:
		l.handshakeDone = true
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.CodeConnectionFailed, "connection refused with %s", msg.Action)
		}
		l.handshake <- handshakeResult{err: reason}
	default:
		l.m.logger.Debug("ignoring ", msg.Action, " received before CONNECTED")
	}
}

func (l *transportListener) OnClosed(err error) {
	<-l.readyCh
	if l.aborted {
		return
	}
	if l.handshakeDone {
		l.m.loop.post(func() { l.m.onTransportClosed(l, err) })
		return
	}
	l.handshakeDone = true
	reason := protocol.NewErrorInfo(protocol.CodeDisconnected, "connection closed before CONNECTED")
	if err != nil {
		reason = protocol.WrapError(protocol.CodeDisconnected, err)
	}
	l.handshake <- handshakeResult{err: reason, transportFailure: true}
}

// waitHandshake blocks until the transport reaches CONNECTED, fails, or ctx
// ends. A zero result means the attempt was abandoned.
func (l *transportListener) waitHandshake(ctx context.Context) handshakeResult {
	select {
	case result := <-l.handshake:
		return result
	default:
	}
	select {
	case result := <-l.handshake:
		return result
	case <-ctx.Done():
		return handshakeResult{}
	}
}
