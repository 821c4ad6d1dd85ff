package realtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fr3shw3b/realtime-client/pkg/auth"
	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// connectionObserver is told about connection state changes and receives
// channel-scoped protocol messages. Calls are made on the protocol loop.
type connectionObserver interface {
	onConnectionStateChange(change ConnectionStateChange, resumed bool)
	onChannelMessage(msg *protocol.ProtocolMessage)
}

// pendingMessage is an outbound message that requires an ACK, together
// with the caller's completion.
type pendingMessage struct {
	msg            *protocol.ProtocolMessage
	serialAssigned bool
	done           *completion
}

type pingRequest struct {
	done  *completion
	timer *loopTimer
}

type connectionSnapshot struct {
	state       ConnectionState
	id          string
	key         string
	msgSerial   int64
	errorReason *protocol.ErrorInfo
}

// connectionManager owns the transport lifecycle and the connection state
// machine. Every field below the snapshot is owned by the protocol loop.
type connectionManager struct {
	options  *ClientOptions
	auth     auth.Provider
	loop     *eventLoop
	logger   *logrus.Logger
	events   *emitter[ConnectionEvent, ConnectionStateChange]
	observer connectionObserver

	snapshotMu sync.RWMutex
	snapshot   connectionSnapshot

	state       ConnectionState
	errorReason *protocol.ErrorInfo
	id          string
	key         string
	details     *protocol.ConnectionDetails
	msgSerial   int64

	transport      transport.Transport
	activeListener *transportListener
	attempt        int
	cancelAttempt  context.CancelFunc

	pending []*pendingMessage
	queued  []*pendingMessage
	pings   map[string]*pingRequest

	suspendTimer    *loopTimer
	transitionTimer *loopTimer
	retryTimer      *loopTimer
	closeTimer      *loopTimer
	// suspended is set once the suspend timer fires and cleared on CONNECTED.
	suspended      bool
	renewAttempted bool

	disconnectedBackoff backoff.BackOff
	suspendedBackoff    backoff.BackOff
	connectionStateTTL  time.Duration

	recoverKey    string
	recoverSerial int64
}

func newConnectionManager(
	options *ClientOptions,
	provider auth.Provider,
	loop *eventLoop,
	dispatcher *eventLoop,
	logger *logrus.Logger,
) *connectionManager {
	disconnectedBackoff := backoff.NewExponentialBackOff()
	disconnectedBackoff.InitialInterval = options.DisconnectedRetryTimeout
	disconnectedBackoff.MaxInterval = 2 * options.DisconnectedRetryTimeout
	disconnectedBackoff.Multiplier = 1.5
	disconnectedBackoff.RandomizationFactor = 0.2
	disconnectedBackoff.MaxElapsedTime = 0
	disconnectedBackoff.Reset()

	m := &connectionManager{
		options:             options,
		auth:                provider,
		loop:                loop,
		logger:              logger,
		events:              newEmitter[ConnectionEvent, ConnectionStateChange](dispatcher, logger),
		state:               ConnectionStateInitialized,
		pings:               map[string]*pingRequest{},
		disconnectedBackoff: disconnectedBackoff,
		suspendedBackoff:    backoff.NewConstantBackOff(options.SuspendedRetryTimeout),
		connectionStateTTL:  options.ConnectionStateTTL,
	}
	if options.Recover != "" {
		key, serial, err := parseRecoveryKey(options.Recover)
		if err != nil {
			logger.Warn("ignoring invalid recovery key: ", err)
		} else {
			m.recoverKey = key
			m.recoverSerial = serial
			m.msgSerial = serial
		}
	}
	m.updateSnapshot()
	return m
}

func (m *connectionManager) currentSnapshot() connectionSnapshot {
	m.snapshotMu.RLock()
	defer m.snapshotMu.RUnlock()
	return m.snapshot
}

func (m *connectionManager) updateSnapshot() {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	m.snapshot = connectionSnapshot{
		state:       m.state,
		id:          m.id,
		key:         m.key,
		msgSerial:   m.msgSerial,
		errorReason: m.errorReason,
	}
}

// connect is a user request to open the connection.
func (m *connectionManager) connect() {
	switch m.state {
	case ConnectionStateConnecting, ConnectionStateConnected:
		return
	case ConnectionStateClosed, ConnectionStateFailed:
		m.suspended = false
		m.renewAttempted = false
	}
	m.startConnecting()
}

func (m *connectionManager) startConnecting() {
	m.retryTimer.stop()
	m.retryTimer = nil
	m.closeTimer.stop()
	m.abandonAttempt()
	m.disposeTransport()

	m.setState(ConnectionStateConnecting, nil, 0)

	if !m.suspendTimer.active() && !m.suspended {
		m.suspendTimer = m.loop.afterFunc(m.connectionStateTTL, m.onSuspendTimeout)
	}
	m.transitionTimer.stop()
	m.transitionTimer = m.loop.afterFunc(m.options.RealtimeRequestTimeout, m.onTransitionTimeout)

	m.attempt += 1
	attempt := m.attempt
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelAttempt = cancel

	hosts := append([]string{m.options.RealtimeHost}, m.options.FallbackHosts...)
	go m.tryHosts(ctx, attempt, hosts, m.connectQuery())
}

func (m *connectionManager) connectQuery() url.Values {
	query := url.Values{
		"v":          {m.options.ProtocolVersion},
		"format":     {"json"},
		"heartbeats": {"true"},
	}
	if m.options.NoEcho {
		query.Set("echo", "false")
	}
	if m.options.ClientID != "" {
		query.Set("clientId", m.options.ClientID)
	}
	if m.key != "" {
		query.Set("resume", m.key)
	} else if m.recoverKey != "" {
		query.Set("recover", m.recoverKey)
	}
	return query
}

// tryHosts runs off the loop. It dials the primary host and then each
// fallback host in turn, stopping at the first that reaches CONNECTED.
func (m *connectionManager) tryHosts(ctx context.Context, attempt int, hosts []string, query url.Values) {
	authParams, err := m.auth.AuthParams(ctx)
	if err != nil {
		m.loop.post(func() { m.onConnectAttemptFailed(attempt, protocol.AsErrorInfo(err, protocol.CodeAuthConnectFailed)) })
		return
	}
	header, err := m.auth.AuthHeaders(ctx)
	if err != nil {
		m.loop.post(func() { m.onConnectAttemptFailed(attempt, protocol.AsErrorInfo(err, protocol.CodeAuthConnectFailed)) })
		return
	}
	for key, values := range authParams {
		query[key] = values
	}

	var lastErr *protocol.ErrorInfo
	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		rawURL := m.hostURL(host, query)
		m.logger.WithFields(logrus.Fields{"host": host, "attempt": attempt}).Debug("trying host")

		l := newTransportListener(m, attempt)
		tr, err := m.options.Dialer.Dial(ctx, rawURL, header, l)
		if err != nil {
			lastErr = protocol.WrapError(protocol.CodeConnectionFailed, err)
			l.abort()
			m.logger.WithField("host", host).Info("unable to reach host: ", err)
			continue
		}
		l.ready(tr)

		result := l.waitHandshake(ctx)
		if result.connected {
			return
		}
		go tr.Dispose()
		if result.err == nil {
			// The attempt was abandoned while waiting for the handshake.
			return
		}
		lastErr = result.err
		if !result.transportFailure && !shouldUseFallback(result.err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = protocol.NewErrorInfo(protocol.CodeConnectionFailed, "no hosts available to connect to")
	}
	m.loop.post(func() { m.onConnectAttemptFailed(attempt, lastErr) })
}

// shouldUseFallback reports whether an error returned by a host warrants
// trying the next one: server-side failures do, client errors do not.
func shouldUseFallback(err *protocol.ErrorInfo) bool {
	return err.StatusCode >= http.StatusInternalServerError
}

func (m *connectionManager) hostURL(host string, query url.Values) string {
	scheme := "ws"
	if m.options.TLS {
		scheme = "wss"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(m.options.Port))
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/",
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (m *connectionManager) abandonAttempt() {
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
}

func (m *connectionManager) disposeTransport() {
	if m.transport != nil {
		tr := m.transport
		go tr.Dispose()
	}
	m.transport = nil
	m.activeListener = nil
}

func (m *connectionManager) onTransportConnected(l *transportListener, msg *protocol.ProtocolMessage) {
	if l.attempt != m.attempt || m.state != ConnectionStateConnecting {
		m.logger.Debug("discarding transport from stale connection attempt ", l.attempt)
		go l.transport().Dispose()
		return
	}

	m.transitionTimer.stop()
	m.suspendTimer.stop()
	m.suspendTimer = nil
	m.suspended = false
	m.renewAttempted = false
	m.cancelAttempt = nil
	m.disconnectedBackoff.Reset()
	m.suspendedBackoff.Reset()

	m.transport = l.transport()
	m.activeListener = l

	resumed := m.id != "" && msg.ConnectionID == m.id
	recovered := m.id == "" && m.recoverKey != "" && msg.Error == nil
	if !resumed {
		if recovered {
			m.msgSerial = m.recoverSerial
		} else {
			m.msgSerial = 0
		}
		for _, pm := range m.queued {
			pm.serialAssigned = false
		}
	}
	m.recoverKey = ""

	m.id = msg.ConnectionID
	m.applyConnectionDetails(msg.ConnectionDetails)

	m.logger.WithFields(logrus.Fields{
		"connectionId": m.id,
		"resumed":      resumed,
		"msgSerial":    m.msgSerial,
	}).Info("connection established")

	previous := m.state
	m.state = ConnectionStateConnected
	m.errorReason = msg.Error
	m.updateSnapshot()

	// Queued messages go out before any channel re-attaches.
	m.flushQueued()

	m.notify(ConnectionStateChange{
		Current:  ConnectionStateConnected,
		Previous: previous,
		Event:    ConnectionEventConnected,
		Reason:   msg.Error,
	}, resumed)
}

func (m *connectionManager) applyConnectionDetails(details *protocol.ConnectionDetails) {
	if details == nil {
		return
	}
	m.details = details
	if details.ConnectionKey != "" {
		m.key = details.ConnectionKey
	}
	if details.ConnectionStateTTL > 0 {
		m.connectionStateTTL = time.Duration(details.ConnectionStateTTL) * time.Millisecond
	}
	if details.ClientID != "" && m.options.ClientID == "" {
		m.options.ClientID = details.ClientID
	}
}

func (m *connectionManager) onConnectAttemptFailed(attempt int, err *protocol.ErrorInfo) {
	if attempt != m.attempt || m.state != ConnectionStateConnecting {
		return
	}
	m.transitionTimer.stop()
	m.cancelAttempt = nil
	m.logger.WithField("attempt", attempt).Info("connection attempt failed: ", err)

	if err.IsTokenError() {
		m.renewAndRetry(err)
		return
	}
	if isFatalConnectError(err) {
		m.fail(err)
		return
	}
	m.enterFailState(err)
}

// isFatalConnectError reports errors that cannot be fixed by retrying.
func isFatalConnectError(err *protocol.ErrorInfo) bool {
	return err.Code >= 40000 && err.Code < 50000 && !err.IsTokenError()
}

// renewAndRetry gives the auth provider one chance to renew credentials.
func (m *connectionManager) renewAndRetry(reason *protocol.ErrorInfo) {
	if m.renewAttempted {
		m.fail(reason)
		return
	}
	m.renewAttempted = true
	attempt := m.attempt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.options.RealtimeRequestTimeout)
		defer cancel()
		err := m.auth.Authorize(ctx)
		m.loop.post(func() {
			if attempt != m.attempt {
				return
			}
			if err != nil {
				m.fail(protocol.AsErrorInfo(err, protocol.CodeAuthConnectFailed))
				return
			}
			m.startConnecting()
		})
	}()
}

// enterFailState moves to DISCONNECTED, or SUSPENDED once the connection
// has been unavailable for longer than the connection state TTL.
func (m *connectionManager) enterFailState(reason *protocol.ErrorInfo) {
	if m.suspended {
		m.enterSuspended(reason)
		return
	}
	m.disposeTransport()
	retryIn := m.disconnectedBackoff.NextBackOff()
	m.setState(ConnectionStateDisconnected, reason, retryIn)
	m.scheduleRetry(retryIn)
}

func (m *connectionManager) scheduleRetry(delay time.Duration) {
	m.retryTimer.stop()
	m.retryTimer = m.loop.afterFunc(delay, func() {
		m.retryTimer = nil
		switch m.state {
		case ConnectionStateDisconnected, ConnectionStateSuspended:
			m.startConnecting()
		}
	})
}

func (m *connectionManager) enterSuspended(reason *protocol.ErrorInfo) {
	m.abandonAttempt()
	m.transitionTimer.stop()
	m.disposeTransport()
	m.key = ""
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.CodeConnectionSuspended, "connection to server unavailable")
	}
	retryIn := m.suspendedBackoff.NextBackOff()
	m.failPending(reason)
	m.failPings(reason)
	m.setState(ConnectionStateSuspended, reason, retryIn)
	m.scheduleRetry(retryIn)
}

func (m *connectionManager) onTransitionTimeout() {
	if m.state != ConnectionStateConnecting {
		return
	}
	m.abandonAttempt()
	err := protocol.NewErrorInfo(
		protocol.CodeTimeout,
		"connection attempt timed out after %s", m.options.RealtimeRequestTimeout,
	)
	m.enterFailState(err)
}

func (m *connectionManager) onSuspendTimeout() {
	m.suspendTimer = nil
	m.suspended = true
	reason := protocol.NewErrorInfo(
		protocol.CodeConnectionSuspended,
		"connection unavailable for longer than %s", m.connectionStateTTL,
	)
	switch m.state {
	case ConnectionStateConnecting, ConnectionStateDisconnected:
		m.retryTimer.stop()
		m.enterSuspended(reason)
	}
}

func (m *connectionManager) onTransportClosed(l *transportListener, err error) {
	if l != m.activeListener {
		return
	}
	m.transport = nil
	m.activeListener = nil
	if m.state == ConnectionStateClosing {
		m.enterClosed(nil)
		return
	}
	reason := protocol.NewErrorInfo(protocol.CodeDisconnected, "connection to server lost")
	if err != nil {
		reason.Cause = err
		reason.Message = fmt.Sprintf("connection to server lost: %s", err)
	}
	m.onConnectionLost(reason)
}

// onConnectionLost handles losing an established connection. Unacknowledged
// messages go back to the front of the queue and a reconnect starts at once.
func (m *connectionManager) onConnectionLost(reason *protocol.ErrorInfo) {
	if m.state != ConnectionStateConnected {
		return
	}
	m.disposeTransport()
	m.requeuePending()
	m.setState(ConnectionStateDisconnected, reason, 0)
	if reason.IsTokenError() {
		m.renewAndRetry(reason)
		return
	}
	m.startConnecting()
}

func (m *connectionManager) onProtocolMessage(l *transportListener, msg *protocol.ProtocolMessage) {
	if l != m.activeListener {
		return
	}
	switch msg.Action {
	case protocol.ActionHeartbeat:
		m.onHeartbeat(msg)
	case protocol.ActionAck:
		m.ack(msg.MsgSerial, msg.Count, nil)
	case protocol.ActionNack:
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.CodeInternal, "message rejected by server")
		}
		m.ack(msg.MsgSerial, msg.Count, reason)
	case protocol.ActionConnected:
		m.onConnectedUpdate(msg)
	case protocol.ActionDisconnected:
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.CodeDisconnected, "server requested disconnection")
		}
		m.onConnectionLost(reason)
	case protocol.ActionClosed:
		m.enterClosed(msg.Error)
	case protocol.ActionError:
		if msg.Channel != "" {
			m.observer.onChannelMessage(msg)
			return
		}
		m.onErrorFrame(msg)
	case protocol.ActionAuth:
		m.onAuthRequested()
	default:
		if msg.Channel == "" {
			m.logger.Warn("dropping protocol message without channel: ", msg.Action)
			return
		}
		m.observer.onChannelMessage(msg)
	}
}

// onConnectedUpdate handles CONNECTED on an established transport, which
// the server sends after re-authentication.
func (m *connectionManager) onConnectedUpdate(msg *protocol.ProtocolMessage) {
	m.applyConnectionDetails(msg.ConnectionDetails)
	if msg.ConnectionID != "" {
		m.id = msg.ConnectionID
	}
	m.errorReason = msg.Error
	m.updateSnapshot()
	change := ConnectionStateChange{
		Current:  m.state,
		Previous: m.state,
		Event:    ConnectionEventUpdate,
		Reason:   msg.Error,
	}
	m.events.emit(ConnectionEventUpdate, change)
}

func (m *connectionManager) onErrorFrame(msg *protocol.ProtocolMessage) {
	reason := msg.Error
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.CodeInternal, "connection error")
	}
	if reason.IsTokenError() && !m.renewAttempted && m.state == ConnectionStateConnected {
		m.onConnectionLost(reason)
		return
	}
	m.fail(reason)
}

func (m *connectionManager) onAuthRequested() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.options.RealtimeRequestTimeout)
		defer cancel()
		err := m.auth.Authorize(ctx)
		if err == nil {
			return
		}
		m.loop.post(func() {
			m.fail(protocol.AsErrorInfo(err, protocol.CodeAuthConnectFailed))
		})
	}()
}

func (m *connectionManager) close() {
	switch m.state {
	case ConnectionStateClosing, ConnectionStateClosed:
		return
	case ConnectionStateConnected:
		reason := errConnectionClosed()
		m.setState(ConnectionStateClosing, nil, 0)
		m.failPending(reason)
		if err := m.transport.Send(&protocol.ProtocolMessage{Action: protocol.ActionClose}); err != nil {
			m.logger.Debug("unable to send CLOSE: ", err)
			m.enterClosed(nil)
			return
		}
		m.closeTimer = m.loop.afterFunc(m.options.RealtimeRequestTimeout, func() {
			m.logger.Warn("timed out waiting for CLOSED, closing transport")
			m.enterClosed(nil)
		})
	case ConnectionStateConnecting, ConnectionStateDisconnected, ConnectionStateSuspended:
		m.setState(ConnectionStateClosing, nil, 0)
		m.enterClosed(nil)
	default:
		m.enterClosed(nil)
	}
}

func (m *connectionManager) enterClosed(reason *protocol.ErrorInfo) {
	if m.state == ConnectionStateClosed {
		return
	}
	m.stopTimers()
	m.abandonAttempt()
	m.disposeTransport()
	closedErr := errConnectionClosed()
	m.failPending(closedErr)
	m.failPings(closedErr)
	m.key = ""
	m.id = ""
	m.setState(ConnectionStateClosed, reason, 0)
}

func (m *connectionManager) fail(reason *protocol.ErrorInfo) {
	if m.state == ConnectionStateFailed {
		return
	}
	m.stopTimers()
	m.abandonAttempt()
	m.disposeTransport()
	m.failPending(reason)
	m.failPings(reason)
	m.key = ""
	m.setState(ConnectionStateFailed, reason, 0)
}

// dispose tears the connection down without going through CLOSING.
func (m *connectionManager) dispose() {
	m.stopTimers()
	m.abandonAttempt()
	m.disposeTransport()
	closedErr := errClientClosed()
	m.failPending(closedErr)
	m.failPings(closedErr)
	if m.state != ConnectionStateClosed && m.state != ConnectionStateFailed {
		m.setState(ConnectionStateClosed, closedErr, 0)
	}
}

func (m *connectionManager) stopTimers() {
	m.suspendTimer.stop()
	m.suspendTimer = nil
	m.transitionTimer.stop()
	m.retryTimer.stop()
	m.retryTimer = nil
	m.closeTimer.stop()
}

func (m *connectionManager) setState(state ConnectionState, reason *protocol.ErrorInfo, retryIn time.Duration) {
	previous := m.state
	m.state = state
	m.errorReason = reason
	m.updateSnapshot()

	m.notify(ConnectionStateChange{
		Current:  state,
		Previous: previous,
		Event:    ConnectionEvent(state),
		Reason:   reason,
		RetryIn:  retryIn,
	}, false)
}

func (m *connectionManager) notify(change ConnectionStateChange, resumed bool) {
	fields := logrus.Fields{
		"previous": change.Previous.String(),
		"current":  change.Current.String(),
	}
	if change.Reason != nil {
		fields["reason"] = change.Reason.Error()
	}
	if change.RetryIn > 0 {
		fields["retryIn"] = change.RetryIn.String()
	}
	m.logger.WithFields(fields).Info("connection state changed")

	m.events.emit(change.Event, change)
	if m.observer != nil {
		m.observer.onConnectionStateChange(change, resumed)
	}
}

// send hands an outbound message to the connection. Messages that need an
// ACK get a serial and are tracked until acknowledged; control messages are
// only written on a live connection.
func (m *connectionManager) send(msg *protocol.ProtocolMessage, done *completion) {
	if !msg.AckRequired() {
		m.sendControl(msg)
		done.resolve(nil)
		return
	}

	pm := &pendingMessage{msg: msg, done: done}
	switch m.state {
	case ConnectionStateConnected:
		m.sendWithSerial(pm)
	case ConnectionStateInitialized, ConnectionStateConnecting, ConnectionStateDisconnected:
		if m.options.NoQueueing {
			done.resolve(protocol.NewErrorInfo(
				protocol.CodeDisconnected,
				"connection is %s and message queueing is disabled", m.state,
			))
			return
		}
		m.queued = append(m.queued, pm)
	default:
		done.resolve(m.stateError())
	}
}

func (m *connectionManager) sendControl(msg *protocol.ProtocolMessage) bool {
	if m.state != ConnectionStateConnected || m.transport == nil {
		return false
	}
	if err := m.transport.Send(msg); err != nil {
		m.logger.Warn("failed to send ", msg.Action, ": ", err)
		return false
	}
	return true
}

func (m *connectionManager) sendWithSerial(pm *pendingMessage) {
	if !pm.serialAssigned {
		pm.msg.MsgSerial = m.msgSerial
		pm.serialAssigned = true
		m.msgSerial += 1
		m.updateSnapshot()
	}
	m.pending = append(m.pending, pm)
	if err := m.transport.Send(pm.msg); err != nil {
		// The read loop reports the broken transport, which requeues this message.
		m.logger.Warn("failed to send message with serial ", pm.msg.MsgSerial, ": ", err)
	}
}

func (m *connectionManager) flushQueued() {
	queued := m.queued
	m.queued = nil
	for _, pm := range queued {
		m.sendWithSerial(pm)
	}
}

func (m *connectionManager) requeuePending() {
	if len(m.pending) == 0 {
		return
	}
	requeued := make([]*pendingMessage, 0, len(m.pending)+len(m.queued))
	requeued = append(requeued, m.pending...)
	requeued = append(requeued, m.queued...)
	m.queued = requeued
	m.pending = nil
}

// ack settles every pending message with a serial in [serial, serial+count).
// Messages ahead of that range were skipped by the server and are failed.
func (m *connectionManager) ack(serial int64, count int, reason *protocol.ErrorInfo) {
	end := serial + int64(count)
	for len(m.pending) > 0 {
		pm := m.pending[0]
		if pm.msg.MsgSerial >= end {
			break
		}
		m.pending = m.pending[1:]
		if pm.msg.MsgSerial < serial {
			pm.done.resolve(protocol.NewErrorInfo(
				protocol.CodeInternal,
				"message with serial %d was not acknowledged", pm.msg.MsgSerial,
			))
			continue
		}
		pm.done.resolve(reason)
	}
}

func (m *connectionManager) failPending(reason *protocol.ErrorInfo) {
	all := append(m.pending, m.queued...)
	m.pending = nil
	m.queued = nil
	for _, pm := range all {
		pm.done.resolve(reason)
	}
}

func (m *connectionManager) ping(done *completion) {
	if m.state != ConnectionStateConnected || m.transport == nil {
		done.resolve(protocol.NewErrorInfo(
			protocol.CodeDisconnected, "cannot ping while connection is %s", m.state,
		))
		return
	}
	id := uuid.NewString()
	request := &pingRequest{done: done}
	m.pings[id] = request
	request.timer = m.loop.afterFunc(m.options.RealtimeRequestTimeout, func() {
		delete(m.pings, id)
		done.resolve(protocol.NewErrorInfo(
			protocol.CodeTimeout, "no heartbeat response within %s", m.options.RealtimeRequestTimeout,
		))
	})
	if err := m.transport.Send(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: id}); err != nil {
		request.timer.stop()
		delete(m.pings, id)
		done.resolve(protocol.WrapError(protocol.CodeDisconnected, err))
	}
}

func (m *connectionManager) onHeartbeat(msg *protocol.ProtocolMessage) {
	request, ok := m.pings[msg.ID]
	if !ok {
		return
	}
	delete(m.pings, msg.ID)
	request.timer.stop()
	request.done.resolve(nil)
}

func (m *connectionManager) failPings(reason *protocol.ErrorInfo) {
	for id, request := range m.pings {
		request.timer.stop()
		request.done.resolve(reason)
		delete(m.pings, id)
	}
}

// stateError is the error for operations that cannot proceed in the current state.
func (m *connectionManager) stateError() *protocol.ErrorInfo {
	switch m.state {
	case ConnectionStateSuspended:
		return protocol.NewErrorInfo(protocol.CodeConnectionSuspended, "connection is suspended")
	case ConnectionStateClosing, ConnectionStateClosed:
		return errConnectionClosed()
	case ConnectionStateFailed:
		if m.errorReason != nil {
			return m.errorReason
		}
		return protocol.NewErrorInfo(protocol.CodeConnectionFailed, "connection failed")
	default:
		return protocol.NewErrorInfo(protocol.CodeDisconnected, "connection is %s", m.state)
	}
}

func errConnectionClosed() *protocol.ErrorInfo {
	return protocol.NewErrorInfo(protocol.CodeConnectionClosed, "connection closed")
}

func (m *connectionManager) recoveryKey() string {
	snapshot := m.currentSnapshot()
	if snapshot.key == "" {
		return ""
	}
	return snapshot.key + ":" + strconv.FormatInt(snapshot.msgSerial, 10)
}

func parseRecoveryKey(recoveryKey string) (string, int64, error) {
	index := strings.LastIndex(recoveryKey, ":")
	if index <= 0 {
		return "", 0, fmt.Errorf("recovery key %q is not of the form connectionKey:msgSerial", recoveryKey)
	}
	serial, err := strconv.ParseInt(recoveryKey[index+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("recovery key %q has a non-numeric msgSerial: %w", recoveryKey, err)
	}
	return recoveryKey[:index], serial, nil
}
