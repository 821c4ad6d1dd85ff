package realtime

import (
	"context"
	"sync"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

type queuedPublish struct {
	msg  *protocol.ProtocolMessage
	done *completion
}

// RealtimeChannel is one named channel multiplexed over the connection.
// Its state is owned by the protocol loop; the exported methods marshal onto it.
type RealtimeChannel struct {
	name     string
	manager  *connectionManager
	loop     *eventLoop
	logger   *logrus.Logger
	events   *emitter[ChannelEvent, ChannelStateChange]
	messages *emitter[string, *protocol.Message]
	presence *RealtimePresence

	snapshotMu     sync.RWMutex
	snapshotState  ChannelState
	snapshotReason *protocol.ErrorInfo
	snapshotModes  []protocol.ChannelMode

	state         ChannelState
	errorReason   *protocol.ErrorInfo
	options       *ChannelOptions
	modes         []protocol.ChannelMode
	channelSerial string
	// attachedBefore is set once the channel has been attached, after which
	// re-attaches ask the server to resume from channelSerial.
	attachedBefore bool

	attachDone     *completion
	detachDone     *completion
	detachPrevious ChannelState
	queued         []*queuedPublish

	attachTimer *loopTimer
	detachTimer *loopTimer
	retryTimer  *loopTimer
}

func newRealtimeChannel(name string, manager *connectionManager, dispatcher *eventLoop, logger *logrus.Logger) *RealtimeChannel {
	c := &RealtimeChannel{
		name:     name,
		manager:  manager,
		loop:     manager.loop,
		logger:   logger,
		events:   newEmitter[ChannelEvent, ChannelStateChange](dispatcher, logger),
		messages: newEmitter[string, *protocol.Message](dispatcher, logger),
		state:    ChannelStateInitialized,
	}
	c.presence = newRealtimePresence(c, dispatcher, logger)
	return c
}

func (c *RealtimeChannel) Name() string {
	return c.name
}

func (c *RealtimeChannel) Presence() *RealtimePresence {
	return c.presence
}

func (c *RealtimeChannel) State() ChannelState {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.snapshotState
}

func (c *RealtimeChannel) ErrorReason() *protocol.ErrorInfo {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.snapshotReason
}

// Modes returns the modes granted by the server on the latest ATTACHED.
func (c *RealtimeChannel) Modes() []protocol.ChannelMode {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.snapshotModes
}

// Attach attaches the channel and waits for ATTACHED. Concurrent calls share
// one ATTACH request.
func (c *RealtimeChannel) Attach(ctx context.Context) error {
	var done *completion
	if err := c.loop.call(func() { done = c.attach() }); err != nil {
		return err
	}
	return done.wait(ctx)
}

// Detach detaches the channel and waits for DETACHED.
func (c *RealtimeChannel) Detach(ctx context.Context) error {
	var done *completion
	if err := c.loop.call(func() { done = c.detach() }); err != nil {
		return err
	}
	return done.wait(ctx)
}

// Publish sends a single message and waits for the server to acknowledge it.
func (c *RealtimeChannel) Publish(ctx context.Context, name string, data interface{}) error {
	return c.PublishMessages(ctx, &protocol.Message{Name: name, Data: data})
}

// PublishMessages sends messages in one envelope and waits for the ACK.
// Publishing on an INITIALIZED or DETACHED channel attaches it first.
func (c *RealtimeChannel) PublishMessages(ctx context.Context, messages ...*protocol.Message) error {
	done := newCompletion()
	msg := &protocol.ProtocolMessage{
		Action:   protocol.ActionMessage,
		Channel:  c.name,
		Messages: messages,
	}
	if err := c.loop.call(func() { c.publish(msg, done) }); err != nil {
		return err
	}
	return done.wait(ctx)
}

// SetOptions replaces the channel options. When the channel is attached or
// attaching and the params or modes change, it re-attaches and waits for it.
func (c *RealtimeChannel) SetOptions(ctx context.Context, options *ChannelOptions) error {
	if err := options.validate(); err != nil {
		return err
	}
	var done *completion
	if err := c.loop.call(func() { done = c.setOptions(options) }); err != nil {
		return err
	}
	return done.wait(ctx)
}

// Subscribe registers fn for messages with the given name and attaches the
// channel. The returned func removes the listener.
func (c *RealtimeChannel) Subscribe(ctx context.Context, name string, fn func(*protocol.Message)) (func(), error) {
	unsubscribe := c.messages.on(name, fn)
	if err := c.Attach(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// SubscribeAll registers fn for every message and attaches the channel.
func (c *RealtimeChannel) SubscribeAll(ctx context.Context, fn func(*protocol.Message)) (func(), error) {
	unsubscribe := c.messages.onAll(fn)
	if err := c.Attach(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// Unsubscribe removes every message listener.
func (c *RealtimeChannel) Unsubscribe() {
	c.messages.offAll()
}

func (c *RealtimeChannel) On(event ChannelEvent, fn func(ChannelStateChange)) func() {
	return c.events.on(event, fn)
}

func (c *RealtimeChannel) Once(event ChannelEvent, fn func(ChannelStateChange)) func() {
	return c.events.once(event, fn)
}

func (c *RealtimeChannel) OnAll(fn func(ChannelStateChange)) func() {
	return c.events.onAll(fn)
}

// OnceAll registers a listener called once for the next event of any kind.
func (c *RealtimeChannel) OnceAll(fn func(ChannelStateChange)) func() {
	return c.events.onceAll(fn)
}

func (c *RealtimeChannel) OffAll() {
	c.events.offAll()
}

func (c *RealtimeChannel) offAll() {
	c.events.offAll()
	c.messages.offAll()
	c.presence.subscriptions.offAll()
}

func (c *RealtimeChannel) attach() *completion {
	switch c.state {
	case ChannelStateAttached:
		return resolvedCompletion(nil)
	case ChannelStateAttaching:
		return c.attachDone
	case ChannelStateDetaching:
		c.detachTimer.stop()
		c.detachDone.resolve(protocol.NewErrorInfo(
			protocol.CodeChannelInvalidState, "detach of channel %q superseded by attach", c.name,
		))
	}

	switch c.manager.state {
	case ConnectionStateClosing, ConnectionStateClosed, ConnectionStateSuspended, ConnectionStateFailed:
		return resolvedCompletion(c.manager.stateError())
	}

	c.retryTimer.stop()
	c.attachDone = newCompletion()
	c.setState(ChannelStateAttaching, nil, false)
	c.sendAttach()
	return c.attachDone
}

// sendAttach writes ATTACH when the connection is up. Otherwise it is sent
// once the connection reaches CONNECTED.
func (c *RealtimeChannel) sendAttach() {
	c.attachTimer.stop()
	msg := &protocol.ProtocolMessage{
		Action:  protocol.ActionAttach,
		Channel: c.name,
		Flags:   c.options.flags(),
	}
	if c.options != nil && len(c.options.Params) > 0 {
		msg.Params = c.options.Params
	}
	if c.attachedBefore {
		msg.SetFlag(protocol.FlagAttachResume)
		msg.ChannelSerial = c.channelSerial
	}
	if !c.manager.sendControl(msg) {
		return
	}
	c.attachTimer = c.loop.afterFunc(c.manager.options.RealtimeRequestTimeout, c.onAttachTimeout)
}

func (c *RealtimeChannel) onAttachTimeout() {
	if c.state != ChannelStateAttaching {
		return
	}
	reason := protocol.NewErrorInfo(
		protocol.CodeChannelOperationNoResponse,
		"channel %q did not attach within %s", c.name, c.manager.options.RealtimeRequestTimeout,
	)
	c.suspend(reason)
}

// suspend moves the channel to SUSPENDED and schedules an automatic
// re-attach after ChannelRetryTimeout.
func (c *RealtimeChannel) suspend(reason *protocol.ErrorInfo) {
	c.attachTimer.stop()
	c.setState(ChannelStateSuspended, reason, false)
	c.attachDone.resolve(reason)
	c.failQueued(reason)
	c.presence.onSuspended(reason)
	c.scheduleReattach()
}

func (c *RealtimeChannel) scheduleReattach() {
	c.retryTimer.stop()
	c.retryTimer = c.loop.afterFunc(c.manager.options.ChannelRetryTimeout, func() {
		if c.state != ChannelStateSuspended || c.manager.state != ConnectionStateConnected {
			return
		}
		c.logger.WithField("channel", c.name).Info("retrying attach of suspended channel")
		c.attach()
	})
}

func (c *RealtimeChannel) detach() *completion {
	switch c.state {
	case ChannelStateInitialized, ChannelStateDetached:
		return resolvedCompletion(nil)
	case ChannelStateDetaching:
		return c.detachDone
	case ChannelStateFailed:
		return resolvedCompletion(protocol.NewErrorInfo(
			protocol.CodeChannelInvalidState, "cannot detach channel %q: channel has failed", c.name,
		))
	case ChannelStateSuspended:
		c.retryTimer.stop()
		c.setState(ChannelStateDetached, nil, false)
		c.presence.onDetached(nil)
		return resolvedCompletion(nil)
	case ChannelStateAttaching:
		c.attachTimer.stop()
		c.attachDone.resolve(protocol.NewErrorInfo(
			protocol.CodeChannelInvalidState, "attach of channel %q superseded by detach", c.name,
		))
		c.detachPrevious = ChannelStateAttaching
	default:
		c.detachPrevious = c.state
	}

	c.detachDone = newCompletion()
	c.setState(ChannelStateDetaching, nil, false)
	c.sendDetach()
	return c.detachDone
}

func (c *RealtimeChannel) sendDetach() {
	c.detachTimer.stop()
	if !c.manager.sendControl(&protocol.ProtocolMessage{Action: protocol.ActionDetach, Channel: c.name}) {
		return
	}
	c.detachTimer = c.loop.afterFunc(c.manager.options.RealtimeRequestTimeout, c.onDetachTimeout)
}

func (c *RealtimeChannel) onDetachTimeout() {
	if c.state != ChannelStateDetaching {
		return
	}
	reason := protocol.NewErrorInfo(
		protocol.CodeChannelOperationNoResponse,
		"channel %q did not detach within %s", c.name, c.manager.options.RealtimeRequestTimeout,
	)
	if c.detachPrevious == ChannelStateAttaching {
		// The server never confirmed the attach, so retry it from SUSPENDED.
		c.suspend(reason)
	} else {
		c.setState(c.detachPrevious, reason, false)
	}
	c.detachDone.resolve(reason)
}

func (c *RealtimeChannel) setOptions(options *ChannelOptions) *completion {
	changed := c.options.attachAffecting(options)
	c.options = options
	if !changed {
		return resolvedCompletion(nil)
	}
	switch c.state {
	case ChannelStateAttached:
		c.attachDone = newCompletion()
		c.setState(ChannelStateAttaching, nil, false)
		c.sendAttach()
		return c.attachDone
	case ChannelStateAttaching:
		c.sendAttach()
		return c.attachDone
	default:
		return resolvedCompletion(nil)
	}
}

// queueError returns an error when a local queue must not buffer because
// the connection is down and queueing is disabled.
func (c *RealtimeChannel) queueError() *protocol.ErrorInfo {
	if c.manager.options.NoQueueing && c.manager.state != ConnectionStateConnected {
		return protocol.NewErrorInfo(
			protocol.CodeDisconnected,
			"connection is %s and message queueing is disabled", c.manager.state,
		)
	}
	return nil
}

func (c *RealtimeChannel) publish(msg *protocol.ProtocolMessage, done *completion) {
	if err := c.validateClientIDs(msg.Messages); err != nil {
		done.resolve(err)
		return
	}

	switch c.state {
	case ChannelStateAttached:
		c.manager.send(msg, done)
	case ChannelStateAttaching:
		c.enqueue(msg, done)
	case ChannelStateInitialized, ChannelStateDetached:
		attaching := c.attach()
		if c.state != ChannelStateAttaching {
			attaching.then(func(err error) { done.resolve(err) })
			return
		}
		c.enqueue(msg, done)
	default:
		done.resolve(protocol.NewErrorInfo(
			protocol.CodeChannelInvalidState, "cannot publish to channel %q while it is %s", c.name, c.state,
		))
	}
}

func (c *RealtimeChannel) enqueue(msg *protocol.ProtocolMessage, done *completion) {
	if err := c.queueError(); err != nil {
		done.resolve(err)
		return
	}
	c.queued = append(c.queued, &queuedPublish{msg: msg, done: done})
}

func (c *RealtimeChannel) validateClientIDs(messages []*protocol.Message) *protocol.ErrorInfo {
	clientID := c.manager.options.ClientID
	for _, m := range messages {
		if m.ClientID == "" {
			continue
		}
		if m.ClientID == "*" {
			return protocol.NewErrorInfo(protocol.CodeInvalidClientID, "the wildcard client id cannot be used in a message")
		}
		if clientID != "" && m.ClientID != clientID {
			return protocol.NewErrorInfo(
				protocol.CodeInvalidClientID,
				"message client id %q does not match the connection client id %q", m.ClientID, clientID,
			)
		}
	}
	return nil
}

func (c *RealtimeChannel) flushQueued() {
	queued := c.queued
	c.queued = nil
	for _, qp := range queued {
		c.manager.send(qp.msg, qp.done)
	}
}

func (c *RealtimeChannel) failQueued(reason *protocol.ErrorInfo) {
	queued := c.queued
	c.queued = nil
	for _, qp := range queued {
		qp.done.resolve(reason)
	}
}

func (c *RealtimeChannel) onMessage(msg *protocol.ProtocolMessage) {
	switch msg.Action {
	case protocol.ActionAttached:
		c.onAttached(msg)
	case protocol.ActionDetached:
		c.onDetached(msg)
	case protocol.ActionMessage:
		c.onMessages(msg)
	case protocol.ActionPresence:
		c.presence.onPresence(msg)
	case protocol.ActionSync:
		c.presence.onSync(msg)
	case protocol.ActionError:
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.CodeInternal, "channel %q error", c.name)
		}
		c.onError(reason)
	default:
		c.logger.WithField("channel", c.name).Debug("ignoring ", msg.Action)
	}
}

func (c *RealtimeChannel) onAttached(msg *protocol.ProtocolMessage) {
	if msg.ChannelSerial != "" {
		c.channelSerial = msg.ChannelSerial
	}
	c.modes = protocol.ModesFromFlags(msg.Flags)
	resumed := msg.HasFlag(protocol.FlagResumed)
	hasPresence := msg.HasFlag(protocol.FlagHasPresence)

	switch c.state {
	case ChannelStateAttached:
		c.errorReason = msg.Error
		c.updateSnapshot()
		c.events.emit(ChannelEventUpdate, ChannelStateChange{
			Current:  ChannelStateAttached,
			Previous: ChannelStateAttached,
			Event:    ChannelEventUpdate,
			Reason:   msg.Error,
			Resumed:  resumed,
		})
		c.presence.onAttached(hasPresence, resumed)
		return
	case ChannelStateAttaching, ChannelStateSuspended:
	default:
		c.logger.WithField("channel", c.name).Debug("ignoring ATTACHED while ", c.state)
		return
	}

	c.attachTimer.stop()
	c.retryTimer.stop()
	c.attachedBefore = true
	c.setState(ChannelStateAttached, msg.Error, resumed)
	c.attachDone.resolve(nil)
	c.flushQueued()
	c.presence.onAttached(hasPresence, resumed)
}

func (c *RealtimeChannel) onDetached(msg *protocol.ProtocolMessage) {
	switch c.state {
	case ChannelStateDetaching:
		c.detachTimer.stop()
		c.setState(ChannelStateDetached, msg.Error, false)
		c.detachDone.resolve(nil)
		c.presence.onDetached(msg.Error)
	case ChannelStateAttached, ChannelStateSuspended:
		// Detached by the server; try to get the channel back straight away.
		c.retryTimer.stop()
		c.attachDone = newCompletion()
		c.setState(ChannelStateAttaching, msg.Error, false)
		c.sendAttach()
	case ChannelStateAttaching:
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.CodeChannelInvalidState, "channel %q detached while attaching", c.name)
		}
		c.suspend(reason)
	}
}

func (c *RealtimeChannel) onError(reason *protocol.ErrorInfo) {
	c.fail(reason)
}

func (c *RealtimeChannel) fail(reason *protocol.ErrorInfo) {
	if c.state == ChannelStateFailed {
		return
	}
	c.stopTimers()
	c.setState(ChannelStateFailed, reason, false)
	c.attachDone.resolve(reason)
	c.detachDone.resolve(reason)
	c.failQueued(reason)
	c.presence.onFailed(reason)
}

func (c *RealtimeChannel) onMessages(msg *protocol.ProtocolMessage) {
	if c.state != ChannelStateAttached {
		c.logger.WithField("channel", c.name).Debug("dropping MESSAGE received while ", c.state)
		return
	}
	if msg.ChannelSerial != "" {
		c.channelSerial = msg.ChannelSerial
	}
	msg.PopulateFields()
	for _, m := range msg.Messages {
		c.messages.emit(m.Name, m)
	}
}

// onConnectionStateChange carries connection transitions into the channel
// state machine.
func (c *RealtimeChannel) onConnectionStateChange(change ConnectionStateChange, resumed bool) {
	switch change.Current {
	case ConnectionStateConnected:
		switch c.state {
		case ChannelStateAttaching:
			c.sendAttach()
		case ChannelStateAttached:
			if resumed {
				return
			}
			c.attachDone = newCompletion()
			c.setState(ChannelStateAttaching, change.Reason, false)
			c.sendAttach()
		case ChannelStateSuspended:
			c.attach()
		case ChannelStateDetaching:
			c.sendDetach()
		}
	case ConnectionStateDisconnected:
		// ATTACH and DETACH are re-sent once connected again.
		c.attachTimer.stop()
		c.detachTimer.stop()
	case ConnectionStateSuspended:
		switch c.state {
		case ChannelStateAttaching, ChannelStateAttached:
			c.retryTimer.stop()
			c.attachTimer.stop()
			c.setState(ChannelStateSuspended, change.Reason, false)
			c.attachDone.resolve(change.Reason)
			c.failQueued(change.Reason)
			c.presence.onSuspended(change.Reason)
		case ChannelStateDetaching:
			c.detachTimer.stop()
			c.setState(ChannelStateDetached, change.Reason, false)
			c.detachDone.resolve(nil)
			c.presence.onDetached(change.Reason)
		}
	case ConnectionStateClosing, ConnectionStateClosed:
		switch c.state {
		case ChannelStateAttaching, ChannelStateAttached, ChannelStateSuspended, ChannelStateDetaching:
			reason := change.Reason
			if reason == nil {
				reason = errConnectionClosed()
			}
			c.stopTimers()
			c.setState(ChannelStateDetached, change.Reason, false)
			c.attachDone.resolve(reason)
			c.detachDone.resolve(nil)
			c.failQueued(reason)
			c.presence.onDetached(reason)
		}
	case ConnectionStateFailed:
		switch c.state {
		case ChannelStateAttaching, ChannelStateAttached, ChannelStateSuspended, ChannelStateDetaching:
			reason := change.Reason
			if reason == nil {
				reason = protocol.NewErrorInfo(protocol.CodeConnectionFailed, "connection failed")
			}
			c.fail(reason)
		}
	}
}

func (c *RealtimeChannel) dispose(reason *protocol.ErrorInfo) {
	c.stopTimers()
	c.attachDone.resolve(reason)
	c.detachDone.resolve(reason)
	c.failQueued(reason)
	c.presence.dispose(reason)
}

func (c *RealtimeChannel) stopTimers() {
	c.attachTimer.stop()
	c.detachTimer.stop()
	c.retryTimer.stop()
}

func (c *RealtimeChannel) setState(state ChannelState, reason *protocol.ErrorInfo, resumed bool) {
	previous := c.state
	c.state = state
	c.errorReason = reason
	c.updateSnapshot()

	fields := logrus.Fields{
		"channel":  c.name,
		"previous": previous.String(),
		"current":  state.String(),
	}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	c.logger.WithFields(fields).Info("channel state changed")

	c.events.emit(ChannelEvent(state), ChannelStateChange{
		Current:  state,
		Previous: previous,
		Event:    ChannelEvent(state),
		Reason:   reason,
		Resumed:  resumed,
	})
}

// emitUpdate reports a condition on an attached channel without changing state.
func (c *RealtimeChannel) emitUpdate(reason *protocol.ErrorInfo) {
	c.errorReason = reason
	c.updateSnapshot()
	c.events.emit(ChannelEventUpdate, ChannelStateChange{
		Current:  c.state,
		Previous: c.state,
		Event:    ChannelEventUpdate,
		Reason:   reason,
	})
}

func (c *RealtimeChannel) updateSnapshot() {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	c.snapshotState = c.state
	c.snapshotReason = c.errorReason
	c.snapshotModes = c.modes
}
