package realtime

import (
	"context"
	"sort"

	"github.com/fr3shw3b/realtime-client/pkg/presence"
	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// GetParams filters and controls a presence Get.
type GetParams struct {
	// WaitForSync blocks until the member set is known to be in sync.
	WaitForSync  bool
	ClientID     string
	ConnectionID string
}

type queuedPresence struct {
	msg  *protocol.PresenceMessage
	done *completion
}

// RealtimePresence is the presence set of a channel together with the
// operations this client performs on it.
type RealtimePresence struct {
	channel       *RealtimeChannel
	logger        *logrus.Logger
	subscriptions *emitter[protocol.PresenceAction, *protocol.PresenceMessage]

	members *presence.Map
	// ownMembers are the members entered by this connection, keyed by client id.
	ownMembers  map[string]*protocol.PresenceMessage
	queued      []*queuedPresence
	syncWaiters []*completion
}

func newRealtimePresence(channel *RealtimeChannel, dispatcher *eventLoop, logger *logrus.Logger) *RealtimePresence {
	return &RealtimePresence{
		channel:       channel,
		logger:        logger,
		subscriptions: newEmitter[protocol.PresenceAction, *protocol.PresenceMessage](dispatcher, logger),
		members:       presence.NewMap(&presence.MapParams{Now: channel.manager.options.Now}, logger),
		ownMembers:    map[string]*protocol.PresenceMessage{},
	}
}

// Enter enters this client into the channel's presence set.
func (p *RealtimePresence) Enter(ctx context.Context, data interface{}) error {
	return p.perform(ctx, protocol.PresenceEnter, "", data)
}

func (p *RealtimePresence) Update(ctx context.Context, data interface{}) error {
	return p.perform(ctx, protocol.PresenceUpdate, "", data)
}

func (p *RealtimePresence) Leave(ctx context.Context, data interface{}) error {
	return p.perform(ctx, protocol.PresenceLeave, "", data)
}

// EnterClient enters on behalf of clientID.
func (p *RealtimePresence) EnterClient(ctx context.Context, clientID string, data interface{}) error {
	return p.perform(ctx, protocol.PresenceEnter, clientID, data)
}

func (p *RealtimePresence) UpdateClient(ctx context.Context, clientID string, data interface{}) error {
	return p.perform(ctx, protocol.PresenceUpdate, clientID, data)
}

func (p *RealtimePresence) LeaveClient(ctx context.Context, clientID string, data interface{}) error {
	return p.perform(ctx, protocol.PresenceLeave, clientID, data)
}

// Get returns the current members once the presence set is in sync.
func (p *RealtimePresence) Get(ctx context.Context) ([]*protocol.PresenceMessage, error) {
	return p.GetWithParams(ctx, GetParams{WaitForSync: true})
}

// GetWithParams returns the current members matching params. It attaches the
// channel when needed. On a SUSPENDED channel it fails when asked to wait
// for sync and otherwise returns the last known members.
func (p *RealtimePresence) GetWithParams(ctx context.Context, params GetParams) ([]*protocol.PresenceMessage, error) {
	var synced *completion
	if err := p.channel.loop.call(func() { synced = p.awaitSync(params.WaitForSync) }); err != nil {
		return nil, err
	}
	if err := synced.wait(ctx); err != nil {
		return nil, err
	}

	var members []*protocol.PresenceMessage
	err := p.channel.loop.call(func() {
		members = p.members.List(presence.ListParams{
			ClientID:     params.ClientID,
			ConnectionID: params.ConnectionID,
		})
	})
	return members, err
}

// Subscribe registers fn for one presence action and attaches the channel.
func (p *RealtimePresence) Subscribe(ctx context.Context, action protocol.PresenceAction, fn func(*protocol.PresenceMessage)) (func(), error) {
	unsubscribe := p.subscriptions.on(action, fn)
	if err := p.channel.Attach(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// SubscribeAll registers fn for every presence action and attaches the channel.
func (p *RealtimePresence) SubscribeAll(ctx context.Context, fn func(*protocol.PresenceMessage)) (func(), error) {
	unsubscribe := p.subscriptions.onAll(fn)
	if err := p.channel.Attach(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// Unsubscribe removes every presence listener.
func (p *RealtimePresence) Unsubscribe() {
	p.subscriptions.offAll()
}

// SyncComplete reports whether the local member set reflects a finished SYNC.
func (p *RealtimePresence) SyncComplete() bool {
	var complete bool
	if err := p.channel.loop.call(func() { complete = p.members.SyncComplete() }); err != nil {
		return false
	}
	return complete
}

func (p *RealtimePresence) perform(ctx context.Context, action protocol.PresenceAction, clientID string, data interface{}) error {
	done := newCompletion()
	msg := &protocol.PresenceMessage{Action: action, ClientID: clientID, Data: data}
	if err := p.channel.loop.call(func() { p.send(msg, done) }); err != nil {
		return err
	}
	return done.wait(ctx)
}

func (p *RealtimePresence) send(msg *protocol.PresenceMessage, done *completion) {
	c := p.channel
	ownClientID := c.manager.options.ClientID
	switch {
	case msg.ClientID == "" && ownClientID == "":
		done.resolve(protocol.NewErrorInfo(
			protocol.CodeInvalidClientID, "a client id is required to use presence on channel %q", c.name,
		))
		return
	case msg.ClientID == "":
		msg.ClientID = ownClientID
	case msg.ClientID == "*":
		done.resolve(protocol.NewErrorInfo(protocol.CodeInvalidClientID, "the wildcard client id cannot enter presence"))
		return
	case ownClientID != "" && msg.ClientID != ownClientID:
		done.resolve(protocol.NewErrorInfo(
			protocol.CodeInvalidClientID,
			"client id %q does not match the connection client id %q", msg.ClientID, ownClientID,
		))
		return
	}

	switch c.state {
	case ChannelStateAttached:
		p.transmit(msg, done)
	case ChannelStateAttaching:
		p.enqueue(msg, done)
	case ChannelStateInitialized, ChannelStateDetached:
		if msg.Action == protocol.PresenceLeave {
			done.resolve(p.invalidStateError(msg.Action))
			return
		}
		attaching := c.attach()
		if c.state != ChannelStateAttaching {
			attaching.then(func(err error) { done.resolve(err) })
			return
		}
		p.enqueue(msg, done)
	default:
		done.resolve(p.invalidStateError(msg.Action))
	}
}

func (p *RealtimePresence) invalidStateError(action protocol.PresenceAction) *protocol.ErrorInfo {
	return protocol.NewErrorInfo(
		protocol.CodePresenceInvalidChannelState,
		"cannot %s presence on channel %q while it is %s", action, p.channel.name, p.channel.state,
	)
}

func (p *RealtimePresence) enqueue(msg *protocol.PresenceMessage, done *completion) {
	if err := p.channel.queueError(); err != nil {
		done.resolve(err)
		return
	}
	p.queued = append(p.queued, &queuedPresence{msg: msg, done: done})
}

func (p *RealtimePresence) transmit(msg *protocol.PresenceMessage, done *completion) {
	p.channel.manager.send(&protocol.ProtocolMessage{
		Action:   protocol.ActionPresence,
		Channel:  p.channel.name,
		Presence: []*protocol.PresenceMessage{msg},
	}, done)
}

func (p *RealtimePresence) flushQueued() {
	queued := p.queued
	p.queued = nil
	for _, qp := range queued {
		p.transmit(qp.msg, qp.done)
	}
}

func (p *RealtimePresence) failQueued(reason *protocol.ErrorInfo) {
	queued := p.queued
	p.queued = nil
	for _, qp := range queued {
		qp.done.resolve(reason)
	}
}

// awaitSync returns a completion resolved once the member set is usable.
func (p *RealtimePresence) awaitSync(waitForSync bool) *completion {
	c := p.channel
	switch c.state {
	case ChannelStateSuspended:
		if waitForSync {
			return resolvedCompletion(protocol.NewErrorInfo(
				protocol.CodePresenceOutOfSync,
				"presence state of channel %q is out of sync while the channel is suspended", c.name,
			))
		}
		return resolvedCompletion(nil)
	case ChannelStateFailed:
		return resolvedCompletion(protocol.NewErrorInfo(
			protocol.CodePresenceInvalidChannelState, "cannot get presence of failed channel %q", c.name,
		))
	case ChannelStateDetaching:
		return resolvedCompletion(protocol.NewErrorInfo(
			protocol.CodePresenceInvalidChannelState, "cannot get presence of channel %q while it is detaching", c.name,
		))
	case ChannelStateInitialized, ChannelStateDetached:
		attaching := c.attach()
		if c.state != ChannelStateAttaching {
			return attaching
		}
	}

	if !waitForSync {
		return resolvedCompletion(nil)
	}
	done := newCompletion()
	p.syncWaiters = append(p.syncWaiters, done)
	p.members.OnSyncComplete(func() { done.resolve(nil) })
	return done
}

func (p *RealtimePresence) failSyncWaiters(reason *protocol.ErrorInfo) {
	waiters := p.syncWaiters
	p.syncWaiters = nil
	for _, done := range waiters {
		done.resolve(reason)
	}
}

func (p *RealtimePresence) onPresence(msg *protocol.ProtocolMessage) {
	msg.PopulateFields()
	for _, member := range msg.Presence {
		p.applyUpdate(member)
	}
}

func (p *RealtimePresence) onSync(msg *protocol.ProtocolMessage) {
	msg.PopulateFields()
	_, cursor := protocol.SyncCursor(msg.ChannelSerial)
	p.members.StartSync()
	for _, member := range msg.Presence {
		p.applyUpdate(member)
	}
	if cursor == "" {
		p.endSync()
	}
}

// applyUpdate merges one incoming member into the map and notifies
// subscribers when it changed the set. Leaves accepted during a SYNC are
// reported when the SYNC ends.
func (p *RealtimePresence) applyUpdate(member *protocol.PresenceMessage) {
	p.trackOwnMember(member)

	var (
		changed bool
		err     error
	)
	switch member.Action {
	case protocol.PresenceEnter, protocol.PresenceUpdate, protocol.PresencePresent:
		changed, err = p.members.Put(member)
	case protocol.PresenceLeave:
		changed, err = p.members.Remove(member)
		if p.members.SyncInProgress() {
			changed = false
		}
	default:
		p.logger.WithField("channel", p.channel.name).Warn("ignoring presence message with action ", member.Action)
		return
	}
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"channel":   p.channel.name,
			"memberKey": member.MemberKey(),
		}).Warn("rejected presence message: ", err)
		return
	}
	if changed {
		p.subscriptions.emit(member.Action, member.Clone())
	}
}

func (p *RealtimePresence) trackOwnMember(member *protocol.PresenceMessage) {
	if member.ConnectionID == "" || member.ConnectionID != p.channel.manager.id {
		return
	}
	if presence.IsSynthesized(member) {
		return
	}
	switch member.Action {
	case protocol.PresenceEnter, protocol.PresenceUpdate, protocol.PresencePresent:
		p.ownMembers[member.ClientID] = member.Clone()
	case protocol.PresenceLeave:
		delete(p.ownMembers, member.ClientID)
	}
}

func (p *RealtimePresence) endSync() {
	p.emitLeaves(p.members.EndSync())
}

// emitLeaves reports synthesized leaves. The sync waiters have already been
// resolved through the map's sync callbacks.
func (p *RealtimePresence) emitLeaves(leaves []*protocol.PresenceMessage) {
	p.syncWaiters = nil
	for _, leave := range leaves {
		p.subscriptions.emit(protocol.PresenceLeave, leave)
	}
}

// onAttached is called after the channel's queued publishes have been
// flushed. Without HAS_PRESENCE the channel has no members, so every known
// member leaves, even those already confirmed by an unfinished SYNC.
func (p *RealtimePresence) onAttached(hasPresence bool, resumed bool) {
	if hasPresence {
		p.members.StartSync()
	} else {
		p.emitLeaves(p.members.Reset())
	}
	p.flushQueued()
	if !resumed {
		p.reenterOwnMembers()
	}
}

// reenterOwnMembers re-enters every member this connection had entered. The
// original message id is kept only when the connection id is unchanged.
func (p *RealtimePresence) reenterOwnMembers() {
	if len(p.ownMembers) == 0 {
		return
	}
	clientIDs := make([]string, 0, len(p.ownMembers))
	for clientID := range p.ownMembers {
		clientIDs = append(clientIDs, clientID)
	}
	sort.Strings(clientIDs)

	connectionID := p.channel.manager.id
	for _, clientID := range clientIDs {
		clientID := clientID
		member := p.ownMembers[clientID]
		msg := &protocol.PresenceMessage{
			Action:   protocol.PresenceEnter,
			ClientID: member.ClientID,
			Data:     member.Data,
			Encoding: member.Encoding,
			Extras:   member.Extras,
		}
		if member.ConnectionID == connectionID {
			msg.ID = member.ID
		}

		done := newCompletion()
		done.then(func(err error) {
			if err == nil {
				return
			}
			reason := protocol.WrapError(protocol.CodePresenceReenterFailed, err)
			reason.Message = "automatic re-enter of " + clientID + " failed: " + err.Error()
			p.logger.WithField("channel", p.channel.name).Warn(reason.Message)
			p.channel.emitUpdate(reason)
		})
		p.transmit(msg, done)
	}
}

func (p *RealtimePresence) onSuspended(reason *protocol.ErrorInfo) {
	p.members.InvalidateSync()
	p.failQueued(reason)
}

func (p *RealtimePresence) onDetached(reason *protocol.ErrorInfo) {
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.CodePresenceInvalidChannelState, "channel %q detached", p.channel.name)
	}
	p.reset(reason)
}

func (p *RealtimePresence) onFailed(reason *protocol.ErrorInfo) {
	p.reset(reason)
}

func (p *RealtimePresence) dispose(reason *protocol.ErrorInfo) {
	p.failQueued(reason)
	p.failSyncWaiters(reason)
}

func (p *RealtimePresence) reset(reason *protocol.ErrorInfo) {
	p.members.Clear()
	p.ownMembers = map[string]*protocol.PresenceMessage{}
	p.failQueued(reason)
	p.failSyncWaiters(reason)
}
