package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_attach_emits_state_changes_and_records_modes(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	changes := &collector[ChannelStateChange]{}
	channel.OnAll(changes.add)

	attachChannel(t, channel, tr, protocol.FlagPublish|protocol.FlagSubscribe)

	received := changes.waitFor(t, 2)
	assert.Equal(t, ChannelEventAttaching, received[0].Event)
	assert.Equal(t, ChannelStateInitialized, received[0].Previous)
	assert.Equal(t, ChannelEventAttached, received[1].Event)
	assert.Equal(t, ChannelStateAttaching, received[1].Previous)
	assert.Equal(t, []protocol.ChannelMode{protocol.ModePublish, protocol.ModeSubscribe}, channel.Modes())

	// Attaching an attached channel is a no-op.
	require.NoError(t, channel.Attach(context.Background()))
	tr.expectNothing(t)
}

func Test_concurrent_attaches_share_one_request(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	first := asyncResult(func() error { return channel.Attach(context.Background()) })
	tr.expect(t, protocol.ActionAttach)
	second := asyncResult(func() error { return channel.Attach(context.Background()) })
	tr.expectNothing(t)

	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	assert.NoError(t, awaitResult(t, first))
	assert.NoError(t, awaitResult(t, second))
}

func Test_attach_timeout_suspends_and_retries(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.RealtimeRequestTimeout = 100 * time.Millisecond
		o.ChannelRetryTimeout = 100 * time.Millisecond
	})
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	err := channel.Attach(context.Background())
	assert.Equal(t, protocol.CodeChannelOperationNoResponse, protocol.Code(err))
	assert.Equal(t, ChannelStateSuspended, channel.State())
	tr.expect(t, protocol.ActionAttach)

	retry := tr.expect(t, protocol.ActionAttach)
	assert.Equal(t, "room", retry.Channel)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	waitForChannelState(t, channel, ChannelStateAttached)
}

func Test_detach_round_trip(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	result := asyncResult(func() error { return channel.Detach(context.Background()) })
	tr.expect(t, protocol.ActionDetach)
	waitForChannelState(t, channel, ChannelStateDetaching)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionDetached, Channel: "room"})
	assert.NoError(t, awaitResult(t, result))
	assert.Equal(t, ChannelStateDetached, channel.State())

	require.NoError(t, channel.Detach(context.Background()))
	tr.expectNothing(t)
}

func Test_detach_timeout_restores_previous_state(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) { o.RealtimeRequestTimeout = 100 * time.Millisecond })
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	err := channel.Detach(context.Background())
	assert.Equal(t, protocol.CodeChannelOperationNoResponse, protocol.Code(err))
	assert.Equal(t, ChannelStateAttached, channel.State())
	assert.Equal(t, protocol.CodeChannelOperationNoResponse, channel.ErrorReason().Code)
}

func Test_detach_timeout_after_superseded_attach_suspends(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.RealtimeRequestTimeout = 100 * time.Millisecond
		o.ChannelRetryTimeout = 300 * time.Millisecond
	})
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	attaching := asyncResult(func() error { return channel.Attach(context.Background()) })
	tr.expect(t, protocol.ActionAttach)
	detaching := asyncResult(func() error { return channel.Detach(context.Background()) })
	tr.expect(t, protocol.ActionDetach)

	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(awaitResult(t, attaching)))
	assert.Equal(t, protocol.CodeChannelOperationNoResponse, protocol.Code(awaitResult(t, detaching)))
	assert.Equal(t, ChannelStateSuspended, channel.State())

	err := channel.Publish(context.Background(), "chat", "hi")
	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(err))

	tr.expect(t, protocol.ActionAttach)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	waitForChannelState(t, channel, ChannelStateAttached)
}

func Test_once_all_channel_listener_fires_a_single_time(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	changes := &collector[ChannelStateChange]{}
	channel.OnceAll(changes.add)
	all := &collector[ChannelStateChange]{}
	channel.OnAll(all.add)
	attachChannel(t, channel, tr, 0)

	all.waitFor(t, 2)
	received := changes.snapshot()
	require.Len(t, received, 1)
	assert.Equal(t, ChannelStateAttaching, received[0].Current)
}

func Test_attach_supersedes_pending_detach(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	detaching := asyncResult(func() error { return channel.Detach(context.Background()) })
	tr.expect(t, protocol.ActionDetach)

	attaching := asyncResult(func() error { return channel.Attach(context.Background()) })
	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(awaitResult(t, detaching)))
	tr.expect(t, protocol.ActionAttach)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	assert.NoError(t, awaitResult(t, attaching))
}

func Test_server_detach_triggers_reattach(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	tr.deliver(&protocol.ProtocolMessage{
		Action:  protocol.ActionDetached,
		Channel: "room",
		Error:   protocol.NewErrorInfo(protocol.CodeInternal, "moved"),
	})
	attach := tr.expect(t, protocol.ActionAttach)
	assert.True(t, attach.HasFlag(protocol.FlagAttachResume))
	assert.Equal(t, ChannelStateAttaching, channel.State())
	assert.Equal(t, protocol.CodeInternal, channel.ErrorReason().Code)

	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	waitForChannelState(t, channel, ChannelStateAttached)
}

func Test_channel_error_fails_channel_and_queued_publishes(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	publish := asyncResult(func() error { return channel.Publish(context.Background(), "a", nil) })
	tr.expect(t, protocol.ActionAttach)
	tr.deliver(&protocol.ProtocolMessage{
		Action:  protocol.ActionError,
		Channel: "room",
		Error:   protocol.NewErrorInfo(protocol.CodeForbidden, "no access"),
	})

	assert.Equal(t, protocol.CodeForbidden, protocol.Code(awaitResult(t, publish)))
	waitForChannelState(t, channel, ChannelStateFailed)
	assert.Equal(t, ConnectionStateConnected, client.Connection.State())

	err := channel.Publish(context.Background(), "b", nil)
	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(err))
	err = channel.Detach(context.Background())
	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(err))
}

func Test_publish_rejects_mismatched_client_id(t *testing.T) {
	client, _ := newTestClient(t, nil)
	channel := client.Channels.Get("room")

	err := channel.PublishMessages(context.Background(), &protocol.Message{Name: "a", ClientID: "mallory"})
	assert.Equal(t, protocol.CodeInvalidClientID, protocol.Code(err))
	err = channel.PublishMessages(context.Background(), &protocol.Message{Name: "a", ClientID: "*"})
	assert.Equal(t, protocol.CodeInvalidClientID, protocol.Code(err))
	assert.Equal(t, ChannelStateInitialized, channel.State())
}

func Test_subscribers_receive_messages_by_name(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")

	named := &collector[*protocol.Message]{}
	all := &collector[*protocol.Message]{}
	subscribed := asyncResult(func() error {
		_, err := channel.Subscribe(context.Background(), "greeting", named.add)
		return err
	})
	tr.expect(t, protocol.ActionAttach)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	require.NoError(t, awaitResult(t, subscribed))
	_, err := channel.SubscribeAll(context.Background(), all.add)
	require.NoError(t, err)

	tr.deliver(&protocol.ProtocolMessage{
		Action:       protocol.ActionMessage,
		Channel:      "room",
		ID:           "conn-9:3",
		ConnectionID: "conn-9",
		Timestamp:    1700,
		Messages: []*protocol.Message{
			{Name: "greeting", Data: "hello"},
			{Name: "farewell", Data: "bye"},
		},
	})

	received := all.waitFor(t, 2)
	assert.Equal(t, "greeting", received[0].Name)
	assert.Equal(t, "farewell", received[1].Name)
	assert.Equal(t, "conn-9:3:1", received[1].ID)
	assert.Equal(t, int64(1700), received[1].Timestamp)

	greetings := named.waitFor(t, 1)
	require.Len(t, greetings, 1)
	assert.Equal(t, "hello", greetings[0].Data)

	channel.Unsubscribe()
	tr.deliver(&protocol.ProtocolMessage{
		Action:   protocol.ActionMessage,
		Channel:  "room",
		Messages: []*protocol.Message{{Name: "greeting"}},
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, named.snapshot(), 1)
}

func Test_set_options_reattaches_with_new_modes(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	options := &ChannelOptions{
		Modes:  []protocol.ChannelMode{protocol.ModeSubscribe},
		Params: map[string]string{"rewind": "1"},
	}
	result := asyncResult(func() error { return channel.SetOptions(context.Background(), options) })
	attach := tr.expect(t, protocol.ActionAttach)
	assert.True(t, attach.HasFlag(protocol.FlagSubscribe))
	assert.False(t, attach.HasFlag(protocol.FlagPublish))
	assert.Equal(t, "1", attach.Params["rewind"])
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room", Flags: protocol.FlagSubscribe})
	require.NoError(t, awaitResult(t, result))

	require.NoError(t, channel.SetOptions(context.Background(), &ChannelOptions{
		Modes:  []protocol.ChannelMode{protocol.ModeSubscribe},
		Params: map[string]string{"rewind": "1"},
	}))
	tr.expectNothing(t)

	err := channel.SetOptions(context.Background(), &ChannelOptions{Modes: []protocol.ChannelMode{"HISTORY"}})
	assert.Equal(t, protocol.CodeBadRequest, protocol.Code(err))
}

func Test_connection_suspension_suspends_attached_channels(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.ConnectionStateTTL = 150 * time.Millisecond
		o.SuspendedRetryTimeout = 200 * time.Millisecond
	})
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	dialer.failHost("primary.example", errDropped)
	tr.drop()
	waitForChannelState(t, channel, ChannelStateSuspended)
	assert.Equal(t, protocol.CodeConnectionSuspended, channel.ErrorReason().Code)

	err := channel.Publish(context.Background(), "a", nil)
	assert.Equal(t, protocol.CodeChannelInvalidState, protocol.Code(err))

	dialer.failHost("primary.example", nil)
	reconnected := dialer.next(t)
	reconnected.connected("conn-2")
	attach := reconnected.expect(t, protocol.ActionAttach)
	assert.True(t, attach.HasFlag(protocol.FlagAttachResume))
	reconnected.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})
	waitForChannelState(t, channel, ChannelStateAttached)
}

func Test_release_detaches_and_forgets_channel(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)
	client.Channels.Get("alpha")

	names := []string{}
	for _, c := range client.Channels.Iterate() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"alpha", "room"}, names)

	result := asyncResult(func() error { return client.Channels.Release(context.Background(), "room") })
	tr.expect(t, protocol.ActionDetach)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionDetached, Channel: "room"})
	require.NoError(t, awaitResult(t, result))

	assert.False(t, client.Channels.Exists("room"))
	assert.True(t, client.Channels.Exists("alpha"))
	assert.NotSame(t, channel, client.Channels.Get("room"))
	assert.NoError(t, client.Channels.Release(context.Background(), "missing"))
}
