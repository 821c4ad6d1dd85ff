package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_connect_sends_credentials_and_client_options(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) { o.NoEcho = true })
	connectClient(t, client, dialer, "conn-1")

	assert.Equal(t, "conn-1", client.Connection.ID())
	assert.Equal(t, "conn-1!key", client.Connection.Key())

	client2, dialer2 := newTestClient(t, func(o *ClientOptions) { o.NoEcho = true })
	client2.Connection.Connect()
	tr := dialer2.next(t)
	query := tr.url.Query()
	assert.Equal(t, "primary.example:3000", tr.url.Host)
	assert.Equal(t, "ws", tr.url.Scheme)
	assert.Equal(t, "app.key:secret", query.Get("key"))
	assert.Equal(t, "alice", query.Get("clientId"))
	assert.Equal(t, "false", query.Get("echo"))
	assert.Equal(t, DefaultProtocolVersion, query.Get("v"))
	assert.Empty(t, query.Get("resume"))
	assert.NotEmpty(t, tr.header.Get("Authorization"))
}

func Test_messages_are_assigned_serials_in_order_and_acked_together(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	results := make([]chan error, 3)
	for i := range results {
		name := []string{"a", "b", "c"}[i]
		results[i] = asyncResult(func() error { return channel.Publish(context.Background(), name, nil) })
		msg := tr.expect(t, protocol.ActionMessage)
		assert.Equal(t, int64(i), msg.MsgSerial)
		assert.Equal(t, name, msg.Messages[0].Name)
	}

	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 3})
	for _, result := range results {
		assert.NoError(t, awaitResult(t, result))
	}

	// A repeated ACK for the same range is ignored.
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 3})
	result := asyncResult(func() error { return channel.Publish(context.Background(), "d", nil) })
	msg := tr.expect(t, protocol.ActionMessage)
	assert.Equal(t, int64(3), msg.MsgSerial)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 3, Count: 1})
	assert.NoError(t, awaitResult(t, result))
}

func Test_nack_fails_the_covered_messages(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	result := asyncResult(func() error { return channel.Publish(context.Background(), "a", "x") })
	msg := tr.expect(t, protocol.ActionMessage)
	tr.deliver(&protocol.ProtocolMessage{
		Action:    protocol.ActionNack,
		MsgSerial: msg.MsgSerial,
		Count:     1,
		Error:     protocol.NewErrorInfo(protocol.CodeForbidden, "not permitted"),
	})
	assert.Equal(t, protocol.CodeForbidden, protocol.Code(awaitResult(t, result)))
}

func Test_pending_messages_are_resent_with_new_serials_on_a_new_connection(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	acked := make([]chan error, 4)
	for i := range acked {
		acked[i] = asyncResult(func() error { return channel.Publish(context.Background(), "early", nil) })
		tr.expect(t, protocol.ActionMessage)
	}
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 4})
	for _, result := range acked {
		require.NoError(t, awaitResult(t, result))
	}

	pending := asyncResult(func() error { return channel.Publish(context.Background(), "late", nil) })
	msg := tr.expect(t, protocol.ActionMessage)
	require.Equal(t, int64(4), msg.MsgSerial)

	tr.drop()
	reconnected := dialer.next(t)
	assert.Equal(t, "conn-1!key", reconnected.url.Query().Get("resume"))
	reconnected.connected("conn-2")

	resent := reconnected.expect(t, protocol.ActionMessage)
	assert.Equal(t, int64(0), resent.MsgSerial)
	assert.Equal(t, "late", resent.Messages[0].Name)

	// The channel was not resumed, so it attaches again.
	reattach := reconnected.expect(t, protocol.ActionAttach)
	assert.True(t, reattach.HasFlag(protocol.FlagAttachResume))

	reconnected.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 1})
	assert.NoError(t, awaitResult(t, pending))
}

func Test_resumed_connection_keeps_serials_and_attachments(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	pending := asyncResult(func() error { return channel.Publish(context.Background(), "a", nil) })
	tr.expect(t, protocol.ActionMessage)

	tr.drop()
	reconnected := dialer.next(t)
	reconnected.connected("conn-1")

	resent := reconnected.expect(t, protocol.ActionMessage)
	assert.Equal(t, int64(0), resent.MsgSerial)
	reconnected.expectNothing(t)
	assert.Equal(t, ChannelStateAttached, channel.State())

	reconnected.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 1})
	assert.NoError(t, awaitResult(t, pending))
}

func Test_fallback_hosts_are_tried_after_a_transport_failure(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.FallbackHosts = []string{"fallback-a.example", "fallback-b.example"}
	})
	dialer.failHost("primary.example", errors.New("connection refused"))

	client.Connection.Connect()
	tr := dialer.next(t)
	assert.Equal(t, "fallback-a.example", tr.url.Hostname())
	tr.connected("conn-1")
	waitForConnectionState(t, client, ConnectionStateConnected)
	assert.Equal(t, []string{"primary.example", "fallback-a.example"}, dialer.dialedHosts())
}

func Test_fallback_hosts_are_tried_after_a_server_error(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.FallbackHosts = []string{"fallback-a.example"}
	})

	client.Connection.Connect()
	primary := dialer.next(t)
	primary.deliver(&protocol.ProtocolMessage{
		Action: protocol.ActionError,
		Error:  protocol.NewErrorInfo(protocol.CodeInternal, "overloaded"),
	})

	fallback := dialer.next(t)
	assert.Equal(t, "fallback-a.example", fallback.url.Hostname())
	fallback.connected("conn-1")
	waitForConnectionState(t, client, ConnectionStateConnected)
}

func Test_client_errors_on_connect_fail_the_connection(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.FallbackHosts = []string{"fallback-a.example"}
	})
	failed := &collector[ConnectionStateChange]{}
	client.Connection.On(ConnectionEventFailed, failed.add)

	client.Connection.Connect()
	primary := dialer.next(t)
	primary.deliver(&protocol.ProtocolMessage{
		Action: protocol.ActionError,
		Error:  protocol.NewErrorInfo(protocol.CodeUnauthorized, "bad key"),
	})

	changes := failed.waitFor(t, 1)
	assert.Equal(t, protocol.CodeUnauthorized, changes[0].Reason.Code)
	assert.Equal(t, ConnectionStateConnecting, changes[0].Previous)
	assert.Equal(t, []string{"primary.example"}, dialer.dialedHosts())
}

func Test_connection_suspends_after_state_ttl(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) {
		o.ConnectionStateTTL = 200 * time.Millisecond
		o.SuspendedRetryTimeout = time.Hour
	})
	dialer.failHost("primary.example", errors.New("connection refused"))
	disconnected := &collector[ConnectionStateChange]{}
	client.Connection.On(ConnectionEventDisconnected, disconnected.add)

	client.Connection.Connect()
	changes := disconnected.waitFor(t, 1)
	assert.Equal(t, protocol.CodeConnectionFailed, changes[0].Reason.Code)
	assert.Greater(t, changes[0].RetryIn, time.Duration(0))

	waitForConnectionState(t, client, ConnectionStateSuspended)
	assert.Equal(t, protocol.CodeConnectionSuspended, client.Connection.ErrorReason().Code)

	channel := client.Channels.Get("room")
	err := channel.Attach(context.Background())
	assert.Equal(t, protocol.CodeConnectionSuspended, protocol.Code(err))
}

func Test_messages_queue_until_connected(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	channel := client.Channels.Get("room")

	result := asyncResult(func() error { return channel.Publish(context.Background(), "queued", nil) })
	require.Eventually(t, func() bool { return channel.State() == ChannelStateAttaching }, waitTimeout, 5*time.Millisecond)

	tr := connectClient(t, client, dialer, "conn-1")
	tr.expect(t, protocol.ActionAttach)
	tr.expectNothing(t)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: "room"})

	msg := tr.expect(t, protocol.ActionMessage)
	assert.Equal(t, int64(0), msg.MsgSerial)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: 0, Count: 1})
	assert.NoError(t, awaitResult(t, result))
}

func Test_no_queueing_fails_publishes_while_disconnected(t *testing.T) {
	client, _ := newTestClient(t, func(o *ClientOptions) { o.NoQueueing = true })
	channel := client.Channels.Get("room")

	err := channel.Publish(context.Background(), "dropped", nil)
	assert.Equal(t, protocol.CodeDisconnected, protocol.Code(err))
}

func Test_ping_waits_for_matching_heartbeat(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")

	result := make(chan time.Duration, 1)
	go func() {
		rtt, err := client.Connection.Ping(context.Background())
		if err == nil {
			result <- rtt
		}
		close(result)
	}()

	heartbeat := tr.expect(t, protocol.ActionHeartbeat)
	require.NotEmpty(t, heartbeat.ID)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: "unrelated"})
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: heartbeat.ID})

	select {
	case rtt, ok := <-result:
		require.True(t, ok, "ping failed")
		assert.GreaterOrEqual(t, rtt, time.Duration(0))
	case <-time.After(waitTimeout):
		t.Fatal("ping did not complete")
	}
}

func Test_ping_fails_when_not_connected(t *testing.T) {
	client, _ := newTestClient(t, nil)
	_, err := client.Connection.Ping(context.Background())
	assert.Equal(t, protocol.CodeDisconnected, protocol.Code(err))
}

func Test_close_fails_pending_messages_and_detaches_channels(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	tr := connectClient(t, client, dialer, "conn-1")
	channel := client.Channels.Get("room")
	attachChannel(t, channel, tr, 0)

	pending := asyncResult(func() error { return channel.Publish(context.Background(), "a", nil) })
	tr.expect(t, protocol.ActionMessage)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, client.Close(ctx))

	assert.Equal(t, protocol.CodeConnectionClosed, protocol.Code(awaitResult(t, pending)))
	assert.Equal(t, ConnectionStateClosed, client.Connection.State())
	assert.Equal(t, ChannelStateDetached, channel.State())
	assert.Eventually(t, tr.isClosed, waitTimeout, 5*time.Millisecond)

	err := channel.Attach(context.Background())
	assert.Equal(t, protocol.CodeConnectionClosed, protocol.Code(err))
}

func Test_recovery_key_round_trips(t *testing.T) {
	key, serial, err := parseRecoveryKey("conn-1!abc:17")
	require.NoError(t, err)
	assert.Equal(t, "conn-1!abc", key)
	assert.Equal(t, int64(17), serial)

	_, _, err = parseRecoveryKey("no-serial")
	assert.Error(t, err)
	_, _, err = parseRecoveryKey("key:x")
	assert.Error(t, err)
}

func Test_recover_option_is_sent_on_first_connect(t *testing.T) {
	client, dialer := newTestClient(t, func(o *ClientOptions) { o.Recover = "conn-0!abc:5" })
	client.Connection.Connect()
	tr := dialer.next(t)
	assert.Equal(t, "conn-0!abc", tr.url.Query().Get("recover"))
	tr.connected("conn-0")
	waitForConnectionState(t, client, ConnectionStateConnected)
	assert.Equal(t, "conn-0!key:5", client.Connection.RecoveryKey())
}

func Test_wildcard_client_id_is_rejected(t *testing.T) {
	_, err := NewRealtime(&ClientOptions{Key: "app.key:secret", ClientID: "*"}, createLogger())
	assert.Equal(t, protocol.CodeInvalidClientID, protocol.Code(err))

	_, err = NewRealtime(&ClientOptions{}, createLogger())
	assert.Equal(t, protocol.CodeForbidden, protocol.Code(err))
}

func Test_once_all_connection_listener_fires_a_single_time(t *testing.T) {
	client, dialer := newTestClient(t, nil)
	changes := &collector[ConnectionStateChange]{}
	client.Connection.OnceAll(changes.add)
	all := &collector[ConnectionStateChange]{}
	client.Connection.OnAll(all.add)

	connectClient(t, client, dialer, "conn-1")
	all.waitFor(t, 2)
	received := changes.snapshot()
	require.Len(t, received, 1)
	assert.Equal(t, ConnectionStateConnecting, received[0].Current)
}
