package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var errDropped = errors.New("connection dropped")

// fakeTransport records what the client sends and lets a test play the
// server by delivering frames to the client's listener.
type fakeTransport struct {
	url      *url.URL
	header   http.Header
	listener transport.Listener
	sent     chan *protocol.ProtocolMessage

	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) Send(msg *protocol.ProtocolMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrDisposed
	}
	if msg.Action == protocol.ActionClose {
		t.listener.OnMessage(&protocol.ProtocolMessage{Action: protocol.ActionClosed})
		return nil
	}
	t.sent <- msg
	return nil
}

func (t *fakeTransport) Dispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) deliver(msg *protocol.ProtocolMessage) {
	t.listener.OnMessage(msg)
}

func (t *fakeTransport) drop() {
	t.listener.OnClosed(errDropped)
}

// next returns the next frame sent by the client.
func (t *fakeTransport) next(tb testing.TB) *protocol.ProtocolMessage {
	tb.Helper()
	select {
	case msg := <-t.sent:
		return msg
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for the client to send a frame")
		return nil
	}
}

// expect returns the next frame and checks its action.
func (t *fakeTransport) expect(tb testing.TB, action protocol.Action) *protocol.ProtocolMessage {
	tb.Helper()
	msg := t.next(tb)
	require.Equal(tb, action, msg.Action, "unexpected frame %+v", msg)
	return msg
}

// expectNothing checks that the client sends nothing for a short while.
func (t *fakeTransport) expectNothing(tb testing.TB) {
	tb.Helper()
	select {
	case msg := <-t.sent:
		tb.Fatalf("unexpected frame %s on channel %q", msg.Action, msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func (t *fakeTransport) connected(connectionID string) {
	t.deliver(&protocol.ProtocolMessage{
		Action:       protocol.ActionConnected,
		ConnectionID: connectionID,
		ConnectionDetails: &protocol.ConnectionDetails{
			ConnectionKey: connectionID + "!key",
		},
	})
}

type fakeDialer struct {
	mu sync.Mutex
	// failHosts maps a host to the error its dial returns.
	failHosts map[string]error
	dialed    []string
	dials     chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		failHosts: map[string]error{},
		dials:     make(chan *fakeTransport, 20),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header, listener transport.Listener) (transport.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dialed = append(d.dialed, u.Hostname())
	failure := d.failHosts[u.Hostname()]
	d.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	tr := &fakeTransport{
		url:      u,
		header:   header,
		listener: listener,
		sent:     make(chan *protocol.ProtocolMessage, 100),
	}
	d.dials <- tr
	return tr, nil
}

func (d *fakeDialer) failHost(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failHosts[host] = err
}

func (d *fakeDialer) dialedHosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// next returns the transport of the next successful dial.
func (d *fakeDialer) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case tr := <-d.dials:
		return tr
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for the client to dial")
		return nil
	}
}

func testOptions(dialer transport.Dialer) *ClientOptions {
	return &ClientOptions{
		Key:                      "app.key:secret",
		ClientID:                 "alice",
		RealtimeHost:             "primary.example",
		Dialer:                   dialer,
		NoAutoConnect:            true,
		RealtimeRequestTimeout:   time.Second,
		DisconnectedRetryTimeout: 50 * time.Millisecond,
		SuspendedRetryTimeout:    100 * time.Millisecond,
		ChannelRetryTimeout:      100 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, configure func(*ClientOptions)) (*Realtime, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	options := testOptions(dialer)
	if configure != nil {
		configure(options)
	}
	client, err := NewRealtime(options, createLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctx)
	})
	return client, dialer
}

// connectClient connects the client through the fake dialer and returns
// the transport that reached CONNECTED.
func connectClient(t *testing.T, client *Realtime, dialer *fakeDialer, connectionID string) *fakeTransport {
	t.Helper()
	client.Connection.Connect()
	tr := dialer.next(t)
	tr.connected(connectionID)
	waitForConnectionState(t, client, ConnectionStateConnected)
	return tr
}

// attachChannel attaches a channel and answers its ATTACH with flags.
func attachChannel(t *testing.T, channel *RealtimeChannel, tr *fakeTransport, flags protocol.Flag) {
	t.Helper()
	result := asyncResult(func() error { return channel.Attach(context.Background()) })
	attach := tr.expect(t, protocol.ActionAttach)
	require.Equal(t, channel.Name(), attach.Channel)
	tr.deliver(&protocol.ProtocolMessage{Action: protocol.ActionAttached, Channel: channel.Name(), Flags: flags})
	require.NoError(t, awaitResult(t, result))
}

func waitForConnectionState(t *testing.T, client *Realtime, state ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return client.Connection.State() == state },
		waitTimeout, 5*time.Millisecond, "connection never reached %s, is %s", state, client.Connection.State())
}

func waitForChannelState(t *testing.T, channel *RealtimeChannel, state ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool { return channel.State() == state },
		waitTimeout, 5*time.Millisecond, "channel never reached %s, is %s", state, channel.State())
}

func asyncResult(fn func() error) chan error {
	result := make(chan error, 1)
	go func() { result <- fn() }()
	return result
}

func awaitResult(t *testing.T, result chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for operation result")
		return nil
	}
}

// collector gathers values delivered to listeners on the dispatcher loop.
type collector[V any] struct {
	mu     sync.Mutex
	values []V
}

func (c *collector[V]) add(value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
}

func (c *collector[V]) snapshot() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]V(nil), c.values...)
}

func (c *collector[V]) waitFor(t *testing.T, count int) []V {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= count },
		waitTimeout, 5*time.Millisecond, "expected %d values, got %d", count, len(c.snapshot()))
	return c.snapshot()
}

func createLogger() *logrus.Logger {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(customFormatter)
	return logger
}
