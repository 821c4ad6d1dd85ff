package realtime

import (
	"context"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
)

// Connection is the public handle on the realtime connection.
type Connection struct {
	manager *connectionManager
}

// Connect opens the connection, or reopens it after CLOSED or FAILED.
func (c *Connection) Connect() {
	c.manager.loop.post(c.manager.connect)
}

// Close starts a graceful close. Watch for ConnectionEventClosed to know
// when it has finished.
func (c *Connection) Close() {
	c.manager.loop.post(c.manager.close)
}

// Ping sends a heartbeat and waits for the matching response.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	done := newCompletion()
	started := time.Now()
	if err := c.manager.loop.call(func() { c.manager.ping(done) }); err != nil {
		return 0, err
	}
	if err := done.wait(ctx); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

func (c *Connection) State() ConnectionState {
	return c.manager.currentSnapshot().state
}

// ID is the server-assigned connection id, empty until first connected.
func (c *Connection) ID() string {
	return c.manager.currentSnapshot().id
}

// Key is the current resumption token.
func (c *Connection) Key() string {
	return c.manager.currentSnapshot().key
}

// ErrorReason is the error that caused the latest state change, if any.
func (c *Connection) ErrorReason() *protocol.ErrorInfo {
	return c.manager.currentSnapshot().errorReason
}

// RecoveryKey can be passed as ClientOptions.Recover to another client to
// take over this connection's identity and message serial.
func (c *Connection) RecoveryKey() string {
	return c.manager.recoveryKey()
}

// On registers a listener for one event. The returned func removes it.
func (c *Connection) On(event ConnectionEvent, fn func(ConnectionStateChange)) func() {
	return c.manager.events.on(event, fn)
}

// Once registers a listener called at most once.
func (c *Connection) Once(event ConnectionEvent, fn func(ConnectionStateChange)) func() {
	return c.manager.events.once(event, fn)
}

// OnAll registers a listener for every event.
func (c *Connection) OnAll(fn func(ConnectionStateChange)) func() {
	return c.manager.events.onAll(fn)
}

// OnceAll registers a listener called once for the next event of any kind.
func (c *Connection) OnceAll(fn func(ConnectionStateChange)) func() {
	return c.manager.events.onceAll(fn)
}

// OffAll removes every connection listener.
func (c *Connection) OffAll() {
	c.manager.events.offAll()
}
