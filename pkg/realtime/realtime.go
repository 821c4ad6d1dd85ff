package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/fr3shw3b/realtime-client/pkg/auth"
	"github.com/sirupsen/logrus"
)

// Realtime is a realtime client: one connection and the channels
// multiplexed over it.
type Realtime struct {
	Connection *Connection
	Channels   *Channels

	auth       auth.Provider
	manager    *connectionManager
	loop       *eventLoop
	dispatcher *eventLoop
	logger     *logrus.Logger
	closeOnce  sync.Once
}

// NewRealtime creates a client and, unless NoAutoConnect is set, starts
// connecting straight away. The options are copied.
func NewRealtime(options *ClientOptions, logger *logrus.Logger) (*Realtime, error) {
	if options == nil {
		return nil, errors.New("client options are required")
	}
	if logger == nil {
		logger = discardLogger()
	}

	opts := *options
	opts.FallbackHosts = append([]string(nil), options.FallbackHosts...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults(logger)
	provider, err := opts.authProvider()
	if err != nil {
		return nil, err
	}

	loop := newEventLoop("protocol", logger)
	dispatcher := newEventLoop("dispatcher", logger)
	manager := newConnectionManager(&opts, provider, loop, dispatcher, logger)
	channels := newChannels(manager, dispatcher, logger)
	manager.observer = channels

	client := &Realtime{
		Connection: &Connection{manager: manager},
		Channels:   channels,
		auth:       provider,
		manager:    manager,
		loop:       loop,
		dispatcher: dispatcher,
		logger:     logger,
	}
	if !opts.NoAutoConnect {
		client.Connection.Connect()
	}
	return client, nil
}

// Auth returns the provider used to authenticate the connection.
func (r *Realtime) Auth() auth.Provider {
	return r.auth
}

// Close closes the connection gracefully, waiting for CLOSED until ctx ends,
// then releases every resource held by the client. Pending operations fail
// with a closed error. Close must not be called from a listener.
func (r *Realtime) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		closed := make(chan struct{})
		var signal sync.Once
		onTerminal := func(ConnectionStateChange) { signal.Do(func() { close(closed) }) }
		offClosed := r.manager.events.on(ConnectionEventClosed, onTerminal)
		offFailed := r.manager.events.on(ConnectionEventFailed, onTerminal)
		defer offClosed()
		defer offFailed()

		err := r.loop.call(func() {
			switch r.manager.state {
			case ConnectionStateInitialized, ConnectionStateClosed, ConnectionStateFailed:
				signal.Do(func() { close(closed) })
			default:
				r.manager.close()
			}
		})
		if err == nil {
			select {
			case <-closed:
			case <-ctx.Done():
				closeErr = ctx.Err()
			}
		}

		reason := errClientClosed()
		_ = r.loop.call(func() {
			r.manager.dispose()
			r.Channels.dispose(reason)
		})
		r.loop.stop()
		r.loop.wait()
		r.dispatcher.stop()
		r.dispatcher.wait()
		r.logger.Debug("realtime client closed")
	})
	return closeErr
}
