package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Channels is the registry of named channels. Channels are created on first
// Get and live until released.
type Channels struct {
	manager    *connectionManager
	dispatcher *eventLoop
	logger     *logrus.Logger

	mu       sync.RWMutex
	channels map[string]*RealtimeChannel
}

func newChannels(manager *connectionManager, dispatcher *eventLoop, logger *logrus.Logger) *Channels {
	return &Channels{
		manager:    manager,
		dispatcher: dispatcher,
		logger:     logger,
		channels:   map[string]*RealtimeChannel{},
	}
}

// Get returns the channel with the given name, creating it if needed.
func (c *Channels) Get(name string) *RealtimeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel, ok := c.channels[name]
	if !ok {
		channel = newRealtimeChannel(name, c.manager, c.dispatcher, c.logger)
		c.channels[name] = channel
	}
	return channel
}

// GetWithOptions returns the named channel and applies options to it. An
// attached channel re-attaches when the options change its params or modes.
func (c *Channels) GetWithOptions(ctx context.Context, name string, options *ChannelOptions) (*RealtimeChannel, error) {
	channel := c.Get(name)
	if err := channel.SetOptions(ctx, options); err != nil {
		return nil, err
	}
	return channel, nil
}

// Exists reports whether the channel has been created.
func (c *Channels) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[name]
	return ok
}

// Iterate returns every channel, ordered by name.
func (c *Channels) Iterate() []*RealtimeChannel {
	c.mu.RLock()
	channels := make([]*RealtimeChannel, 0, len(c.channels))
	for _, channel := range c.channels {
		channels = append(channels, channel)
	}
	c.mu.RUnlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i].name < channels[j].name })
	return channels
}

// Release detaches the channel and removes it from the registry. Listeners
// registered on it are dropped.
func (c *Channels) Release(ctx context.Context, name string) error {
	c.mu.RLock()
	channel, ok := c.channels[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := channel.Detach(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.channels, name)
	c.mu.Unlock()
	channel.offAll()
	return nil
}

func (c *Channels) onConnectionStateChange(change ConnectionStateChange, resumed bool) {
	for _, channel := range c.Iterate() {
		channel.onConnectionStateChange(change, resumed)
	}
}

func (c *Channels) onChannelMessage(msg *protocol.ProtocolMessage) {
	c.mu.RLock()
	channel, ok := c.channels[msg.Channel]
	c.mu.RUnlock()
	if !ok {
		c.logger.WithField("channel", msg.Channel).Warn("received ", msg.Action, " for unknown channel")
		return
	}
	channel.onMessage(msg)
}

func (c *Channels) dispose(reason *protocol.ErrorInfo) {
	for _, channel := range c.Iterate() {
		channel.dispose(reason)
	}
}
