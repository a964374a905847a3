package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Channels is the append-only registry of a client's channels.
type Channels struct {
	client *Realtime

	lock   sync.Mutex
	byName map[string]*Channel
	order  []*Channel
}

func newChannels(client *Realtime) *Channels {
	return &Channels{client: client, byName: make(map[string]*Channel)}
}

// Get returns the channel called name, creating it on first reference.
func (channels *Channels) Get(name string) *Channel {
	channels.lock.Lock()
	defer channels.lock.Unlock()

	if channel, exists := channels.byName[name]; exists {
		return channel
	}
	channel := newChannel(channels.client, name)
	channels.byName[name] = channel
	channels.order = append(channels.order, channel)
	return channel
}

// Exists reports whether name has been referenced.
func (channels *Channels) Exists(name string) bool {
	channels.lock.Lock()
	defer channels.lock.Unlock()
	_, exists := channels.byName[name]
	return exists
}

// Names returns channel names in creation order.
func (channels *Channels) Names() []string {
	channels.lock.Lock()
	defer channels.lock.Unlock()
	names := make([]string, 0, len(channels.order))
	for _, channel := range channels.order {
		names = append(names, channel.name)
	}
	return names
}

func (channels *Channels) snapshot() []*Channel {
	channels.lock.Lock()
	defer channels.lock.Unlock()
	return append([]*Channel(nil), channels.order...)
}

func (channels *Channels) lookup(name string) *Channel {
	channels.lock.Lock()
	defer channels.lock.Unlock()
	return channels.byName[name]
}

// route hands a channel scoped frame to its channel.
func (channels *Channels) route(message *ProtocolMessage) {
	channel := channels.lookup(message.Channel)
	if channel == nil {
		channels.client.logger.Warn("frame for unknown channel",
			zap.String("channel", message.Channel), zap.Stringer("action", message.Action))
		channels.client.metrics.inconsistencies.WithLabelValues("unknown_channel").Inc()
		return
	}
	channel.onProtocolMessage(message)
}

func (channels *Channels) onConnectionStateChange(change ConnectionStateChange) {
	for _, channel := range channels.snapshot() {
		channel.onConnectionStateChange(change)
	}
}
