// Package pubsub defines the messaging contract the core depends on,
// independent of which transport backs it. The concrete Redis adapter
// lives in pubsub/redis.
package pubsub

import (
	"context"
	"strconv"
)

// MessageHandler is invoked for every message received on a subscribed
// channel. channel is the channel the message arrived on; payload is the
// raw message body.
type MessageHandler func(channel, payload string)

// Publisher sends fire-and-forget, best-effort messages.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber maintains a persistent subscription, invoking handler for
// every message received until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
}

// Channel name constants, bit-exact across every adapter.
const (
	// ChannelCommands is where inbound add/remove/replace commands arrive.
	ChannelCommands = "aggregator"
	// ChannelErrors carries outbound error envelopes.
	ChannelErrors = "aggregator-errors"
	// ChannelStatus carries shutdown/status notices.
	ChannelStatus = "aggregator-status"
)

// ItemChannel returns the per-category channel name new items publish to.
func ItemChannel(category uint) string {
	return "feed:wire:" + strconv.FormatUint(uint64(category), 10)
}
