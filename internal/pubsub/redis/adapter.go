// Package redis implements the messaging contract (pubsub.Publisher and
// pubsub.Subscriber) over go-redis/v9.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/linkedin-agent/feedworker/internal/pubsub"
	"github.com/linkedin-agent/feedworker/pkg/logger"
)

// Adapter wraps two distinct Redis clients: one used only for publishing,
// one used only for the persistent command subscription. Keeping them
// separate matches the requirement that the publisher and subscriber
// connections never share a single multiplexed connection.
type Adapter struct {
	pubClient *goredis.Client
	subClient *goredis.Client
	log       *logger.Logger
}

var (
	_ pubsub.Publisher  = (*Adapter)(nil)
	_ pubsub.Subscriber = (*Adapter)(nil)
)

// New creates two independent clients for addr. go-redis connects lazily,
// so nothing is dialled until the first command (see Ping).
func New(addr, password string, db int, log *logger.Logger) *Adapter {
	opts := &goredis.Options{Addr: addr, Password: password, DB: db}
	return &Adapter{
		pubClient: goredis.NewClient(opts),
		subClient: goredis.NewClient(opts),
		log:       log.WithComponent("pubsub.redis"),
	}
}

// Publish sends payload to channel, best-effort.
func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := a.pubClient.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe maintains a persistent subscription on channel until ctx is
// cancelled, invoking handler for every message received.
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler pubsub.MessageHandler) error {
	sub := a.subClient.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Channel, msg.Payload)
		}
	}
}

// Close closes both underlying connections.
func (a *Adapter) Close() error {
	pubErr := a.pubClient.Close()
	subErr := a.subClient.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Ping verifies connectivity to Redis, used at worker startup so a
// misconfigured transport surfaces as a redis_error immediately rather
// than on the first publish deep inside a pipeline run.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.pubClient.Ping(ctx).Err()
}
