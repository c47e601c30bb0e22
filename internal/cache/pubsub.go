package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Publish publishes payload to channel. Failures are logged and swallowed:
// a publish happens after its triggering DB commit and must never roll
// that commit back or block the caller.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.warnOnFailure("publish:"+channel, err)
	}
}

// Message is one pub/sub delivery handed to a Subscriber's callback.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber listens on a fixed channel list and auto-reconnects on any
// transport error with exponential backoff, replaying its channel list on
// reconnect. Messages published during an outage are not replayed —
// consumers must tolerate drop.
type Subscriber struct {
	client   *Client
	channels []string
	pattern  bool
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
}

// NewSubscriber creates a Subscriber bound to the given channels.
func (c *Client) NewSubscriber(channels []string, logger *slog.Logger) *Subscriber {
	return newSubscriber(c, channels, false, logger)
}

// NewPatternSubscriber creates a Subscriber bound to the given PSUBSCRIBE
// glob patterns (e.g. "execution:*", "user:*", "event_source:*") instead of
// a fixed channel list — for a broadcast hub whose topic set changes as
// clients subscribe and unsubscribe, a handful of stable prefix patterns
// avoid resubscribing on every topic change.
func (c *Client) NewPatternSubscriber(patterns []string, logger *slog.Logger) *Subscriber {
	return newSubscriber(c, patterns, true, logger)
}

func newSubscriber(c *Client, channels []string, pattern bool, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-pubsub",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Subscriber{client: c, channels: channels, pattern: pattern, logger: logger, breaker: cb}
}

// Run subscribes and invokes handle for every message until ctx is
// cancelled. On any subscription error it backs off exponentially (capped
// at 30s) and resubscribes to the full channel list.
func (s *Subscriber) Run(ctx context.Context, handle func(Message)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.runOnce(ctx, handle, func() { backoff = time.Second })
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("pubsub connection lost, reconnecting",
				"error", err, "backoff", backoff, "channels", s.channels)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, handle func(Message), onSubscribed func()) error {
	var pubsub *redis.PubSub
	if s.pattern {
		pubsub = s.client.rdb.PSubscribe(ctx, s.channels...)
	} else {
		pubsub = s.client.rdb.Subscribe(ctx, s.channels...)
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	// A successful (re)subscribe resets the backoff for the next outage.
	onSubscribed()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			handle(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}
}
