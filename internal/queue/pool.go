// Package queue provides the RabbitMQ connection/channel pooling, broker
// topology declaration, and publish helper the execution fabric's queue and
// worker components share.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionPool holds up to max long-lived AMQP connections. Consumers
// acquire a dedicated connection for their lifetime (Dedicated); publishers
// use the short-lived Acquire/Release pattern since a connection safely
// supports many concurrent channels for one-shot publishes.
type ConnectionPool struct {
	url    string
	max    int
	logger *slog.Logger

	mu    sync.Mutex
	conns []*amqp.Connection
	next  int
}

// NewConnectionPool dials nothing yet; connections are opened lazily on
// first acquire so a pool can be constructed before the broker is reachable.
func NewConnectionPool(url string, max int, logger *slog.Logger) *ConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	if max < 1 {
		max = 1
	}
	return &ConnectionPool{url: url, max: max, logger: logger}
}

// Acquire returns a live connection from the pool, taking pooled
// connections in turn. A new connection is dialled only when none of the
// pooled ones is live, so in practice the pool holds one live connection at
// a time and max does not lead to more; callers must not close the
// returned connection.
func (p *ConnectionPool) Acquire(ctx context.Context) (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.conns); i++ {
		idx := (p.next + i) % len(p.conns)
		if !p.conns[idx].IsClosed() {
			p.next = (idx + 1) % len(p.conns)
			return p.conns[idx], nil
		}
	}
	// Drop any closed connections found above before growing.
	live := p.conns[:0]
	for _, c := range p.conns {
		if !c.IsClosed() {
			live = append(live, c)
		}
	}
	p.conns = live

	if len(p.conns) >= p.max {
		return nil, fmt.Errorf("connection pool exhausted (max %d)", p.max)
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	p.conns = append(p.conns, conn)
	p.logger.Info("rabbitmq connection opened", "pool_size", len(p.conns), "max", p.max)
	return conn, nil
}

// Dedicated opens (and never pools) a connection for exclusive use by one
// consumer for its entire lifetime — consumption cannot safely share a
// channel, let alone a connection, with unrelated publish traffic.
func (p *ConnectionPool) Dedicated(ctx context.Context) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(p.url, amqp.Config{})
	if err != nil {
		return nil, fmt.Errorf("dial dedicated rabbitmq connection: %w", err)
	}
	return conn, nil
}

// Close closes every pooled connection.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.conns = nil
	return firstErr
}

// ChannelPool hands out short-lived channels over a ConnectionPool for the
// acquire-publish-release pattern; channels are not reused across calls
// because a channel enters an error state (and must be discarded) after a
// publish-confirm or protocol-level NACK.
type ChannelPool struct {
	conns *ConnectionPool
	max   int

	sem chan struct{}
}

// NewChannelPool bounds concurrent channel checkouts at max.
func NewChannelPool(conns *ConnectionPool, max int) *ChannelPool {
	if max < 1 {
		max = 1
	}
	return &ChannelPool{conns: conns, max: max, sem: make(chan struct{}, max)}
}

// WithChannel acquires a connection, opens a channel, runs fn, and always
// closes the channel afterward, releasing the concurrency slot.
func (p *ChannelPool) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	conn, err := p.conns.Acquire(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return fn(ch)
}
