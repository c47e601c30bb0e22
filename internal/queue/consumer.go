package queue

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one message handed to a consumer. Ack/Nack map directly onto
// the broker's delivery acknowledgement; Nack always requeue=false here,
// since every consumer in this fabric defers retry policy to the
// dead-letter topology rather than broker requeue.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack() error
}

// Source is the minimal consumption surface internal/worker depends on, so
// its pipeline can run against either a real broker or an in-memory fake
// (see internal/queue/queuetest) without change.
type Source interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// amqpDelivery adapts amqp091-go's Delivery to the Delivery interface.
type amqpDelivery struct{ d amqp.Delivery }

func (a amqpDelivery) Body() []byte { return a.d.Body }
func (a amqpDelivery) Ack() error   { return a.d.Ack(false) }
func (a amqpDelivery) Nack() error  { return a.d.Nack(false, false) }

// AMQPSource is a Source backed by one dedicated connection and channel,
// consuming a single queue with a given prefetch count.
type AMQPSource struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

// NewAMQPSource opens a dedicated connection (never pooled — see
// ConnectionPool.Dedicated), declares the queue's topology, sets the
// channel's prefetch, and returns a Source ready to Consume.
func NewAMQPSource(ctx context.Context, conns *ConnectionPool, queueName string, prefetch int, logger *slog.Logger) (*AMQPSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := conns.Dedicated(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := (Topology{}).Declare(ch, queueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPSource{conn: conn, ch: ch, queue: queueName, logger: logger}, nil
}

// Consume starts the broker-level consumer and adapts its delivery channel.
func (s *AMQPSource) Consume(ctx context.Context) (<-chan Delivery, error) {
	deliveries, err := s.ch.ConsumeWithContext(ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- amqpDelivery{d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close tears down the channel and its dedicated connection.
func (s *AMQPSource) Close() error {
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
