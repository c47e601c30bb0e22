package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish declares the queue's topology (so enqueue and consume can never
// diverge on broker arguments) and publishes body as a persistent message
// with the given priority (0-9, higher delivered first under broker load).
func Publish(ctx context.Context, channels *ChannelPool, queueName string, body []byte, priority uint8) error {
	if priority > 9 {
		priority = 9
	}
	return channels.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := (Topology{}).Declare(ch, queueName); err != nil {
			return err
		}
		err := ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s: %w", queueName, err)
		}
		return nil
	})
}

// Publisher is the minimal enqueue surface callers outside this package
// depend on, so they can be exercised against a test fake instead of a real
// broker. QueuePublisher adapts a *ChannelPool to it.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte, priority uint8) error
}

// QueuePublisher adapts a *ChannelPool to the Publisher interface.
type QueuePublisher struct{ Channels *ChannelPool }

// Publish implements Publisher.
func (p QueuePublisher) Publish(ctx context.Context, queueName string, body []byte, priority uint8) error {
	return Publish(ctx, p.Channels, queueName, body, priority)
}
