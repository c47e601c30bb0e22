package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology declares the dead-letter exchange, poison queue, and main queue
// triple for one logical queue name. Declare is idempotent and safe to call
// from both the publish path and the consumer start path — both call it so
// the two sides can never diverge on arguments.
type Topology struct{}

// Declare creates "<name>-dlx" (direct, durable), "<name>-poison" (durable,
// bound to the dlx by routing key name), and the main queue "<name>" with
// x-dead-letter-exchange/x-dead-letter-routing-key arguments pointing at
// that dlx. A message NACKed without requeue (the default on a processing
// exception) is routed by the broker to the poison queue for inspection.
func (Topology) Declare(ch *amqp.Channel, name string) error {
	dlx := name + "-dlx"
	poison := name + "-poison"

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(poison, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare poison queue %s: %w", poison, err)
	}
	if err := ch.QueueBind(poison, name, dlx, false, nil); err != nil {
		return fmt.Errorf("bind poison queue %s: %w", poison, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// DeclareFanout declares a fanout exchange used for broadcast semantics
// (cache invalidation, package-install notices): every live subscriber
// binds its own exclusive auto-delete queue so every instance receives
// every message, rather than the competing-consumer semantics of Declare.
func (Topology) DeclareFanout(ch *amqp.Channel, exchange string) (queueName string, err error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare fanout exchange %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare exclusive queue for %s: %w", exchange, err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind exclusive queue to %s: %w", exchange, err)
	}
	return q.Name, nil
}
