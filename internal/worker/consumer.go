package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/model"
	"github.com/bifrost-platform/bifrost/internal/pool"
	"github.com/bifrost-platform/bifrost/internal/queue"
)

// EventBackPropagator closes the loop between a terminal execution and the
// event delivery (if any) that triggered it — setting the delivery's
// terminal status, recomputing the owning event's aggregate status once every delivery for
// it is terminal, and broadcasting the change. Implemented by
// *events.Ingress; kept as an interface here so worker doesn't import the
// higher-level events package.
type EventBackPropagator interface {
	UpdateDeliveryFromExecution(ctx context.Context, executionID uuid.UUID, status model.ExecutionStatus, errMsg string) error
}

// Dependencies are the collaborators a Consumer needs; Source is the only
// one that varies between production (queue.AMQPSource) and tests
// (queuetest.Source). Events is optional: nil skips event-delivery
// back-propagation entirely for deployments with C5 disabled.
type Dependencies struct {
	Source queue.Source
	Cache  *cache.Client
	DB     *db.DB
	Pool   *pool.Pool
	Events EventBackPropagator
	Logger *slog.Logger
}

// Consumer is the C3 workflow-execution consumer: it claims deliveries from
// Source, runs each through the ten-step pipeline, and Acks or Nacks
// according to outcome.
type Consumer struct {
	config Config
	deps   Dependencies
	logger *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	messagesProcessed atomic.Int64
	messagesFailed    atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewConsumer validates config and wires deps into a ready-to-Start Consumer.
func NewConsumer(config Config, deps Dependencies) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache client is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		config: config,
		deps:   deps,
		logger: logger,
		sem:    make(chan struct{}, config.MaxConcurrency),
	}, nil
}

// Start begins consuming from deps.Source. Each delivery spawns a goroutine
// bounded by the MaxConcurrency semaphore; prefetch on the broker side
// bounds how many deliveries are in flight to this process at once.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	deliveries, err := c.deps.Source.Consume(subCtx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("start consuming: %w", err)
	}

	go c.consumeLoop(subCtx, deliveries)
	c.logger.Info("worker consumer started", "queue", c.config.QueueName, "max_concurrency", c.config.MaxConcurrency)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan queue.Delivery) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return
			}
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(delivery queue.Delivery) {
				defer wg.Done()
				defer func() { <-c.sem }()
				c.handle(ctx, delivery)
			}(d)
		}
	}
}

// Stop cancels the consume loop and waits up to timeout for in-flight
// handlers to drain before returning.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	deadline := time.After(timeout)
	for {
		select {
		case c.sem <- struct{}{}:
			<-c.sem
			if len(c.sem) == 0 {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("consumer stop timed out with handlers still in flight")
		}
	}
}

// Health reports whether the consumer is actively running and when it last
// handled a delivery.
type Health struct {
	Running           bool
	MessagesProcessed int64
	MessagesFailed    int64
	LastActivity      time.Time
}

// Health returns the current lifecycle/metrics snapshot.
func (c *Consumer) Health() Health {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	c.lastActivityMu.RLock()
	last := c.lastActivity
	c.lastActivityMu.RUnlock()
	return Health{
		Running:           running,
		MessagesProcessed: c.messagesProcessed.Load(),
		MessagesFailed:    c.messagesFailed.Load(),
		LastActivity:      last,
	}
}

func (c *Consumer) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Consumer) handle(ctx context.Context, delivery queue.Delivery) {
	c.updateLastActivity()
	c.messagesProcessed.Add(1)

	msg, err := parseDispatchMessage(delivery.Body())
	if err != nil {
		c.logger.Error("failed to parse dispatch message", "error", err)
		c.messagesFailed.Add(1)
		_ = delivery.Nack()
		return
	}

	if err := c.process(ctx, msg); err != nil {
		c.logger.Error("execution pipeline failed", "execution_id", msg.ExecutionID, "error", err)
		c.messagesFailed.Add(1)
		// No requeue: the broker's dead-letter topology owns retry/poison
		// routing from here.
		_ = delivery.Nack()
		return
	}
	_ = delivery.Ack()
}
