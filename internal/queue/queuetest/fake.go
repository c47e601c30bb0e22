// Package queuetest provides an in-memory queue.Source/Delivery pair for
// exercising the worker consumer pipeline without a real broker.
package queuetest

import (
	"context"
	"sync"

	"github.com/bifrost-platform/bifrost/internal/queue"
)

// Delivery is a recorded in-memory message; it tracks whether it was
// eventually Acked or Nacked so tests can assert on pipeline outcomes.
type Delivery struct {
	mu       sync.Mutex
	body     []byte
	acked    bool
	nacked   bool
	released chan struct{}
}

func newDelivery(body []byte) *Delivery {
	return &Delivery{body: body, released: make(chan struct{})}
}

func (d *Delivery) Body() []byte { return d.body }

func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	close(d.released)
	return nil
}

func (d *Delivery) Nack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	close(d.released)
	return nil
}

// Acked reports whether Ack was called.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Nacked reports whether Nack was called.
func (d *Delivery) Nacked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked
}

// Wait blocks until Ack or Nack has been called.
func (d *Delivery) Wait() {
	<-d.released
}

// Source is an in-memory queue.Source. Publish enqueues a message; Consume
// returns the channel the worker consumes from. It never reconnects and
// never applies broker-side dead-lettering — tests assert poison-routing
// decisions by checking Nacked(), not by inspecting a real poison queue.
type Source struct {
	mu         sync.Mutex
	ch         chan queue.Delivery
	deliveries []*Delivery
	closed     bool
}

// New creates an empty Source with the given channel buffer size.
func New(buffer int) *Source {
	return &Source{ch: make(chan queue.Delivery, buffer)}
}

// Publish enqueues body as a new delivery and returns it so the test can
// later assert on its Ack/Nack outcome.
func (s *Source) Publish(body []byte) *Delivery {
	d := newDelivery(body)
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	s.ch <- d
	return d
}

// Consume implements queue.Source.
func (s *Source) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	return s.ch, nil
}

// Close implements queue.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}
