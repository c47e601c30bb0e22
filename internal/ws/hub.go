// Package ws is the WebSocket half of C5's broadcast bus: it holds every
// session a process has accepted, fans cache pub/sub messages out to the
// sessions subscribed to their channel, and lets a session subscribe to or
// drop additional channels at runtime.
package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

// channelPatterns are the PSUBSCRIBE globs covering every broadcast channel
// internal/cache's key constructors produce, so one Hub subscription covers
// execution updates, user notifications, and event-source fan-out without
// resubscribing as sessions come and go.
var channelPatterns = []string{"execution:*", "user:*", "event_source:*"}

// Hub is the in-memory channel -> set<*Session> registry for one process.
// Cross-instance delivery is handled by subscribing to the same Redis
// channels every other process publishes to, so a message published by any
// instance reaches every session subscribed to it, on any instance.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	channels map[string]map[*Session]struct{}

	register   chan *Session
	unregister chan *Session

	cache  *cache.Client
	logger *slog.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(cacheClient *cache.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		channels:   make(map[string]map[*Session]struct{}),
		register:   make(chan *Session, 16),
		unregister: make(chan *Session, 16),
		cache:      cacheClient,
		logger:     logger,
	}
}

// Run drives the hub's lifecycle event loop and the cross-instance
// subscriber until ctx is cancelled. Call once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	sub := h.cache.NewPatternSubscriber(channelPatterns, h.logger)
	go func() {
		if err := sub.Run(ctx, h.deliverRemote); err != nil && ctx.Err() == nil {
			h.logger.Error("ws broadcast subscriber stopped", "error", err)
		}
	}()

	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			h.mu.Unlock()

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				for topic := range s.topics {
					h.removeFromChannelLocked(topic, s)
				}
				close(s.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				close(s.send)
			}
			h.sessions = make(map[*Session]struct{})
			h.channels = make(map[string]map[*Session]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliverRemote(msg cache.Message) {
	h.mu.RLock()
	targets := h.channels[msg.Channel]
	recipients := make([]*Session, 0, len(targets))
	for s := range targets {
		recipients = append(recipients, s)
	}
	h.mu.RUnlock()

	envelope := Message{Type: MessageTypeEvent, Channel: msg.Channel, Payload: msg.Payload}
	for _, s := range recipients {
		select {
		case s.send <- envelope:
		default:
			// Session's outbound buffer is saturated: it can't keep up, so
			// disconnect it rather than let it stall delivery to everyone
			// else subscribed to the same channel.
			h.unregister <- s
		}
	}
}

// Register admits session into the hub and subscribes it to its initial
// channel set.
func (h *Hub) Register(s *Session) {
	h.register <- s
	h.mu.Lock()
	for topic := range s.topics {
		h.addToChannelLocked(topic, s)
	}
	h.mu.Unlock()
}

// Unregister removes session from the hub and every channel it was on.
func (h *Hub) Unregister(s *Session) {
	h.unregister <- s
}

// Subscribe adds session to topic, a runtime {"type":"subscribe"} request.
func (h *Hub) Subscribe(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.topics[topic] = struct{}{}
	h.addToChannelLocked(topic, s)
}

// Unsubscribe removes session from topic, a runtime {"type":"unsubscribe"}
// request.
func (h *Hub) Unsubscribe(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.topics, topic)
	h.removeFromChannelLocked(topic, s)
}

func (h *Hub) addToChannelLocked(topic string, s *Session) {
	if h.channels[topic] == nil {
		h.channels[topic] = make(map[*Session]struct{})
	}
	h.channels[topic][s] = struct{}{}
}

func (h *Hub) removeFromChannelLocked(topic string, s *Session) {
	delete(h.channels[topic], s)
	if len(h.channels[topic]) == 0 {
		delete(h.channels, topic)
	}
}

// ConnectedCount returns the number of currently registered sessions,
// exposed for the gateway's health/metrics endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
