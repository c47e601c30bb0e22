package ws

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewHub(c, nil)
}

func newTestSession(topics ...string) *Session {
	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}
	return &Session{send: make(chan Message, sendBufferSize), topics: topicSet}
}

func TestHub_RegisterSubscribeDeliver(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	s := newTestSession("execution:abc")
	h.Register(s)

	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	h.deliverRemote(cache.Message{Channel: "execution:abc", Payload: []byte(`{"status":"running"}`)})

	select {
	case msg := <-s.send:
		assert.Equal(t, MessageTypeEvent, msg.Type)
		assert.Equal(t, "execution:abc", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestHub_UnregisteredSessionReceivesNothing(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	s := newTestSession("execution:abc")
	h.Register(s)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	h.Unregister(s)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 0 }, time.Second, time.Millisecond)

	h.deliverRemote(cache.Message{Channel: "execution:abc", Payload: []byte(`{}`)})

	select {
	case _, ok := <-s.send:
		assert.False(t, ok, "send channel should be closed after unregister")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("send channel neither closed nor delivered to")
	}
}

func TestHub_SubscribeAddsChannelAtRuntime(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	s := newTestSession()
	h.Register(s)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	h.Subscribe(s, "user:42")
	h.deliverRemote(cache.Message{Channel: "user:42", Payload: []byte(`{}`)})

	select {
	case msg := <-s.send:
		assert.Equal(t, "user:42", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery after subscribe")
	}

	h.Unsubscribe(s, "user:42")
	h.deliverRemote(cache.Message{Channel: "user:42", Payload: []byte(`{}`)})

	select {
	case msg := <-s.send:
		t.Fatalf("expected no further delivery after unsubscribe, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ContextCancelClosesAllSessions(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	s := newTestSession("execution:abc")
	h.Register(s)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	cancel()

	select {
	case _, ok := <-s.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel was never closed on shutdown")
	}
}
