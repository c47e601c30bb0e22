package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/model"
)

type fakePublisher struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, body []byte, priority uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubmit_WritesPendingAndPublishes(t *testing.T) {
	cacheClient := newTestCache(t)
	pub := &fakePublisher{}
	in := New(cacheClient, pub, "workflow-executions")

	execID, err := in.Submit(context.Background(), Request{
		ScriptName: "hello",
		UserID:     uuid.New(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, execID)
	assert.Equal(t, 1, pub.count())

	pending, err := cacheClient.GetPendingExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, "hello", pending.ScriptName)
}

func TestSubmit_PublishFailureCleansUpPending(t *testing.T) {
	cacheClient := newTestCache(t)
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	in := New(cacheClient, pub, "workflow-executions")

	execID, err := in.Submit(context.Background(), Request{ScriptName: "hello", UserID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, uuid.Nil, execID)

	leftover, err := cacheClient.Raw().Keys(context.Background(), "bifrost:pending:*").Result()
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestSubmitThenWaitForResult_ReturnsPushedResult(t *testing.T) {
	cacheClient := newTestCache(t)
	pub := &fakePublisher{}
	in := New(cacheClient, pub, "workflow-executions")

	execID, err := in.Submit(context.Background(), Request{ScriptName: "hello", UserID: uuid.New()})
	require.NoError(t, err)

	// Simulate the worker completing the execution concurrently with the
	// rendezvous wait, the same race a real sync caller rides.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = cacheClient.PushResult(context.Background(), execID, cache.ResultPayload{Status: model.StatusSuccess}, time.Second)
	}()

	payload, err := cacheClient.WaitForResult(context.Background(), execID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, model.StatusSuccess, payload.Status)
}
