package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/model"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPendingExecution_SetGetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	execID := uuid.New()
	p := &model.PendingExecution{
		ExecutionID: execID,
		UserID:      uuid.New(),
		Parameters:  map[string]any{"foo": "bar"},
	}

	require.NoError(t, c.SetPendingExecution(ctx, p))

	got, err := c.GetPendingExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execID, got.ExecutionID)
	assert.False(t, got.Cancelled)
	assert.Equal(t, "bar", got.Parameters["foo"])

	require.NoError(t, c.DeletePendingExecution(ctx, execID))
	_, err = c.GetPendingExecution(ctx, execID)
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestPendingExecution_MarkCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	execID := uuid.New()

	// Marking a record that doesn't exist is a no-op, not an error.
	require.NoError(t, c.MarkCancelled(ctx, execID))

	p := &model.PendingExecution{ExecutionID: execID, UserID: uuid.New()}
	require.NoError(t, c.SetPendingExecution(ctx, p))

	require.NoError(t, c.MarkCancelled(ctx, execID))

	got, err := c.GetPendingExecution(ctx, execID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
}

func TestPendingExecution_SetStoresCancelledFlag(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	execID := uuid.New()

	p := &model.PendingExecution{ExecutionID: execID, UserID: uuid.New(), Cancelled: true}
	require.NoError(t, c.SetPendingExecution(ctx, p))

	got, err := c.GetPendingExecution(ctx, execID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
}

func TestRendezvous_PushAndWait(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	execID := uuid.New()

	payload := ResultPayload{Status: model.StatusSuccess, DurationMs: 42}
	require.NoError(t, c.PushResult(ctx, execID, payload, 5*time.Second))

	got, err := c.WaitForResult(ctx, execID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, int64(42), got.DurationMs)
}

func TestRendezvous_WaitTimeoutReturnsNilNil(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	execID := uuid.New()

	got, err := c.WaitForResult(ctx, execID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	mr.FastForward(20 * time.Millisecond)
}

func TestWorkflowMetadataCache_HitMissNotCached(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	id := uuid.New()

	lookup, err := c.GetWorkflowMetadataCache(ctx, id)
	require.NoError(t, err)
	assert.False(t, lookup.Cached)

	require.NoError(t, c.SetWorkflowMetadataMiss(ctx, id))
	lookup, err = c.GetWorkflowMetadataCache(ctx, id)
	require.NoError(t, err)
	assert.True(t, lookup.Cached)
	assert.False(t, lookup.Hit)

	meta := WorkflowMeta{Name: "send_email", TimeoutSeconds: 60}
	require.NoError(t, c.SetWorkflowMetadataCache(ctx, id, meta))
	lookup, err = c.GetWorkflowMetadataCache(ctx, id)
	require.NoError(t, err)
	assert.True(t, lookup.Hit)
	assert.Equal(t, "send_email", lookup.Meta.Name)
}

func TestInvalidatePricingUsageAggregates(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("ai_usage_totals:abc", "1"))
	require.NoError(t, mr.Set("ai_usage_totals:conv:def", "1"))
	require.NoError(t, mr.Set("ai_pricing:openai:gpt-4", "1"))

	require.NoError(t, c.InvalidatePricingUsageAggregates(ctx))

	assert.False(t, mr.Exists("ai_usage_totals:abc"))
	assert.False(t, mr.Exists("ai_usage_totals:conv:def"))
	assert.True(t, mr.Exists("ai_pricing:openai:gpt-4"))
}

func TestUsedModels_AddAndList(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AddUsedModel(ctx, "openai", "gpt-4"))
	require.NoError(t, c.AddUsedModel(ctx, "openai", "gpt-4"))
	require.NoError(t, c.AddUsedModel(ctx, "anthropic", "claude"))

	models, err := c.UsedModels(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openai:gpt-4", "anthropic:claude"}, models)
}

func TestRequirementsCache_SetGet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.GetRequirementsCache(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetRequirementsCache(ctx, RequirementsCache{Content: "requests==2.31.0", Hash: "abc123"}))

	entry, found, err := c.GetRequirementsCache(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abc123", entry.Hash)
}

func TestSubscriber_DeliversPublishedMessages(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.NewSubscriber([]string{"execution:test"}, nil)

	received := make(chan Message, 1)
	go func() {
		_ = sub.Run(ctx, func(m Message) {
			received <- m
		})
	}()

	// Give the subscribe loop time to establish before publishing.
	time.Sleep(50 * time.Millisecond)
	c.Publish(ctx, "execution:test", []byte(`{"ok":true}`))

	select {
	case msg := <-received:
		assert.Equal(t, "execution:test", msg.Channel)
		assert.Equal(t, `{"ok":true}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}
