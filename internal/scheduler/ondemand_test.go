package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

func TestOndemandDispatcher_ReindexInvalidatesCache(t *testing.T) {
	cacheClient := newTestCache(t)
	workflowID := uuid.New()
	require.NoError(t, cacheClient.SetWorkflowMetadataCache(context.Background(), workflowID, cache.WorkflowMeta{Name: "wf"}))

	d := NewOndemandDispatcher(cacheClient, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()

	payload, err := json.Marshal(reindexRequest{JobID: "job-1", WorkflowID: workflowID})
	require.NoError(t, err)
	cacheClient.Publish(ctx, reindexChannel, payload)

	require.Eventually(t, func() bool {
		lookup, err := cacheClient.GetWorkflowMetadataCache(context.Background(), workflowID)
		return err == nil && !lookup.Cached
	}, time.Second, 5*time.Millisecond)
}

func TestOndemandDispatcher_SkipsWorkWhenNotLeader(t *testing.T) {
	cacheClient := newTestCache(t)
	workflowID := uuid.New()
	require.NoError(t, cacheClient.SetWorkflowMetadataCache(context.Background(), workflowID, cache.WorkflowMeta{Name: "wf"}))

	d := NewOndemandDispatcher(cacheClient, nil, func() bool { return false }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()

	payload, err := json.Marshal(reindexRequest{JobID: "job-1", WorkflowID: workflowID})
	require.NoError(t, err)
	cacheClient.Publish(ctx, reindexChannel, payload)

	time.Sleep(50 * time.Millisecond)
	lookup, err := cacheClient.GetWorkflowMetadataCache(context.Background(), workflowID)
	require.NoError(t, err)
	assert.True(t, lookup.Cached)
}

func TestOndemandDispatcher_GitOpWithNoExecutorConfiguredIsLoggedAndSkipped(t *testing.T) {
	cacheClient := newTestCache(t)
	d := NewOndemandDispatcher(cacheClient, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	payload, err := json.Marshal(gitOpRequest{JobID: "job-1", RepoRoot: "/tmp/repo", Operation: "status"})
	require.NoError(t, err)
	cacheClient.Publish(ctx, gitOpChannel, payload)

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}
