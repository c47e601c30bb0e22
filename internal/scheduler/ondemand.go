package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/gitops"
)

const (
	reindexChannel = "bifrost:scheduler:reindex"
	gitOpChannel   = "bifrost:scheduler:git-op"
)

// reindexRequest invalidates a workflow's cached dispatch metadata so the
// next execution picks up a definition change instead of a stale cache hit.
type reindexRequest struct {
	JobID      string    `json:"job_id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// gitOpRequest is the wire shape of a message on bifrost:scheduler:git-op.
type gitOpRequest struct {
	JobID     string           `json:"job_id"`
	RepoRoot  string           `json:"repo_root"`
	Operation gitops.Operation `json:"operation"`
	Params    map[string]any   `json:"params"`
}

// OndemandDispatcher listens on the fabric's two on-demand request channels
// and runs the matching job: a cache invalidation for reindex, or a git
// operation dispatched to gitops.Executor. Every scheduler replica
// subscribes (pub/sub has no queue semantics to split work across
// subscribers), so isLeader gates actual execution to whichever replica
// currently holds the singleton lock — the same guarantee runGuarded gives
// the cron jobs, applied to event-triggered work instead of ticks.
type OndemandDispatcher struct {
	cache    *cache.Client
	gitExec  *gitops.Executor
	logger   *slog.Logger
	isLeader func() bool
}

// NewOndemandDispatcher creates a dispatcher. gitExec is reused across every
// dispatched git-op job; one Executor is stateless and safe for concurrent
// use. isLeader is consulted on every inbound message; pass nil to run every
// message unconditionally (used by tests exercising the dispatcher alone).
func NewOndemandDispatcher(cacheClient *cache.Client, gitExec *gitops.Executor, isLeader func() bool, logger *slog.Logger) *OndemandDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &OndemandDispatcher{cache: cacheClient, gitExec: gitExec, isLeader: isLeader, logger: logger}
}

// Run subscribes to both on-demand channels and dispatches until ctx is
// cancelled. Call in its own goroutine.
func (d *OndemandDispatcher) Run(ctx context.Context) error {
	sub := d.cache.NewSubscriber([]string{reindexChannel, gitOpChannel}, d.logger)
	return sub.Run(ctx, func(msg cache.Message) {
		if !d.isLeader() {
			return
		}
		switch msg.Channel {
		case reindexChannel:
			d.handleReindex(ctx, msg.Payload)
		case gitOpChannel:
			d.handleGitOp(ctx, msg.Payload)
		}
	})
}

func (d *OndemandDispatcher) handleReindex(ctx context.Context, payload []byte) {
	var req reindexRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		d.logger.Error("ondemand: malformed reindex request", "error", err)
		return
	}
	if err := d.cache.InvalidateWorkflowMetadataCache(ctx, req.WorkflowID); err != nil {
		d.logger.Error("ondemand: reindex failed", "job_id", req.JobID, "workflow_id", req.WorkflowID, "error", err)
		return
	}
	d.logger.Info("ondemand: reindex completed", "job_id", req.JobID, "workflow_id", req.WorkflowID)
}

func (d *OndemandDispatcher) handleGitOp(ctx context.Context, payload []byte) {
	var req gitOpRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		d.logger.Error("ondemand: malformed git-op request", "error", err)
		return
	}
	if d.gitExec == nil {
		d.logger.Error("ondemand: git-op request received with no executor configured", "job_id", req.JobID)
		return
	}

	execReq := gitops.Request{
		JobID:     req.JobID,
		RepoRoot:  req.RepoRoot,
		Operation: req.Operation,
		Params:    req.Params,
	}
	if _, err := d.gitExec.Execute(ctx, execReq); err != nil {
		d.logger.Warn("ondemand: git-op completed with error", "job_id", req.JobID, "operation", req.Operation, "error", err)
		return
	}
	d.logger.Info("ondemand: git-op completed", "job_id", req.JobID, "operation", req.Operation)
}
