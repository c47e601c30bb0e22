// Package gitops runs the git operations the scheduler (C4) dispatches
// on demand: fetch, status, commit, pull, push, conflict resolution, diff,
// and the two composite sync operations. Every operation reports its
// progress and final outcome on the job's cache.GitJobChannel rather than
// returning through the pub/sub request that triggered it.
package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

// Operation names one of the git ops the scheduler's on-demand dispatch
// supports.
type Operation string

const (
	OpFetch       Operation = "fetch"
	OpStatus      Operation = "status"
	OpCommit      Operation = "commit"
	OpPull        Operation = "pull"
	OpPush        Operation = "push"
	OpResolve     Operation = "resolve"
	OpDiff        Operation = "diff"
	OpSyncPreview Operation = "sync_preview"
	OpSyncExecute Operation = "sync_execute"
)

// PullOutcome classifies how a pull (standalone or as part of sync_execute)
// resolved.
type PullOutcome string

const (
	PullSuccess  PullOutcome = "success"
	PullConflict PullOutcome = "conflict"
	PullFailed   PullOutcome = "failed"
)

// Request names the repository and operation a dispatched job should run.
// Params carries operation-specific arguments (e.g. "message"/"stage_all"
// for commit, "remote"/"branch" for pull/push/fetch, "strategy"/"files" for
// resolve).
type Request struct {
	JobID     string
	RepoRoot  string
	Operation Operation
	Params    map[string]any
}

// Result is an operation's final outcome, the payload of its completion
// event.
type Result struct {
	JobID       string      `json:"job_id"`
	Operation   Operation   `json:"operation"`
	Success     bool        `json:"success"`
	Output      string      `json:"output,omitempty"`
	PullOutcome PullOutcome `json:"pull_outcome,omitempty"`
	Conflicts   []string    `json:"conflicts,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// progressEvent is one interim status update published while an operation
// runs; conflictsEvent reuses the same shape for the conflict set a pull
// hits.
type progressEvent struct {
	JobID     string    `json:"job_id"`
	Operation Operation `json:"operation"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Conflicts []string  `json:"conflicts,omitempty"`
}

// conventionalCommitPattern matches conventional commit format, identical
// to the check the workflow editor's own git integration enforces.
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit reports whether message follows conventional
// commit format.
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// Executor runs git operations against a validated repository root,
// publishing progress and completion events as it goes.
type Executor struct {
	cache  *cache.Client
	logger *slog.Logger
}

// NewExecutor creates an Executor. cacheClient must not be nil — progress
// reporting is the whole point of an on-demand dispatched job.
func NewExecutor(cacheClient *cache.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cache: cacheClient, logger: logger}
}

// Execute dispatches req to the matching operation and always publishes a
// completion event, even on error, so a caller waiting on the job's channel
// never hangs.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if err := validateRepoRoot(req.RepoRoot); err != nil {
		result := Result{JobID: req.JobID, Operation: req.Operation, Success: false, Error: err.Error()}
		e.publishCompletion(ctx, result)
		return result, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout(req.Operation))
	defer cancel()

	var result Result
	var err error
	switch req.Operation {
	case OpFetch:
		result, err = e.fetch(ctx, req)
	case OpStatus:
		result, err = e.status(ctx, req)
	case OpCommit:
		result, err = e.commit(ctx, req)
	case OpPull:
		result, err = e.pull(ctx, req)
	case OpPush:
		result, err = e.push(ctx, req)
	case OpResolve:
		result, err = e.resolve(ctx, req)
	case OpDiff:
		result, err = e.diff(ctx, req)
	case OpSyncPreview:
		result, err = e.syncPreview(ctx, req)
	case OpSyncExecute:
		result, err = e.syncExecute(ctx, req)
	default:
		result = Result{JobID: req.JobID, Operation: req.Operation, Success: false, Error: fmt.Sprintf("unknown git operation: %s", req.Operation)}
		err = fmt.Errorf("unknown git operation: %s", req.Operation)
	}

	e.publishCompletion(ctx, result)
	return result, err
}

func (e *Executor) publishProgress(ctx context.Context, jobID string, op Operation, status, message string) {
	e.publish(ctx, jobID, progressEvent{JobID: jobID, Operation: op, Status: status, Message: message})
}

func (e *Executor) publishConflict(ctx context.Context, jobID string, op Operation, conflicts []string) {
	e.publish(ctx, jobID, progressEvent{JobID: jobID, Operation: op, Status: "conflict", Conflicts: conflicts})
}

func (e *Executor) publishCompletion(ctx context.Context, result Result) {
	e.publish(ctx, result.JobID, result)
}

func (e *Executor) publish(ctx context.Context, jobID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("gitops: failed to marshal progress payload", "job_id", jobID, "error", err)
		return
	}
	e.cache.Publish(ctx, cache.GitJobChannel(jobID), data)
}

// validateRepoRoot rejects empty paths and path traversal attempts —
// job requests name a repo path by string, so this is the boundary where
// an untrusted path gets checked before any git command runs against it.
func validateRepoRoot(root string) error {
	if root == "" {
		return fmt.Errorf("repo root is required")
	}
	if strings.Contains(root, "..") {
		return fmt.Errorf("repo root must not contain path traversal segments")
	}
	if !filepath.IsAbs(root) {
		return fmt.Errorf("repo root must be an absolute path")
	}
	return nil
}

func runGit(ctx context.Context, repoRoot string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

func isGitRepo(repoRoot string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = repoRoot
	return cmd.Run() == nil
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// operationTimeout bounds how long a single dispatched job may run. The
// composite sync operations chain several git invocations (each able to
// block on network I/O), so they get a longer budget than a single op.
func operationTimeout(op Operation) time.Duration {
	switch op {
	case OpSyncPreview, OpSyncExecute:
		return 5 * time.Minute
	default:
		return time.Minute
	}
}
