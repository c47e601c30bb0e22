package gitops

import (
	"context"
	"fmt"
	"strings"
)

func (e *Executor) fetch(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	e.publishProgress(ctx, req.JobID, OpFetch, "running", "fetching from remote")

	args := []string{"fetch"}
	if boolParam(req.Params, "prune") {
		args = append(args, "--prune")
	}
	if remote := stringParam(req.Params, "remote"); remote != "" {
		args = append(args, remote)
	}

	output, err := runGit(ctx, req.RepoRoot, args...)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	return okResult(req, strings.TrimSpace(output)), nil
}

// statusSummary is the parsed shape of `git status --porcelain`, reused by
// status, sync_preview's preflight, and pull's post-merge classification.
type statusSummary struct {
	Staged     []string
	Modified   []string
	Untracked  []string
	Conflicted []string
}

// conflictCodes are the porcelain v1 XY codes git uses for unmerged paths.
var conflictCodes = map[string]bool{
	"DD": true, "AU": true, "UD": true, "UA": true,
	"DU": true, "AA": true, "UU": true,
}

func (e *Executor) gitStatusSummary(ctx context.Context, repoRoot string) (statusSummary, string, error) {
	output, err := runGit(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return statusSummary{}, output, err
	}

	var summary statusSummary
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		file := strings.TrimSpace(line[3:])
		switch {
		case conflictCodes[code]:
			summary.Conflicted = append(summary.Conflicted, file)
		case code[0] == '?' && code[1] == '?':
			summary.Untracked = append(summary.Untracked, file)
		case code[0] != ' ':
			summary.Staged = append(summary.Staged, file)
		case code[1] != ' ':
			summary.Modified = append(summary.Modified, file)
		}
	}
	return summary, output, nil
}

func (e *Executor) status(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	summary, _, err := e.gitStatusSummary(ctx, req.RepoRoot)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	return okResult(req, formatStatus(summary)), nil
}

func formatStatus(s statusSummary) string {
	if len(s.Staged) == 0 && len(s.Modified) == 0 && len(s.Untracked) == 0 && len(s.Conflicted) == 0 {
		return "Working tree clean"
	}
	var b strings.Builder
	writeSection := func(title string, files []string) {
		if len(files) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, f := range files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	writeSection("Conflicted", s.Conflicted)
	writeSection("Staged", s.Staged)
	writeSection("Modified", s.Modified)
	writeSection("Untracked", s.Untracked)
	return strings.TrimSpace(b.String())
}

func (e *Executor) commit(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	message := stringParam(req.Params, "message")
	if message == "" {
		return failResult(req, "commit message is required"), fmt.Errorf("commit message is required")
	}
	if !ValidateConventionalCommit(message) {
		err := fmt.Errorf("commit message does not follow conventional commit format: %s", message)
		return failResult(req, err.Error()), err
	}

	if boolParam(req.Params, "stage_all") {
		if _, err := runGit(ctx, req.RepoRoot, "add", "-u"); err != nil {
			return failResult(req, err.Error()), err
		}
	}

	staged, _ := runGit(ctx, req.RepoRoot, "diff", "--cached", "--name-only")
	if strings.TrimSpace(staged) == "" {
		err := fmt.Errorf("nothing to commit (no staged changes)")
		return failResult(req, err.Error()), err
	}

	e.publishProgress(ctx, req.JobID, OpCommit, "running", "committing staged changes")
	output, err := runGit(ctx, req.RepoRoot, "commit", "-m", message)
	if err != nil {
		return failResult(req, err.Error()), err
	}

	hash, _ := runGit(ctx, req.RepoRoot, "rev-parse", "--short", "HEAD")
	return okResult(req, fmt.Sprintf("Committed %s: %s\n%s", strings.TrimSpace(hash), message, strings.TrimSpace(output))), nil
}

// pull runs `git pull` and classifies the outcome: Success when it merges
// cleanly, Conflict when the working tree is left with unresolved markers
// (the spec requires a conflict to publish its conflict set and stop rather
// than attempt any further operation in the same job), Failed on any other
// git error (network, auth, diverged history without a merge base, etc).
func (e *Executor) pull(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	e.publishProgress(ctx, req.JobID, OpPull, "running", "pulling from remote")

	args := []string{"pull"}
	remote := stringParam(req.Params, "remote")
	branch := stringParam(req.Params, "branch")
	if remote != "" {
		args = append(args, remote)
		if branch != "" {
			args = append(args, branch)
		}
	}

	output, pullErr := runGit(ctx, req.RepoRoot, args...)

	summary, _, statusErr := e.gitStatusSummary(ctx, req.RepoRoot)
	if statusErr == nil && len(summary.Conflicted) > 0 {
		e.publishConflict(ctx, req.JobID, OpPull, summary.Conflicted)
		result := Result{
			JobID:       req.JobID,
			Operation:   OpPull,
			Success:     false,
			Output:      strings.TrimSpace(output),
			PullOutcome: PullConflict,
			Conflicts:   summary.Conflicted,
		}
		return result, fmt.Errorf("pull produced merge conflicts in %d file(s)", len(summary.Conflicted))
	}

	if pullErr != nil {
		result := Result{JobID: req.JobID, Operation: OpPull, Success: false, Output: strings.TrimSpace(output), PullOutcome: PullFailed, Error: pullErr.Error()}
		return result, pullErr
	}

	head, _ := runGit(ctx, req.RepoRoot, "rev-parse", "--short", "HEAD")
	result := Result{
		JobID:       req.JobID,
		Operation:   OpPull,
		Success:     true,
		Output:      strings.TrimSpace(fmt.Sprintf("%s\nHEAD: %s", output, strings.TrimSpace(head))),
		PullOutcome: PullSuccess,
	}
	return result, nil
}

func (e *Executor) push(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	e.publishProgress(ctx, req.JobID, OpPush, "running", "pushing to remote")

	args := []string{"push"}
	remote := stringParam(req.Params, "remote")
	branch := stringParam(req.Params, "branch")
	if remote != "" {
		args = append(args, remote)
		if branch != "" {
			args = append(args, branch)
		}
	}

	output, err := runGit(ctx, req.RepoRoot, args...)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	return okResult(req, strings.TrimSpace(output)), nil
}

// resolve applies a pick-one-side strategy ("ours" or "theirs") to either an
// explicit file list or, when none is given, every path `git status`
// currently reports as conflicted — then stages the resolved paths. It
// does not commit; a caller chains commit (directly, or via sync_execute)
// once the resolution is acceptable.
func (e *Executor) resolve(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	strategy := stringParam(req.Params, "strategy")
	if strategy != "ours" && strategy != "theirs" {
		err := fmt.Errorf("resolve strategy must be 'ours' or 'theirs', got %q", strategy)
		return failResult(req, err.Error()), err
	}

	files := stringSliceParam(req.Params, "files")
	if len(files) == 0 {
		summary, _, err := e.gitStatusSummary(ctx, req.RepoRoot)
		if err != nil {
			return failResult(req, err.Error()), err
		}
		files = summary.Conflicted
	}
	if len(files) == 0 {
		err := fmt.Errorf("no conflicted files to resolve")
		return failResult(req, err.Error()), err
	}

	e.publishProgress(ctx, req.JobID, OpResolve, "running", fmt.Sprintf("resolving %d file(s) with strategy %s", len(files), strategy))

	for _, f := range files {
		if _, err := runGit(ctx, req.RepoRoot, "checkout", "--"+strategy, "--", f); err != nil {
			return failResult(req, err.Error()), err
		}
		if _, err := runGit(ctx, req.RepoRoot, "add", "--", f); err != nil {
			return failResult(req, err.Error()), err
		}
	}

	return okResult(req, fmt.Sprintf("Resolved %d file(s) using %s", len(files), strategy)), nil
}

func (e *Executor) diff(ctx context.Context, req Request) (Result, error) {
	if !isGitRepo(req.RepoRoot) {
		return failResult(req, "not a git repository"), fmt.Errorf("not a git repository: %s", req.RepoRoot)
	}
	args := []string{"diff"}
	if boolParam(req.Params, "staged") {
		args = append(args, "--cached")
	}
	if ref := stringParam(req.Params, "ref"); ref != "" {
		args = append(args, ref)
	}

	output, err := runGit(ctx, req.RepoRoot, args...)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	return okResult(req, output), nil
}

// syncPreview is fetch + status + preflight: it fetches the remote, reports
// the working tree's current status, and tells the caller whether the
// local branch is behind so sync_execute is worth running at all.
func (e *Executor) syncPreview(ctx context.Context, req Request) (Result, error) {
	fetchReq := req
	fetchReq.Operation = OpFetch
	if _, err := e.fetch(ctx, fetchReq); err != nil {
		return failResult(req, err.Error()), err
	}

	summary, _, err := e.gitStatusSummary(ctx, req.RepoRoot)
	if err != nil {
		return failResult(req, err.Error()), err
	}

	behind, err := runGit(ctx, req.RepoRoot, "rev-list", "--count", "HEAD..@{u}")
	if err != nil {
		return failResult(req, err.Error()), fmt.Errorf("compare with upstream: %w", err)
	}
	behindCount := strings.TrimSpace(behind)

	output := fmt.Sprintf("%s\nBehind upstream by %s commit(s)", formatStatus(summary), behindCount)
	result := okResult(req, output)
	result.Conflicts = summary.Conflicted
	return result, nil
}

// syncExecute is commit + pull + optional conflict-resolve + push. A pull
// conflict stops the chain immediately and reports the conflict set rather
// than attempting the resolve/push steps against a half-merged tree.
func (e *Executor) syncExecute(ctx context.Context, req Request) (Result, error) {
	if message := stringParam(req.Params, "message"); message != "" {
		commitReq := req
		commitReq.Operation = OpCommit
		if res, err := e.commit(ctx, commitReq); err != nil {
			if !strings.Contains(err.Error(), "nothing to commit") {
				return res, err
			}
		}
	}

	pullReq := req
	pullReq.Operation = OpPull
	pullResult, err := e.pull(ctx, pullReq)
	if err != nil {
		pullResult.Operation = OpSyncExecute
		return pullResult, err
	}

	if strategy := stringParam(req.Params, "resolve_strategy"); strategy != "" {
		resolveReq := req
		resolveReq.Operation = OpResolve
		resolveReq.Params = mergeParams(req.Params, map[string]any{"strategy": strategy})
		if _, err := e.resolve(ctx, resolveReq); err != nil {
			return failResult(req, err.Error()), err
		}
	}

	pushReq := req
	pushReq.Operation = OpPush
	pushResult, err := e.push(ctx, pushReq)
	if err != nil {
		pushResult.Operation = OpSyncExecute
		return pushResult, err
	}

	result := okResult(req, pushResult.Output)
	result.PullOutcome = pullResult.PullOutcome
	return result, nil
}

func mergeParams(base map[string]any, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func okResult(req Request, output string) Result {
	return Result{JobID: req.JobID, Operation: req.Operation, Success: true, Output: output}
}

func failResult(req Request, errMsg string) Result {
	return Result{JobID: req.JobID, Operation: req.Operation, Success: false, Error: errMsg}
}
