package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// LogSink receives one log entry per line of subprocess output. Callers
// typically wire this to a Redis stream (internal/cache.AppendLog); Pool
// itself only assigns the dense sequence number and timestamp.
type LogSink func(entry model.LogEntry)

// Pool runs Context values through a Runner with a bounded number of
// concurrent executions, shared across every call to Execute.
type Pool struct {
	runner Runner
	logger *slog.Logger
	sem    chan struct{}
}

// New creates a Pool bounded to maxConcurrent simultaneous subprocess runs.
func New(runner Runner, maxConcurrent int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{runner: runner, logger: logger, sem: make(chan struct{}, maxConcurrent)}
}

// Execute runs execCtx to completion (or until ctx is cancelled or the
// configured timeout elapses, whichever is first) and returns a structured
// Result. The subprocess is guaranteed to be terminated before Execute
// returns.
func (p *Pool) Execute(ctx context.Context, execCtx Context, sink LogSink) (Result, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-p.sem }()

	runCtx := ctx
	var cancel context.CancelFunc
	if execCtx.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	pr, pw := io.Pipe()
	var seq int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			if sink == nil {
				continue
			}
			sink(model.LogEntry{
				ExecutionID: execCtx.ExecutionID,
				Sequence:    seq,
				TimestampMs: time.Now().UnixMilli(),
				Level:       model.LogInfo,
				Message:     scanner.Text(),
			})
			seq++
		}
	}()

	lw := &logWriter{w: bufio.NewWriter(pw)}
	raw, err := p.runner.Run(runCtx, execCtx, lw)
	lw.Flush()
	pw.Close()
	<-done

	if err != nil {
		return Result{}, fmt.Errorf("run execution %s: %w", execCtx.ExecutionID, err)
	}

	return p.classify(execCtx, raw), nil
}

// classify translates a Runner's raw outcome into the closed
// model.ExecutionStatus / model.ResultKind taxonomy the rest of the fabric
// persists.
func (p *Pool) classify(execCtx Context, raw rawResult) Result {
	res := Result{
		DurationMs: raw.durationMs,
		Metrics:    raw.metrics,
		ROI:        execCtx.ROIDefaults,
	}

	switch {
	case raw.timedOut:
		res.Status = model.StatusTimeout
		res.ErrorType = model.ErrorTimeout
		res.Error = "execution exceeded its timeout"
		return res
	case raw.cancelled:
		res.Status = model.StatusCancelled
		return res
	case raw.exitErr != nil:
		res.Status = model.StatusFailed
		res.ErrorType = model.ErrorUser
		res.Error = strings.TrimSpace(lastLine(raw.stdout))
		if res.Error == "" {
			res.Error = raw.exitErr.Error()
		}
		return res
	}

	res.Status = model.StatusSuccess
	if payload, ok := jsonTail(raw.stdout); ok {
		res.Result = payload
		res.ResultKind = model.ResultKindFor(payload)
	}
	return res
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
