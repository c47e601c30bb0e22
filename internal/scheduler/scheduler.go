// Package scheduler runs the fabric's periodic maintenance jobs — stuck
// execution sweeps, retention cleanup, ROI/metrics snapshots, and workflow
// cron dispatch — as a single gocron scheduler guarded by a Redis lock so
// exactly one running process owns the jobs at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/gitops"
	"github.com/bifrost-platform/bifrost/internal/metrics"
)

// Job is one named, independently schedulable unit of work. Run is called
// with the singleton lock already held; it should return promptly relative
// to its own cadence. Exactly one of Interval or Schedule is set: Interval
// for a fixed-period job, Schedule (a standard 5-field cron expression) for
// one that must fire at a specific wall-clock time (e.g. a daily job tied
// to an off-peak hour).
type Job struct {
	Name     string
	Interval time.Duration
	Schedule string
	Run      func(ctx context.Context) error
}

// defaultJobTimeout bounds a cron-scheduled job's run, since Interval (what
// every other job uses as its own timeout budget) is zero for those.
const defaultJobTimeout = 10 * time.Minute

// Scheduler wraps a gocron.Scheduler with the fabric's singleton-lock
// convention: only the instance currently holding lockKey executes jobs, so
// running N scheduler replicas for availability never double-runs a sweep.
type Scheduler struct {
	gocron gocron.Scheduler
	cache  *cache.Client
	logger *slog.Logger

	lockKey   string
	lockTTL   time.Duration
	ownerID   string
	isLeader  atomic.Bool

	mu   sync.Mutex
	jobs []Job

	ondemand *OndemandDispatcher

	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
}

const (
	defaultLockTTL       = 30 * time.Second
	lockHeartbeatPeriod  = 10 * time.Second
	singletonLockKeyName = "bifrost:scheduler:leader"
)

// New creates a Scheduler. ownerID should be stable per-process (hostname +
// pid is typical) so a renewed lock can be told apart from a contended one.
func New(cacheClient *cache.Client, ownerID string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{
		gocron:  g,
		cache:   cacheClient,
		logger:  logger,
		lockKey: singletonLockKeyName,
		lockTTL: defaultLockTTL,
		ownerID: ownerID,
	}, nil
}

// EnableOndemandDispatch wires a git-op/reindex listener (see ondemand.go)
// into the scheduler's lifecycle: Start launches it, gated by the same
// leadership lock the cron jobs use, and Stop cancels it with the rest.
// gitExec may be nil if this process never dispatches git operations.
func (s *Scheduler) EnableOndemandDispatch(gitExec *gitops.Executor) {
	s.ondemand = NewOndemandDispatcher(s.cache, gitExec, s.IsLeader, s.logger)
}

// Register adds a job to the scheduler. Must be called before Start. Every
// job runs in gocron's singleton mode: if a tick is still running when the
// next one comes due, the next tick is rescheduled rather than run
// concurrently with it, so a slow sweep never overlaps itself.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var definition gocron.JobDefinition
	if job.Schedule != "" {
		definition = gocron.CronJob(job.Schedule, false)
	} else {
		definition = gocron.DurationJob(job.Interval)
	}

	_, err := s.gocron.NewJob(
		definition,
		gocron.NewTask(s.runGuarded, job),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins the lock-renewal loop, the gocron scheduler, and — if
// EnableOndemandDispatch was called — the on-demand git-op/reindex listener.
func (s *Scheduler) Start(ctx context.Context) {
	go s.renewLockLoop(ctx)
	s.gocron.Start()
	if s.ondemand != nil {
		go func() {
			if err := s.ondemand.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("ondemand dispatcher stopped", "error", err)
			}
		}()
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "owner_id", s.ownerID)
}

// Stop drains in-flight jobs and releases gocron resources.
func (s *Scheduler) Stop() error {
	return s.gocron.Shutdown()
}

// runGuarded wraps a Job's Run with the leader check: non-leaders skip the
// tick entirely rather than racing the leader for the work.
func (s *Scheduler) runGuarded(job Job) {
	if !s.isLeader.Load() {
		return
	}
	timeout := job.Interval
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.ObserveSchedulerJob(job.Name, elapsed, err != nil)
	if err != nil {
		s.runsFailed.Add(1)
		s.logger.Error("scheduled job failed", "job", job.Name, "elapsed", elapsed, "error", err)
		return
	}
	s.runsCompleted.Add(1)
	s.logger.Debug("scheduled job completed", "job", job.Name, "elapsed", elapsed)
}

// renewLockLoop attempts to acquire/renew the singleton lock on a fixed
// cadence using SET NX PX semantics, so a crashed leader's lock expires and
// a standby promotes itself within one lockTTL window.
func (s *Scheduler) renewLockLoop(ctx context.Context) {
	ticker := time.NewTicker(lockHeartbeatPeriod)
	defer ticker.Stop()

	s.tryAcquireOrRenew(ctx)
	for {
		select {
		case <-ctx.Done():
			s.releaseLock(context.Background())
			return
		case <-ticker.C:
			s.tryAcquireOrRenew(ctx)
		}
	}
}

func (s *Scheduler) tryAcquireOrRenew(ctx context.Context) {
	acquired, err := s.cache.Raw().SetNX(ctx, s.lockKey, s.ownerID, s.lockTTL).Result()
	if err != nil {
		s.logger.Warn("scheduler lock attempt failed", "error", err)
		s.isLeader.Store(false)
		return
	}
	if acquired {
		if !s.isLeader.Swap(true) {
			s.logger.Info("scheduler acquired leadership", "owner_id", s.ownerID)
		}
		return
	}

	if s.isLeader.Load() {
		// Already the leader: refresh the TTL so a brief scheduling delay
		// doesn't let a standby steal leadership mid-cycle.
		current, err := s.cache.Raw().Get(ctx, s.lockKey).Result()
		if err == nil && current == s.ownerID {
			s.cache.Raw().Expire(ctx, s.lockKey, s.lockTTL)
			return
		}
		s.logger.Warn("lost scheduler leadership to another owner")
		s.isLeader.Store(false)
		return
	}
}

func (s *Scheduler) releaseLock(ctx context.Context) {
	if !s.isLeader.Load() {
		return
	}
	current, err := s.cache.Raw().Get(ctx, s.lockKey).Result()
	if err == nil && current == s.ownerID {
		s.cache.Raw().Del(ctx, s.lockKey)
	}
	s.isLeader.Store(false)
}

// IsLeader reports whether this process currently holds the singleton lock.
func (s *Scheduler) IsLeader() bool { return s.isLeader.Load() }

// Stats is a point-in-time snapshot of job execution counters.
type Stats struct {
	RunsCompleted int64
	RunsFailed    int64
	IsLeader      bool
}

// Stats returns the current execution counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		RunsCompleted: s.runsCompleted.Load(),
		RunsFailed:    s.runsFailed.Load(),
		IsLeader:      s.isLeader.Load(),
	}
}
