// Package scheduler runs the recurring jobs: indexing, metadata
// enrichment, and maintenance. Each job has its own queue with at most one
// task in flight, a soft timeout that cancels the task's context, and a
// hard timeout after which the task is abandoned and logged. A Redis lease
// per job keeps multiple instances from running the same job concurrently.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	// SoftTimeout cancels a task's context; a well-behaved task stops.
	SoftTimeout = 10 * time.Minute
	// HardTimeout abandons a task that ignored cancellation. The lease
	// expiry matches, so another instance can take over.
	HardTimeout = 15 * time.Minute
)

// Job is one recurring task. Immediate jobs run once at startup before the
// first tick.
type Job struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Run       func(ctx context.Context) error
}

// Locker is the lease provider, satisfied by a go-redis client. Leases are
// SET NX EX: first writer wins, expiry bounds a crashed holder.
type Locker interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Scheduler drives a set of jobs until its context is cancelled.
type Scheduler struct {
	locker Locker
	jobs   []Job
	logger *slog.Logger
}

// New builds a Scheduler over the given jobs.
func New(locker Locker, jobs []Job, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		locker: locker,
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
	}
}

// Run blocks until ctx is cancelled, driving every job on its own ticker.
// A job panic or persistent failure never stops the other jobs; only
// context cancellation ends the run.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range s.jobs {
		job := s.jobs[i]
		g.Go(func() error {
			s.drive(ctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// drive runs one job's queue: an optional immediate run, then one run per
// tick. inFlight enforces the one-task-per-queue rule even when a previous
// run was abandoned past its hard timeout.
func (s *Scheduler) drive(ctx context.Context, job Job) {
	var inFlight atomic.Bool

	if job.Immediate {
		s.dispatch(ctx, job, &inFlight)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, job, &inFlight)
		}
	}
}

// dispatch runs one task of a job, skipping when the queue is busy or the
// lease is held elsewhere.
func (s *Scheduler) dispatch(ctx context.Context, job Job, inFlight *atomic.Bool) {
	if !inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in flight, skipping tick", "job", job.Name)
		return
	}

	lockKey := "polymarket-indexer:lock:" + job.Name
	acquired, err := s.locker.SetNX(ctx, lockKey, time.Now().Unix(), HardTimeout).Result()
	if err != nil {
		s.logger.Error("lease acquisition failed", "job", job.Name, "error", err)
		inFlight.Store(false)
		return
	}
	if !acquired {
		s.logger.Info("lease held elsewhere, skipping", "job", job.Name)
		inFlight.Store(false)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, SoftTimeout)
	done := make(chan error, 1)
	started := time.Now()
	go func() {
		defer func() {
			if _, err := s.locker.Del(context.WithoutCancel(ctx), lockKey).Result(); err != nil {
				s.logger.Warn("lease release failed", "job", job.Name, "error", err)
			}
			inFlight.Store(false)
		}()
		done <- job.Run(taskCtx)
	}()

	select {
	case err := <-done:
		cancel()
		switch {
		case err == nil:
			s.logger.Info("job finished", "job", job.Name, "duration", time.Since(started))
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Error("job hit soft timeout", "job", job.Name, "duration", time.Since(started))
		default:
			s.logger.Error("job failed", "job", job.Name, "duration", time.Since(started), "error", err)
		}
	case <-time.After(HardTimeout):
		cancel()
		// The task ignored its cancelled context. Leave it behind; the
		// inFlight flag keeps the queue closed until it actually returns.
		s.logger.Error("job abandoned past hard timeout", "job", job.Name)
	}
}
