// Package scheduler is the durable cron engine behind the maintenance jobs.
// Every due (job, tick) pair is claimed through an atomic lease in the KVS,
// so any number of workers can run the loop and each tick executes once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/nova"
)

// Handler executes one job tick. Handlers must be idempotent over their
// (jobID, tick): re-running the same tick produces the same observable state.
type Handler func(ctx context.Context, tick time.Time) error

// Job is one registered schedule.
type Job struct {
	ID          string
	Schedule    cron.Schedule
	LeaseTTL    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Handler     Handler
}

func leaseKey(jobID string, tick time.Time) string {
	return fmt.Sprintf("scheduler:lease:%s:%d", jobID, tick.Unix())
}

func nextDueKey(jobID string) string { return "scheduler:next_due:" + jobID }

func failedKey(jobID string, tick time.Time) string {
	return fmt.Sprintf("scheduler:failed:%s:%d", jobID, tick.Unix())
}

// Scheduler owns the job registry and the polling loop.
type Scheduler struct {
	kv       kvs.Store
	workerID string
	poll     time.Duration

	mu   sync.RWMutex
	jobs map[string]*Job

	logger  *log.Logger
	nowFunc func() time.Time
	stop    chan struct{}
	done    chan struct{}
}

func New(kv kvs.Store, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		kv:       kv,
		workerID: uuid.NewString(),
		poll:     poll,
		jobs:     make(map[string]*Job),
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		nowFunc:  time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a job with a standard cron expression ("0 7 * * *").
func (s *Scheduler) Register(id, cronSpec string, job Job) error {
	schedule, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return fmt.Errorf("job %s: bad schedule %q: %w", id, cronSpec, nova.ErrInvalidInput)
	}
	job.Schedule = schedule
	return s.register(id, job)
}

// RegisterEvery adds a fixed-interval job.
func (s *Scheduler) RegisterEvery(id string, every time.Duration, job Job) error {
	job.Schedule = cron.Every(every)
	return s.register(id, job)
}

func (s *Scheduler) register(id string, job Job) error {
	if job.Handler == nil {
		return fmt.Errorf("job %s: nil handler: %w", id, nova.ErrInvalidInput)
	}
	job.ID = id
	if job.LeaseTTL <= 0 {
		job.LeaseTTL = 2 * time.Minute
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.Backoff <= 0 {
		job.Backoff = 5 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %s already registered: %w", id, nova.ErrInvalidInput)
	}
	s.jobs[id] = &job
	s.logger.Printf("registered job id=%s lease=%s attempts=%d", id, job.LeaseTTL, job.MaxAttempts)
	return nil
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop and waits for the current sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs every due job once. Exported so tests and cmd tooling can drive
// ticks without the polling loop.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	now := s.nowFunc()
	for _, job := range jobs {
		tick, due, err := s.dueTick(ctx, job, now)
		if err != nil {
			s.logger.Printf("job %s: due check failed: %v", job.ID, err)
			continue
		}
		if !due {
			continue
		}
		s.runTick(ctx, job, tick)
	}
}

// dueTick reads the durable next_due index, seeding it on first sight.
func (s *Scheduler) dueTick(ctx context.Context, job *Job, now time.Time) (time.Time, bool, error) {
	raw, err := s.kv.Get(ctx, nextDueKey(job.ID))
	if err != nil {
		if !errors.Is(err, kvs.ErrNotFound) {
			return time.Time{}, false, err
		}
		next := job.Schedule.Next(now)
		if serr := s.kv.Set(ctx, nextDueKey(job.ID), next.UTC().Format(time.RFC3339), 0); serr != nil {
			return time.Time{}, false, serr
		}
		return time.Time{}, false, nil
	}

	due, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt next_due for %s: %v", job.ID, err)
	}
	return due, !now.Before(due), nil
}

// runTick claims the lease and executes the handler with retry and lease
// renewal. Whoever wins the lease also advances next_due, so losers simply
// see a future deadline on the next sweep.
func (s *Scheduler) runTick(ctx context.Context, job *Job, tick time.Time) {
	won, err := s.kv.SetNX(ctx, leaseKey(job.ID, tick), s.workerID, job.LeaseTTL)
	if err != nil {
		s.logger.Printf("job %s: lease attempt failed: %v", job.ID, err)
		return
	}
	if !won {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	runStart := s.nowFunc()
	renewStop := make(chan struct{})
	go s.renewLease(runCtx, job, tick, renewStop)

	var lastErr error
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		start := s.nowFunc()
		lastErr = job.Handler(runCtx, tick)
		if lastErr == nil {
			s.logger.Printf("job %s tick=%s done in %s (attempt %d)",
				job.ID, tick.Format(time.RFC3339), time.Since(start).Round(time.Millisecond), attempt)
			break
		}
		s.logger.Printf("job %s tick=%s attempt %d/%d failed: %v",
			job.ID, tick.Format(time.RFC3339), attempt, job.MaxAttempts, lastErr)
		if attempt < job.MaxAttempts {
			select {
			case <-time.After(job.Backoff * time.Duration(attempt)):
			case <-runCtx.Done():
				attempt = job.MaxAttempts
			}
		}
	}
	close(renewStop)
	jobDuration.WithLabelValues(job.ID).Observe(s.nowFunc().Sub(runStart).Seconds())

	if lastErr != nil {
		jobRuns.WithLabelValues(job.ID, "failed").Inc()
		if err := s.kv.Set(ctx, failedKey(job.ID, tick),
			fmt.Sprintf("%v: %v", nova.ErrHandlerFailure, lastErr), 7*24*time.Hour); err != nil {
			s.logger.Printf("job %s: failure record write failed: %v", job.ID, err)
		}
	} else {
		jobRuns.WithLabelValues(job.ID, "success").Inc()
	}

	next := job.Schedule.Next(tick)
	if !next.After(s.nowFunc()) {
		// Catch-up after downtime: schedule from now rather than replaying
		// every missed tick.
		next = job.Schedule.Next(s.nowFunc())
	}
	if err := s.kv.Set(ctx, nextDueKey(job.ID), next.UTC().Format(time.RFC3339), 0); err != nil {
		s.logger.Printf("job %s: next_due update failed: %v", job.ID, err)
	}
}

func (s *Scheduler) renewLease(ctx context.Context, job *Job, tick time.Time, stop <-chan struct{}) {
	interval := job.LeaseTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.kv.Expire(ctx, leaseKey(job.ID, tick), job.LeaseTTL); err != nil {
				s.logger.Printf("job %s: lease renewal failed: %v", job.ID, err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
