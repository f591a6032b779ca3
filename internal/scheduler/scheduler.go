// Package scheduler dispatches durable jobs: one-shot reminders and
// recurring cron work persisted in the store. A poll loop claims due rows
// with a conditional update so concurrent claimers (or a racing cancel)
// never double-run a job, and each execution flows through the reasoning
// loop like any other prompt.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/storage"
	"github.com/fernlabs/fern/internal/watchdog"
)

// Job types.
const (
	TypeOneShot   = "one_shot"
	TypeRecurring = "recurring"
)

// Job statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Defaults applied by New.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultMaxConcurrent = 3
)

// Job is the external view of a scheduled job.
type Job struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Status          string            `json:"status"`
	Prompt          string            `json:"prompt"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	CronExpr        string            `json:"cron_expr,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     time.Time         `json:"completed_at,omitzero"`
	LastRunResponse string            `json:"last_run_response,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Runner executes one reasoning turn for a claimed job and returns the
// final reply text.
type Runner interface {
	RunJob(ctx context.Context, job *Job) (string, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job *Job) (string, error)

// RunJob calls f.
func (f RunnerFunc) RunJob(ctx context.Context, job *Job) (string, error) { return f(ctx, job) }

// cronParser accepts standard five-field expressions plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config wires the scheduler.
type Config struct {
	Store  *storage.Store
	Runner Runner

	// PollInterval is how often the due-job query runs. Default one
	// minute.
	PollInterval time.Duration
	// MaxConcurrent bounds simultaneous executions. Default 3.
	MaxConcurrent int

	Watchdog *watchdog.Watchdog
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Scheduler owns the poll loop and the job API.
type Scheduler struct {
	store   *storage.Store
	runner  Runner
	wd      *watchdog.Watchdog
	metrics *observability.Metrics
	logger  *slog.Logger

	pollInterval time.Duration
	sem          chan struct{}

	mu      sync.Mutex
	started bool
	loop    sync.WaitGroup
	runs    sync.WaitGroup
}

// New builds a stopped scheduler; Start begins polling.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.Validation, "scheduler requires a store")
	}
	if cfg.Runner == nil {
		return nil, fault.New(fault.Validation, "scheduler requires a runner")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		runner:       cfg.Runner,
		wd:           cfg.Watchdog,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "scheduler"),
		pollInterval: cfg.PollInterval,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Schedule stores a one-shot job that fires once at the given time. A
// zero time means as soon as possible.
func (s *Scheduler) Schedule(ctx context.Context, prompt string, at time.Time, metadata map[string]string) (*Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fault.New(fault.Validation, "job prompt is empty")
	}
	if at.IsZero() {
		at = time.Now()
	}
	now := time.Now().UTC()
	row := storage.JobRow{
		ID:          ulid.Make().String(),
		Type:        TypeOneShot,
		Status:      StatusPending,
		Prompt:      prompt,
		ScheduledAt: at.UTC().Truncate(time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}
	if err := s.store.InsertJob(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("job scheduled", "job", row.ID, "at", row.ScheduledAt)
	return rowToJob(&row), nil
}

// ScheduleRecurring stores a recurring job. The first fire and every
// re-arm come from the cron expression; metadata key "timezone" (an IANA
// name) selects the zone, otherwise server local time applies.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, prompt, cronExpr string, metadata map[string]string) (*Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fault.New(fault.Validation, "job prompt is empty")
	}
	first, err := nextFire(cronExpr, metadata["timezone"], time.Now())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := storage.JobRow{
		ID:          ulid.Make().String(),
		Type:        TypeRecurring,
		Status:      StatusPending,
		Prompt:      prompt,
		ScheduledAt: first,
		CronExpr:    strings.TrimSpace(cronExpr),
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}
	if err := s.store.InsertJob(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("recurring job scheduled", "job", row.ID, "cron", row.CronExpr, "first", row.ScheduledAt)
	return rowToJob(&row), nil
}

// Cancel stops future dispatches of a job. A running execution is not
// interrupted, but its result is discarded and the row stays cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	changed, err := s.store.CancelJob(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("job cancelled", "job", id)
		return nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fault.Newf(fault.StateConflict, "job %s is already %s", id, job.Status)
}

// Get returns one job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*Job, error) {
	row, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return rowToJob(row), nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	rows, err := s.store.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, len(rows))
	for i, row := range rows {
		jobs[i] = rowToJob(row)
	}
	return jobs, nil
}

// Start recovers jobs a previous process left in running, then polls
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	n, err := s.store.RecoverStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("stale jobs recovered", "count", n)
	}

	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		s.runDue(ctx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the poll loop and all in-flight executions. Interrupted
// executions leave their rows in running; the next Start recovers them.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.loop.Wait()
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single poll tick and reports how many jobs were
// claimed. Executions complete in the background.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	due, err := s.store.DueJobs(ctx, time.Now(), cap(s.sem))
	if err != nil {
		s.logger.Error("due job query failed", "error", err)
		s.recordFailure(ctx)
		return 0
	}

	dispatched := 0
	for _, row := range due {
		select {
		case s.sem <- struct{}{}:
		default:
			// All workers are busy; the rest stay pending for the
			// next tick.
			return dispatched
		}
		claimed, err := s.store.ClaimJob(ctx, row.ID, time.Now())
		if err != nil || !claimed {
			<-s.sem
			if err != nil {
				s.logger.Warn("job claim failed", "job", row.ID, "error", err)
			}
			continue
		}
		dispatched++
		job := rowToJob(row)
		job.Status = StatusRunning
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, job)
		}()
	}
	return dispatched
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	log := s.logger.With("job", job.ID, "type", job.Type)
	log.Info("job started")

	response, err := s.runner.RunJob(ctx, job)
	if ctx.Err() != nil {
		// Shutdown interrupted the run. Leaving the row in running
		// hands it to stale recovery on the next boot.
		log.Info("job interrupted by shutdown")
		return
	}
	if err != nil {
		s.finishFailed(ctx, job, err, log)
		return
	}
	s.finishSucceeded(ctx, job, response, log)
}

func (s *Scheduler) finishFailed(ctx context.Context, job *Job, runErr error, log *slog.Logger) {
	changed, err := s.store.FailJob(ctx, job.ID, runErr.Error(), time.Now())
	if err != nil {
		log.Error("job failure write failed", "error", err)
	} else if !changed {
		log.Debug("job already left running before failure write")
	}
	log.Warn("job failed", "error", runErr)
	s.observe("failed")
	s.recordFailure(ctx)
}

func (s *Scheduler) finishSucceeded(ctx context.Context, job *Job, response string, log *slog.Logger) {
	now := time.Now()
	var changed bool
	var err error

	if job.Type == TypeRecurring {
		next, ferr := nextFire(job.CronExpr, job.Metadata["timezone"], job.ScheduledAt)
		if ferr != nil {
			// The expression parsed at schedule time; treat a
			// regression as a run failure so the row does not stick
			// in running.
			s.finishFailed(ctx, job, ferr, log)
			return
		}
		changed, err = s.store.RearmJob(ctx, job.ID, next, response, now)
		if err == nil && changed {
			log.Info("job completed", "next", next)
		}
	} else {
		changed, err = s.store.CompleteJob(ctx, job.ID, response, now)
		if err == nil && changed {
			log.Info("job completed")
		}
	}

	if err != nil {
		log.Error("job completion write failed", "error", err)
		s.observe("failed")
		s.recordFailure(ctx)
		return
	}
	if !changed {
		// A cancel landed while the job ran; cancelled wins and the
		// response is discarded.
		log.Info("job cancelled during run")
		s.observe("cancelled")
		return
	}
	s.observe("completed")
	if s.wd != nil {
		s.wd.ResetSchedulerFailures()
	}
}

func (s *Scheduler) observe(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobExecutions.WithLabelValues(status).Inc()
}

// recordFailure bumps the scheduler watchdog counter unless the failure
// came from shutdown cancellation.
func (s *Scheduler) recordFailure(ctx context.Context) {
	if s.wd == nil || ctx.Err() != nil {
		return
	}
	s.wd.RecordSchedulerFailure()
}

// nextFire computes a recurring job's next run strictly after the
// previous scheduled time, so every scheduled occurrence gets a run even
// when the process was down across several of them. The zone comes from
// the job's timezone metadata when it names a loadable IANA location,
// otherwise server local time.
func nextFire(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.Validation, err, "invalid cron expression")
	}
	loc := time.Local
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fault.Newf(fault.Validation, "cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

func rowToJob(row *storage.JobRow) *Job {
	return &Job{
		ID:              row.ID,
		Type:            row.Type,
		Status:          row.Status,
		Prompt:          row.Prompt,
		ScheduledAt:     row.ScheduledAt,
		CronExpr:        row.CronExpr,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
		LastRunResponse: row.LastRunResponse,
		LastError:       row.LastError,
		Metadata:        row.Metadata,
	}
}
