package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// tickInterval is how often the runner re-evaluates job schedules. Cron
// expressions have minute granularity, so half a minute keeps skew small
// without busy-polling.
const tickInterval = 30 * time.Second

// RetryConfig controls retry/backoff for failed job executions.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the standard retry policy: up to 3 retries
// after the first attempt, with exponential backoff from 2s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// RunJobFunc executes an agent-kind job's prompt and returns the agent reply.
type RunJobFunc func(ctx context.Context, job store.CronJob, runID string) (string, error)

// WakeFunc requests an immediate heartbeat (jobs with wake=true).
type WakeFunc func(reason string)

// Runner evaluates job schedules and executes due jobs with retries,
// recording each execution in the run log and broadcasting cron events.
type Runner struct {
	jobs     store.CronStore
	eventPub bus.EventPublisher
	runJob   RunJobFunc
	sendText func(channel, to, text string)
	wake     WakeFunc
	retry    RetryConfig

	mu        sync.Mutex
	lastFired map[string]time.Time
	running   map[string]bool
}

// NewRunner creates a Runner. sendText delivers "send"-kind payloads; wake
// may be nil when no heartbeat scheduler is wired.
func NewRunner(jobs store.CronStore, eventPub bus.EventPublisher, runJob RunJobFunc, sendText func(channel, to, text string), wake WakeFunc, retry RetryConfig) *Runner {
	return &Runner{
		jobs:      jobs,
		eventPub:  eventPub,
		runJob:    runJob,
		sendText:  sendText,
		wake:      wake,
		retry:     retry,
		lastFired: make(map[string]time.Time),
		running:   make(map[string]bool),
	}
}

// Start runs the schedule loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("cron runner started", "jobs", len(r.jobs.List()))
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cron runner stopped")
			return
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Runner) tick(ctx context.Context, now time.Time) {
	for _, job := range r.jobs.List() {
		if !job.Enabled {
			continue
		}
		sched, err := ParseSchedule(job.Schedule)
		if err != nil {
			slog.Warn("cron: skipping job with bad schedule", "job", job.ID, "error", err)
			continue
		}

		r.mu.Lock()
		last := r.lastFired[job.ID]
		busy := r.running[job.ID]
		due := sched.Due(now, last)
		if due && !busy {
			r.lastFired[job.ID] = now
			r.running[job.ID] = true
		}
		r.mu.Unlock()

		if !due {
			continue
		}
		if busy {
			// Previous firing still in flight; one run per job at a time.
			r.record(store.CronRun{
				JobID: job.ID, RunID: uuid.NewString(),
				StartedAt: now, FinishedAt: now, Status: "skipped",
				Error: "previous run still in flight",
			})
			continue
		}

		go func(job store.CronJob) {
			defer func() {
				r.mu.Lock()
				r.running[job.ID] = false
				r.mu.Unlock()
			}()
			r.fire(ctx, job)
		}(job)
	}
}

// RunNow fires a job immediately (cron.run RPC), bypassing its schedule.
// Returns the recorded run.
func (r *Runner) RunNow(ctx context.Context, jobID string) (*store.CronRun, error) {
	job, ok := r.jobs.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("cron: unknown job %q", jobID)
	}

	r.mu.Lock()
	if r.running[job.ID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("cron: job %q already running", jobID)
	}
	r.running[job.ID] = true
	r.lastFired[job.ID] = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[job.ID] = false
		r.mu.Unlock()
	}()

	return r.fire(ctx, *job), nil
}

func (r *Runner) fire(ctx context.Context, job store.CronJob) *store.CronRun {
	runID := "cron-" + uuid.NewString()[:8]
	run := store.CronRun{JobID: job.ID, RunID: runID, StartedAt: time.Now()}

	r.broadcast("started", job, run, "")
	slog.Info("cron: job firing", "job", job.ID, "name", job.Name, "run", runID)

	var err error
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		err = r.execute(ctx, job, runID)
		if err == nil || attempt > r.retry.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := r.retry.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
		slog.Warn("cron: job failed, retrying", "job", job.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	run.FinishedAt = time.Now()
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
		r.broadcast("failed", job, run, err.Error())
		slog.Error("cron: job failed", "job", job.ID, "run", runID, "error", err)
	} else {
		run.Status = "ok"
		r.broadcast("finished", job, run, "")
		if job.Wake && r.wake != nil {
			r.wake("cron:" + job.ID)
		}
	}
	r.record(run)
	return &run
}

func (r *Runner) execute(ctx context.Context, job store.CronJob, runID string) error {
	switch job.Kind {
	case store.CronKindSend:
		if r.sendText == nil {
			return fmt.Errorf("cron: send payloads not wired")
		}
		if job.Channel == "" || job.To == "" {
			return fmt.Errorf("cron: send job %q needs channel and to", job.ID)
		}
		r.sendText(job.Channel, job.To, job.Prompt)
		return nil
	default: // store.CronKindAgent
		_, err := r.runJob(ctx, job, runID)
		return err
	}
}

func (r *Runner) record(run store.CronRun) {
	if err := r.jobs.RecordRun(run); err != nil {
		slog.Warn("cron: failed to record run", "job", run.JobID, "error", err)
	}
}

func (r *Runner) broadcast(state string, job store.CronJob, run store.CronRun, errMsg string) {
	if r.eventPub == nil {
		return
	}
	payload := map[string]any{
		"state": state,
		"jobId": job.ID,
		"name":  job.Name,
		"runId": run.RunID,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	r.eventPub.Broadcast(bus.Event{Name: protocol.EventCron, Payload: payload})
}
