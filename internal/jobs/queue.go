package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/internal/logging"
)

var jobsLog = logging.ForComponent(logging.CompJobs)

// HandlerFunc processes one claimed job. An error schedules a retry until
// the job's attempts are exhausted.
type HandlerFunc func(ctx context.Context, job Job) error

// QueueOptions tunes the queue loop. Zero values take defaults.
type QueueOptions struct {
	// Interval between claim polls.
	Interval time.Duration
	// ClaimLimit caps jobs claimed per poll.
	ClaimLimit int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// MaxAttempts is the default for jobs enqueued without one.
	MaxAttempts int
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Queue polls the store for due jobs and runs registered handlers with
// exponential-backoff retries. Failed jobs stall after MaxAttempts.
type Queue struct {
	store Store
	opts  QueueOptions

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

// NewQueue builds a queue. Handlers are registered by job type before Run.
func NewQueue(store Store, opts QueueOptions) *Queue {
	return &Queue{
		store:    store,
		opts:     opts.withDefaults(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (q *Queue) Register(jobType string, h HandlerFunc) {
	q.mu.Lock()
	q.handlers[jobType] = h
	q.mu.Unlock()
}

// Enqueue persists a new pending job due immediately.
func (q *Queue) Enqueue(jobType string, payload []byte, priority int) (Job, error) {
	now := time.Now()
	j := Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    priority,
		MaxAttempts: q.opts.MaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.EnqueueJob(j); err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	jobsLog.Info("job_enqueued",
		slog.String("job", j.ID),
		slog.String("type", jobType))
	return j, nil
}

// Run polls until ctx is cancelled. Blocking; callers run it in a goroutine
// or an errgroup.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick claims and runs one batch of due jobs. Exposed so tests can drive the
// queue without the timer.
func (q *Queue) Tick(ctx context.Context) {
	jobsBatch, err := q.store.ClaimDueJobs(time.Now(), q.opts.ClaimLimit)
	if err != nil {
		jobsLog.Error("job_claim_failed", slog.String("error", err.Error()))
		return
	}
	for _, j := range jobsBatch {
		q.runOne(ctx, j)
	}
}

func (q *Queue) runOne(ctx context.Context, j Job) {
	q.mu.Lock()
	h := q.handlers[j.Type]
	q.mu.Unlock()

	now := time.Now()
	j.Attempts++
	j.UpdatedAt = now

	if h == nil {
		j.Status = StatusStalled
		j.LastError = fmt.Sprintf("no handler for job type %q", j.Type)
		jobsLog.Error("job_unhandled",
			slog.String("job", j.ID),
			slog.String("type", j.Type))
		q.update(j)
		return
	}

	if err := h(ctx, j); err != nil {
		j.LastError = err.Error()
		if j.Attempts >= j.MaxAttempts {
			j.Status = StatusStalled
			jobsLog.Error("job_stalled",
				slog.String("job", j.ID),
				slog.String("type", j.Type),
				slog.Int("attempts", j.Attempts),
				slog.String("error", err.Error()))
		} else {
			j.Status = StatusPending
			j.NextRetryAt = now.Add(q.backoff(j.Attempts))
			jobsLog.Warn("job_retry_scheduled",
				slog.String("job", j.ID),
				slog.String("type", j.Type),
				slog.Int("attempt", j.Attempts),
				slog.String("error", err.Error()))
		}
		q.update(j)
		return
	}

	j.Status = StatusCompleted
	j.LastError = ""
	q.update(j)
	jobsLog.Info("job_completed",
		slog.String("job", j.ID),
		slog.String("type", j.Type),
		slog.Int("attempts", j.Attempts))
}

// backoff doubles per attempt: base, 2*base, 4*base, ...
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) update(j Job) {
	if err := q.store.UpdateJob(j); err != nil {
		jobsLog.Error("job_update_failed",
			slog.String("job", j.ID),
			slog.String("error", err.Error()))
	}
}
