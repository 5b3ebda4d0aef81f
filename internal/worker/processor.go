package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pitch-pipeline/internal/config"
	"pitch-pipeline/internal/models"
	"pitch-pipeline/internal/telemetry"
)

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// jobQueue is the slice of the durable queue the processor drives.
type jobQueue interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]models.Job, error)
	MarkCompleted(ctx context.Context, id string, now time.Time) error
	MarkRetrying(ctx context.Context, id string, retryCount int, nextRun time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, now time.Time, errMsg string) error
	Depth(ctx context.Context, now time.Time) (int64, error)
}

// Processor runs one short-lived invocation at a time: claim a bounded
// batch, execute it in small concurrent chunks with all-settled semantics,
// and reschedule or terminate each job on its own outcome. Overlapping
// invocations are safe because claiming is atomic in the queue.
type Processor struct {
	cfg      config.Config
	queue    jobQueue
	handlers map[string]Handler
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Result summarizes one processor invocation.
type Result struct {
	Processed  int   `json:"processedJobs"`
	QueueDepth int64 `json:"queueSize"`
}

// NewProcessor constructs a processor. Handlers are registered per job type.
func NewProcessor(cfg config.Config, q jobQueue, logger *zap.SugaredLogger) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// RunOnce performs a single invocation and reports how many jobs it handled
// and the remaining queue depth.
func (p *Processor) RunOnce(ctx context.Context) (Result, error) {
	now := p.now().UTC()
	jobs, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize, now, p.cfg.StaleAfter)
	if err != nil {
		return Result{}, fmt.Errorf("claim batch: %w", err)
	}

	chunk := p.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1
	}
	for start := 0; start < len(jobs); start += chunk {
		end := start + chunk
		if end > len(jobs) {
			end = len(jobs)
		}
		var wg sync.WaitGroup
		for _, job := range jobs[start:end] {
			wg.Add(1)
			go func(job models.Job) {
				defer wg.Done()
				p.executeJob(ctx, job)
			}(job)
		}
		wg.Wait()
	}

	depth, err := p.queue.Depth(ctx, p.now().UTC())
	if err != nil {
		p.logger.Warnw("queue depth unavailable", "error", err)
		depth = 0
	}
	telemetry.QueueDepthGauge.Set(float64(depth))

	if len(jobs) > 0 {
		p.logger.Infow("processor invocation finished", "processed", len(jobs), "queue_depth", depth)
	}
	return Result{Processed: len(jobs), QueueDepth: depth}, nil
}

// executeJob runs one claimed job to its next state. Every failure consumes
// a retry attempt; retries are scheduled with exponential backoff until the
// cap, then the job fails terminally with its last error persisted.
func (p *Processor) executeJob(ctx context.Context, job models.Job) {
	start := p.now()
	err := p.dispatch(ctx, job)
	elapsed := p.now().Sub(start)

	outcome := models.StatusCompleted
	if err == nil {
		if mErr := p.queue.MarkCompleted(ctx, job.ID, p.now().UTC()); mErr != nil {
			p.logger.Errorw("mark completed failed", "job_id", job.ID, "error", mErr)
		}
	} else {
		retryCount := job.RetryCount + 1
		if retryCount < job.MaxRetries {
			outcome = models.StatusRetrying
			nextRun := p.now().UTC().Add(backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffCap, retryCount))
			if mErr := p.queue.MarkRetrying(ctx, job.ID, retryCount, nextRun, err.Error()); mErr != nil {
				p.logger.Errorw("mark retrying failed", "job_id", job.ID, "error", mErr)
			}
			p.logger.Warnw("job failed, retry scheduled", "job_id", job.ID, "type", job.Type, "retry", retryCount, "next_run", nextRun, "error", err)
		} else {
			outcome = models.StatusFailed
			if mErr := p.queue.MarkFailed(ctx, job.ID, retryCount, p.now().UTC(), err.Error()); mErr != nil {
				p.logger.Errorw("mark failed failed", "job_id", job.ID, "error", mErr)
			}
			p.logger.Errorw("job failed terminally", "job_id", job.ID, "type", job.Type, "retries", retryCount, "error", err)
		}
	}

	telemetry.JobsProcessed.WithLabelValues(job.Type, outcome).Inc()
	telemetry.JobDuration.WithLabelValues(job.Type, outcome).Observe(elapsed.Seconds())
}

// dispatch routes a job to its handler. A panicking handler settles as a
// failure for that job alone; siblings in the chunk keep running.
func (p *Processor) dispatch(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

// backoffDelay doubles per attempt from base up to cap. Deterministic so
// retry schedules never shrink between attempts.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
