package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pitch-pipeline/internal/config"
	"pitch-pipeline/internal/models"
	"pitch-pipeline/internal/queue"
	"pitch-pipeline/internal/telemetry"
)

// ServiceLLM names the guarded text-generation downstream for the breaker
// and rate limiter.
const ServiceLLM = "openai"

const systemPrompt = "You are a copywriter for a lead-generation agency. " +
	"Write a spoken 30-second elevator pitch in first person, under 90 words, " +
	"punchy and concrete. No preamble, no quotation marks, output the pitch only."

type pitchStore interface {
	GetPitch(ctx context.Context, id string) (models.Pitch, error)
	SetPitchOutput(ctx context.Context, id, output string) error
}

type enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error)
}

type textGenerator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type callBreaker interface {
	Allow(ctx context.Context, service string) (bool, error)
	RecordSuccess(ctx context.Context, service string) error
	RecordFailure(ctx context.Context, service string) error
}

type windowLimiter interface {
	Allow(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error)
}

// GenerateHandler produces the pitch for a submission. Breaker and limiter
// are consulted before any external call; a denial fails the attempt without
// spending provider quota and the queue retries it with backoff.
type GenerateHandler struct {
	cfg     config.Config
	store   pitchStore
	queue   enqueuer
	breaker callBreaker
	limiter windowLimiter
	llm     textGenerator
	logger  *zap.SugaredLogger
}

// NewGenerateHandler wires the generation pipeline.
func NewGenerateHandler(cfg config.Config, st pitchStore, q enqueuer, cb callBreaker, rl windowLimiter, gen textGenerator, logger *zap.SugaredLogger) *GenerateHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GenerateHandler{cfg: cfg, store: st, queue: q, breaker: cb, limiter: rl, llm: gen, logger: logger}
}

// Handle runs one generation attempt for the job's record.
func (h *GenerateHandler) Handle(ctx context.Context, job models.Job) error {
	if job.RecordID == "" {
		return fmt.Errorf("generate job %s has no record_id", job.ID)
	}
	pitch, err := h.store.GetPitch(ctx, job.RecordID)
	if err != nil {
		return fmt.Errorf("load pitch %s: %w", job.RecordID, err)
	}

	allowed, err := h.breaker.Allow(ctx, ServiceLLM)
	if err != nil {
		return fmt.Errorf("breaker check: %w", err)
	}
	if !allowed {
		telemetry.BreakerRejects.Inc()
		return fmt.Errorf("circuit breaker open for %s", ServiceLLM)
	}

	allowed, err = h.limiter.Allow(ctx, "service:"+ServiceLLM, h.cfg.LLMRateLimit, h.cfg.LLMRateWindow)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return fmt.Errorf("rate limit exceeded for %s", ServiceLLM)
	}

	output, err := h.llm.Complete(ctx, systemPrompt, userPrompt(pitch))
	if err != nil {
		if bErr := h.breaker.RecordFailure(ctx, ServiceLLM); bErr != nil {
			h.logger.Warnw("record breaker failure", "error", bErr)
		}
		return fmt.Errorf("generate pitch: %w", err)
	}
	if bErr := h.breaker.RecordSuccess(ctx, ServiceLLM); bErr != nil {
		h.logger.Warnw("record breaker success", "error", bErr)
	}

	if err := h.store.SetPitchOutput(ctx, pitch.ID, output); err != nil {
		return fmt.Errorf("persist pitch output: %w", err)
	}

	// Export is fire-and-forget from the user's point of view: an enqueue
	// failure here is logged, never propagated, so it cannot fail a
	// generation that already succeeded.
	if _, err := h.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:       models.JobTypeExport,
		RecordID:   pitch.ID,
		Priority:   models.PriorityLow,
		MaxRetries: h.cfg.MaxRetries,
	}); err != nil {
		h.logger.Warnw("enqueue export job failed", "record_id", pitch.ID, "error", err)
	}
	return nil
}

func userPrompt(p models.Pitch) string {
	return fmt.Sprintf(
		"Founder: %s\nCompany: %s\nCategory: %s\nUnique selling point: %s\nThe pitch should ask for: %s\n",
		p.Name, p.Company, p.Category, p.USP, p.SpecificAsk,
	)
}
