package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pitch-pipeline/internal/config"
	"pitch-pipeline/internal/models"
	"pitch-pipeline/internal/queue"
	"pitch-pipeline/internal/store"
	"pitch-pipeline/internal/telemetry"
	"pitch-pipeline/internal/worker"
)

type recordStore interface {
	CreatePitch(ctx context.Context, p store.CreatePitchParams) (models.Pitch, error)
	GetPitch(ctx context.Context, id string) (models.Pitch, error)
	ClearPitchOutput(ctx context.Context, id string) error
}

type jobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error)
	LatestForRecord(ctx context.Context, recordID string) (models.Job, bool, error)
}

type processorRunner interface {
	RunOnce(ctx context.Context) (worker.Result, error)
}

type rateLimiter interface {
	Allow(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error)
}

// Server wires the HTTP handlers for intake, polling, and the processor
// trigger.
type Server struct {
	cfg       config.Config
	store     recordStore
	queue     jobQueue
	limiter   rateLimiter
	processor processorRunner
	logger    *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, st recordStore, q jobQueue, limiter rateLimiter, proc processorRunner, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{cfg: cfg, store: st, queue: q, limiter: limiter, processor: proc, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/pitches", s.handleSubmit)
	r.Post("/api/pitches/status", s.handleStatus)
	r.Post("/api/pitches/regenerate", s.handleRegenerate)
	r.Post("/api/process", s.handleProcess)
	return r
}

type submitRequest struct {
	Name        string `json:"name"`
	WhatsApp    string `json:"whatsapp"`
	Company     string `json:"company"`
	Category    string `json:"category"`
	USP         string `json:"usp"`
	SpecificAsk string `json:"specificAsk"`
}

func (r submitRequest) validate() string {
	fields := map[string]string{
		"name":        r.Name,
		"whatsapp":    r.WhatsApp,
		"company":     r.Company,
		"category":    r.Category,
		"usp":         r.USP,
		"specificAsk": r.SpecificAsk,
	}
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return name + " is required"
		}
	}
	return ""
}

// handleSubmit persists the submission, enqueues the generation job, and
// returns the record id plus access token immediately. Processing is never
// reported unless both the record write and the enqueue succeeded.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "ip:"+clientIP(r), s.cfg.IntakeRateLimit, s.cfg.IntakeRateWindow)
		if err != nil {
			s.logger.Warnw("intake rate limit check failed", "error", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many submissions, try again shortly")
			return
		}
	}

	pitch, err := s.store.CreatePitch(r.Context(), store.CreatePitchParams{
		Name:        strings.TrimSpace(req.Name),
		WhatsApp:    strings.TrimSpace(req.WhatsApp),
		Company:     strings.TrimSpace(req.Company),
		Category:    strings.TrimSpace(req.Category),
		USP:         strings.TrimSpace(req.USP),
		SpecificAsk: strings.TrimSpace(req.SpecificAsk),
	})
	if err != nil {
		s.logger.Errorw("persist submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save submission")
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:       models.JobTypeGenerate,
		RecordID:   pitch.ID,
		Priority:   models.PriorityHigh,
		MaxRetries: s.cfg.MaxRetries,
	}); err != nil {
		s.logger.Errorw("enqueue generation job failed", "record_id", pitch.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue generation")
		return
	}

	telemetry.IntakeCounter.Inc()
	s.triggerProcessor()

	writeJSON(w, http.StatusOK, map[string]any{
		"recordId":    pitch.ID,
		"accessToken": pitch.AccessToken,
		"status":      "processing",
	})
}

type statusRequest struct {
	RecordID    string `json:"recordId"`
	AccessToken string `json:"accessToken"`
}

// handleStatus reports the current state of a submission. A token mismatch
// is answered exactly like a missing record.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	pitch, ok := s.authorize(r.Context(), w, req.RecordID, req.AccessToken)
	if !ok {
		return
	}

	if pitch.Output != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "completed",
			"generatedOutput": *pitch.Output,
			"record":          pitch,
		})
		return
	}

	job, found, err := s.queue.LatestForRecord(r.Context(), pitch.ID)
	if err != nil {
		s.logger.Errorw("job lookup failed", "record_id", pitch.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check status")
		return
	}

	status := "pending"
	resp := map[string]any{"record": pitch}
	if found {
		switch job.Status {
		case models.StatusFailed:
			status = "failed"
			if job.ErrorMessage != nil {
				resp["errorMessage"] = *job.ErrorMessage
			} else {
				resp["errorMessage"] = "generation failed"
			}
		case models.StatusCompleted:
			// Output is nil here, so it was cleared after this job finished
			// and no replacement job exists yet. Nothing is running.
			status = "pending"
		default:
			status = "processing"
		}
	}
	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}

// handleRegenerate clears the stored output and queues a fresh generation
// job. This is the only path that overwrites a completed pitch; a late
// retry of the old job racing it is tolerated as last-write-wins.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	pitch, ok := s.authorize(r.Context(), w, req.RecordID, req.AccessToken)
	if !ok {
		return
	}

	if err := s.store.ClearPitchOutput(r.Context(), pitch.ID); err != nil {
		s.logger.Errorw("clear output failed", "record_id", pitch.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to regenerate")
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:       models.JobTypeGenerate,
		RecordID:   pitch.ID,
		Priority:   models.PriorityHigh,
		MaxRetries: s.cfg.MaxRetries,
	}); err != nil {
		s.logger.Errorw("enqueue regeneration failed", "record_id", pitch.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue regeneration")
		return
	}

	s.triggerProcessor()
	writeJSON(w, http.StatusOK, map[string]any{
		"recordId": pitch.ID,
		"status":   "processing",
	})
}

// handleProcess runs one processor invocation synchronously so schedulers
// and the post-intake trigger can wake the worker on demand.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, http.StatusInternalServerError, "processor not configured")
		return
	}
	res, err := s.processor.RunOnce(r.Context())
	if err != nil {
		s.logger.Errorw("processor invocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"processedJobs": res.Processed,
		"queueSize":     res.QueueDepth,
	})
}

// authorize loads the pitch and checks the capability token. Not-found and
// token mismatch produce the identical response so existence never leaks.
func (s *Server) authorize(ctx context.Context, w http.ResponseWriter, recordID, token string) (models.Pitch, bool) {
	if recordID == "" || token == "" {
		writeError(w, http.StatusNotFound, "record not found")
		return models.Pitch{}, false
	}
	pitch, err := s.store.GetPitch(ctx, recordID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Errorw("pitch lookup failed", "error", err)
		}
		writeError(w, http.StatusNotFound, "record not found")
		return models.Pitch{}, false
	}
	if subtle.ConstantTimeCompare([]byte(pitch.AccessToken), []byte(token)) != 1 {
		writeError(w, http.StatusNotFound, "record not found")
		return models.Pitch{}, false
	}
	return pitch, true
}

// triggerProcessor wakes the worker without blocking the request that
// caused it.
func (s *Server) triggerProcessor() {
	if s.processor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.processor.RunOnce(ctx); err != nil {
			s.logger.Warnw("background processor run failed", "error", err)
		}
	}()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
