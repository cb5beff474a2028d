package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/engine"
	"github.com/m1ssion/smartpush/internal/mailer"
	"github.com/m1ssion/smartpush/internal/metrics"
	"github.com/m1ssion/smartpush/internal/redis"
)

const (
	idempotencyScope = "run"
	maxBodyBytes     = 64 << 10
)

// Runner executes a push run. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, inv *engine.Invocation) (*engine.Report, error)
	Ready() error
}

// Idempotency is implemented by *redis.IdempotencyService.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, idempotencyKey string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, idempotencyKey string) error
}

// Enqueuer hands event invocations to the queue. *sqs.Producer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, inv engine.Invocation) (string, error)
}

// RunResponse is the body of POST /v1/push/run.
type RunResponse struct {
	Success bool          `json:"success"`
	Stats   *engine.Stats `json:"stats,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// EnqueueResponse is returned after an event is accepted.
type EnqueueResponse struct {
	MessageID string `json:"message_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	runner      Runner
	idempotency Idempotency // nil if Redis not configured
	events      Enqueuer    // nil if SQS not configured
	mailer      mailer.Mailer
}

type Option func(*Handler)

// WithIdempotency enables Idempotency-Key support on runs.
func WithIdempotency(svc Idempotency) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithEvents enables POST /v1/push/events.
func WithEvents(e Enqueuer) Option {
	return func(h *Handler) { h.events = e }
}

// WithMailer enables POST /v1/email.
func WithMailer(m mailer.Mailer) Option {
	return func(h *Handler) { h.mailer = m }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, runner Runner, opts ...Option) *Handler {
	h := &Handler{logger: logger, runner: runner}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunPush handles POST /v1/push/run.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) RunPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inv, err := decodeInvocation(r)
	if err != nil {
		h.writeRun(w, http.StatusBadRequest, RunResponse{Error: "malformed JSON body: " + err.Error()})
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyScope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeRun(w, http.StatusConflict, RunResponse{Error: "a run with this idempotency key is in progress"})
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	report, err := h.runner.Run(ctx, inv)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(context.WithoutCancel(ctx), idempotencyScope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}

		status := http.StatusInternalServerError
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		} else {
			h.logger.Error("push run failed", zap.Error(err))
		}
		h.writeRun(w, status, RunResponse{Error: err.Error()})
		return
	}

	body, _ := json.Marshal(RunResponse{Success: true, Stats: &report.Stats})
	if reserved {
		result := &redis.IdempotencyResult{StatusCode: http.StatusOK, Body: body, CreatedAt: time.Now().Unix()}
		if err := h.idempotency.Store(context.WithoutCancel(ctx), idempotencyScope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// EnqueueEvent handles POST /v1/push/events. The invocation is always run
// as an event trigger.
func (h *Handler) EnqueueEvent(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_disabled", "Event queue not configured", "")
		return
	}

	inv, err := decodeInvocation(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	inv.Trigger = db.TriggerEvent

	// reject what the consumer would drop anyway
	if _, err := engine.ReadTrigger(inv, time.Now(), time.UTC); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid invocation", err.Error())
		return
	}

	msgID, err := h.events.Enqueue(r.Context(), *inv)
	if err != nil {
		h.logger.Error("failed to enqueue event", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
		return
	}

	h.logger.Info("event enqueued",
		zap.String("template_key", inv.TemplateKey),
		zap.String("user_id", inv.UserID),
		zap.String("sqs_message_id", msgID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EnqueueResponse{MessageID: msgID})
}

// SendEmail handles POST /v1/email.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	if h.mailer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "email_disabled", "Email not configured", "")
		return
	}

	var email mailer.Email
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&email); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	msgID, err := h.mailer.Send(r.Context(), &email)
	if err != nil {
		var ierr *mailer.InvalidEmailError
		if errors.As(err, &ierr) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", err.Error())
			return
		}
		h.logger.Error("failed to send email", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "provider_error", "Failed to send email", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(EnqueueResponse{MessageID: msgID})
}

// Health handles GET /health. The process is healthy even when the engine
// is misconfigured; that is reported under "engine".
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "engine": "ok"}
	if err := h.runner.Ready(); err != nil {
		body["engine"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeInvocation reads an optional JSON body; an empty body is a default
// cron invocation.
func decodeInvocation(r *http.Request) (*engine.Invocation, error) {
	var inv engine.Invocation
	if r.Body == nil {
		return &inv, nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&inv)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &inv, nil
}

func (h *Handler) writeRun(w http.ResponseWriter, status int, resp RunResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeError writes a problem+json error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
