package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/engine"
	"github.com/m1ssion/smartpush/internal/mailer"
	"github.com/m1ssion/smartpush/internal/redis"
)

// MockRunner is a fake engine for testing
type MockRunner struct {
	mu    sync.Mutex
	calls []engine.Invocation
	err   error
	ready error
	stats engine.Stats
}

func (m *MockRunner) Run(ctx context.Context, inv *engine.Invocation) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, *inv)
	if m.err != nil {
		return nil, m.err
	}
	return &engine.Report{RunID: uuid.New(), Stats: m.stats}, nil
}

func (m *MockRunner) Ready() error { return m.ready }

type mockEnqueuer struct {
	invs []engine.Invocation
	err  error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, inv engine.Invocation) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.invs = append(m.invs, inv)
	return fmt.Sprintf("msg-%d", len(m.invs)), nil
}

type mockMailer struct {
	sent []mailer.Email
	err  error
}

func (m *mockMailer) Send(ctx context.Context, email *mailer.Email) (string, error) {
	if err := email.Validate(); err != nil {
		return "", err
	}
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, *email)
	return "ses-1", nil
}

func newIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewIdempotencyService(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
}

func serve(h *Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	NewRouter(h, nil, zap.NewNop()).ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestRunPush_Success(t *testing.T) {
	runner := &MockRunner{stats: engine.Stats{TemplatesChecked: 2, UsersProcessed: 10, NotificationsSent: 7, UsersSkipped: 3}}
	h := NewHandler(zap.NewNop(), runner)

	rec := serve(h, http.MethodPost, "/v1/push/run", `{"trigger":"cron"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if raw["success"] != true {
		t.Errorf("success = %v", raw["success"])
	}
	stats, _ := raw["stats"].(map[string]any)
	for k, want := range map[string]float64{"templates_checked": 2, "users_processed": 10, "notifications_sent": 7, "users_skipped": 3} {
		if stats[k] != want {
			t.Errorf("stats.%s = %v, want %v", k, stats[k], want)
		}
	}
}

func TestRunPush_EmptyBody(t *testing.T) {
	runner := &MockRunner{}
	h := NewHandler(zap.NewNop(), runner)

	rec := serve(h, http.MethodPost, "/v1/push/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(runner.calls) != 1 || runner.calls[0].Trigger != "" {
		t.Errorf("expected a default invocation, got %+v", runner.calls)
	}
}

func TestRunPush_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"trigger":`, nil, http.StatusBadRequest},
		{"validation", `{"trigger":"weekly"}`, &engine.ValidationError{Fields: map[string]string{"trigger": "failed 'oneof'"}}, http.StatusBadRequest},
		{"config", `{}`, fmt.Errorf("%w: web push not configured", engine.ErrConfig), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(zap.NewNop(), &MockRunner{err: tt.err})
			rec := serve(h, http.MethodPost, "/v1/push/run", tt.body, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			resp := decodeRun(t, rec)
			if resp.Success || resp.Error == "" {
				t.Errorf("expected failure with message, got %+v", resp)
			}
		})
	}
}

func TestRunPush_IdempotentReplay(t *testing.T) {
	runner := &MockRunner{stats: engine.Stats{NotificationsSent: 4}}
	h := NewHandler(zap.NewNop(), runner, WithIdempotency(newIdempotency(t)))
	headers := map[string]string{"Idempotency-Key": "cron-2026-03-14T19"}

	first := serve(h, http.MethodPost, "/v1/push/run", `{}`, headers)
	second := serve(h, http.MethodPost, "/v1/push/run", `{}`, headers)

	if len(runner.calls) != 1 {
		t.Fatalf("expected a single run, got %d", len(runner.calls))
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("second response should be a replay")
	}
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Errorf("replay differs: %d %q vs %d %q", second.Code, second.Body.String(), first.Code, first.Body.String())
	}
}

func TestRunPush_FailedRunReleasesKey(t *testing.T) {
	runner := &MockRunner{err: errors.New("boom")}
	h := NewHandler(zap.NewNop(), runner, WithIdempotency(newIdempotency(t)))
	headers := map[string]string{"Idempotency-Key": "retry-me"}

	if rec := serve(h, http.MethodPost, "/v1/push/run", `{}`, headers); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	runner.err = nil
	if rec := serve(h, http.MethodPost, "/v1/push/run", `{}`, headers); rec.Code != http.StatusOK {
		t.Fatalf("retry after failure should run again, got %d", rec.Code)
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runner.calls))
	}
}

func TestRunPush_InFlightDuplicate(t *testing.T) {
	svc := newIdempotency(t)
	if _, err := svc.CheckOrReserve(context.Background(), idempotencyScope, "busy"); err != nil {
		t.Fatal(err)
	}

	runner := &MockRunner{}
	h := NewHandler(zap.NewNop(), runner, WithIdempotency(svc))
	rec := serve(h, http.MethodPost, "/v1/push/run", `{}`, map[string]string{"Idempotency-Key": "busy"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(runner.calls) != 0 {
		t.Error("duplicate must not run")
	}
}

func TestEnqueueEvent(t *testing.T) {
	events := &mockEnqueuer{}
	h := NewHandler(zap.NewNop(), &MockRunner{}, WithEvents(events))

	rec := serve(h, http.MethodPost, "/v1/push/events",
		`{"trigger":"cron","template_key":"clue_unlocked","user_id":"7b0c7a4e-7c1f-4a4e-9d0b-3f2a1c9e8d77","event_data":{"clue_title":"La torre"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EnqueueResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.MessageID != "msg-1" {
		t.Errorf("message id = %q", resp.MessageID)
	}
	if events.invs[0].Trigger != "event" {
		t.Errorf("trigger must be forced to event, got %q", events.invs[0].Trigger)
	}
	if events.invs[0].EventData["clue_title"] != "La torre" {
		t.Errorf("event data lost: %+v", events.invs[0].EventData)
	}
}

func TestEnqueueEvent_Errors(t *testing.T) {
	if rec := serve(NewHandler(zap.NewNop(), &MockRunner{}), http.MethodPost, "/v1/push/events", `{}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without a queue expected 503, got %d", rec.Code)
	}

	h := NewHandler(zap.NewNop(), &MockRunner{}, WithEvents(&mockEnqueuer{}))
	if rec := serve(h, http.MethodPost, "/v1/push/events", `{"user_id":"agent-007"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid user id expected 400, got %d", rec.Code)
	}

	h = NewHandler(zap.NewNop(), &MockRunner{}, WithEvents(&mockEnqueuer{err: errors.New("sqs down")}))
	if rec := serve(h, http.MethodPost, "/v1/push/events", `{}`, nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("enqueue failure expected 500, got %d", rec.Code)
	}
}

func TestSendEmail(t *testing.T) {
	m := &mockMailer{}
	h := NewHandler(zap.NewNop(), &MockRunner{}, WithMailer(m))

	rec := serve(h, http.MethodPost, "/v1/email", `{"to":"agent@m1ssion.eu","subject":"Premio","body":"Hai vinto"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(m.sent) != 1 || m.sent[0].Subject != "Premio" {
		t.Errorf("unexpected sent mail %+v", m.sent)
	}

	rec = serve(h, http.MethodPost, "/v1/email", `{"to":"nobody"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid email expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %s", ct)
	}

	m.err = errors.New("MessageRejected")
	rec = serve(h, http.MethodPost, "/v1/email", `{"to":"agent@m1ssion.eu","subject":"s","body":"b"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("provider failure expected 502, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	runner := &MockRunner{ready: fmt.Errorf("%w: missing VAPID keys", engine.ErrConfig)}
	rec := serve(NewHandler(zap.NewNop(), runner), http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("health must stay up when misconfigured, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["engine"] == "ok" {
		t.Errorf("unexpected health body %v", body)
	}
}
