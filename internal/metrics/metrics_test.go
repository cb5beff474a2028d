package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("cron", "success"))
	RecordRun("cron", "success", 2*time.Second)
	after := testutil.ToFloat64(runsTotal.WithLabelValues("cron", "success"))

	if after-before != 1 {
		t.Errorf("expected runs counter to grow by 1, grew by %v", after-before)
	}
}

func TestRecordNotificationSent(t *testing.T) {
	before := testutil.ToFloat64(notificationsSent.WithLabelValues("aion", "webpush"))
	RecordNotificationSent("aion", "webpush")
	RecordNotificationSent("aion", "webpush")
	after := testutil.ToFloat64(notificationsSent.WithLabelValues("aion", "webpush"))

	if after-before != 2 {
		t.Errorf("expected +2, got %v", after-before)
	}
}

func TestRecordSendLogRows(t *testing.T) {
	before := testutil.ToFloat64(sendLogRows)
	RecordSendLogRows(5)
	if got := testutil.ToFloat64(sendLogRows) - before; got != 5 {
		t.Errorf("expected +5, got %v", got)
	}
}

func TestRecorders_DoNotPanic(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordTemplatesSelected("event", 3)
	RecordUserSkipped("no_subscription")
	RecordDeliveryFailure("webpush", "status_500")
	RecordSubscriptionDeactivated("sns")
	RecordQueryFailure("templates")
	RecordIdempotencyHit()
	RecordRateLimitRejection("caller:admin")
	SetCircuitState("webpush", 1)
	RecordEventEnqueued()
	RecordEventConsumed("processed")
	RecordEmail("sent")
	SetDBConnections(4)
}

func TestHandler(t *testing.T) {
	RecordRun("test", "success", time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "smartpush_runs_total") {
		t.Error("metrics output should contain smartpush_runs_total")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/things/{id}", "201"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/things/42", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/things/{id}", "201"))
	if after-before != 1 {
		t.Errorf("expected request to be recorded under the route pattern")
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
