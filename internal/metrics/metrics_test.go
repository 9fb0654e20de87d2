package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/scheduled-messages/{id}", 200, 100*time.Millisecond)
	RecordRequest("POST", "/internal/scheduler/run", 401, 5*time.Millisecond)
}

func TestRecordRun(t *testing.T) {
	RecordRun("http", "ok", 250*time.Millisecond)
	RecordRun("cron", "error", time.Second)
	RecordRun("queue", "locked", 0)
	SetDue(12)
}

func TestRecordProcessed(t *testing.T) {
	RecordProcessed("advanced", "chat")
	RecordProcessed("completed", "push")
	RecordProcessed("failed", "email")
	RecordProcessed("conflict", "webhook")
}

func TestRecordDelivery(t *testing.T) {
	RecordDelivery("chat", 20*time.Millisecond, 3*time.Minute)
	RecordDelivery("webhook", time.Second, -time.Second)
	RecordLedgerSkip()
	RecordLockContention()
	RecordTransitionEventFailed()
}

func TestGauges(t *testing.T) {
	SetCircuitBreakerState("push", 1)
	SetCircuitBreakerState("push", 0)
	SetDBConnections(4)
	RecordIdempotencyHit()
	RecordRateLimitRejection("trip")
}

func TestHandler(t *testing.T) {
	RecordRun("http", "ok", time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "waypoint_scheduler_runs_total") {
		t.Error("expected scheduler run counter in exposition")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/scheduled-messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/v1/scheduled-messages/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", rec.Code)
	}

	exp := httptest.NewRecorder()
	Handler().ServeHTTP(exp, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(exp.Body.String(), `path="/v1/scheduled-messages/{id}"`) {
		t.Error("expected the route pattern, not the raw path, as label")
	}
}

func TestRoutePattern_Unmatched(t *testing.T) {
	req := httptest.NewRequest("GET", "/nowhere", nil)
	if got := routePattern(req); got != "unmatched" {
		t.Errorf("expected unmatched, got %s", got)
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
