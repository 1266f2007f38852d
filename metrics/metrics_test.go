package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Outcome("ok")
	m.Outcome("ok")
	m.Outcome("rate_limited")
	m.Blocked()
	m.Provider("ok", 300*time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("rate_limited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.blocks); got != 1 {
		t.Errorf("blocks = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.providerLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Outcome("ok")
	m.Blocked()
	m.Provider("ok", time.Second)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Outcome("ok")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `portfoliochat_chat_requests_total{outcome="ok"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
