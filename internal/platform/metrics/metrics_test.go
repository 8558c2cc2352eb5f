package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matches(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != want {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestRecorder_DomainCounters(t *testing.T) {
	r := NewRecorder()
	r.MessageIngested("mllp", "inserted")
	r.MessageIngested("mllp", "inserted")
	r.MessageIngested("http", "parse_error")
	r.RiskEvaluated("LEVEL_3_4", "ALERT")

	if v := counterValue(t, r, "oncopharm_ingest_messages_total", map[string]string{"source": "mllp", "outcome": "inserted"}); v != 2 {
		t.Errorf("expected 2 mllp inserts, got %v", v)
	}
	if v := counterValue(t, r, "oncopharm_ingest_messages_total", map[string]string{"source": "http", "outcome": "parse_error"}); v != 1 {
		t.Errorf("expected 1 http parse error, got %v", v)
	}
	if v := counterValue(t, r, "oncopharm_risk_evaluations_total", map[string]string{"severity": "LEVEL_3_4", "status": "ALERT"}); v != 1 {
		t.Errorf("expected 1 alert evaluation, got %v", v)
	}
}

func TestRecorder_SeparateRegistries(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.RiskEvaluated("NORMAL", "STABLE")
	if v := counterValue(t, b, "oncopharm_risk_evaluations_total", map[string]string{"severity": "NORMAL"}); v != 0 {
		t.Errorf("recorders must not share counters, got %v", v)
	}
}

func TestRecorder_MiddlewareAndHandler(t *testing.T) {
	r := NewRecorder()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/api/v1/patients/:id/risk", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", echo.WrapHandler(r.Handler()))

	for _, id := range []string{"1001", "1002"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+id+"/risk", nil))
	}

	labels := map[string]string{"method": "GET", "route": "/api/v1/patients/:id/risk", "status": "200"}
	if v := counterValue(t, r, "oncopharm_http_requests_total", labels); v != 2 {
		t.Errorf("expected both requests under one route label, got %v", v)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "oncopharm_http_requests_total") {
		t.Errorf("unexpected /metrics response %d", rec.Code)
	}
}
