package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDecisionAndAdmitted(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Decision("image", "admitted")
	m.Decision("image", "admitted")
	m.Decision("image", "rate_limited")
	m.Admitted("image", 0.05)
	m.Admitted("image", 0.05)

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("image", "admitted")); got != 2 {
		t.Errorf("admitted: got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("image", "rate_limited")); got != 1 {
		t.Errorf("rate_limited: got %v", got)
	}
	if got := testutil.ToFloat64(m.revenue.WithLabelValues("image")); got < 0.0999 || got > 0.1001 {
		t.Errorf("revenue: got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Decision("text", "admitted")
	m.Admitted("text", 1)
	m.Facilitator("VERIFIED", time.Second)
	m.Upload()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())
	m.Upload()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/uploads/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", m.Handler())

	for i := 0; i < 3; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/uploads/abc", nil))
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/uploads/:id", "200")); got != 3 {
		t.Errorf("requests by route: got %v", got)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chronicle_uploads_total 1") {
		t.Errorf("exposition missing uploads counter:\n%s", w.Body.String())
	}
}
