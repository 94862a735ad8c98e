package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObserveTransition("paid", "credentials_submitted")
	r.ObserveTransition("paid", "credentials_submitted")
	r.ObserveDecryption("failure")
	r.ObserveDashboardFallback("open_disputes")
	r.ObserveHTTP("GET", "/admin/escrow", 200, 15*time.Millisecond)
	r.ObserveHTTP("GET", "", 404, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.transitions.WithLabelValues("paid", "credentials_submitted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.decryptions.WithLabelValues("failure")))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.decryptions.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.dashboardFallbacks.WithLabelValues("open_disputes")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "/admin/escrow", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.ObserveTransition("a", "b")
	r.ObserveDecryption("success")
	r.ObserveDashboardFallback("x")
	r.ObserveHTTP("GET", "/", 200, time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler_Exposes(t *testing.T) {
	r := New(nil)
	r.ObserveDecryption("success")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `escrowdesk_credential_decryptions_total{result="success"} 1`))
}
