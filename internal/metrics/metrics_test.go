package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Dial(true)
	c.Reconcile("attached")
	c.ConnState("connected", []string{"connected"})
	require.Nil(t, c.Registry())
}

func TestCountersAndExposition(t *testing.T) {
	c := New()
	c.Reconcile("attached")
	c.Reconcile("attached")
	c.Reconcile("missed")
	c.Dial(false)

	require.Equal(t, 2.0, testutil.ToFloat64(c.reconciles.WithLabelValues("attached")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.reconciles.WithLabelValues("missed")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "lunark_socket_dial_total"))
}
