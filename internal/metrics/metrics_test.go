package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Signed("timestamp")
	m.Signed("timestamp")
	m.Retransmitted()
	m.Refused("already_seen")
	m.Rejected("bad_signature")
	m.Collected("timestamp", true, 20*time.Millisecond)
	m.Collected("timestamp", false, time.Second)
	m.SetSize(4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.signed.WithLabelValues("timestamp")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retransmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.refused.WithLabelValues("already_seen")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.quorum.WithLabelValues("timestamp", "no_quorum")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.setSize))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.Signed("timestamp")
	m.Retransmitted()
	m.Refused("x")
	m.Rejected("x")
	m.Collected("timestamp", true, time.Millisecond)
	m.SetSize(1)

	require.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Signed("absence")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `dato_signer_attestations_signed_total{kind="absence"} 1`))
}
