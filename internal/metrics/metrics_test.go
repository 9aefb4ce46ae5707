package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Matched()
		m.Settled(SettlementCreated)
		m.CallDuration(12)
		m.RelayWaiting(3)
	})
}

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.Settled(SettlementCreated)
	m.Settled(SettlementAdopted)
	m.Settled(SettlementAdopted)
	m.ProtocolViolation("call_user")
	m.Matched()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues(SettlementCreated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlements.WithLabelValues(SettlementAdopted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.protocolViolations.WithLabelValues("call_user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matches))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.CallDuration(137)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "heartline_call_duration_seconds_sum 137"))
}
