package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestStatsUpdater_GaugesAndCounters(t *testing.T) {
	su := NewStatsUpdater()
	RegisterDefaults(su)

	su.Incr(ActiveConnections)
	su.Incr(ActiveConnections)
	su.Decr(ActiveConnections)
	su.Incr(MessagesPersisted)

	assert.Equal(t, float64(1), testutil.ToFloat64(su.gauges[ActiveConnections]), "expected gauge to be 1")
	assert.Equal(t, float64(1), testutil.ToFloat64(su.counters[MessagesPersisted]), "expected counter to be 1")
}

func TestStatsUpdater_RegisterTwice(t *testing.T) {
	su := NewStatsUpdater()
	su.RegisterGauge(OnlineUsers, "help")
	assert.NotPanics(t, func() { su.RegisterGauge(OnlineUsers, "help") }, "expected duplicate registration to be ignored")
}

func TestStatsUpdater_UnknownMetric(t *testing.T) {
	su := NewStatsUpdater()
	su.RegisterCounter(QuotaRejections, "help")

	assert.Panics(t, func() { su.Incr("unknown") }, "expected panic for unknown metric")
	assert.Panics(t, func() { su.Decr(QuotaRejections) }, "expected panic decrementing a counter")
}

func TestStatsUpdater_Handler(t *testing.T) {
	su := NewStatsUpdater()
	RegisterDefaults(su)
	su.Incr(OnlineUsers)
	su.ObserveRequest(http.MethodGet, "/api/conversations", http.StatusOK, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	su.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "skillswap_online_users 1")
	assert.Contains(t, body, `skillswap_http_requests_total{method="GET",path="/api/conversations",status="200"} 1`)
	assert.Contains(t, body, "skillswap_uptime_seconds")
}

func TestRegisterDefaults(t *testing.T) {
	m := &MockStatsUpdater{}
	m.On("RegisterGauge", mock.Anything, mock.Anything).Return()
	m.On("RegisterCounter", mock.Anything, mock.Anything).Return()

	RegisterDefaults(m)

	m.AssertNumberOfCalls(t, "RegisterGauge", 3)
	m.AssertNumberOfCalls(t, "RegisterCounter", 3)
	m.AssertCalled(t, "RegisterCounter", TransportDrops, mock.Anything)
}
