package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveHelpers(t *testing.T) {
	m := New("")

	m.ObserveWorker("PING", "ok", time.Millisecond)
	m.ObserveWorker("PING", "ok", time.Millisecond)
	m.ObserveLock("apply", "ok", time.Millisecond)
	m.ObserveHandshake("timeout")
	m.SetResident(true)
	m.IncRateLimited()

	body := scrape(t, m)
	assert.Contains(t, body, `tatchi_worker_requests_total{result="ok",type="PING"} 2`)
	assert.Contains(t, body, `tatchi_relay_lock_operations_total{op="apply",status="ok"} 1`)
	assert.Contains(t, body, `tatchi_handshake_outcomes_total{outcome="timeout"} 1`)
	assert.Contains(t, body, "tatchi_worker_resident_keypair_active 1")
	assert.Contains(t, body, "tatchi_relay_rate_limited_total 1")

	m.SetResident(false)
	assert.Contains(t, scrape(t, m), "tatchi_worker_resident_keypair_active 0")
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.ObserveWorker("PING", "ok", time.Millisecond)
	m.ObserveLock("apply", "ok", time.Millisecond)
	m.ObserveHandshake("delivered")
	m.SetResident(true)
	m.IncRateLimited()
	m.TrackHandshakeSessions(func() int { return 1 })
}

func TestTrackHandshakeSessions(t *testing.T) {
	m := New("")
	n := 2
	m.TrackHandshakeSessions(func() int { return n })
	assert.Contains(t, scrape(t, m), "tatchi_handshake_sessions 2")
	n = 0
	assert.Contains(t, scrape(t, m), "tatchi_handshake_sessions 0")
}

func TestCustomNamespace(t *testing.T) {
	m := New("tatchi_test")
	m.ObserveWorker("LOGOUT", "ok", time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "tatchi_test_worker_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}
