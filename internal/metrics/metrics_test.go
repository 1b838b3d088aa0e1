package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordingMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveEscalation("error")
	m.ObserveEscalation("error")
	m.ObserveResidentialRequest("acme", false)
	m.ObserveHeartbeat(true)
	m.SetHeartbeatAge(90 * time.Second)
	m.ObserveRecovery("stale_heartbeat")
	m.ObserveScanRun("completed", 3*time.Second, 4)
	m.ObserveSignals("feed", 0)

	if got := testutil.ToFloat64(m.escalations.WithLabelValues("error")); got != 2 {
		t.Fatalf("escalations = %v", got)
	}
	if got := testutil.ToFloat64(m.residentialRequests.WithLabelValues("acme", "denied")); got != 1 {
		t.Fatalf("denied residential requests = %v", got)
	}
	if got := testutil.ToFloat64(m.heartbeatAge); got != 90 {
		t.Fatalf("heartbeat age = %v", got)
	}
	if got := testutil.ToFloat64(m.candidatesProcessed); got != 4 {
		t.Fatalf("candidates processed = %v", got)
	}
	if got := testutil.CollectAndCount(m.signalsIngested); got != 0 {
		t.Fatalf("expected no signal series for zero adds, got %d", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveEscalation("confidence")
	m.ObserveResidentialRequest("acme", true)
	m.ObserveVerifiedDeal("acme")
	m.ObservePassError("datacenter", "blocked")
	m.ObserveAdmission("acme", "admitted")
	m.ObserveSignals("feed", 3)
	m.ObserveHeartbeat(false)
	m.SetHeartbeatAge(time.Second)
	m.ObserveRecovery("orphaned")
	m.ObserveScanRun("failed", time.Second, 0)
	m.ObserveBaselines(2)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
