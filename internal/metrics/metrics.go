package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pricewatch"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	escalations          *prometheus.CounterVec
	residentialRequests  *prometheus.CounterVec
	verifiedDeals        *prometheus.CounterVec
	passErrors           *prometheus.CounterVec
	admissions           *prometheus.CounterVec
	signalsIngested      *prometheus.CounterVec
	heartbeats           *prometheus.CounterVec
	heartbeatAge         prometheus.Gauge
	watchdogRecoveries   *prometheus.CounterVec
	scanRuns             *prometheus.CounterVec
	scanDuration         prometheus.Histogram
	candidatesProcessed  prometheus.Counter
	baselineRecalculated prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candidate", Name: "escalations_total",
			Help: "Residential escalations by trigger.",
		}, []string{"trigger"}),
		residentialRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "residential", Name: "requests_total",
			Help: "Residential budget checks by retailer and outcome.",
		}, []string{"retailer", "outcome"}),
		verifiedDeals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candidate", Name: "verified_deals_total",
			Help: "Verified deals by retailer.",
		}, []string{"retailer"}),
		passErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candidate", Name: "pass_errors_total",
			Help: "Failed scan passes by proxy tier and error kind.",
		}, []string{"proxy_type", "kind"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "admissions_total",
			Help: "Signal admission outcomes by retailer.",
		}, []string{"retailer", "outcome"}),
		signalsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signals", Name: "ingested_total",
			Help: "New signals persisted by source.",
		}, []string{"source"}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan_lock", Name: "heartbeats_total",
			Help: "Lock heartbeat refreshes by result.",
		}, []string{"result"}),
		heartbeatAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scan_lock", Name: "heartbeat_age_seconds",
			Help: "Age of the scan lock heartbeat seen by the watchdog.",
		}),
		watchdogRecoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watchdog", Name: "recoveries_total",
			Help: "Forced lock recoveries by reason.",
		}, []string{"reason"}),
		scanRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "runs_total",
			Help: "Scan runs by final status.",
		}, []string{"status"}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scan", Name: "duration_seconds",
			Help:    "Scan run wall time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		candidatesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candidate", Name: "processed_total",
			Help: "Candidates taken through the verification state machine.",
		}),
		baselineRecalculated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "baseline", Name: "recalculated_total",
			Help: "Product baselines recomputed by the scheduled job.",
		}),
	}
}

// ObserveEscalation counts a residential escalation.
func (m *Metrics) ObserveEscalation(trigger string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(trigger).Inc()
}

// ObserveResidentialRequest counts a residential budget decision.
func (m *Metrics) ObserveResidentialRequest(retailer string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.residentialRequests.WithLabelValues(retailer, outcome).Inc()
}

// ObserveVerifiedDeal counts a verified deal.
func (m *Metrics) ObserveVerifiedDeal(retailer string) {
	if m == nil {
		return
	}
	m.verifiedDeals.WithLabelValues(retailer).Inc()
}

// ObservePassError counts a failed scan pass.
func (m *Metrics) ObservePassError(proxy, kind string) {
	if m == nil {
		return
	}
	m.passErrors.WithLabelValues(proxy, kind).Inc()
}

// ObserveAdmission counts a queue admission outcome.
func (m *Metrics) ObserveAdmission(retailer, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(retailer, outcome).Inc()
}

// ObserveSignals counts newly persisted signals.
func (m *Metrics) ObserveSignals(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.signalsIngested.WithLabelValues(source).Add(float64(n))
}

// ObserveHeartbeat counts a lock refresh attempt.
func (m *Metrics) ObserveHeartbeat(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// SetHeartbeatAge records the heartbeat age; a negative age clears it.
func (m *Metrics) SetHeartbeatAge(age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		m.heartbeatAge.Set(0)
		return
	}
	m.heartbeatAge.Set(age.Seconds())
}

// ObserveRecovery counts a watchdog forced unlock.
func (m *Metrics) ObserveRecovery(reason string) {
	if m == nil {
		return
	}
	m.watchdogRecoveries.WithLabelValues(reason).Inc()
}

// ObserveScanRun records a finished scan run.
func (m *Metrics) ObserveScanRun(status string, elapsed time.Duration, candidates int) {
	if m == nil {
		return
	}
	m.scanRuns.WithLabelValues(status).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
	m.candidatesProcessed.Add(float64(candidates))
}

// ObserveBaselines counts recomputed baselines.
func (m *Metrics) ObserveBaselines(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.baselineRecalculated.Add(float64(n))
}
