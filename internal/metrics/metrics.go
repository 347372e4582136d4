// Package metrics exposes Prometheus collectors for the deception subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deception"

// Signal outcomes.
const (
	SignalEmitted       = "emitted"
	SignalLowConfidence = "low_confidence"
	SignalDuplicate     = "duplicate"
	SignalInactiveAsset = "inactive_asset"
	SignalDedupError    = "dedup_error"
	SignalSignError     = "sign_error"
)

// Generic outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	registryRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_rejections_total",
			Help:      "Descriptors rejected by the asset registry, partitioned by reason.",
		},
		[]string{"reason"},
	)

	registryVerifiedAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_verified_assets",
			Help:      "Number of verified assets in the last registry load.",
		},
	)

	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment requests, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Observed interactions, partitioned by signal outcome.",
		},
		[]string{"outcome"},
	)

	forwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_forwards_total",
			Help:      "Signals forwarded to the correlation engine, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	playbookResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_resolutions_total",
			Help:      "Signal to playbook resolutions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	teardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Per-asset teardowns, partitioned by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	teardownStepSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_step_seconds",
			Help:      "Teardown step latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	safeHaltAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safe_halt_assets",
			Help:      "Assets currently in SafeHalt awaiting manual intervention.",
		},
	)

	dispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Signals dropped because a dispatch shard was full or closed.",
		},
	)

	auditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit trail writes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	auditTamperTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_tamper_detections_total",
			Help:      "Failed audit trail integrity checks.",
		},
	)

	healthCheckStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_status",
			Help:      "Last watchdog health check result (1 healthy, 0 failing).",
		},
		[]string{"check"},
	)
)

// Register attaches the deception collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		registryRejectionsTotal,
		registryVerifiedAssets,
		deploymentsTotal,
		signalsTotal,
		forwardsTotal,
		playbookResolutionsTotal,
		teardownsTotal,
		teardownStepSeconds,
		safeHaltAssets,
		dispatchDroppedTotal,
		auditEntriesTotal,
		auditTamperTotal,
		healthCheckStatus,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRegistryLoad records the outcome of a registry load.
func ObserveRegistryLoad(verified int, rejections map[string]int) {
	registryVerifiedAssets.Set(float64(verified))
	for reason, n := range rejections {
		registryRejectionsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveDeployment records a deployment outcome such as "deployed",
// "existing" or "refused".
func ObserveDeployment(outcome string) {
	deploymentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSignal records what happened to an observed interaction.
func ObserveSignal(outcome string) {
	signalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveForward records a correlation bridge publish.
func ObserveForward(outcome string) {
	forwardsTotal.WithLabelValues(outcome).Inc()
}

// ObservePlaybookResolution records a response mapper outcome.
func ObservePlaybookResolution(outcome string) {
	playbookResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTeardown records a per-asset teardown outcome.
func ObserveTeardown(trigger, outcome string) {
	teardownsTotal.WithLabelValues(trigger, outcome).Inc()
}

// ObserveTeardownStep records a teardown step duration.
func ObserveTeardownStep(d time.Duration) {
	if d < 0 {
		d = 0
	}
	teardownStepSeconds.Observe(d.Seconds())
}

// SetSafeHaltAssets sets the number of assets in SafeHalt.
func SetSafeHaltAssets(n int) {
	safeHaltAssets.Set(float64(n))
}

// ObserveDispatchDrop records a signal dropped by the dispatcher.
func ObserveDispatchDrop() {
	dispatchDroppedTotal.Inc()
}

// ObserveAuditEntry records an audit trail write.
func ObserveAuditEntry(outcome string) {
	auditEntriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAuditTamper records a failed audit integrity check.
func ObserveAuditTamper() {
	auditTamperTotal.Inc()
}

// SetHealthCheck records the latest result of a watchdog check.
func SetHealthCheck(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	healthCheckStatus.WithLabelValues(check).Set(v)
}
