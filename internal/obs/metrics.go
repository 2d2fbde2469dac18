// Package obs holds the prometheus metrics exported by a publishing run.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	LockAcquireTotal       *prometheus.CounterVec // result=acquired|timeout|error
	LockRenewTotal         *prometheus.CounterVec // result=success|fail
	LockStaleTakeoverTotal prometheus.Counter
	LockWaitSeconds        prometheus.Histogram

	TransactionTotal *prometheus.CounterVec // outcome=committed|dry_run|nothing_to_do|failed
	PackagesTotal    *prometheus.CounterVec // result=imported|skipped|rejected
	LatestVersion    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_publisher_lock_acquire_total",
				Help: "Lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		LockRenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_publisher_lock_renew_total",
				Help: "Lock renewals by result",
			},
			[]string{"result"},
		),
		LockStaleTakeoverTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repo_publisher_lock_stale_takeover_total",
			Help: "Stale lock objects removed before acquisition",
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "repo_publisher_lock_wait_seconds",
			Help:    "Time spent waiting for the lock",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		TransactionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_publisher_transaction_total",
				Help: "Publish transactions by outcome",
			},
			[]string{"outcome"},
		),
		PackagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_publisher_packages_total",
				Help: "Candidate packages by import result",
			},
			[]string{"result"},
		),
		LatestVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repo_publisher_latest_version",
			Help: "Repository version published by the last successful commit",
		}),
	}
	m.registry.MustRegister(
		m.LockAcquireTotal,
		m.LockRenewTotal,
		m.LockStaleTakeoverTotal,
		m.LockWaitSeconds,
		m.TransactionTotal,
		m.PackagesTotal,
		m.LatestVersion,
	)
	return m
}

// The helpers below accept a nil receiver so callers never need to
// check whether metrics are enabled.

func (m *Metrics) ObserveAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.LockAcquireTotal.WithLabelValues(result).Inc()
	m.LockWaitSeconds.Observe(waited.Seconds())
}

func (m *Metrics) ObserveRenew(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "fail"
	}
	m.LockRenewTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStaleTakeover() {
	if m == nil {
		return
	}
	m.LockStaleTakeoverTotal.Inc()
}

func (m *Metrics) ObserveTransaction(outcome string, imported, skipped, rejected int) {
	if m == nil {
		return
	}
	m.TransactionTotal.WithLabelValues(outcome).Inc()
	m.PackagesTotal.WithLabelValues("imported").Add(float64(imported))
	m.PackagesTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.PackagesTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) SetLatestVersion(version int) {
	if m == nil {
		return
	}
	m.LatestVersion.Set(float64(version))
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
