// Package metrics exposes the worker's Prometheus instrumentation: claim
// churn, job outcomes, heartbeats, and lease extensions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_claims_acquired_total",
		Help: "Tenant claims successfully acquired from the unclaimed queue.",
	})
	ClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_claims_released_total",
		Help: "Tenant claims released at the end of an owned loop.",
	})
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_claims_lost_total",
		Help: "Owned-loop exits caused by a failed claim refresh.",
	})

	JobsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_jobs_succeeded_total",
		Help: "Work messages that completed and reported success to the orchestrator.",
	})
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edit_worker_jobs_failed_total",
		Help: "Work messages that completed with a failure callback, by error code.",
	}, []string{"error_code"})
	JobsPreempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_jobs_preempted_total",
		Help: "Work messages interrupted by a preempt signal.",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edit_worker_job_duration_seconds",
		Help:    "Wall-clock duration of a job's Accept-to-terminal-callback lifecycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_heartbeats_sent_total",
		Help: "Orchestrator heartbeat callbacks sent for in-flight jobs.",
	})
	LeaseExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edit_worker_lease_extensions_total",
		Help: "Work-queue message lease extensions performed while a job was in flight.",
	})

	ActiveTenant = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edit_worker_active_tenant",
		Help: "1 while this process holds a tenant claim, 0 otherwise.",
	})
)
