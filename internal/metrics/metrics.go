// Package metrics exposes the Prometheus collectors shared by the API server and the evidence worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest outcome label values.
const (
	OutcomeIngested      = "ingested"
	OutcomeThreat        = "threat"
	OutcomeDeviceUnknown = "device_not_found"
	OutcomeInvalid       = "invalid"
	OutcomePersistFailed = "persistence_failed"
)

var (
	// Ingestion
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsafe_ingest_total",
			Help: "Telemetry events received, by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocsafe_ingest_duration_seconds",
			Help:    "Time spent ingesting one telemetry event",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocsafe_api_key_auth_failures_total",
			Help: "Rejected API key authentications",
		},
	)

	// Detection
	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocsafe_detection_risk_score",
			Help:    "Risk score assigned to evaluated events",
			Buckets: []float64{0, 10, 25, 50, 60, 75, 90, 100},
		},
	)

	RuleFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsafe_detection_rule_faults_total",
			Help: "Rule evaluations that errored or panicked",
		},
		[]string{"rule"},
	)

	// Realtime
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocsafe_alert_subscribers",
			Help: "Dashboard connections currently subscribed to alerts",
		},
	)

	AlertsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocsafe_alerts_delivered_total",
			Help: "Alert messages handed to subscriber queues",
		},
	)

	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocsafe_alerts_dropped_total",
			Help: "Queued alert messages discarded because a subscriber fell behind",
		},
	)

	SubscribersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocsafe_alert_subscribers_evicted_total",
			Help: "Subscribers removed after a failed or overflowing send",
		},
	)

	// Downstream
	VerdictStreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsafe_verdict_stream_errors_total",
			Help: "Verdict records not written to Kafka",
		},
		[]string{"reason"}, // "write", "breaker_open", "encode"
	)

	EvidenceJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsafe_evidence_jobs_total",
			Help: "Evidence archive jobs, by result",
		},
		[]string{"result"}, // "enqueued", "enqueue_failed", "archived", "retried", "dead_lettered"
	)
)
