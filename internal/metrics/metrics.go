package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clickguardian"

var (
	// EventsProcessed counts decision passes by event kind and outcome.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Decision passes by event kind and outcome.",
	}, []string{"kind", "outcome"})

	// RulesFired counts decision rules that escalated a sanction.
	RulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_fired_total",
		Help:      "Decision rules that escalated a sanction.",
	}, []string{"rule"})

	// SanctionsApplied counts sanction writes by resulting state.
	SanctionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sanctions_applied_total",
		Help:      "Sanction escalations by resulting state.",
	}, []string{"state"})

	// GeoLookups counts enrichment lookups by source and status.
	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_lookups_total",
		Help:      "Geo enrichment lookups by source and status.",
	}, []string{"source", "status"})

	// GeoCacheSize tracks the fused geo cache population.
	GeoCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "geo_cache_entries",
		Help:      "Entries in the geo lookup cache.",
	})

	// EventLogSize tracks the audit ring buffer population.
	EventLogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "eventlog_entries",
		Help:      "Events currently held in the audit ring buffer.",
	})

	// TrackedIdentities tracks the bounded identity store population.
	TrackedIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_identities",
		Help:      "Identities currently held in the window tracker.",
	})

	// TempSanctions tracks live temporary sanction records.
	TempSanctions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "temp_sanctions",
		Help:      "Live temporary sanction records (masked and soft-blocked).",
	})

	// SanctionsPruned counts temporary sanctions dropped by expiry.
	SanctionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sanctions_pruned_total",
		Help:      "Temporary sanctions removed after expiry.",
	})

	// ExclusionsEnqueued counts ad-platform exclusion jobs accepted.
	ExclusionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exclusions_enqueued_total",
		Help:      "Ad-platform exclusion jobs placed on the notify queue.",
	})

	// ExclusionsDropped counts exclusion jobs discarded without delivery.
	ExclusionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exclusions_dropped_total",
		Help:      "Exclusion jobs discarded without delivery.",
	}, []string{"reason"})

	// ExclusionsProcessed counts notify worker completions.
	ExclusionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exclusions_processed_total",
		Help:      "Notify worker job completions by status.",
	}, []string{"status"})

	// StateSaves counts state store snapshot writes.
	StateSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_saves_total",
		Help:      "State store snapshot writes by status.",
	}, []string{"status"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// RequestDuration records HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP handler latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"route", "status"})
)
