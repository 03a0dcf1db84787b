package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_actions_recorded_total",
		Help: "Actions committed to the history log by kind",
	}, []string{"kind"})

	diffsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_diffs_written_total",
		Help: "Diff versions appended by consumer type",
	}, []string{"consumer_type"})

	noopMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_noop_mutations_total",
		Help: "Mutations discarded because no observed field changed",
	}, []string{"consumer_type"})

	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_rollbacks_total",
		Help: "Rollback attempts by result",
	}, []string{"result"})

	duplicatesHealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_duplicate_versions_healed_total",
		Help: "Duplicate diff rows removed while recording",
	})

	consistencyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_consistency_failures_total",
		Help: "Replays that failed checksum, contiguity or patch application",
	})

	reconstructDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "history_reconstruct_duration_seconds",
		Help:    "Time to reconstruct a field version",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"source"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_version_cache_lookups_total",
		Help: "Version text cache lookups by result",
	}, []string{"result"})
)
