// Package metrics registers the prometheus series the replication
// engine emits: one counter/gauge per C6-C10 concern, no read-repair
// or quorum series since this engine doesn't do either.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every prometheus series the engine updates.
type Metrics struct {
	PatchesWritten   prometheus.Counter
	PatchesReceived  prometheus.Counter
	PatchesDuplicate prometheus.Counter
	MergeRuns        prometheus.Counter
	MergeLatency     prometheus.Histogram

	GapsDetected            *prometheus.CounterVec
	RetransmissionsSent     *prometheus.CounterVec
	RetransmissionsReceived prometheus.Counter

	GCRuns        prometheus.Counter
	GCRowsDeleted prometheus.Counter

	HeartbeatsSent prometheus.Counter

	HLCDrift       prometheus.Gauge
	PeerLastSeq    *prometheus.GaugeVec
	PeerConsistent *prometheus.GaugeVec
}

// New registers every series under namespace and returns the handle
// the engine calls into. Registering the same namespace twice against
// the default registry panics, matching promauto's own behavior — one
// Metrics per process.
func New(namespace string) *Metrics {
	return &Metrics{
		PatchesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_written_total",
			Help:      "Local writes accepted via Upsert/Delete.",
		}),
		PatchesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_received_total",
			Help:      "Remote patches accepted via ReceivePatch.",
		}),
		PatchesDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_duplicate_total",
			Help:      "Remote patches ignored as already-seen duplicates.",
		}),
		MergeRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_runs_total",
			Help:      "CRDT merge statements executed.",
		}),
		MergeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_latency_seconds",
			Help:      "Duration of a single CRDT merge statement.",
			Buckets:   prometheus.DefBuckets,
		}),
		GapsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_detected_total",
			Help:      "Sequence-contiguity gaps found per remote peer.",
		}, []string{"peer"}),
		RetransmissionsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_patch_requests_total",
			Help:      "MissingPatchRequest messages emitted per remote peer.",
		}, []string{"peer"}),
		RetransmissionsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_received_total",
			Help:      "Patches accepted that filled a previously detected gap.",
		}),
		GCRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "Retention garbage-collection passes run.",
		}),
		GCRowsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_rows_deleted_total",
			Help:      "Patch rows deleted by retention garbage collection.",
		}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat cycles run.",
		}),
		HLCDrift: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hlc_drift_ms",
			Help:      "Last observed gap between the highest known HLC and wall time, in milliseconds.",
		}),
		PeerLastSeq: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_last_sequence_id",
			Help:      "Highest contiguous _sequenceId received from each peer.",
		}, []string{"peer"}),
		PeerConsistent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_consistent",
			Help:      "1 if a peer's patch stream is contiguous with no open gap, else 0.",
		}, []string{"peer"}),
	}
}
