// Package metrics exposes the coordinator's Prometheus instrumentation:
// leadership state, node liveness, replication and download outcomes,
// background-loop repair activity, and cache occupancy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the coordinator registers. Components
// accept a nil *Metrics to run without instrumentation and nil-check it
// at every call site.
type Metrics struct {
	IsLeader         prometheus.Gauge
	AliveNodes       prometheus.Gauge
	UploadsTotal     *prometheus.CounterVec
	UploadDuration   prometheus.Histogram
	DownloadsTotal   *prometheus.CounterVec
	DownloadDuration prometheus.Histogram
	RebalanceRepairs prometheus.Counter
	PreCacheMoves    prometheus.Counter
	CacheEntries     prometheus.Gauge
	CacheBytes       prometheus.Gauge
}

// New registers every collector against reg and returns the bundle. reg
// is normally prometheus.NewRegistry() so that tests can spin up
// independent registries without colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IsLeader: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryovault_coordinator_is_leader",
			Help: "1 if this coordinator process currently holds the master lease, 0 otherwise.",
		}),
		AliveNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryovault_alive_nodes",
			Help: "Number of storage nodes whose heartbeat is currently within the liveness deadline.",
		}),
		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryovault_uploads_total",
			Help: "Total file uploads by outcome.",
		}, []string{"outcome"}), // "success", "rejected"
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryovault_upload_duration_seconds",
			Help:    "Time to replicate and persist a complete file upload.",
			Buckets: prometheus.DefBuckets,
		}),
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryovault_downloads_total",
			Help: "Total file downloads by outcome.",
		}, []string{"outcome"}), // "cache_hit", "reconstructed", "not_found", "unavailable", "integrity_mismatch", "error"
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryovault_download_duration_seconds",
			Help:    "Time to serve a file download, cached or reconstructed.",
			Buckets: prometheus.DefBuckets,
		}),
		RebalanceRepairs: f.NewCounter(prometheus.CounterOpts{
			Name: "cryovault_rebalance_repairs_total",
			Help: "Chunks re-replicated by the rebalancer because they fell under their replication target.",
		}),
		PreCacheMoves: f.NewCounter(prometheus.CounterOpts{
			Name: "cryovault_precache_reconstructions_total",
			Help: "Files reconstructed ahead of an impending storage-node blackout.",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryovault_cache_entries",
			Help: "Number of files currently held in the in-memory read cache.",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryovault_cache_bytes",
			Help: "Total bytes currently held in the in-memory read cache.",
		}),
	}
}
