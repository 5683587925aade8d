package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every therock collector. It is separate from the default
// registry so textfile exports only carry packaging metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	FilesResolved = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "therock_fileset_files_resolved_total",
		Help: "Files selected by the fileset resolver, by component",
	}, []string{"component"})

	ManifestsWritten = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "therock_manifests_written_total",
		Help: "Component manifests written, by component",
	}, []string{"component"})

	// Archive metrics
	ArchiveBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "therock_archive_bytes_total",
		Help: "Compressed bytes written into component archives",
	}, []string{"type"})

	ArchiveDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "therock_archive_duration_seconds",
		Help:    "Time spent building one component archive",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"type"})

	GraphNodes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "therock_build_graph_nodes_total",
		Help: "Build graph nodes executed, by final status",
	}, []string{"status"})

	// Fetch metrics
	FetchAttempts = factory.NewCounter(prometheus.CounterOpts{
		Name: "therock_fetch_attempts_total",
		Help: "Artifact download attempts, including retries",
	})

	FetchFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "therock_fetch_failures_total",
		Help: "Artifact downloads that failed after all retries",
	})

	CacheHits = factory.NewCounter(prometheus.CounterOpts{
		Name: "therock_fetch_cache_hits_total",
		Help: "Commit materializations served from the on-disk cache",
	})

	BisectSteps = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "therock_bisect_steps_total",
		Help: "Bisect steps, by outcome",
	}, []string{"outcome"})
)

// WriteTextfile exports the registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
