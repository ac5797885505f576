package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds binsync's own collectors, separate from the default
// registry so the textfile output only carries sync metrics.
var Registry = prometheus.NewRegistry()

var (
	BytesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binsync_bytes_fetched_total",
		Help: "Chunk bytes obtained through a chunk provider.",
	})
	BytesReused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binsync_bytes_reused_total",
		Help: "Chunk bytes copied from the destination's existing files.",
	})
	FilesSynced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binsync_files_total",
		Help: "Files reconciled, by outcome.",
	}, []string{"status"})
	FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binsync_chunk_fetch_retries_total",
		Help: "Remote chunk fetch attempts that were retried.",
	})
	FetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "binsync_chunk_fetch_seconds",
		Help:    "Latency of underlying chunk fetches.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
)

func init() {
	Registry.MustRegister(BytesFetched, BytesReused, FilesSynced, FetchRetries, FetchLatency)
}

// WriteMetricsFile dumps Registry in the node-exporter textfile format.
func WriteMetricsFile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
