package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunkstore"

type Metrics struct {
	Uploads            *prometheus.CounterVec
	UploadBytes        prometheus.Counter
	UploadLatency      prometheus.Histogram
	ChunkWriteFailures *prometheus.CounterVec
	Downloads          *prometheus.CounterVec
	RepairCopies       prometheus.Counter
	RepairDataLoss     prometheus.Counter
	RebalanceCopies    prometheus.Counter
	TrimmedReplicas    prometheus.Counter
	NodeUp             *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by outcome.",
		}, []string{"result"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted by completed uploads.",
		}),
		UploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time from first fragment to finalized file.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChunkWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_write_failures_total",
			Help:      "Failed chunk writes per storage node.",
		}, []string{"node"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Downloads by outcome.",
		}, []string{"result"}),
		RepairCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_copies_total",
			Help:      "Chunk replicas recreated by repair.",
		}),
		RepairDataLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_data_loss_total",
			Help:      "Chunks for which repair found no surviving copy.",
		}),
		RebalanceCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_copies_total",
			Help:      "Chunk replicas copied onto a recovered node.",
		}),
		TrimmedReplicas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trimmed_replicas_total",
			Help:      "Replica rows removed from over-replicated chunks.",
		}),
		NodeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_up",
			Help:      "Last probe outcome per storage node (1 up, 0 down).",
		}, []string{"node"}),
	}

	reg.MustRegister(
		m.Uploads,
		m.UploadBytes,
		m.UploadLatency,
		m.ChunkWriteFailures,
		m.Downloads,
		m.RepairCopies,
		m.RepairDataLoss,
		m.RebalanceCopies,
		m.TrimmedReplicas,
		m.NodeUp,
	)
	return m
}

// NewUnregistered is for tests and tools that never expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
