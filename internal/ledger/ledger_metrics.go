package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ticketd",
			Subsystem: "ledger",
			Name:      "batch_size",
			Help:      "Items per submitted ledger batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
		},
		[]string{"op"},
	)
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticketd",
			Subsystem: "ledger",
			Name:      "batches_total",
			Help:      "Submitted ledger batches by operation and result.",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(batchSize, batchesTotal)
}

func observeBatch(op string, n int) {
	batchSize.WithLabelValues(op).Observe(float64(n))
}

func countBatch(op, result string) {
	batchesTotal.WithLabelValues(op, result).Inc()
}
