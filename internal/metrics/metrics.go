// Package metrics exposes Prometheus instrumentation for gemchat.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gemchat"

var (
	authOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_operations_total",
		Help:      "Identity operations by operation and outcome.",
	}, []string{"op", "result"})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generations_total",
		Help:      "Language model calls by backend and outcome.",
	}, []string{"backend", "result"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Latency of language model calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"backend"})

	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "Document store operations by backend, operation and outcome.",
	}, []string{"backend", "op", "result"})

	activeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_clients",
		Help:      "Client workspaces currently held in memory.",
	})

	clientsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clients_expired_total",
		Help:      "Client workspaces closed by the idle sweeper.",
	})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAuth counts one identity operation.
func RecordAuth(op string, err error) {
	authOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordGeneration counts one model call and its latency.
func RecordGeneration(backend string, started time.Time, err error) {
	generations.WithLabelValues(backend, result(err)).Inc()
	generationDuration.WithLabelValues(backend).Observe(time.Since(started).Seconds())
}

// RecordStore counts one document store operation.
func RecordStore(backend, op string, err error) {
	storeOperations.WithLabelValues(backend, op, result(err)).Inc()
}

// SetActiveClients sets the live workspace gauge.
func SetActiveClients(n int) {
	activeClients.Set(float64(n))
}

// RecordExpired counts workspaces closed for inactivity.
func RecordExpired(n int) {
	if n > 0 {
		clientsExpired.Add(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
