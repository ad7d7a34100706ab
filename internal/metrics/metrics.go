// Package metrics exposes Prometheus collectors for conversation mutations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
)

var (
	mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emochat",
		Name:      "mutations_total",
		Help:      "Conversation operations by kind and outcome code.",
	}, []string{"op", "outcome"})

	deletedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emochat",
		Name:      "deleted_messages_total",
		Help:      "Messages removed by delete cascades and edit truncation.",
	}, []string{"op"})

	generationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "emochat",
		Name:      "generation_seconds",
		Help:      "Latency of reply generation.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(mutations, deletedMessages, generationSeconds)
}

// Observe records the outcome of op. outcome is "ok" or an error code.
func Observe(op, outcome string) {
	mutations.WithLabelValues(op, outcome).Inc()
}

func Deleted(op string, n int) {
	if n > 0 {
		deletedMessages.WithLabelValues(op).Add(float64(n))
	}
}

func Generation(op string, started time.Time) {
	generationSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Record observes op with outcome "ok" or the error's code.
func Record(op string, err error) {
	if err == nil {
		Observe(op, "ok")
		return
	}
	Observe(op, string(apperr.CodeOf(err)))
}
