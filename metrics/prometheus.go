package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus records engine metrics under the veyrun namespace.
type Prometheus struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheus registers the collectors on the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veyrun",
			Name:      "events_total",
			Help:      "Engine event counters",
		},
		[]string{"type", "chain"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veyrun",
			Name:      "latency_seconds",
			Help:      "Payment operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "chain"},
	)

	reg.MustRegister(counters, histogram)

	return &Prometheus{counters: counters, histogram: histogram}
}

func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":  name,
		"chain": labels["chain"],
	}).Inc()
}

func (p *Prometheus) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"chain":     labels["chain"],
	}).Observe(d.Seconds())
}
