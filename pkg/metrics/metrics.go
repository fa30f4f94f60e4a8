package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flock"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	DatagramsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datagrams_total",
		Help:      "Total number of inbound datagrams by tag.",
	}, []string{"tag"})

	PeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Number of peer records currently in the registry.",
	})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total number of peer records evicted for silence.",
	})

	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Total number of reachability probes sent.",
	}, []string{"target"})

	HeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Total number of check-ins sent to the rendezvous server.",
	})

	HeartbeatErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_errors_total",
		Help:      "Total number of failed rendezvous check-ins.",
	})

	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration of rendezvous hostname resolution.",
	}, []string{"resolver"})
)

func Register() {
	DefaultRegisterer.MustRegister(DatagramsTotal)
	DefaultRegisterer.MustRegister(PeersGauge)
	DefaultRegisterer.MustRegister(EvictionsTotal)
	DefaultRegisterer.MustRegister(ProbesTotal)
	DefaultRegisterer.MustRegister(HeartbeatsTotal)
	DefaultRegisterer.MustRegister(HeartbeatErrorsTotal)
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
}
