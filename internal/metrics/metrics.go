// Package metrics holds the Prometheus collectors shared by the coordinator
// and the nodes. Everything is registered on Registry rather than the global
// default registry so tests can build several services in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardcast"

// Request outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Streaming covers the update-forwarding pool.
var Streaming = struct {
	ClientsCreated prometheus.Counter
	Requests       *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	Queued         prometheus.Gauge
	SendSeconds    prometheus.Histogram
}{
	ClientsCreated: factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "streaming", Name: "clients_created_total",
		Help: "pooled update clients created",
	}),
	Requests: factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "streaming", Name: "requests_total",
		Help: "forwarded update requests by outcome",
	}, []string{"outcome"}),
	Errors: factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "streaming", Name: "errors_total",
		Help: "reported forwarding errors by retry decision",
	}, []string{"retry"}),
	Queued: factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "streaming", Name: "queued_requests",
		Help: "requests enqueued or in flight across all pooled clients",
	}),
	SendSeconds: factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "streaming", Name: "send_seconds",
		Help:    "time to send one update batch and read the reply",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}),
}

// Distrib covers update cycles driven by the distributor.
var Distrib = struct {
	Cycles           prometheus.Counter
	Retries          prometheus.Counter
	TerminalFailures prometheus.Counter
}{
	Cycles: factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "distrib", Name: "cycles_total",
		Help: "finished update cycles",
	}),
	Retries: factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "distrib", Name: "retries_total",
		Help: "requests resubmitted after a retriable failure",
	}),
	TerminalFailures: factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "distrib", Name: "terminal_failures_total",
		Help: "requests that failed without a further retry",
	}),
}

// Node covers update application on shard replicas.
var Node = struct {
	Updates *prometheus.CounterVec
	Applied prometheus.Counter
}{
	Updates: factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "node", Name: "updates_total",
		Help: "update batches received by distrib phase",
	}, []string{"phase"}),
	Applied: factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "node", Name: "applied_commands_total",
		Help: "add and delete commands applied to shard stores",
	}),
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Cluster covers the coordinator's view of node health.
var Cluster = struct {
	HealthChecks *prometheus.CounterVec
	NodesDown    prometheus.Gauge
}{
	HealthChecks: factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cluster", Name: "health_checks_total",
		Help: "node health probes by outcome",
	}, []string{"outcome"}),
	NodesDown: factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cluster", Name: "nodes_down",
		Help: "registered nodes currently excluded from routing",
	}),
}
