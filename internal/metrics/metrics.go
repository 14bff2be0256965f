// Package metrics provides Prometheus metrics for the relaytun daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all relaytun metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RelayMetrics holds all Prometheus metrics for one relaytun instance.
type RelayMetrics struct {
	// Data plane (counters)
	UpstreamPackets   prometheus.Counter // peer socket -> relay session
	UpstreamBytes     prometheus.Counter
	DownstreamPackets prometheus.Counter // relay session -> peer socket
	DownstreamBytes   prometheus.Counter
	DroppedUngranted  prometheus.Counter
	DroppedNoSession  prometheus.Counter

	// Control plane (counters)
	CommandsTotal     *prometheus.CounterVec // labels: command
	EventsTotal       *prometheus.CounterVec // labels: event
	WorkerErrors      *prometheus.CounterVec // labels: worker, severity
	RejectedDuplicate prometheus.Counter

	// Gauges
	ActivePeers    prometheus.Gauge
	GrantedPeers   prometheus.Gauge
	RelayState     prometheus.Gauge     // 0=disconnected, 1=connecting, 2=allocated
	BusDropped     *prometheus.GaugeVec // labels: bus
	BusSubscribers *prometheus.GaugeVec // labels: bus
	TrackedPeers   *prometheus.GaugeVec // labels: phase
}

// InitMetrics registers all metrics on the package Registry.
func InitMetrics(instance string) *RelayMetrics {
	return New(Registry, instance)
}

// New registers all metrics on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer, instance string) *RelayMetrics {
	constLabels := prometheus.Labels{
		"instance_name": instance,
	}
	f := promauto.With(reg)

	return &RelayMetrics{
		UpstreamPackets: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_upstream_packets_total",
			Help:        "Packets read from peer sockets and queued for the relay session",
			ConstLabels: constLabels,
		}),
		UpstreamBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_upstream_bytes_total",
			Help:        "Bytes read from peer sockets and queued for the relay session",
			ConstLabels: constLabels,
		}),
		DownstreamPackets: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_downstream_packets_total",
			Help:        "Packets written from the relay session to forward targets",
			ConstLabels: constLabels,
		}),
		DownstreamBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_downstream_bytes_total",
			Help:        "Bytes written from the relay session to forward targets",
			ConstLabels: constLabels,
		}),
		DroppedUngranted: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_dropped_ungranted_total",
			Help:        "Upstream packets dropped because the peer has no relay permission",
			ConstLabels: constLabels,
		}),
		DroppedNoSession: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_dropped_no_session_total",
			Help:        "Upstream packets dropped because no relay session exists",
			ConstLabels: constLabels,
		}),

		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaytun_commands_total",
			Help:        "Commands published on the command bus",
			ConstLabels: constLabels,
		}, []string{"command"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaytun_events_total",
			Help:        "Service events emitted by workers",
			ConstLabels: constLabels,
		}, []string{"event"}),
		WorkerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaytun_worker_errors_total",
			Help:        "Worker loop errors by worker kind and severity",
			ConstLabels: constLabels,
		}, []string{"worker", "severity"}),
		RejectedDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name:        "relaytun_rejected_duplicate_peers_total",
			Help:        "ConnectPeer commands rejected because the tunnel was already running",
			ConstLabels: constLabels,
		}),

		ActivePeers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "relaytun_active_peers",
			Help:        "Peer tunnel tasks tracked by the coordinator",
			ConstLabels: constLabels,
		}),
		GrantedPeers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "relaytun_granted_peers",
			Help:        "Peers holding a relay permission",
			ConstLabels: constLabels,
		}),
		RelayState: f.NewGauge(prometheus.GaugeOpts{
			Name:        "relaytun_relay_state",
			Help:        "Relay session state (0=disconnected, 1=connecting, 2=allocated)",
			ConstLabels: constLabels,
		}),
		BusDropped: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "relaytun_bus_dropped",
			Help:        "Messages dropped by lagging bus subscribers",
			ConstLabels: constLabels,
		}, []string{"bus"}),
		BusSubscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "relaytun_bus_subscribers",
			Help:        "Live subscribers per bus",
			ConstLabels: constLabels,
		}, []string{"bus"}),
		TrackedPeers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "relaytun_tracked_peers",
			Help:        "Peer entries known to the status tracker by phase",
			ConstLabels: constLabels,
		}, []string{"phase"}),
	}
}

// Handler returns an HTTP handler serving the package Registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler serving g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
