package pairsignal

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeClients int64

	prometheusGaugeClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairsignal_clients",
			Help: "Number of currently connected websockets on this node",
		},
		[]string{"endpoint"},
	)

	prometheusGaugeRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairsignal_rooms",
			Help: "Number of currently live rooms on this node",
		},
	)

	prometheusGaugeProxyClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairsignal_proxy_clients",
			Help: "Number of currently active proxied chat websockets on this node",
		},
	)

	prometheusCounterRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsignal_signals_relayed_total",
			Help: "Signaling messages relayed to a target peer",
		},
		[]string{"method"},
	)

	prometheusCounterDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsignal_signals_dropped_total",
			Help: "Inbound or outbound events dropped",
		},
		[]string{"reason"},
	)

	prometheusCounterChatMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairsignal_chat_messages_total",
			Help: "Chat messages persisted and relayed",
		},
	)

	prometheusCounterPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairsignal_chat_persist_failures_total",
			Help: "Chat operations that failed in the storage backend",
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeClients)
	prometheus.MustRegister(prometheusGaugeRooms)
	prometheus.MustRegister(prometheusGaugeProxyClients)
	prometheus.MustRegister(prometheusCounterRelayed)
	prometheus.MustRegister(prometheusCounterDropped)
	prometheus.MustRegister(prometheusCounterChatMessages)
	prometheus.MustRegister(prometheusCounterPersistFailures)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func clientConnected(endpoint string) {
	atomic.AddInt64(&activeClients, 1)
	prometheusGaugeClients.WithLabelValues(endpoint).Inc()
}

func clientDisconnected(endpoint string) {
	atomic.AddInt64(&activeClients, -1)
	prometheusGaugeClients.WithLabelValues(endpoint).Dec()
}

// MetricsGetActiveClientsCount returns the number of open signaling and chat websockets.
func MetricsGetActiveClientsCount() int64 {
	return atomic.LoadInt64(&activeClients)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}
