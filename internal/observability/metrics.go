package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_client_active_connections",
			Help: "Number of live realtime connections held by the client.",
		},
		[]string{"transport"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_transport_events_total",
			Help: "Total number of transport events observed by the client.",
		},
		[]string{"transport", "event"},
	)
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_reconnects_total",
			Help: "Total number of successful reconnections.",
		},
		[]string{"transport"},
	)
	restRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_rest_requests_total",
			Help: "Total number of REST requests issued by the client.",
		},
		[]string{"method", "route", "status"},
	)
	restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_rest_request_duration_seconds",
			Help:    "REST request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	fallbackSendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_fallback_sends_total",
			Help: "Total number of sends routed through the REST fallback.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		wsActiveConnections,
		wsEventsTotal,
		reconnectsTotal,
		restRequestsTotal,
		restRequestDuration,
		fallbackSendsTotal,
	)
}

func IncActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Inc()
}

func DecActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Dec()
}

func IncTransportEvent(transport, event string) {
	wsEventsTotal.WithLabelValues(transport, event).Inc()
}

func IncReconnect(transport string) {
	reconnectsTotal.WithLabelValues(transport).Inc()
}

func ObserveRESTRequest(method, route string, status int, elapsed time.Duration) {
	restRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	restRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func IncFallbackSend() {
	fallbackSendsTotal.Inc()
}
