package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type promMetrics struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	abortedTotal       *prometheus.CounterVec
	connectionsOpened  *prometheus.CounterVec
	connectionsDropped *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	pm := &promMetrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fzproxy_requests_total",
			Help: "Proxied requests relayed to the caller by origin and status code",
		}, []string{"origin", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fzproxy_request_duration_seconds",
			Help:    "Backend round trip duration of relayed requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin"}),
		abortedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fzproxy_requests_aborted_total",
			Help: "Proxied requests that ended without a backend response, by reason",
		}, []string{"origin", "reason"}),
		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fzproxy_connections_opened_total",
			Help: "Backend HTTP/2 sessions established",
		}, []string{"origin"}),
		connectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fzproxy_connections_dropped_total",
			Help: "Backend HTTP/2 sessions dropped after a transport failure",
		}, []string{"origin"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fzproxy_analytics_events_total",
			Help: "Fire-and-forget analytics events by outcome",
		}, []string{"origin", "outcome"}), // outcome: "sent" or "dropped"
	}

	pm.registry.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.abortedTotal,
		pm.connectionsOpened,
		pm.connectionsDropped,
		pm.eventsTotal,
	)

	return pm
}

func (pm *promMetrics) observe(event MetricEvent) {
	switch event.Type {
	case EventRequestProxied:
		pm.requestsTotal.WithLabelValues(event.Origin, strconv.Itoa(event.StatusCode)).Inc()
		pm.requestDuration.WithLabelValues(event.Origin).Observe(event.Duration.Seconds())
	case EventRequestAborted:
		pm.abortedTotal.WithLabelValues(event.Origin, event.Reason).Inc()
	case EventConnectionOpened:
		pm.connectionsOpened.WithLabelValues(event.Origin).Inc()
	case EventConnectionDropped:
		pm.connectionsDropped.WithLabelValues(event.Origin).Inc()
	case EventAnalyticsSent:
		pm.eventsTotal.WithLabelValues(event.Origin, "sent").Inc()
	case EventAnalyticsDropped:
		pm.eventsTotal.WithLabelValues(event.Origin, "dropped").Inc()
	}
}
