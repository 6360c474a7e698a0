// Package metrics collects proxy metrics off the request path.
//
// Components report MetricEvents through a buffered channel; a dedicated
// goroutine folds them into:
//   - Relayed responses per origin with latency percentiles (P50, P95, P99)
//   - HTTP status code distribution
//   - Aborted requests by reason (timeout, upstream_error, body_too_large)
//   - Backend HTTP/2 sessions opened and dropped
//   - Analytics events sent and dropped
//
// Every event also updates a private Prometheus registry. Emit never blocks:
// when the buffer is full the event is discarded.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventRequestProxied,
//		Origin:     "https://content.mql5.com",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Handler serves the snapshot as JSON and PrometheusHandler serves the
// Prometheus exposition format.
package metrics
