package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestProxied    EventType = "request_proxied"
	EventRequestAborted    EventType = "request_aborted"
	EventConnectionOpened  EventType = "connection_opened"
	EventConnectionDropped EventType = "connection_dropped"
	EventAnalyticsSent     EventType = "analytics_sent"
	EventAnalyticsDropped  EventType = "analytics_dropped"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Origin     string
	Duration   time.Duration
	StatusCode int
	Reason     string
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *promMetrics
	logger     *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: newPromMetrics(),
		logger:     logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues an event without blocking. Events are dropped when the buffer
// is full. A nil Collector ignores every event.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestProxied:
		c.metrics.RecordResponse(event.Origin, event.Duration, event.StatusCode)

	case EventRequestAborted:
		c.metrics.RecordAbort(event.Origin, event.Reason)

	case EventConnectionOpened:
		c.metrics.RecordConnectionOpened(event.Origin)

	case EventConnectionDropped:
		c.metrics.RecordConnectionDropped(event.Origin)

	case EventAnalyticsSent:
		c.metrics.RecordAnalytics(event.Origin, true)

	case EventAnalyticsDropped:
		c.metrics.RecordAnalytics(event.Origin, false)
	}

	c.prometheus.observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
