package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/identity"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

const (
	DefaultUserAgent = "Finteza Go SDK/1.0"
	DefaultTimeout   = 15 * time.Second

	trackPath = "/tr"
)

var (
	errRateLimited = errors.New("event rate limit exceeded")
	errClosed      = errors.New("emitter closed")
)

type Options struct {
	// URL is the backend origin; empty selects origin.Default.
	URL string
	// Token signs forwarded user IPs.
	Token string
	// UserAgent is sent when an event carries none.
	UserAgent string
	// RateLimit is the sustained events per second; <= 0 means unlimited.
	RateLimit float64
	// Burst is the token bucket size used with RateLimit.
	Burst int
	// Timeout bounds each delivery; <= 0 means no deadline.
	Timeout time.Duration
}

type Emitter struct {
	logger    *slog.Logger
	registry  *connection.Registry
	collector *metrics.Collector
	limiter   *rate.Limiter
	origin    origin.Origin
	token     string
	userAgent string
	timeout   time.Duration

	mutex    sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewEmitter(logger *slog.Logger, registry *connection.Registry, collector *metrics.Collector, opts Options) *Emitter {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Emitter{
		logger:    logger,
		registry:  registry,
		collector: collector,
		limiter:   limiter,
		origin:    origin.Resolve(opts.URL),
		token:     opts.Token,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
	}
}

// Send queues ev for delivery and returns at once.
func (e *Emitter) Send(ev Event) {
	target := e.origin
	if ev.URL != "" {
		target = origin.Resolve(ev.URL)
	}

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		e.dropped(target, ev, errClosed)
		return
	}
	if !e.limiter.Allow() {
		e.mutex.Unlock()
		e.dropped(target, ev, errRateLimited)
		return
	}
	e.inflight.Add(1)
	e.mutex.Unlock()

	go func() {
		defer e.inflight.Done()

		if err := e.deliver(target, ev); err != nil {
			e.dropped(target, ev, err)
		}
	}()
}

// Wait blocks until every queued event has been delivered or dropped, or ctx
// ends.
func (e *Emitter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queued ones.
func (e *Emitter) Close(ctx context.Context) error {
	e.mutex.Lock()
	e.closed = true
	e.mutex.Unlock()

	return e.Wait(ctx)
}

func (e *Emitter) deliver(target origin.Origin, ev Event) error {
	ctx, cancel := e.deadline()
	defer cancel()

	var (
		conn *connection.Conn
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		conn, err = e.registry.Get(ctx, target)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		var req *http.Request
		req, err = e.newRequest(ctx, target, ev)
		if err != nil {
			return err
		}

		resp, err = conn.RoundTrip(req)
		if !connection.IsUnusable(err) {
			break
		}
	}
	if err != nil {
		e.registry.Report(conn, err)
		return fmt.Errorf("send: %w", err)
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		e.logger.Debug("Failed to drain analytics response",
			slog.String("origin", target.String()),
			slog.Any("err", err))
	}
	resp.Body.Close()

	e.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventAnalyticsSent,
		Origin:     target.String(),
		StatusCode: resp.StatusCode,
	})

	e.logger.Debug("Sent analytics event",
		slog.String("event", ev.Name),
		slog.String("origin", target.String()),
		slog.Int("status", resp.StatusCode))

	return nil
}

func (e *Emitter) newRequest(ctx context.Context, target origin.Origin, ev Event) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build event request: %w", err)
	}
	req.URL.Opaque = trackPath + "?" + Query(ev)
	req.URL.RawQuery = ""

	if ev.UserIP != "" {
		token := ev.Token
		if token == "" {
			token = e.token
		}
		identity.New(ev.UserIP, token).Apply(req.Header)
	}

	userAgent := ev.UserAgent
	if userAgent == "" {
		userAgent = e.userAgent
	}
	req.Header.Set("User-Agent", userAgent)

	return req, nil
}

func (e *Emitter) deadline() (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), e.timeout)
}

func (e *Emitter) dropped(target origin.Origin, ev Event, err error) {
	reason := "upstream_error"
	switch {
	case errors.Is(err, errRateLimited):
		reason = "rate_limited"
	case errors.Is(err, errClosed):
		reason = "closed"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, connection.ErrCircuitOpen):
		reason = "circuit_open"
	}

	e.logger.Warn("Analytics event dropped",
		slog.String("event", ev.Name),
		slog.String("origin", target.String()),
		slog.String("reason", reason),
		slog.Any("err", err))

	e.collector.Emit(metrics.MetricEvent{
		Type:   metrics.EventAnalyticsDropped,
		Origin: target.String(),
		Reason: reason,
	})
}
