package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/cookies"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

const (
	reasonTimeout      = "timeout"
	reasonUpstream     = "upstream_error"
	reasonBodyTooLarge = "body_too_large"
	reasonCircuitOpen  = "circuit_open"
)

// Options configure a Proxy.
type Options struct {
	// Path is the mount prefix, e.g. "fz" or "/fz/".
	Path string
	// Token is the website token used to sign forwarded client IPs.
	Token string
	// URL is the backend origin; empty selects origin.Default.
	URL string
	// Timeout in milliseconds; see ResolveTimeout.
	Timeout *int
	// MaxBodyBytes caps the buffered backend body; 0 means unlimited.
	MaxBodyBytes int64
	// TrustForwardedFor takes the client IP and scheme from X-Forwarded-For
	// and X-Forwarded-Proto instead of the socket.
	TrustForwardedFor bool
}

type Proxy struct {
	logger            *slog.Logger
	registry          *connection.Registry
	collector         *metrics.Collector
	cookies           *cookies.Translator
	origin            origin.Origin
	mount             string
	token             string
	timeout           time.Duration
	maxBody           int64
	trustForwardedFor bool
}

func New(logger *slog.Logger, registry *connection.Registry, collector *metrics.Collector, opts Options) *Proxy {
	return &Proxy{
		logger:            logger,
		registry:          registry,
		collector:         collector,
		cookies:           cookies.Default(),
		origin:            origin.Resolve(opts.URL),
		mount:             origin.MountPrefix(opts.Path),
		token:             opts.Token,
		timeout:           ResolveTimeout(opts.Timeout),
		maxBody:           opts.MaxBodyBytes,
		trustForwardedFor: opts.TrustForwardedFor,
	}
}

// Origin returns the backend origin requests are forwarded to.
func (p *Proxy) Origin() origin.Origin {
	return p.origin
}

// Mount returns the normalized mount prefix.
func (p *Proxy) Mount() string {
	return p.mount
}

// Timeout returns the per-request deadline; zero means none.
func (p *Proxy) Timeout() time.Duration {
	return p.timeout
}

// Matches reports whether r falls under the mount prefix.
func (p *Proxy) Matches(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, p.mount)
}

// Middleware proxies requests under the mount prefix and hands everything
// else to next unchanged.
func (p *Proxy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Matches(r) {
			next.ServeHTTP(w, r)
			return
		}
		p.serve(w, r)
	})
}

// ServeHTTP proxies mounted requests and answers 404 for the rest.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Middleware(http.NotFoundHandler()).ServeHTTP(w, r)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	log := p.logger.With(slog.String("request_id", uuid.NewString()))
	pr := p.Build(r)

	log.Info("Proxying request",
		slog.String("from", pr.Identity.IP),
		slog.String("path", r.URL.Path),
		slog.String("backend_path", pr.Path),
		slog.String("host", r.Host),
		slog.String("user_agent", pr.UserAgent))

	ctx, cancel := p.deadline(r.Context())
	defer cancel()

	ex := NewExchange()

	resp, conn, err := p.dispatch(ctx, pr)
	if err != nil {
		p.fail(ctx, w, log, ex, conn, err)
		return
	}
	defer resp.Body.Close()

	out, err := p.collect(ex, resp, r.Host)
	if err != nil {
		p.fail(ctx, w, log, ex, conn, err)
		return
	}

	if err := out.writeTo(w); err != nil {
		log.Debug("Caller went away before the response was written", slog.Any("err", err))
	}
	ex.Advance(StageCompleted)

	duration := ex.Elapsed()
	p.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventRequestProxied,
		Origin:     p.origin.String(),
		Duration:   duration,
		StatusCode: out.status,
	})

	log.Info("Relayed backend response",
		slog.Int("status", out.status),
		slog.Int("bytes", len(out.body)),
		slog.Duration("duration", duration))
}

// deadline detaches the outbound leg from the caller; the timeout is the only
// thing that cancels it.
func (p *Proxy) deadline(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Proxy) fail(ctx context.Context, w http.ResponseWriter, log *slog.Logger, ex *Exchange, conn *connection.Conn, err error) {
	from, _ := ex.Abort()
	status, reason := classify(ctx, err)

	if reason == reasonUpstream {
		p.registry.Report(conn, err)
	}

	log.Warn("Proxy request aborted",
		slog.String("stage", from.String()),
		slog.String("reason", reason),
		slog.Duration("elapsed", ex.Elapsed()),
		slog.Any("err", err))

	p.collector.Emit(metrics.MetricEvent{
		Type:   metrics.EventRequestAborted,
		Origin: p.origin.String(),
		Reason: reason,
	})

	http.Error(w, http.StatusText(status), status)
}

func classify(ctx context.Context, err error) (int, string) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusBadGateway, reasonBodyTooLarge
	case errors.Is(err, connection.ErrCircuitOpen):
		return http.StatusBadGateway, reasonCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusGatewayTimeout, reasonTimeout
	default:
		return http.StatusBadGateway, reasonUpstream
	}
}
