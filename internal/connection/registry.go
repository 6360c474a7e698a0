package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/firstparty-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultRetireTimeout = 30 * time.Second
	defaultResetTimeout  = 30 * time.Second
)

var (
	// ErrClosed is returned by Get after Close.
	ErrClosed = errors.New("connection registry closed")
	// ErrCircuitOpen is returned by Get while repeated dial failures keep
	// the origin's breaker open.
	ErrCircuitOpen = errors.New("backend circuit open")
)

// Options tune how sessions are dialed and retired.
type Options struct {
	// DialTimeout bounds TCP connect, TLS handshake and the HTTP/2 preface.
	DialTimeout time.Duration
	// RetireTimeout bounds how long a replaced session may keep serving its
	// in-flight streams before it is closed.
	RetireTimeout time.Duration
	// TLSConfig is cloned for https origins. ServerName defaults to the
	// origin host and NextProtos is forced to h2.
	TLSConfig *tls.Config
	// DialContext replaces the TCP dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// FailureThreshold consecutive dial failures open the origin's breaker;
	// below one the breaker never opens.
	FailureThreshold int
	// ResetTimeout is how long an open breaker refuses dials.
	ResetTimeout time.Duration
}

// Registry owns the single backend session slot.
type Registry struct {
	slot      atomic.Pointer[Conn]
	closed    atomic.Bool
	nextID    atomic.Uint64
	flights   singleflight.Group
	breakers  *circuitbreaker.Registry
	transport *http2.Transport
	opts      Options
	logger    *slog.Logger
	collector *metrics.Collector
}

func NewRegistry(logger *slog.Logger, collector *metrics.Collector, opts Options) *Registry {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.RetireTimeout <= 0 {
		opts.RetireTimeout = defaultRetireTimeout
	}
	if opts.DialContext == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		opts.DialContext = dialer.DialContext
	}

	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}

	return &Registry{
		breakers:  circuitbreaker.NewRegistry(opts.FailureThreshold, opts.ResetTimeout),
		transport: &http2.Transport{
			AllowHTTP:                  true,
			DisableCompression:         true,
			StrictMaxConcurrentStreams: true,
		},
		opts:      opts,
		logger:    logger,
		collector: collector,
	}
}

// Get returns the live session for o, dialing one when the slot is empty,
// bound to another origin, or no longer usable. Concurrent callers for the
// same origin share a single dial. ctx only bounds how long the caller
// waits; an abandoned dial still completes and fills the slot.
func (r *Registry) Get(ctx context.Context, o origin.Origin) (*Conn, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	if conn := r.current(o); conn != nil {
		return conn, nil
	}

	ch := r.flights.DoChan(string(o), func() (any, error) {
		return r.install(o)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the session in the slot, or nil.
func (r *Registry) Current() *Conn {
	return r.slot.Load()
}

// Drop empties the slot and closes conn when conn still occupies it, so the
// next Get dials a fresh session. A session that was already replaced is
// left to finish its streams under retire. It reports whether the slot
// changed.
func (r *Registry) Drop(conn *Conn, cause error) bool {
	if conn == nil || !r.slot.CompareAndSwap(conn, nil) {
		return false
	}

	conn.close()

	r.logger.Warn("Dropped backend connection",
		slog.String("origin", conn.origin.String()),
		slog.Uint64("conn_id", conn.id),
		slog.Any("err", cause))

	r.collector.Emit(metrics.MetricEvent{
		Type:   metrics.EventConnectionDropped,
		Origin: conn.origin.String(),
		Reason: "reset",
	})

	return true
}

// Report classifies a transport error seen on conn. Reset-class errors drop
// the session; anything else is logged and the session is kept. Context
// cancellation and a refused stream on a draining session are per-stream
// outcomes and are ignored.
func (r *Registry) Report(conn *Conn, err error) {
	if conn == nil || err == nil {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsUnusable(err) {
		return
	}

	if IsReset(err) {
		r.Drop(conn, err)
		return
	}

	r.logger.Error("Backend connection error",
		slog.String("origin", conn.origin.String()),
		slog.Uint64("conn_id", conn.id),
		slog.Any("err", err))
}

// Close closes the live session. Later calls to Get fail with ErrClosed.
func (r *Registry) Close() error {
	r.closed.Store(true)

	if conn := r.slot.Swap(nil); conn != nil {
		return conn.close()
	}
	return nil
}

func (r *Registry) current(o origin.Origin) *Conn {
	conn := r.slot.Load()
	if conn != nil && conn.origin == o && conn.Usable() {
		return conn
	}
	return nil
}

func (r *Registry) install(o origin.Origin) (*Conn, error) {
	// Another flight may have filled the slot since the caller looked.
	if conn := r.current(o); conn != nil {
		return conn, nil
	}

	cb := r.breakers.ForOrigin(o.String())
	if !cb.Allow() {
		return nil, fmt.Errorf("%w for %s, retry in %s", ErrCircuitOpen, o, cb.RetryAfter().Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DialTimeout)
	defer cancel()

	conn, err := r.dial(ctx, o)
	if err != nil {
		cb.RecordFailure()
		r.logger.Error("Failed to connect to backend",
			slog.String("origin", o.String()),
			slog.String("breaker", cb.State().String()),
			slog.Any("err", err))
		return nil, err
	}
	cb.RecordSuccess()

	for {
		prev := r.slot.Load()
		if prev != nil && prev.origin == o && prev.Usable() {
			conn.close()
			return prev, nil
		}

		if !r.slot.CompareAndSwap(prev, conn) {
			continue
		}

		if r.closed.Load() {
			if r.slot.CompareAndSwap(conn, nil) {
				conn.close()
			}
			return nil, ErrClosed
		}

		r.logger.Info("Connected to backend",
			slog.String("origin", o.String()),
			slog.Uint64("conn_id", conn.id))

		r.collector.Emit(metrics.MetricEvent{
			Type:   metrics.EventConnectionOpened,
			Origin: o.String(),
		})

		if prev != nil {
			r.retire(prev)
		}

		return conn, nil
	}
}

func (r *Registry) retire(conn *Conn) {
	r.logger.Debug("Retiring backend connection",
		slog.String("origin", conn.origin.String()),
		slog.Uint64("conn_id", conn.id),
		slog.Int64("active_streams", conn.ActiveStreams()))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RetireTimeout)
		defer cancel()

		if err := conn.shutdown(ctx); err != nil {
			conn.close()
		}
	}()
}

func (r *Registry) dial(ctx context.Context, o origin.Origin) (*Conn, error) {
	addr, err := o.Address()
	if err != nil {
		return nil, err
	}

	nc, err := r.opts.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", o, err)
	}

	if o.Secure() {
		tlsConn, err := r.handshake(ctx, o, nc)
		if err != nil {
			nc.Close()
			return nil, err
		}
		nc = tlsConn
	}

	cc, err := r.transport.NewClientConn(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("start http2 session with %s: %w", o, err)
	}

	return &Conn{
		id:        r.nextID.Add(1),
		origin:    o,
		cc:        cc,
		createdAt: time.Now(),
	}, nil
}

func (r *Registry) handshake(ctx context.Context, o origin.Origin, nc net.Conn) (net.Conn, error) {
	u, err := o.URL()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{}
	if r.opts.TLSConfig != nil {
		cfg = r.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	cfg.NextProtos = []string{http2.NextProtoTLS}

	tlsConn := tls.Client(nc, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", o, err)
	}

	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
		return nil, fmt.Errorf("%s negotiated %q instead of %s", o, proto, http2.NextProtoTLS)
	}

	return tlsConn, nil
}
