package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/angeloszaimis/firstparty-proxy/config"
	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/events"
	"github.com/angeloszaimis/firstparty-proxy/internal/httpserver"
	"github.com/angeloszaimis/firstparty-proxy/internal/keepalive"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
	"github.com/angeloszaimis/firstparty-proxy/internal/proxy"
	"github.com/angeloszaimis/firstparty-proxy/pkg/logger"
)

const (
	metricsBufferSize = 1000
	drainTimeout      = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApplication(cfg, log)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	app.collector.Start(ctx)
	go keepalive.Run(ctx, app.registry, cfg.Connection.KeepaliveDuration(), log)

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- app.server.Start()
	}()

	log.Info("Server started",
		slog.String("address", cfg.Server.Address),
		slog.String("mount", app.proxy.Mount()),
		slog.String("backend", app.proxy.Origin().String()))

	app.announce(cfg.Events.WebsiteID)

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		app.shutdown(context.Background())
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting proxy server", slog.Any("err", err))
			app.shutdown(context.Background())
			os.Exit(1)
		}
	}
}

type application struct {
	log       *slog.Logger
	collector *metrics.Collector
	registry  *connection.Registry
	proxy     *proxy.Proxy
	emitter   *events.Emitter
	server    *httpserver.Server
}

func newApplication(cfg *config.Config, log *slog.Logger) (*application, error) {
	collector := metrics.NewCollector(metricsBufferSize, log)

	registry := connection.NewRegistry(log, collector, connection.Options{
		DialTimeout:      cfg.Connection.DialTimeoutDuration(),
		FailureThreshold: cfg.Connection.FailureThreshold,
		ResetTimeout:     cfg.Connection.ResetTimeoutDuration(),
	})

	p := proxy.New(log, registry, collector, proxy.Options{
		Path:              cfg.Proxy.Path,
		Token:             cfg.Proxy.Token,
		URL:               cfg.Proxy.URL,
		Timeout:           cfg.Proxy.TimeoutMillis(),
		MaxBodyBytes:      cfg.Proxy.MaxBodyBytes,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
	})

	emitter := events.NewEmitter(log, registry, collector, events.Options{
		URL:       cfg.Proxy.URL,
		Token:     cfg.Proxy.Token,
		UserAgent: cfg.Events.UserAgent,
		RateLimit: cfg.Events.RateLimit,
		Burst:     cfg.Events.Burst,
		Timeout:   p.Timeout(),
	})

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(p, registry, collector), httpserver.Options{
		ProxyTimeout: p.Timeout(),
	})
	if err != nil {
		return nil, err
	}

	return &application{
		log:       log,
		collector: collector,
		registry:  registry,
		proxy:     p,
		emitter:   emitter,
		server:    srv,
	}, nil
}

// announce sends the startup event when a website is configured.
func (a *application) announce(websiteID string) {
	if websiteID == "" {
		return
	}

	a.emitter.Send(events.Event{
		Name:      "Server started",
		WebsiteID: websiteID,
	})
}

// shutdown stops accepting requests, flushes queued events and closes the
// backend session, in that order.
func (a *application) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("Error during shutdown", slog.Any("err", err))
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := a.emitter.Close(drainCtx); err != nil {
		a.log.Warn("Analytics events still pending at shutdown", slog.Any("err", err))
	}

	if err := a.registry.Close(); err != nil {
		a.log.Warn("Error closing backend connection", slog.Any("err", err))
	}
}
