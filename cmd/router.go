package main

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
	"github.com/angeloszaimis/firstparty-proxy/internal/proxy"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// setupRouter puts the proxy in front of the site's own routes.
func setupRouter(p *proxy.Proxy, registry *connection.Registry, metricsCollector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", indexHandler(p.Mount()))
	mux.Handle("GET /metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("GET /debug/stats", metricsCollector.Handler())
	mux.HandleFunc("GET /debug/connection", connectionHandler(registry))

	return p.Middleware(mux)
}

func indexHandler(mount string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexTemplate.Execute(w, struct{ Mount string }{mount}); err != nil {
			slog.Error("Failed to render index", slog.Any("err", err))
		}
	}
}

func connectionHandler(registry *connection.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(registry.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
