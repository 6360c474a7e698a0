// Fakebackend is a stand-in analytics backend for running the proxy locally.
// It speaks cleartext HTTP/2 (prior knowledge) and serves /core.js, /amp.js
// and /tr, issuing a uniq cookie and logging the forwarded identity.
//
// Usage:
//
//	go run ./scripts/fakebackend -addr :8081
//	PROXY_URL=http://localhost:8081 go run ./cmd
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/angeloszaimis/firstparty-proxy/pkg/logger"
)

func main() {
	addr := flag.String("addr", ":8081", "address to listen on")
	delay := flag.Duration("delay", 0, "artificial latency added to every response")
	domain := flag.String("domain", "backend.local", "Domain attribute of issued cookies")
	flag.Parse()

	log := logger.New("debug", false, "dev")

	script := func(w http.ResponseWriter, r *http.Request) {
		issueCookie(w, r, *domain)
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, "/* %s served for %s */\n", r.URL.Path, r.URL.Query().Get("host"))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /core.js", script)
	mux.HandleFunc("GET /amp.js", script)
	mux.HandleFunc("GET /tr", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		log.Info("Tracked event",
			slog.String("event", q.Get("event")),
			slog.String("website_id", q.Get("id")),
			slog.String("ref", q.Get("ref")),
			slog.String("value", q.Get("value")))
		issueCookie(w, r, *domain)
		w.WriteHeader(http.StatusNoContent)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Info("Backend request",
			slog.String("proto", r.Proto),
			slog.String("uri", r.URL.RequestURI()),
			slog.String("forwarded_for", r.Header.Get("X-Forwarded-For")),
			slog.String("forwarded_for_sign", r.Header.Get("X-Forwarded-For-Sign")),
			slog.String("cookie", r.Header.Get("Cookie")),
			slog.String("user_agent", r.UserAgent()))

		if *delay > 0 {
			time.Sleep(*delay)
		}

		// Headers the proxy is expected to strip.
		w.Header().Set("X-Powered-By", "fakebackend")
		w.Header().Set("Server", "fakebackend/1.0")

		mux.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:    *addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	log.Info("Starting fake backend", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil {
		log.Error("Server failed", slog.Any("err", err))
	}
}

// issueCookie keeps the caller's uniq id or mints a new one.
func issueCookie(w http.ResponseWriter, r *http.Request, domain string) {
	id := uuid.NewString()
	if c, err := r.Cookie("uniq"); err == nil && c.Value != "" {
		id = c.Value
	}

	w.Header().Add("Set-Cookie", fmt.Sprintf("uniq=%s; Domain=%s; Path=/; Max-Age=31536000; SameSite=Lax", id, domain))
	w.Header().Add("Set-Cookie", "backend_session=1; Domain="+domain+"; Path=/")
}
