package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/identity"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

// Backend scripts that need to know where they are mounted.
var assetPaths = map[string]bool{
	"/core.js": true,
	"/amp.js":  true,
}

// Request is the outbound side of one proxied request.
type Request struct {
	// Path is the backend :path, query included.
	Path      string
	Identity  identity.Forwarded
	UserAgent string
	// Cookies are backend "name=value" pairs.
	Cookies []string
}

// Build derives the backend request from an inbound request under the mount
// prefix.
func (p *Proxy) Build(r *http.Request) Request {
	path := origin.NormalizePath(strings.TrimPrefix(r.URL.RequestURI(), p.mount))

	if assetPaths[path] {
		path += "?host=" + p.scheme(r) + "://" + r.Host + p.mount
	}

	return Request{
		Path:      path,
		Identity:  identity.New(p.clientIP(r), p.token),
		UserAgent: r.UserAgent(),
		Cookies:   p.cookies.ToBackend(r.Cookies()),
	}
}

// NewRequest builds the GET for o. The body is always empty.
func (pr Request) NewRequest(ctx context.Context, o origin.Origin) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}

	req.URL.Opaque = pr.Path
	req.URL.RawQuery = ""

	pr.Identity.Apply(req.Header)
	// An empty value keeps the transport from adding its own User-Agent.
	req.Header.Set("User-Agent", pr.UserAgent)
	if len(pr.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(pr.Cookies, "; "))
	}

	return req, nil
}

// dispatch reissues the request once when the session it picked up started
// draining before the stream was opened.
func (p *Proxy) dispatch(ctx context.Context, pr Request) (*http.Response, *connection.Conn, error) {
	var (
		conn *connection.Conn
		resp *http.Response
		err  error
	)

	for attempt := 0; attempt < 2; attempt++ {
		conn, err = p.registry.Get(ctx, p.origin)
		if err != nil {
			return nil, nil, err
		}

		var req *http.Request
		req, err = pr.NewRequest(ctx, p.origin)
		if err != nil {
			return nil, conn, err
		}

		resp, err = conn.RoundTrip(req)
		if !connection.IsUnusable(err) {
			break
		}
	}

	if err != nil {
		return nil, conn, err
	}
	return resp, conn, nil
}

func (p *Proxy) clientIP(r *http.Request) string {
	if p.trustForwardedFor {
		if xff := r.Header.Get(identity.HeaderForwardedFor); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (p *Proxy) scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p.trustForwardedFor && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return "https"
	}
	return "http"
}
