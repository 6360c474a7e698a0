package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Default is the measurement backend used when no URL is configured.
const Default Origin = "https://content.mql5.com"

// Origin is a backend base URL without a trailing slash. It is the identity
// key for connection reuse.
type Origin string

// Resolve returns rawURL with one trailing slash removed, or Default when
// rawURL is empty. Malformed URLs are accepted as-is.
func Resolve(rawURL string) Origin {
	if rawURL == "" {
		return Default
	}
	return Origin(strings.TrimSuffix(rawURL, "/"))
}

// NormalizePath prepends a slash when missing and strips one trailing slash.
// The root path stays "/".
func NormalizePath(raw string) string {
	path := raw
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// MountPrefix normalizes a configured mount path. Unlike NormalizePath the
// root collapses to the empty prefix, which matches every request.
func MountPrefix(raw string) string {
	path := NormalizePath(raw)
	if path == "/" {
		return ""
	}
	return path
}

func (o Origin) String() string {
	return string(o)
}

// URL parses the origin.
func (o Origin) URL() (*url.URL, error) {
	u, err := url.Parse(string(o))
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", string(o), err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", string(o))
	}
	return u, nil
}

// Address returns the host:port to dial, filling in the default port of the
// scheme.
func (o Origin) Address() (string, error) {
	u, err := o.URL()
	if err != nil {
		return "", err
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", string(o), u.Scheme)
	}
}

// Secure reports whether the origin is reached over TLS.
func (o Origin) Secure() bool {
	return strings.HasPrefix(strings.ToLower(string(o)), "https://")
}
