// Package identity signs the client IP the proxy asserts to the backend, so
// the backend can tell a trusted proxy's X-Forwarded-For from a spoofed one.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
)

const (
	HeaderForwardedFor     = "X-Forwarded-For"
	HeaderForwardedForSign = "X-Forwarded-For-Sign"
)

// Forwarded is a client IP together with its signature.
type Forwarded struct {
	IP        string
	Signature string
}

// Sign returns the hex MD5 digest of "ip:token". The backend recomputes it
// with the website token.
func Sign(ip, token string) string {
	sum := md5.Sum([]byte(ip + ":" + token))
	return hex.EncodeToString(sum[:])
}

// New signs ip with token.
func New(ip, token string) Forwarded {
	return Forwarded{IP: ip, Signature: Sign(ip, token)}
}

// Apply sets the forwarding headers on h.
func (f Forwarded) Apply(h http.Header) {
	h.Set(HeaderForwardedFor, f.IP)
	h.Set(HeaderForwardedForSign, f.Signature)
}
