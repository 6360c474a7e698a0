package cookies

import (
	"net/http"
	"regexp"
	"strings"
)

const (
	// Prefix namespaces backend cookies on the caller's domain.
	Prefix = "_fz_"
)

// AllowList holds the backend cookie names that may cross the proxy.
var AllowList = []string{"uniq"}

// domainAttr matches a Domain attribute, never text inside the cookie value.
var domainAttr = regexp.MustCompile(`(?i);\s*domain=([^;]*)`)

// Translator rewrites cookies between the caller and the backend.
type Translator struct {
	prefix  string
	names   []string
	allowed map[string]struct{}
}

// New creates a Translator for the given prefix and allow-list. The order of
// names is the order cookies are forwarded in.
func New(prefix string, names []string) *Translator {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		allowed[name] = struct{}{}
	}

	return &Translator{
		prefix:  prefix,
		names:   append([]string(nil), names...),
		allowed: allowed,
	}
}

// Default returns the translator for Prefix and AllowList.
func Default() *Translator {
	return New(Prefix, AllowList)
}

// Allowed reports whether a backend cookie name is allow-listed.
func (t *Translator) Allowed(name string) bool {
	_, ok := t.allowed[name]
	return ok
}

// ToBackend picks the prefixed allow-listed cookies out of the caller's
// cookies and returns them as backend "name=value" pairs, in allow-list order.
// Missing or empty cookies are omitted.
func (t *Translator) ToBackend(callerCookies []*http.Cookie) []string {
	values := make(map[string]string, len(callerCookies))
	for _, c := range callerCookies {
		if _, seen := values[c.Name]; !seen {
			values[c.Name] = c.Value
		}
	}

	pairs := make([]string, 0, len(t.names))
	for _, name := range t.names {
		value := values[t.prefix+name]
		if value == "" {
			continue
		}
		pairs = append(pairs, name+"="+value)
	}

	return pairs
}

// ToCaller rewrites a backend Set-Cookie value for the caller: the name gets
// the prefix and the Domain attribute is pointed at callerHost without port.
// It returns false when the cookie is not allow-listed or has no name.
func (t *Translator) ToCaller(setCookie, callerHost string) (string, bool) {
	name, rest, ok := strings.Cut(setCookie, "=")
	if !ok {
		return "", false
	}

	name = strings.TrimSpace(name)
	if name == "" || !t.Allowed(name) {
		return "", false
	}

	rewritten := t.prefix + name + "=" + rest

	host := stripPort(callerHost)
	if m := domainAttr.FindStringSubmatchIndex(rewritten); m != nil {
		rewritten = rewritten[:m[2]] + host + rewritten[m[3]:]
	}

	return rewritten, true
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end >= 0 {
			return host[:end+1]
		}
		return host
	}

	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}
