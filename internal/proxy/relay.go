package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrBodyTooLarge aborts a relay whose body exceeds the configured cap.
var ErrBodyTooLarge = errors.New("backend response body exceeds limit")

// Headers that identify the backend.
var hiddenHeaders = map[string]bool{
	"x-powered-by": true,
	"server":       true,
}

type relayed struct {
	status int
	header http.Header
	body   []byte
}

// collect reads the whole backend response. Nothing is written to the caller
// here, so a failure halfway leaves the caller's response untouched.
func (p *Proxy) collect(ex *Exchange, resp *http.Response, callerHost string) (*relayed, error) {
	ex.Advance(StageHeadersReceived)
	header := p.rewriteHeaders(resp.Header, callerHost)

	ex.Advance(StageBodyAccumulating)
	body, err := readBody(resp.Body, p.maxBody)
	if err != nil {
		return nil, err
	}

	return &relayed{
		status: resp.StatusCode,
		header: header,
		body:   body,
	}, nil
}

func (p *Proxy) rewriteHeaders(src http.Header, callerHost string) http.Header {
	dst := make(http.Header, len(src))

	for name, values := range src {
		key := strings.ToLower(name)

		switch {
		case strings.HasPrefix(key, ":"), hiddenHeaders[key], !httpguts.ValidHeaderFieldName(name):
			continue
		case key == "set-cookie":
			for _, value := range values {
				if rewritten, ok := p.cookies.ToCaller(value, callerHost); ok {
					dst.Add("Set-Cookie", rewritten)
				}
			}
		default:
			dst.Set(name, strings.Join(values, ","))
		}
	}

	return dst
}

func readBody(body io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(body)
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

func (rl *relayed) writeTo(w http.ResponseWriter) error {
	header := w.Header()
	for name, values := range rl.header {
		header[name] = values
	}

	w.WriteHeader(rl.status)
	_, err := w.Write(rl.body)
	return err
}
