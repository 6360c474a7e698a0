package connection

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

// Conn is one HTTP/2 session bound to a single origin. Streams issued on it
// are independent of each other and of the registry slot.
type Conn struct {
	id        uint64
	origin    origin.Origin
	cc        *http2.ClientConn
	createdAt time.Time
	streams   atomic.Int64
}

// ID is unique per registry.
func (c *Conn) ID() uint64 {
	return c.id
}

// Origin returns the origin the session is bound to.
func (c *Conn) Origin() origin.Origin {
	return c.origin
}

// CreatedAt returns when the session was established.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// ActiveStreams returns the number of requests currently in flight.
func (c *Conn) ActiveStreams() int64 {
	return c.streams.Load()
}

// Usable reports whether the session is still open for new streams. It turns
// false after a GOAWAY, a shutdown, a close or a broken transport. A session
// at its concurrent-stream limit stays usable; new streams wait for a slot.
func (c *Conn) Usable() bool {
	st := c.cc.State()
	return !st.Closed && !st.Closing
}

// Closed reports whether the transport is gone. A session that is only
// draining after a GOAWAY or shutdown is not closed.
func (c *Conn) Closed() bool {
	return c.cc.State().Closed
}

// RoundTrip issues req as a new stream. The response body belongs to the
// caller; the stream is released when the body is closed or req's context
// ends.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	c.streams.Add(1)
	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		c.streams.Add(-1)
		return nil, err
	}

	resp.Body = &streamBody{ReadCloser: resp.Body, conn: c}
	return resp, nil
}

// Ping sends an HTTP/2 PING and waits for the acknowledgement.
func (c *Conn) Ping(ctx context.Context) error {
	return c.cc.Ping(ctx)
}

func (c *Conn) close() error {
	return c.cc.Close()
}

func (c *Conn) shutdown(ctx context.Context) error {
	return c.cc.Shutdown(ctx)
}

type streamBody struct {
	io.ReadCloser
	conn   *Conn
	closed atomic.Bool
}

func (b *streamBody) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.conn.streams.Add(-1)
	}
	return b.ReadCloser.Close()
}
