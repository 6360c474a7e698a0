package connection

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/net/http2"
)

// http2 reports a dead session through unexported errors; match their text.
var resetMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"use of closed network connection",
	"client connection lost",
	"client conn is closed",
	"client connection force closed",
}

// IsReset reports whether err means the whole session is gone, as opposed to
// a single stream failing.
func IsReset(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}

	msg := err.Error()
	for _, m := range resetMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}

	return false
}

// IsUnusable reports whether err came from a session that refused a new
// stream because it was draining or closed. Nothing was sent, so the request
// can be retried on the session that replaced it.
func IsUnusable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "client conn not usable")
}
