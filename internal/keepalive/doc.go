// Package keepalive pings the live backend session at a fixed interval and
// drops it when the ping fails, so the next request dials a fresh one instead
// of discovering the dead session itself.
package keepalive
