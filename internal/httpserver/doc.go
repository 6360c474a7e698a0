// Package httpserver wraps http.Server with address validation, timeouts
// sized to the proxy deadline and graceful shutdown.
package httpserver
