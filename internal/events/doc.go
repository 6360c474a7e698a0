// Package events sends fire-and-forget analytics events to the backend over
// the proxy's shared HTTP/2 session.
//
// Send never blocks on the network and never reports an error: delivery
// happens in the background, the response body is discarded and failures are
// logged and counted. Wait and Close flush outstanding deliveries.
package events
