// Package origin normalizes backend URLs and mount paths into the canonical
// forms shared by the connection registry, the proxy and the event emitter.
package origin
