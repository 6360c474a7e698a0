package proxy

import "time"

// DefaultTimeout applies when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// ResolveTimeout turns the configured timeout in milliseconds into the
// per-request deadline: nil selects DefaultTimeout and values <= 0 disable
// the deadline (zero result). The deadline covers dial, headers and body and
// is not extended by progress.
func ResolveTimeout(ms *int) time.Duration {
	if ms == nil {
		return DefaultTimeout
	}
	if *ms <= 0 {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}
