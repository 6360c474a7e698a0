// Package circuitbreaker guards dials to the analytics backend.
//
// Each origin gets a breaker. Consecutive dial failures open it, after which
// dials fail fast until the reset timeout lets one trial dial through:
//
//   - CLOSED: Normal operation, dials pass through
//   - OPEN: Backend unreachable, dials refused
//   - HALF-OPEN: Probing whether the backend recovered
//
// Usage:
//
//	breakers := circuitbreaker.NewRegistry(5, 30*time.Second)
//	cb := breakers.ForOrigin("https://content.mql5.com")
//	if cb.Allow() {
//	    // Dial...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
