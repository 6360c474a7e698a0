package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one breaker per origin.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	timeout   time.Duration
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (r *Registry) ForOrigin(origin string) *Breaker {
	r.mutex.RLock()
	cb, exists := r.breakers[origin]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[origin]; exists {
		return cb
	}

	cb = NewBreaker(r.threshold, r.timeout)
	r.breakers[origin] = cb
	return cb
}

func (r *Registry) States() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for origin, cb := range r.breakers {
		stats[origin] = cb.State()
	}
	return stats
}
