package proxy

import (
	"sync"
	"time"
)

type Stage int

const (
	StageDispatched       Stage = iota // Request issued, waiting for headers
	StageHeadersReceived               // Status and headers known
	StageBodyAccumulating              // Buffering the body
	StageCompleted                     // Response written to the caller
	StageAborted                       // Timed out or failed
)

func (s Stage) String() string {
	switch s {
	case StageDispatched:
		return "DISPATCHED"
	case StageHeadersReceived:
		return "HEADERS-RECEIVED"
	case StageBodyAccumulating:
		return "BODY-ACCUMULATING"
	case StageCompleted:
		return "COMPLETED"
	case StageAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageAborted
}

// Exchange tracks one proxied request. Stages only move forward one step at
// a time; Completed and Aborted are final and mutually exclusive.
type Exchange struct {
	mutex   sync.Mutex
	stage   Stage
	started time.Time
}

func NewExchange() *Exchange {
	return &Exchange{
		stage:   StageDispatched,
		started: time.Now(),
	}
}

func (e *Exchange) Stage() Stage {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stage
}

// Advance moves to the next stage. It returns false when to is not the
// immediate successor of the current stage.
func (e *Exchange) Advance(to Stage) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stage.Terminal() || to == StageAborted || to != e.stage+1 {
		return false
	}

	e.stage = to
	return true
}

// Abort ends the exchange from any non-terminal stage and returns the stage
// it was aborted in.
func (e *Exchange) Abort() (Stage, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	from := e.stage
	if from.Terminal() {
		return from, false
	}

	e.stage = StageAborted
	return from, true
}

// Elapsed is the time since dispatch.
func (e *Exchange) Elapsed() time.Duration {
	return time.Since(e.started)
}
