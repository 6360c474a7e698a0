package connection

import "time"

// Status describes the registry for diagnostics.
type Status struct {
	Origin        string            `json:"origin,omitempty"`
	ConnID        uint64            `json:"conn_id,omitempty"`
	ConnectedAt   *time.Time        `json:"connected_at,omitempty"`
	ActiveStreams int64             `json:"active_streams"`
	Usable        bool              `json:"usable"`
	Breakers      map[string]string `json:"breakers"`
}

// Status reports the live session, if any, and every origin's breaker state.
func (r *Registry) Status() Status {
	status := Status{
		Breakers: make(map[string]string),
	}

	for origin, state := range r.breakers.States() {
		status.Breakers[origin] = state.String()
	}

	if conn := r.slot.Load(); conn != nil {
		connectedAt := conn.createdAt
		status.Origin = conn.origin.String()
		status.ConnID = conn.id
		status.ConnectedAt = &connectedAt
		status.ActiveStreams = conn.ActiveStreams()
		status.Usable = conn.Usable()
	}

	return status
}
