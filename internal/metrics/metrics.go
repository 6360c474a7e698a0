package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	aborts        map[string]map[string]int64
	connsOpened   map[string]int64
	connsDropped  map[string]int64
	analyticsSent map[string]int64
	analyticsLost map[string]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                    `json:"total_requests"`
	Uptime        time.Duration            `json:"uptime"`
	Origins       map[string]OriginMetrics `json:"origins"`
}

type OriginMetrics struct {
	Requests           int64            `json:"requests"`
	AvgResponse        time.Duration    `json:"avg_response"`
	P50Response        time.Duration    `json:"p50_response"`
	P95Response        time.Duration    `json:"p95_response"`
	P99Response        time.Duration    `json:"p99_response"`
	StatusCodes        map[int]int64    `json:"status_codes"`
	Aborted            map[string]int64 `json:"aborted"`
	ConnectionsOpened  int64            `json:"connections_opened"`
	ConnectionsDropped int64            `json:"connections_dropped"`
	EventsSent         int64            `json:"events_sent"`
	EventsDropped      int64            `json:"events_dropped"`
}

// RecordResponse counts a relayed response and its latency.
func (m *Metrics) RecordResponse(origin string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[origin]++
	m.responseTimes[origin] = append(m.responseTimes[origin], duration)

	if len(m.responseTimes[origin]) > maxSamples {
		m.responseTimes[origin] = m.responseTimes[origin][1:]
	}

	if m.statusCodes[origin] == nil {
		m.statusCodes[origin] = make(map[int]int64)
	}
	m.statusCodes[origin][statusCode]++
}

// RecordAbort counts a request that ended without a backend response.
func (m *Metrics) RecordAbort(origin, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[origin]++
	if m.aborts[origin] == nil {
		m.aborts[origin] = make(map[string]int64)
	}
	m.aborts[origin][reason]++
}

func (m *Metrics) RecordConnectionOpened(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connsOpened[origin]++
}

func (m *Metrics) RecordConnectionDropped(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connsDropped[origin]++
}

func (m *Metrics) RecordAnalytics(origin string, sent bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if sent {
		m.analyticsSent[origin]++
		return
	}
	m.analyticsLost[origin]++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:  time.Since(m.startTime),
		Origins: make(map[string]OriginMetrics),
	}

	// Collect all origins seen by any counter
	allOrigins := make(map[string]bool)
	for _, counters := range []map[string]int64{m.requests, m.connsOpened, m.connsDropped, m.analyticsSent, m.analyticsLost} {
		for origin := range counters {
			allOrigins[origin] = true
		}
	}

	for origin := range allOrigins {
		snap.TotalRequests += m.requests[origin]

		om := OriginMetrics{
			Requests:           m.requests[origin],
			StatusCodes:        copyCounts(m.statusCodes[origin]),
			Aborted:            copyCounts(m.aborts[origin]),
			ConnectionsOpened:  m.connsOpened[origin],
			ConnectionsDropped: m.connsDropped[origin],
			EventsSent:         m.analyticsSent[origin],
			EventsDropped:      m.analyticsLost[origin],
		}

		durations := m.responseTimes[origin]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			om.AvgResponse = average(sorted)
			om.P50Response = percentile(sorted, 0.50)
			om.P95Response = percentile(sorted, 0.95)
			om.P99Response = percentile(sorted, 0.99)
		}

		snap.Origins[origin] = om
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		aborts:        make(map[string]map[string]int64),
		connsOpened:   make(map[string]int64),
		connsDropped:  make(map[string]int64),
		analyticsSent: make(map[string]int64),
		analyticsLost: make(map[string]int64),
		startTime:     time.Now(),
	}
}

func copyCounts[K comparable](src map[K]int64) map[K]int64 {
	if src == nil {
		return nil
	}
	dst := make(map[K]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
