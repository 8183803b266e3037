package metrics

import (
	"sync"
	"time"
)

// Metrics is a small in-process collector for counters and timers, exposed
// on the /metrics endpoint. It tracks only what this service needs; anything
// fancier belongs in an external APM.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]int64
	timers    map[string]*timer
	startTime time.Time
}

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// TimerSnapshot reports aggregated timings for one operation.
type TimerSnapshot struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Snapshot is the full collector state at one moment.
type Snapshot struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]int64         `json:"counters"`
	Timers        map[string]TimerSnapshot `json:"timers"`
}

// New creates an empty collector.
func New() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		timers:    make(map[string]*timer),
		startTime: time.Now(),
	}
}

// Increment adds one to a named counter.
func (m *Metrics) Increment(name string) {
	m.Add(name, 1)
}

// Add adds delta to a named counter.
func (m *Metrics) Add(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// Observe records one duration for a named timer.
func (m *Metrics) Observe(name string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timer{minMs: ms, maxMs: ms}
		m.timers[name] = t
	}

	t.count++
	t.totalMs += ms
	if ms < t.minMs {
		t.minMs = ms
	}
	if ms > t.maxMs {
		t.maxMs = ms
	}
}

// Snapshot copies out the collector state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Counters:      make(map[string]int64, len(m.counters)),
		Timers:        make(map[string]TimerSnapshot, len(m.timers)),
	}

	for name, value := range m.counters {
		snap.Counters[name] = value
	}
	for name, t := range m.timers {
		entry := TimerSnapshot{
			Count:       t.count,
			TotalTimeMs: t.totalMs,
			MinTimeMs:   t.minMs,
			MaxTimeMs:   t.maxMs,
		}
		if t.count > 0 {
			entry.AverageTimeMs = float64(t.totalMs) / float64(t.count)
		}
		snap.Timers[name] = entry
	}

	return snap
}
