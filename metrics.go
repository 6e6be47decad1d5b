package main

import (
	"sync"
	"sync/atomic"
	"time"
)

const errorHistorySize = 12

type ErrorEvent struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

// FleetMetrics tracks in-process counters for the status surface. Share
// counters are hot (one bump per share verdict) and stay atomic; the error
// history ring takes a lock.
type FleetMetrics struct {
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	reconnects  atomic.Uint64
	disconnects atomic.Uint64

	mu           sync.RWMutex
	rejectReason map[string]uint64
	errorHistory []ErrorEvent
	start        time.Time
}

func NewFleetMetrics() *FleetMetrics {
	return &FleetMetrics{
		rejectReason: make(map[string]uint64),
		start:        time.Now(),
	}
}

func (m *FleetMetrics) RecordShareAccepted() {
	if m == nil {
		return
	}
	m.accepted.Add(1)
}

func (m *FleetMetrics) RecordShareRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(1)
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.rejectReason[reason]++
	m.mu.Unlock()
}

func (m *FleetMetrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Add(1)
}

func (m *FleetMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(1)
}

func (m *FleetMetrics) RecordErrorEvent(kind, message string, at time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.errorHistory = append(m.errorHistory, ErrorEvent{At: at, Type: kind, Message: message})
	if len(m.errorHistory) > errorHistorySize {
		m.errorHistory = m.errorHistory[len(m.errorHistory)-errorHistorySize:]
	}
	m.mu.Unlock()
}

type MetricsSnapshot struct {
	Accepted      uint64            `json:"accepted"`
	Rejected      uint64            `json:"rejected"`
	Reconnects    uint64            `json:"reconnects"`
	Disconnects   uint64            `json:"disconnects"`
	RejectReasons map[string]uint64 `json:"reject_reasons,omitempty"`
	ErrorHistory  []ErrorEvent      `json:"error_history,omitempty"`
	Uptime        time.Duration     `json:"-"`
}

func (m *FleetMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	snap := MetricsSnapshot{
		Accepted:    m.accepted.Load(),
		Rejected:    m.rejected.Load(),
		Reconnects:  m.reconnects.Load(),
		Disconnects: m.disconnects.Load(),
		Uptime:      time.Since(m.start),
	}
	m.mu.RLock()
	if len(m.rejectReason) > 0 {
		snap.RejectReasons = make(map[string]uint64, len(m.rejectReason))
		for k, v := range m.rejectReason {
			snap.RejectReasons[k] = v
		}
	}
	snap.ErrorHistory = append([]ErrorEvent(nil), m.errorHistory...)
	m.mu.RUnlock()
	return snap
}
