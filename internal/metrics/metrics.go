// Package metrics holds the process-wide counters every engine
// mutates and the periodic stdout reporter that reads them.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics is the single process-wide counter block. All fields are
// mutated only by the event loop (spec: single mutator), but kept as
// atomics so the reporter's reads never race with a mutation even
// though both run on the same goroutine today.
type Metrics struct {
	bytesTotal    atomic.Uint64
	messages      atomic.Uint64
	connsAccepted atomic.Uint64
	connsClosed   atomic.Uint64
}

// AddBytes advances the byte counter by n.
func (m *Metrics) AddBytes(n int) { m.bytesTotal.Add(uint64(n)) }

// IncMessages advances the message counter by one.
func (m *Metrics) IncMessages() { m.messages.Add(1) }

// IncAccepted advances the accepted-connection counter by one.
func (m *Metrics) IncAccepted() { m.connsAccepted.Add(1) }

// IncClosed advances the closed-connection counter by one.
func (m *Metrics) IncClosed() { m.connsClosed.Add(1) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	BytesTotal, Messages, ConnsAccepted, ConnsClosed uint64
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		BytesTotal:    m.bytesTotal.Load(),
		Messages:      m.messages.Load(),
		ConnsAccepted: m.connsAccepted.Load(),
		ConnsClosed:   m.connsClosed.Load(),
	}
}

// Reporter formats Metrics into the carriage-return status line and
// rate-limits itself to at most once per second.
type Reporter struct {
	m *Metrics

	start      time.Time
	lastReport time.Time
}

// NewReporter creates a reporter whose elapsed-time column is measured
// from now.
func NewReporter(m *Metrics) *Reporter {
	now := time.Now()
	return &Reporter{m: m, start: now, lastReport: now}
}

// Report returns a formatted status line, or an empty string if less
// than a second has elapsed since the last report and force is false.
func (r *Reporter) Report(force bool) string {
	now := time.Now()
	if !force && now.Sub(r.lastReport) < time.Second {
		return ""
	}
	r.lastReport = now

	s := r.m.snapshot()
	elapsed := now.Sub(r.start).Seconds()

	var msgRate, mbps float64
	if elapsed > 0 {
		msgRate = float64(s.Messages) / elapsed
		mbps = (float64(s.BytesTotal) * 8.0) / (elapsed * 1_000_000.0)
	}

	return fmt.Sprintf(
		"\r[%.1fs] Connections: %d active, %d total | Messages: %d (%.0f msg/s) | Throughput: %.2f Mb/s (%.2f MB/s) | Total: %.2f MB",
		elapsed,
		s.ConnsAccepted-s.ConnsClosed, s.ConnsAccepted,
		s.Messages, msgRate,
		mbps, mbps/8.0,
		float64(s.BytesTotal)/(1024.0*1024.0),
	)
}
