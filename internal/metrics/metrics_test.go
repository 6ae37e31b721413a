package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := &Metrics{}
	m.AddBytes(1024)
	m.IncMessages()
	m.IncAccepted()
	m.IncAccepted()
	m.IncClosed()

	s := m.snapshot()
	assert.Equal(t, uint64(1024), s.BytesTotal)
	assert.Equal(t, uint64(1), s.Messages)
	assert.Equal(t, uint64(2), s.ConnsAccepted)
	assert.Equal(t, uint64(1), s.ConnsClosed)
}

func TestReporterRateLimitsUnlessForced(t *testing.T) {
	m := &Metrics{}
	r := NewReporter(m)
	r.lastReport = r.lastReport.Add(-2 * time.Second)

	first := r.Report(false)
	assert.NotEmpty(t, first)

	second := r.Report(false)
	assert.Empty(t, second)

	forced := r.Report(true)
	assert.NotEmpty(t, forced)
}

func TestReportFormat(t *testing.T) {
	m := &Metrics{}
	m.IncAccepted()
	m.AddBytes(2048)
	m.IncMessages()

	r := NewReporter(m)
	r.lastReport = r.lastReport.Add(-2 * time.Second)

	line := r.Report(false)
	assert.True(t, strings.HasPrefix(line, "\r["))
	assert.Contains(t, line, "Connections: 1 active, 1 total")
	assert.Contains(t, line, "Messages: 1")
	assert.Contains(t, line, "Total: 0.00 MB")
}
