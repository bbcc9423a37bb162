// Package metrics provides collection and reporting of proxy metrics
package metrics

import (
	"sync/atomic"
	"time"
)

// Protocol labels a downstream connection by the family it speaks.
type Protocol string

const (
	ProtocolV1 Protocol = "sv1"
	ProtocolV2 Protocol = "sv2"
)

// Collector holds all proxy metrics
type Collector struct {
	// Connection metrics
	ConnectionsV1     atomic.Uint64
	ConnectionsV2     atomic.Uint64
	SessionsActive    atomic.Int64
	HandshakeFailures atomic.Uint64
	UpstreamFailures  atomic.Uint64

	// Share metrics
	SharesOK      atomic.Uint64
	SharesBad     atomic.Uint64
	ReportsOK     atomic.Uint64
	ReportsFailed atomic.Uint64

	// Traffic
	FramesForwarded atomic.Uint64
	LastJobUnix     atomic.Int64

	prom *PrometheusCollectors
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

// Instrument mirrors every subsequent update into p.
func (m *Collector) Instrument(p *PrometheusCollectors) {
	m.prom = p
}

// ConnectionOpened counts a detected downstream connection and marks its
// session active.
func (m *Collector) ConnectionOpened(p Protocol) {
	if p == ProtocolV1 {
		m.ConnectionsV1.Add(1)
	} else {
		m.ConnectionsV2.Add(1)
	}
	m.SessionsActive.Add(1)
	if m.prom != nil {
		m.prom.Connections.WithLabelValues(string(p)).Inc()
		m.prom.SessionsActive.Inc()
	}
}

// ConnectionClosed ends a session opened with ConnectionOpened.
func (m *Collector) ConnectionClosed() {
	m.SessionsActive.Add(-1)
	if m.prom != nil {
		m.prom.SessionsActive.Dec()
	}
}

func (m *Collector) GetSessionsActive() int64 {
	return m.SessionsActive.Load()
}

// IncrementHandshakeFailures counts a failed Noise handshake on either side.
func (m *Collector) IncrementHandshakeFailures() {
	m.HandshakeFailures.Add(1)
	if m.prom != nil {
		m.prom.HandshakeFailures.Inc()
	}
}

// IncrementUpstreamFailures counts a target fetch or upstream dial failure.
func (m *Collector) IncrementUpstreamFailures() {
	m.UpstreamFailures.Add(1)
	if m.prom != nil {
		m.prom.UpstreamFailures.Inc()
	}
}

// RecordShare counts a share by its validity.
func (m *Collector) RecordShare(valid bool) {
	if valid {
		m.SharesOK.Add(1)
	} else {
		m.SharesBad.Add(1)
	}
	if m.prom != nil {
		if valid {
			m.prom.SharesOK.Inc()
		} else {
			m.prom.SharesBad.Inc()
		}
	}
}

// RecordReport counts the outcome of a share report; it matches the
// recorder's result hook.
func (m *Collector) RecordReport(err error) {
	if err == nil {
		m.ReportsOK.Add(1)
	} else {
		m.ReportsFailed.Add(1)
	}
	if m.prom != nil {
		if err == nil {
			m.prom.Reports.WithLabelValues("ok").Inc()
		} else {
			m.prom.Reports.WithLabelValues("failed").Inc()
		}
	}
}

// AddFrames counts frames or lines forwarded between peers.
func (m *Collector) AddFrames(n int) {
	if n <= 0 {
		return
	}
	m.FramesForwarded.Add(uint64(n))
	if m.prom != nil {
		m.prom.FramesForwarded.Add(float64(n))
	}
}

// SetLastJob records when work last reached a miner.
func (m *Collector) SetLastJob(t time.Time) {
	m.LastJobUnix.Store(t.Unix())
	if m.prom != nil {
		m.prom.LastJob.Set(float64(t.Unix()))
	}
}

func (m *Collector) GetLastJob() time.Time {
	unix := m.LastJobUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// GetSharesOK returns the total accepted shares
func (m *Collector) GetSharesOK() uint64 {
	return m.SharesOK.Load()
}

// GetSharesBad returns the total rejected shares
func (m *Collector) GetSharesBad() uint64 {
	return m.SharesBad.Load()
}

// GetTotalShares returns the total shares (accepted + rejected)
func (m *Collector) GetTotalShares() uint64 {
	return m.SharesOK.Load() + m.SharesBad.Load()
}

// GetAcceptanceRate calculates the share acceptance rate as percentage
func (m *Collector) GetAcceptanceRate() float64 {
	return rate(m.GetSharesOK(), m.GetTotalShares())
}

// Snapshot returns a snapshot of current metrics
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsV1:     m.ConnectionsV1.Load(),
		ConnectionsV2:     m.ConnectionsV2.Load(),
		SessionsActive:    m.GetSessionsActive(),
		HandshakeFailures: m.HandshakeFailures.Load(),
		UpstreamFailures:  m.UpstreamFailures.Load(),
		SharesOK:          m.GetSharesOK(),
		SharesBad:         m.GetSharesBad(),
		TotalShares:       m.GetTotalShares(),
		AcceptanceRate:    m.GetAcceptanceRate(),
		ReportsOK:         m.ReportsOK.Load(),
		ReportsFailed:     m.ReportsFailed.Load(),
		FramesForwarded:   m.FramesForwarded.Load(),
		LastJob:           m.GetLastJob(),
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	ConnectionsV1     uint64    `json:"connections_sv1"`
	ConnectionsV2     uint64    `json:"connections_sv2"`
	SessionsActive    int64     `json:"sessions_active"`
	HandshakeFailures uint64    `json:"handshake_failures"`
	UpstreamFailures  uint64    `json:"upstream_failures"`
	SharesOK          uint64    `json:"shares_ok"`
	SharesBad         uint64    `json:"shares_bad"`
	TotalShares       uint64    `json:"total_shares"`
	AcceptanceRate    float64   `json:"acceptance_rate"`
	ReportsOK         uint64    `json:"reports_ok"`
	ReportsFailed     uint64    `json:"reports_failed"`
	FramesForwarded   uint64    `json:"frames_forwarded"`
	LastJob           time.Time `json:"last_job"`
}

// SessionMetrics holds per-session share counters
type SessionMetrics struct {
	OK  atomic.Uint64
	Bad atomic.Uint64
}

func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{}
}

// Record counts one share for this session.
func (c *SessionMetrics) Record(valid bool) {
	if valid {
		c.OK.Add(1)
	} else {
		c.Bad.Add(1)
	}
}

// GetOK returns accepted shares count
func (c *SessionMetrics) GetOK() uint64 {
	return c.OK.Load()
}

// GetBad returns rejected shares count
func (c *SessionMetrics) GetBad() uint64 {
	return c.Bad.Load()
}

// GetTotal returns total shares count
func (c *SessionMetrics) GetTotal() uint64 {
	return c.OK.Load() + c.Bad.Load()
}

// GetAcceptanceRate calculates acceptance rate for this session
func (c *SessionMetrics) GetAcceptanceRate() float64 {
	return rate(c.GetOK(), c.GetTotal())
}

func rate(ok, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return (float64(ok) / float64(total)) * 100
}
