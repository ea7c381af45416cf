// Package timing measures the DNS and TCP phases of an upstream dial, so the
// access log can show how much of a connection's latency was the proxy's own
// dial versus the tunnel itself.
package timing

import "time"

// Metrics captures the dial-phase timings for one upstream connection
// attempt.
type Metrics struct {
	DNSLookup  time.Duration
	TCPConnect time.Duration
}

// Timer accumulates start/end marks for a single dial.
type Timer struct {
	dnsStart time.Time
	dnsEnd   time.Time
	tcpStart time.Time
	tcpEnd   time.Time
}

// NewTimer starts a new dial-timing session.
func NewTimer() *Timer {
	return &Timer{}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() { t.dnsStart = time.Now() }

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() { t.dnsEnd = time.Now() }

// StartTCP marks the beginning of the TCP handshake.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the end of the TCP handshake.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// GetMetrics returns the elapsed DNS and TCP phases recorded so far.
func (t *Timer) GetMetrics() Metrics {
	var m Metrics
	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	return m
}
