// Package counters holds the global, lock-free traffic and connection
// counters consumed by the external statistics collaborator (spec.md §3
// "Global counters", §5 "Counters: atomic integer add; no mutual
// exclusion").
package counters

import "sync/atomic"

// Counters is a set of monotonic counters updated via atomic fetch-and-add.
// The zero value is ready to use.
type Counters struct {
	totalConnections atomic.Int64
	allowed          atomic.Int64
	fragmented       atomic.Int64
	whitelisted      atomic.Int64
	failed           atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
}

// Snapshot is an immutable copy of every counter at one instant. Reading a
// Snapshot never observes a non-monotonic individual counter, though two
// counters in one Snapshot may be mutually inconsistent (spec.md §5).
type Snapshot struct {
	TotalConnections int64
	Allowed          int64
	Fragmented       int64
	Whitelisted      int64
	Failed           int64
	BytesIn          int64
	BytesOut         int64
}

// IncrConnections records a newly accepted connection.
func (c *Counters) IncrConnections() { c.totalConnections.Add(1) }

// IncrAllowed records a connection that completed without fragmentation
// being applied (whitelisted or non-TLS).
func (c *Counters) IncrAllowed() { c.allowed.Add(1) }

// IncrFragmented records a connection whose first TLS record was fragmented.
func (c *Counters) IncrFragmented() { c.fragmented.Add(1) }

// IncrWhitelisted records a connection classified whitelisted.
func (c *Counters) IncrWhitelisted() { c.whitelisted.Add(1) }

// IncrFailed records a connection that ended in an error kind.
func (c *Counters) IncrFailed() { c.failed.Add(1) }

// AddBytesIn adds n bytes to the client->proxy total.
func (c *Counters) AddBytesIn(n int64) {
	if n > 0 {
		c.bytesIn.Add(n)
	}
}

// AddBytesOut adds n bytes to the proxy->client total.
func (c *Counters) AddBytesOut(n int64) {
	if n > 0 {
		c.bytesOut.Add(n)
	}
}

// Snapshot returns a consistent-enough point-in-time read of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections: c.totalConnections.Load(),
		Allowed:          c.allowed.Load(),
		Fragmented:       c.fragmented.Load(),
		Whitelisted:      c.whitelisted.Load(),
		Failed:           c.failed.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
	}
}

// Rates is the per-second delta between two snapshots, the data side of the
// external statistics collaborator's speed display (SPEC_FULL.md §3).
type Rates struct {
	ConnectionsPerSec float64
	BytesInPerSec     float64
	BytesOutPerSec    float64
}

// Diff computes Rates from prev to cur over the given elapsed seconds.
func Diff(prev, cur Snapshot, elapsedSeconds float64) Rates {
	if elapsedSeconds <= 0 {
		return Rates{}
	}
	return Rates{
		ConnectionsPerSec: float64(cur.TotalConnections-prev.TotalConnections) / elapsedSeconds,
		BytesInPerSec:     float64(cur.BytesIn-prev.BytesIn) / elapsedSeconds,
		BytesOutPerSec:    float64(cur.BytesOut-prev.BytesOut) / elapsedSeconds,
	}
}
