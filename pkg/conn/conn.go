// Package conn defines the per-connection record and the active-connection
// registry described in spec.md §3: one Connection is created on accept and
// destroyed after both pipes terminate; the registry holds only a weak
// back-reference used by the supervisor to request cancellation at
// shutdown — it is never an ownership edge.
package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foxbound/fragproxy/pkg/timing"
)

// Method tags the initial request kind.
type Method string

const (
	MethodConnect Method = "CONNECT"
)

// Connection is the per-accepted-socket record. The Handler that created it
// is its sole owner; the registry below holds only its ID and a cancel func.
type Connection struct {
	ID         string
	SrcAddr    string
	Host       string
	Port       int
	Method     Method
	StartTime  time.Time
	MonoStart  time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu          sync.Mutex
	whitelisted bool
	fragmented  bool
	errorKind   string
	dialDNS     time.Duration
	dialTCP     time.Duration
}

// New creates a Connection record for a freshly accepted socket.
func New(srcAddr string) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		SrcAddr:   srcAddr,
		StartTime: time.Now(),
		MonoStart: time.Now(),
	}
}

// SetDestination records the canonical destination once CLASSIFY completes.
func (c *Connection) SetDestination(host string, port int, method Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Host = host
	c.Port = port
	c.Method = method
}

// AddBytesIn adds to the client->origin byte counter.
func (c *Connection) AddBytesIn(n int64) { c.bytesIn.Add(n) }

// AddBytesOut adds to the origin->client byte counter.
func (c *Connection) AddBytesOut(n int64) { c.bytesOut.Add(n) }

// SetWhitelisted marks the connection as classified whitelisted.
func (c *Connection) SetWhitelisted(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelisted = v
}

// SetFragmented marks the connection as having had its first record fragmented.
func (c *Connection) SetFragmented(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragmented = v
}

// SetDialMetrics records how long the upstream dial spent in DNS resolution
// and TCP handshake, surfaced later in the access log.
func (c *Connection) SetDialMetrics(m timing.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialDNS = m.DNSLookup
	c.dialTCP = m.TCPConnect
}

// SetErrorKind records the error kind that ended this connection, if any.
func (c *Connection) SetErrorKind(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errorKind == "" {
		c.errorKind = kind
	}
}

// Snapshot is an immutable copy of a Connection's fields, produced on
// CLOSING and handed to the access-log writer so the writer never touches
// the live, still-mutating Connection (SPEC_FULL.md §3 supplemental).
type Snapshot struct {
	ID          string
	SrcAddr     string
	Host        string
	Port        int
	Method      Method
	StartTime   time.Time
	Duration    time.Duration
	BytesIn     int64
	BytesOut    int64
	Whitelisted bool
	Fragmented  bool
	ErrorKind   string
	DialDNS     time.Duration
	DialTCP     time.Duration
}

// Snapshot captures the connection's state at the moment of calling, for
// logging on CLOSING.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.ID,
		SrcAddr:     c.SrcAddr,
		Host:        c.Host,
		Port:        c.Port,
		Method:      c.Method,
		StartTime:   c.StartTime,
		Duration:    time.Since(c.MonoStart),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Whitelisted: c.whitelisted,
		Fragmented:  c.fragmented,
		ErrorKind:   c.errorKind,
		DialDNS:     c.dialDNS,
		DialTCP:     c.dialTCP,
	}
}

// entry is what the Registry actually holds: the connection's id plus a
// cancel func, never the Connection or its sockets (spec.md §3 ownership).
type entry struct {
	cancel context.CancelFunc
}

// Registry is the active-connection registry (spec.md §3, §4.F): a set of
// live connection ids keyed for O(1) add/remove, consulted only by the
// supervisor at shutdown.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds id with its cancel func. Single-writer in practice (the
// accept loop), but guarded defensively since handlers run concurrently.
func (r *Registry) Register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry{cancel: cancel}
}

// Deregister removes id; called from the handler's CLOSING state as it exits.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// CancelAll requests cancellation of every currently registered connection,
// used by the supervisor's shutdown sequence (spec.md §4.F step 3). It never
// blocks on I/O: cancel funcs only flip a context, they don't touch sockets.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

// Len reports the number of currently live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TuneSocket applies TCP_NODELAY/SO_KEEPALIVE to a freshly accepted client
// socket (spec.md §4.D: "on any socket the handler opens"). Mirrors
// pkg/dialer's tuning of the upstream socket.
func TuneSocket(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}
