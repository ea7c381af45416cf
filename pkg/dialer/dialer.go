// Package dialer dials the upstream origin for a single proxied connection.
//
// It is adapted from the teacher library's pkg/transport connectTCP/
// resolveAddress pair, trimmed to what a forwarding proxy's Connection
// Handler needs: resolve once, dial once, tune the socket, return. The
// connection-pooling, upstream-proxy-chaining (HTTP/SOCKS4/SOCKS5) and
// TLS-upgrade paths of the original transport are dropped — this proxy never
// pools upstream sockets (one dial per client connection) and never
// terminates TLS to the origin (spec.md §1 Non-goals, §6 Upstream).
package dialer

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/foxbound/fragproxy/pkg/errors"
	"github.com/foxbound/fragproxy/pkg/timing"
)

// Dialer resolves and dials plain TCP connections to origin servers.
type Dialer struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// New returns a Dialer using the given default dial timeout.
func New(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dialer{resolver: net.DefaultResolver, timeout: timeout}
}

// Dial resolves host and connects to host:port over plain TCP, enabling
// TCP_NODELAY and SO_KEEPALIVE on the resulting socket (spec.md §4.D: "On
// any socket the handler opens, set TCP_NODELAY and SO_KEEPALIVE once at
// acquisition").
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, *timing.Metrics, error) {
	timer := timing.NewTimer()

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	timer.StartDNS()
	addrs, err := d.resolver.LookupIPAddr(dialCtx, host)
	timer.EndDNS()
	if err != nil {
		return nil, nil, errors.NewDNSError(host, err)
	}
	if len(addrs) == 0 {
		return nil, nil, errors.NewDNSError(host, errors.NewValidationError("no IP addresses found"))
	}

	dialAddr := net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(port))

	timer.StartTCP()
	nd := &net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(dialCtx, "tcp", dialAddr)
	timer.EndTCP()
	if err != nil {
		return nil, nil, errors.NewConnectionError(host, port, err)
	}

	tuneSocket(conn)

	metrics := timer.GetMetrics()
	return conn, &metrics, nil
}

// tuneSocket applies the proxy's standard per-socket options. Best-effort:
// a failure here is never fatal to the connection.
func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}
