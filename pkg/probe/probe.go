// Package probe implements the auto-classification reachability test
// (spec.md §4.C): when a host's classification is unknown and
// auto-blacklist mode is on, a detached TLS dial decides whether future
// connections to that host should be whitelisted or blacklisted.
package probe

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/errors"
	"github.com/foxbound/fragproxy/pkg/tlsconfig"
)

const defaultPort = 443

// Classifier is the subset of filterstore.Store the probe reads and
// mutates. Declared locally so this package does not import filterstore,
// keeping the dependency direction handler -> {filterstore, probe}.
type Classifier interface {
	IsWhitelisted(host string) bool
	IsBlacklisted(host string) bool
	AddWhitelist(host string) error
	AddBlacklist(host string) error
}

// Prober runs reachability probes with a fixed timeout.
type Prober struct {
	log     *zap.Logger
	timeout time.Duration
}

// New returns a Prober using timeout as the total per-probe budget. A
// non-positive timeout defaults to constants.ProbeTimeout.
func New(log *zap.Logger, timeout time.Duration) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = constants.ProbeTimeout
	}
	return &Prober{log: log.Named("probe"), timeout: timeout}
}

// Probe runs the TLS reachability test for host and updates store
// accordingly. Intended to be launched with `go`: it never touches the
// in-flight tunnel that triggered it (spec.md §4.C). A host already
// classified by either list is skipped, so a handler can launch a Probe on
// every non-whitelisted CONNECT without re-probing a host the store already
// settled (spec.md §8 scenario 6).
func (p *Prober) Probe(ctx context.Context, store Classifier, host string) {
	if store.IsWhitelisted(host) || store.IsBlacklisted(host) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reachable, classify := p.dial(ctx, host)
	if !classify {
		return
	}

	if reachable {
		if err := store.AddWhitelist(host); err != nil {
			p.log.Warn("failed to persist auto-whitelist", zap.String("host", host), zap.Error(err))
		}
		return
	}
	if err := store.AddBlacklist(host); err != nil {
		p.log.Warn("failed to persist auto-blacklist", zap.String("host", host), zap.Error(err))
	}
}

// dial performs the independent TCP+TLS handshake. classify is false only
// for errors the spec says to ignore outright (none currently distinguished
// from dial/handshake failure, but the shape is kept so a future carve-out
// doesn't require a signature change).
func (p *Prober) dial(ctx context.Context, host string) (reachable bool, classify bool) {
	dialer := &net.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(defaultPort))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.log.Debug("probe TCP dial failed", zap.String("host", host), zap.Error(err))
		return false, true
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, tlsconfig.NewProbeConfig(host))
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		probeErr := errors.NewTLSError(host, defaultPort, err)
		if ctx.Err() != nil || errors.IsTimeoutError(err) {
			probeErr = errors.NewTimeoutError("probe_tls_handshake", p.timeout)
		}
		p.log.Debug("probe TLS handshake failed", zap.String("host", host), zap.Error(probeErr))
		return false, true
	}
	p.log.Debug("probe reachable", zap.String("host", host),
		zap.String("tls_version", tlsconfig.GetVersionName(tlsConn.ConnectionState().Version)))
	return true, true
}
