// Package supervisor implements the TCP listener and the accept/shutdown
// lifecycle described in spec.md §4.F: one listener, one handler goroutine
// per accepted socket, and a single idempotent shutdown transition on
// SIGINT/SIGTERM. Grounded on the teacher pack's caddy.Start/Stop pair
// (caddy/caddy.go) for the overall lifecycle shape and on caddy's
// sigtrap*.go for the "a second signal is ignored" idempotency contract,
// adapted here into an in-process context cancellation rather than a
// package-global signal trap.
package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	connpkg "github.com/foxbound/fragproxy/pkg/conn"
	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/counters"
	"github.com/foxbound/fragproxy/pkg/handler"
)

// Deps bundles every collaborator the Supervisor wires together.
type Deps struct {
	Addr     string
	Handler  *handler.Handler
	Registry *connpkg.Registry
	Counters *counters.Counters
	Log      *zap.Logger
}

// Supervisor owns the listener and the set of in-flight connection
// goroutines. The zero value is not usable; construct with New.
type Supervisor struct {
	deps Deps
	log  *zap.Logger

	mu sync.Mutex
	ln net.Listener

	shutdownOnce sync.Once
}

// New returns a Supervisor. A nil Log is replaced with a no-op logger.
func New(deps Deps) *Supervisor {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Supervisor{deps: deps, log: deps.Log.Named("supervisor")}
}

// Run binds the listener, accepts connections until ctx is canceled, then
// runs the shutdown sequence (spec.md §4.F steps 1-6) before returning. The
// caller is expected to cancel ctx exactly once, from a signal handler or a
// test; a second cancellation is harmless (shutdown is idempotent via
// sync.Once) but does not reset any grace-period clock already in flight.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}

	statsStop := make(chan struct{})
	go s.runStats(statsStop)

	go func() {
		<-ctx.Done()
		s.closeListenerOnce()
	}()

	var wg sync.WaitGroup
	for {
		c, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				break // listener closed for shutdown, not a real accept failure
			}
			s.log.Warn("accept failed", zap.Error(acceptErr))
			continue
		}
		s.spawn(ctx, c, &wg)
	}

	close(statsStop)
	s.deps.Registry.CancelAll()
	s.waitForDrain(&wg)
	s.logFinalCounters()
	return nil
}

// Listen binds the listener without accepting yet, so a caller that needs
// the resolved address (e.g. a test binding to port 0) can read it via Addr
// before calling Run. Run calls Listen itself if it hasn't been called yet.
func (s *Supervisor) Listen() (net.Listener, error) {
	s.mu.Lock()
	if s.ln != nil {
		ln := s.ln
		s.mu.Unlock()
		return ln, nil
	}
	s.mu.Unlock()

	ln, err := bindListen(s.log, s.deps.Addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.String("addr", s.deps.Addr))
	return ln, nil
}

// Shutdown triggers the same listener-close step Run's internal ctx.Done
// watcher performs, for callers that want to stop accepting without
// canceling the whole run context (e.g. a test harness); Run then completes
// its shutdown sequence and returns. Safe to call concurrently and more than
// once.
func (s *Supervisor) Shutdown() {
	s.closeListenerOnce()
}

func (s *Supervisor) closeListenerOnce() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown: closing listener")
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
	})
}

// spawn registers the accepted socket and runs the handler state machine on
// its own goroutine, deriving a per-connection context so the registry's
// CancelAll can unblock a stuck handler at shutdown without touching its
// socket directly (spec.md §3: the registry holds only a cancel func).
func (s *Supervisor) spawn(ctx context.Context, c net.Conn, wg *sync.WaitGroup) {
	record := connpkg.New(c.RemoteAddr().String())
	connCtx, cancel := context.WithCancel(ctx)
	s.deps.Registry.Register(record.ID, cancel)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.deps.Handler.Handle(connCtx, c, record, func() {
			s.deps.Registry.Deregister(record.ID)
		})
	}()
}

// waitForDrain implements spec.md §4.F step 4: bounded-wait for in-flight
// handlers to finish after CancelAll, logging if the grace limit elapses
// with connections still registered.
func (s *Supervisor) waitForDrain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.ShutdownGraceLimit):
		s.log.Warn("shutdown grace period elapsed with connections still active",
			zap.Int("remaining", s.deps.Registry.Len()))
	}
}

func (s *Supervisor) logFinalCounters() {
	snap := s.deps.Counters.Snapshot()
	s.log.Info("final counters",
		zap.Int64("total_connections", snap.TotalConnections),
		zap.Int64("allowed", snap.Allowed),
		zap.Int64("fragmented", snap.Fragmented),
		zap.Int64("whitelisted", snap.Whitelisted),
		zap.Int64("failed", snap.Failed),
		zap.Int64("bytes_in", snap.BytesIn),
		zap.Int64("bytes_out", snap.BytesOut),
	)
}

// runStats ticks at constants.StatsTickInterval, logging the external
// statistics collaborator's per-second rates (SPEC_FULL.md §3 "Rates")
// until stop is closed.
func (s *Supervisor) runStats(stop <-chan struct{}) {
	ticker := time.NewTicker(constants.StatsTickInterval)
	defer ticker.Stop()

	prev := s.deps.Counters.Snapshot()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := s.deps.Counters.Snapshot()
			rates := counters.Diff(prev, cur, constants.StatsTickInterval.Seconds())
			s.log.Debug("rates",
				zap.Float64("connections_per_sec", rates.ConnectionsPerSec),
				zap.Float64("bytes_in_per_sec", rates.BytesInPerSec),
				zap.Float64("bytes_out_per_sec", rates.BytesOutPerSec),
			)
			prev = cur
		}
	}
}

// Addr returns the bound listener's local address, or the empty string if
// Run has not yet bound one. Useful for tests that bind to port 0.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
