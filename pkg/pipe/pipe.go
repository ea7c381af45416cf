// Package pipe implements the bidirectional copy loop and idle watchdog
// described in spec.md §4.E: one Pipe carries bytes in a single direction,
// sharing a per-connection Idle timestamp with its sibling so the watchdog
// can close both endpoints after the connection goes quiet.
package pipe

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/errors"
)

// HalfCloser is satisfied by a net.Conn's write-shutdown half, used to
// propagate FIN without fully closing the socket (spec.md §4.E).
type HalfCloser interface {
	CloseWrite() error
}

// PendingWriter exposes the transport's pending write-buffer size, when
// available, so the backpressure drain in spec.md §4.E has something to
// measure. Most net.Conn implementations (plain TCP) do not expose this, so
// Pipe treats a writer without this interface as always-drained — it relies
// on the blocking Write call itself providing backpressure from the kernel
// send buffer.
type PendingWriter interface {
	Pending() int
}

// Idle is the shared monotonic "last activity" timestamp for one
// connection's two pipes (spec.md §3 "Idle state").
type Idle struct {
	last atomic.Int64 // nanoseconds since epoch, measured on the monotonic clock
}

// epoch is the package's monotonic reference point: Idle stores offsets from
// it so wall-clock adjustments never shift the idle measurement.
var epoch = time.Now()

// NewIdle returns an Idle stamped with the current time.
func NewIdle() *Idle {
	idle := &Idle{}
	idle.Touch()
	return idle
}

// Touch records activity at the current instant.
func (i *Idle) Touch() { i.last.Store(int64(time.Since(epoch))) }

// Since returns how long it has been since the last recorded activity.
func (i *Idle) Since() time.Duration {
	return time.Since(epoch) - time.Duration(i.last.Load())
}

// Pipe copies from r to w, touching idle on every successful read or write
// and adding to a byte counter via onBytes. Pipe has no cancel method of its
// own: a blocked read or write ends only when the underlying connection is
// closed (Go's net.Conn has no portable non-blocking cancel), so callers stop
// a Pipe by closing its connections.
type Pipe struct {
	r       io.Reader
	w       io.Writer
	idle    *Idle
	onBytes func(n int64)
}

// New constructs a Pipe copying from r to w.
func New(r io.Reader, w io.Writer, idle *Idle, onBytes func(n int64)) *Pipe {
	if onBytes == nil {
		onBytes = func(int64) {}
	}
	return &Pipe{r: r, w: w, idle: idle, onBytes: onBytes}
}

// deadlineReader is satisfied by net.Conn; Pipe uses it to bound each read
// iteration (spec.md §4.E: "30s per-read timeout").
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Run copies until EOF or error, then best-effort half-closes w. It returns
// the first error seen (io.EOF is reported as nil, a clean end).
func (p *Pipe) Run() error {
	buf := make([]byte, constants.PipeChunkSize)
	dr, hasDeadline := p.r.(deadlineReader)

	for {
		if hasDeadline {
			_ = dr.SetReadDeadline(time.Now().Add(constants.DefaultReadTimeout))
		}
		n, readErr := p.r.Read(buf)
		if n > 0 {
			p.idle.Touch()
			if _, writeErr := p.w.Write(buf[:n]); writeErr != nil {
				return errors.NewIOError("pipe_write", writeErr)
			}
			p.idle.Touch()
			p.onBytes(int64(n))
			p.drainIfSaturated()
		}
		if readErr != nil {
			if readErr == io.EOF {
				p.halfClose()
				return nil
			}
			p.halfClose()
			return errors.NewIOError("pipe_read", readErr)
		}
	}
}

// drainIfSaturated awaits transport drainage once the writer's reported
// pending bytes exceed the high-water mark (spec.md §4.E backpressure
// contract). Writers that don't expose Pending() are assumed to provide
// their own backpressure via a blocking Write.
func (p *Pipe) drainIfSaturated() {
	pw, ok := p.w.(PendingWriter)
	if !ok {
		return
	}
	for pw.Pending() > constants.HighWaterMark {
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *Pipe) halfClose() {
	if hc, ok := p.w.(HalfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// Watchdog closes both conn endpoints once idle exceeds timeout. Disabled
// when timeout <= 0 (spec.md §4.E). Stop it by closing the stop channel
// passed to Run; a Watchdog fires at most once (spec.md §8).
type Watchdog struct {
	idle    *Idle
	timeout time.Duration
	close   func()
	fired   atomic.Bool
}

// NewWatchdog constructs a Watchdog that invokes closeFn exactly once when
// idle has been quiet for longer than timeout.
func NewWatchdog(idle *Idle, timeout time.Duration, closeFn func()) *Watchdog {
	return &Watchdog{idle: idle, timeout: timeout, close: closeFn}
}

// Run ticks until the idle timeout fires or stop is closed.
func (wd *Watchdog) Run(stop <-chan struct{}) {
	if wd.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(constants.WatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if wd.idle.Since() > wd.timeout {
				if wd.fired.CompareAndSwap(false, true) {
					wd.close()
				}
				return
			}
		}
	}
}
