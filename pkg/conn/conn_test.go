package conn

import (
	"context"
	"testing"
	"time"

	"github.com/foxbound/fragproxy/pkg/timing"
)

func TestConnectionSnapshotReflectsMutations(t *testing.T) {
	c := New("127.0.0.1:5555")
	c.SetDestination("example.com", 443, MethodConnect)
	c.AddBytesIn(100)
	c.AddBytesOut(50)
	c.SetFragmented(true)

	snap := c.Snapshot()
	if snap.Host != "example.com" || snap.Port != 443 {
		t.Fatalf("unexpected destination in snapshot: %+v", snap)
	}
	if snap.BytesIn != 100 || snap.BytesOut != 50 {
		t.Fatalf("unexpected byte counts in snapshot: %+v", snap)
	}
	if !snap.Fragmented {
		t.Fatalf("expected Fragmented=true in snapshot")
	}
	if snap.ErrorKind != "" {
		t.Fatalf("expected clean error kind, got %q", snap.ErrorKind)
	}
}

func TestConnectionSetDialMetrics(t *testing.T) {
	c := New("127.0.0.1:5555")
	c.SetDialMetrics(timing.Metrics{DNSLookup: 10 * time.Millisecond, TCPConnect: 20 * time.Millisecond})

	snap := c.Snapshot()
	if snap.DialDNS != 10*time.Millisecond || snap.DialTCP != 20*time.Millisecond {
		t.Fatalf("unexpected dial metrics in snapshot: %+v", snap)
	}
}

func TestConnectionErrorKindStickyFirstWrite(t *testing.T) {
	c := New("127.0.0.1:1")
	c.SetErrorKind("idle")
	c.SetErrorKind("client_protocol")

	if got := c.Snapshot().ErrorKind; got != "idle" {
		t.Fatalf("expected first error kind to stick, got %q", got)
	}
}

func TestRegistryRegisterDeregister(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	r.Register("abc", cancel)

	if r.Len() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", r.Len())
	}
	r.Deregister("abc")
	if r.Len() != 0 {
		t.Fatalf("expected 0 registered connections after deregister, got %d", r.Len())
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	r.Register("one", cancel1)
	r.Register("two", cancel2)

	r.CancelAll()

	select {
	case <-ctx1.Done():
	default:
		t.Fatalf("expected ctx1 to be cancelled")
	}
	select {
	case <-ctx2.Done():
	default:
		t.Fatalf("expected ctx2 to be cancelled")
	}
}
