package fragment

import (
	"bytes"
	"testing"
	"time"
)

// fakeConn is a minimal Reader over a fixed byte slice, with an optional
// injected error returned from SetReadDeadline, and a recording of whatever
// deadline was last set.
type fakeConn struct {
	r           *bytes.Reader
	lastDeadline time.Time
	deadlineErr error
}

func newFakeConn(data []byte) *fakeConn {
	return &fakeConn{r: bytes.NewReader(data)}
}

func (f *fakeConn) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.lastDeadline = t
	return f.deadlineErr
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// timeoutConn fails every Read with a net.Error whose Timeout() is true.
type timeoutConn struct{}

func (timeoutConn) Read(p []byte) (int, error)          { return 0, timeoutErr{} }
func (timeoutConn) SetReadDeadline(t time.Time) error { return nil }

func recordHeader(length int) []byte {
	h := make([]byte, 5)
	h[0] = handshakeType
	h[1] = 0x03
	h[2] = 0x01
	h[3] = byte(length >> 8)
	h[4] = byte(length)
	return h
}

func TestApplyFragmentsClientHelloAtFirstNUL(t *testing.T) {
	body := make([]byte, 517)
	for i := range body {
		body[i] = 0x41
	}
	// Plant a NUL near the middle, mimicking where the SNI hostname field ends.
	body[200] = 0x00

	data := append(recordHeader(len(body)), body...)
	conn := newFakeConn(data)
	var out bytes.Buffer

	fragmented, err := Apply(conn, &out, time.Second, 4096)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !fragmented {
		t.Fatalf("expected fragmentation to occur")
	}

	reassembled := reassembleHandshakeRecords(t, out.Bytes())
	if !bytes.Equal(reassembled, body) {
		t.Fatalf("reassembled body does not match original")
	}

	// Expect exactly 2 records: split just past the NUL byte.
	recs := splitRecords(t, out.Bytes())
	if len(recs) != 2 {
		t.Fatalf("expected 2 fragments from NUL split, got %d", len(recs))
	}
	if len(recs[0]) != 201 {
		t.Fatalf("expected first fragment to end at NUL+1 (201 bytes), got %d", len(recs[0]))
	}
}

func TestApplyNonHandshakePassthrough(t *testing.T) {
	header := []byte{0x17, 0x03, 0x03, 0x00, 0x05}
	payload := []byte("hello")
	data := append(append([]byte{}, header...), payload...)

	conn := newFakeConn(data)
	var out bytes.Buffer

	fragmented, err := Apply(conn, &out, time.Second, 4096)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fragmented {
		t.Fatalf("non-handshake record must not be reported as fragmented")
	}
	want := append(append([]byte{}, header...), payload...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("expected unmodified passthrough, got %x want %x", out.Bytes(), want)
	}
}

func TestApplyZeroLengthRecordNoOp(t *testing.T) {
	data := recordHeader(0)
	conn := newFakeConn(data)
	var out bytes.Buffer

	fragmented, err := Apply(conn, &out, time.Second, 4096)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fragmented {
		t.Fatalf("zero-length record must not be reported as fragmented")
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("expected header-only passthrough for zero-length record")
	}
}

func TestApplyShortReadBeforeAnyBytesIsSilent(t *testing.T) {
	conn := newFakeConn(nil) // immediate EOF, n == 0
	var out bytes.Buffer

	fragmented, err := Apply(conn, &out, time.Second, 4096)
	if err != nil {
		t.Fatalf("expected silent no-op, got error: %v", err)
	}
	if fragmented {
		t.Fatalf("expected fragmented=false")
	}
	if out.Len() != 0 {
		t.Fatalf("expected nothing written to origin")
	}
}

func TestApplyTimeoutReadingHeaderIsError(t *testing.T) {
	var out bytes.Buffer
	_, err := Apply(timeoutConn{}, &out, time.Second, 4096)
	if err == nil {
		t.Fatalf("expected timeout reading header to produce an error")
	}
}

func TestApplyIncompleteBodyIsError(t *testing.T) {
	// Header claims 100 bytes but only 10 are supplied.
	data := append(recordHeader(100), bytes.Repeat([]byte{0x01}, 10)...)
	conn := newFakeConn(data)
	var out bytes.Buffer

	_, err := Apply(conn, &out, time.Second, 4096)
	if err == nil {
		t.Fatalf("expected incomplete body to produce an error")
	}
}

func TestSplitHalvesSmallBodyWithoutNUL(t *testing.T) {
	body := bytes.Repeat([]byte{0x41}, 400)
	chunks := split(body)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for small body, got %d", len(chunks))
	}
	if len(chunks[0])+len(chunks[1]) != len(body) {
		t.Fatalf("chunks must reassemble to original length")
	}
}

func TestSplitThreeWayForLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte{0x41}, 2000)
	chunks := split(body)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for large body without NUL, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(body) {
		t.Fatalf("chunks must reassemble to original length, got %d want %d", total, len(body))
	}
}

// --- helpers ---

func splitRecords(t *testing.T, data []byte) [][]byte {
	t.Helper()
	var recs [][]byte
	for len(data) > 0 {
		if len(data) < 5 {
			t.Fatalf("truncated record header")
		}
		n := int(data[3])<<8 | int(data[4])
		if len(data) < 5+n {
			t.Fatalf("truncated record body")
		}
		recs = append(recs, data[5:5+n])
		data = data[5+n:]
	}
	return recs
}

func reassembleHandshakeRecords(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range splitRecords(t, data) {
		buf.Write(r)
	}
	return buf.Bytes()
}
