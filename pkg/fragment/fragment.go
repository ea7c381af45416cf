// Package fragment implements the TLS ClientHello record fragmenter
// (spec.md §4.B): it rewrites the first TLS handshake record written by an
// HTTPS tunnel's client into several smaller records, so that stateless DPI
// scanning a single record for SNI misses it, while any TLS-compliant
// receiver (which MUST reassemble handshake fragments across records)
// reconstructs the original ClientHello unchanged.
//
// Grounded on the record-header shape used by the Jigsaw-Code outline-sdk
// transport/tlsfrag package (5-byte content-type/version/length header),
// adapted to this proxy's relay shape: the handler already owns a live
// net.Conn pair by the time fragmentation runs, so Apply reads exactly one
// record and writes its fragments directly, rather than wrapping a
// streaming io.Writer.
package fragment

import (
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/foxbound/fragproxy/pkg/errors"
)

const (
	recordHeaderLen  = 5
	handshakeType    = 0x16
	fragVersionMajor = 0x03
	fragVersionMinor = 0x04 // legacy-version field deliberately set to TLS 1.3 (spec.md §4.B)
)

// Reader is the subset of net.Conn the fragmenter needs from the client
// side: a deadline-bounded reader.
type Reader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Apply reads the first TLS record from client and relays it to origin,
// fragmenting it into 2-3 records first if it is a Handshake record.
// Returns fragmented=true whenever a non-empty Handshake record body was read
// and rewritten as synthetic records; a body too short to split (one byte, or
// a NUL as its last byte) goes out as a single rewritten record.
func Apply(client Reader, origin io.Writer, timeout time.Duration, bufSize int) (fragmented bool, err error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	defer client.SetReadDeadline(time.Time{})

	if err := client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, errors.NewFragmentationError("deadline", "failed to set read deadline", err)
	}

	header := make([]byte, recordHeaderLen)
	n, readErr := io.ReadFull(client, header)
	if readErr != nil {
		if isTimeout(readErr) {
			return false, errors.NewFragmentationError("read_header", "timeout reading TLS record header", readErr)
		}
		if n == 0 {
			// Client closed before sending anything: silent no-op (spec.md §4.B, §8).
			return false, nil
		}
		return false, errors.NewFragmentationError("read_header", "short read of TLS record header", readErr)
	}

	if header[0] != handshakeType {
		return false, passthroughNonHandshake(client, origin, header, bufSize)
	}

	recLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recLen == 0 {
		// Zero-length record: no-op, header passes through unchanged (spec.md §8).
		if _, werr := origin.Write(header); werr != nil {
			return false, errors.NewFragmentationError("write_passthrough", "failed writing zero-length record header", werr)
		}
		return false, nil
	}

	if err := client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, errors.NewFragmentationError("deadline", "failed to set read deadline", err)
	}
	body := make([]byte, recLen)
	if _, err := io.ReadFull(client, body); err != nil {
		if isTimeout(err) {
			return false, errors.NewFragmentationError("read_body", "timeout reading TLS ClientHello body", err)
		}
		return false, errors.NewFragmentationError("read_body", "incomplete TLS ClientHello body", err)
	}

	for _, chunk := range split(body) {
		if len(chunk) == 0 {
			continue
		}
		if err := writeFrame(origin, chunk); err != nil {
			return false, errors.NewFragmentationError("write_fragment", "failed writing fragmented record", err)
		}
	}
	return true, nil
}

// passthroughNonHandshake handles the bare non-TLS CONNECT case: the first
// record isn't a Handshake record (e.g. the tunnel carries plaintext), so
// the fragmenter does nothing clever and just relays the header plus one
// additional bounded read (spec.md §4.B).
func passthroughNonHandshake(client Reader, origin io.Writer, header []byte, bufSize int) error {
	rest := make([]byte, bufSize)
	rn, _ := readSome(client, rest)
	if _, err := origin.Write(header); err != nil {
		return errors.NewFragmentationError("write_passthrough", "failed writing header passthrough", err)
	}
	if rn > 0 {
		if _, err := origin.Write(rest[:rn]); err != nil {
			return errors.NewFragmentationError("write_passthrough", "failed writing body passthrough", err)
		}
	}
	return nil
}

// readSome performs a single best-effort Read. The caller ignores its error,
// so EOF or a timeout under the read deadline Apply armed ends the
// passthrough without failing it.
func readSome(r io.Reader, p []byte) (int, error) {
	n, err := r.Read(p)
	return n, err
}

func writeFrame(w io.Writer, chunk []byte) error {
	frame := make([]byte, recordHeaderLen+len(chunk))
	frame[0] = handshakeType
	frame[1] = fragVersionMajor
	frame[2] = fragVersionMinor
	binary.BigEndian.PutUint16(frame[3:5], uint16(len(chunk)))
	copy(frame[5:], chunk)
	_, err := w.Write(frame)
	return err
}

// split implements spec.md §4.B's chunking heuristic: split just past the
// first NUL byte (which commonly falls inside the SNI extension's hostname
// field) when present; otherwise split in half for small bodies, or into
// three randomly-sized chunks for large ones. The random split is drawn
// fresh per call — never derived from the host name, since a repeatable
// pattern would defeat the heuristic (spec.md §9).
func split(body []byte) [][]byte {
	if z := indexZero(body); z >= 0 {
		return [][]byte{body[:z+1], body[z+1:]}
	}
	if len(body) <= 512 {
		cut := len(body) / 2
		if cut < 1 {
			cut = 1
		}
		return [][]byte{body[:cut], body[cut:]}
	}
	c1 := 32 + rand.Intn(128-32+1)
	c2 := 128 + rand.Intn(512-128+1)
	if c1 > len(body) {
		c1 = len(body)
	}
	end := c1 + c2
	if end > len(body) {
		end = len(body)
	}
	return [][]byte{body[:c1], body[c1:end], body[end:]}
}

func indexZero(body []byte) int {
	for i, b := range body {
		if b == 0x00 {
			return i
		}
	}
	return -1
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
