package handler

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	connpkg "github.com/foxbound/fragproxy/pkg/conn"
	"github.com/foxbound/fragproxy/pkg/counters"
	"github.com/foxbound/fragproxy/pkg/dialer"
	"github.com/foxbound/fragproxy/pkg/filterstore"
)

func newTestRecord() *connpkg.Connection {
	return connpkg.New("127.0.0.1:0")
}

func newHandler(t *testing.T, filter *filterstore.Store) *Handler {
	t.Helper()
	if filter == nil {
		filter = filterstore.New(nil)
	}
	return New(Deps{
		Filter:      filter,
		Dialer:      dialer.New(2 * time.Second),
		Counters:    &counters.Counters{},
		IdleTimeout: 0,
	})
}

// originAddr starts a TCP listener that runs serve on every accepted
// connection, returning its loopback host/port.
func originAddr(t *testing.T, serve func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestHandleHTTPForward(t *testing.T) {
	host, port := originAddr(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		if !bytes.Contains(buf[:n], []byte("GET / HTTP/1.1")) {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	})

	h := newHandler(t, nil)
	clientSide, serverSide := net.Pipe()

	req := "GET / HTTP/1.1\r\nHost: " + host + ":" + strconv.Itoa(port) + "\r\n\r\n"
	go func() {
		clientSide.Write([]byte(req))
	}()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide, newTestRecord(), func() {})
		close(done)
	}()

	reply := make([]byte, 4096)
	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _ := io.ReadAtLeast(clientSide, reply, 1)
	if !bytes.Contains(reply[:n], []byte("200 OK")) {
		t.Fatalf("expected 200 OK reply, got %q", reply[:n])
	}
	<-done
}

func TestHandleHTTPForwardUpstreamRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens now

	h := newHandler(t, nil)
	clientSide, serverSide := net.Pipe()

	req := "GET / HTTP/1.1\r\nHost: 127.0.0.1:" + strconv.Itoa(port) + "\r\n\r\n"
	go clientSide.Write([]byte(req))

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide, newTestRecord(), func() {})
		close(done)
	}()

	reply := make([]byte, 4096)
	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _ := io.ReadAtLeast(clientSide, reply, 1)
	if !bytes.Contains(reply[:n], []byte("502")) {
		t.Fatalf("expected 502 Bad Gateway, got %q", reply[:n])
	}
	<-done
}

func TestHandleHTTPSConnectWhitelistedPassesThroughUnmodified(t *testing.T) {
	var received []byte
	recvDone := make(chan struct{})
	host, port := originAddr(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		received = append(received, buf[:n]...)
		close(recvDone)
	})

	filter := filterstore.New(nil)
	if err := filter.AddWhitelist(host); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, filter)
	clientSide, serverSide := net.Pipe()

	connectReq := "CONNECT " + host + ":" + strconv.Itoa(port) + " HTTP/1.1\r\n\r\n"
	body := append([]byte{0x16, 0x03, 0x01, 0x00, 0x64}, bytes.Repeat([]byte{0x41}, 100)...)

	go func() {
		clientSide.Write([]byte(connectReq))
		br := bufio.NewReader(clientSide)
		line, _ := br.ReadString('\n')
		_ = line
		br.ReadString('\n')
		clientSide.Write(body)
	}()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide, newTestRecord(), func() {})
		close(done)
	}()

	select {
	case <-recvDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("origin never received data")
	}
	if !bytes.Equal(received, body) {
		t.Fatalf("whitelisted host must pass through unmodified, got %d bytes want %d", len(received), len(body))
	}
	clientSide.Close()
	<-done
}

func TestHandleHTTPSConnectFragmentsClientHello(t *testing.T) {
	var received []byte
	recvDone := make(chan struct{})
	host, port := originAddr(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 8192)
		for {
			n, err := c.Read(buf)
			received = append(received, buf[:n]...)
			if err != nil {
				close(recvDone)
				return
			}
		}
	})

	filter := filterstore.New(nil) // not whitelisted -> fragmented
	h := newHandler(t, filter)
	clientSide, serverSide := net.Pipe()

	connectReq := "CONNECT " + host + ":" + strconv.Itoa(port) + " HTTP/1.1\r\n\r\n"
	clientHelloBody := bytes.Repeat([]byte{0x41}, 300)
	clientHelloBody[50] = 0x00
	record := append([]byte{0x16, 0x03, 0x01, byte(len(clientHelloBody) >> 8), byte(len(clientHelloBody))}, clientHelloBody...)

	go func() {
		clientSide.Write([]byte(connectReq))
		br := bufio.NewReader(clientSide)
		br.ReadString('\n')
		br.ReadString('\n')
		clientSide.Write(record)
		clientSide.Close()
	}()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide, newTestRecord(), func() {})
		close(done)
	}()

	select {
	case <-recvDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("origin never received data")
	}
	<-done

	// Reassemble the handshake records the origin received and compare to
	// the original ClientHello body (spec.md §8 round-trip property).
	reassembled := reassemble(t, received)
	if !bytes.Equal(reassembled, clientHelloBody) {
		t.Fatalf("reassembled body mismatch: got %d bytes want %d", len(reassembled), len(clientHelloBody))
	}
	if bytes.Equal(received, record) {
		t.Fatalf("expected fragmentation to change the wire framing")
	}
}

func reassemble(t *testing.T, data []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	for len(data) >= 5 {
		n := int(data[3])<<8 | int(data[4])
		if len(data) < 5+n {
			t.Fatalf("truncated record in reassembly")
		}
		out.Write(data[5 : 5+n])
		data = data[5+n:]
	}
	return out.Bytes()
}
