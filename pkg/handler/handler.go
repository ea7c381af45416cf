// Package handler implements the per-connection state machine (spec.md
// §4.D): READ_REQ -> CLASSIFY -> (HTTPS_CONNECT | HTTP_FORWARD) -> PIPING ->
// CLOSING. Request-line and header parsing is grounded on the teacher
// library's client.go readLine/readHeaders style (bufio.Reader.ReadString,
// textproto.CanonicalMIMEHeaderKey), adapted from parsing a response to
// parsing a request head.
package handler

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	connpkg "github.com/foxbound/fragproxy/pkg/conn"
	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/counters"
	"github.com/foxbound/fragproxy/pkg/dialer"
	"github.com/foxbound/fragproxy/pkg/errors"
	"github.com/foxbound/fragproxy/pkg/filterstore"
	"github.com/foxbound/fragproxy/pkg/fragment"
	"github.com/foxbound/fragproxy/pkg/hostname"
	"github.com/foxbound/fragproxy/pkg/pipe"
	"github.com/foxbound/fragproxy/pkg/probe"
)

// Deps bundles every collaborator a Handler needs. Constructed once at
// startup (cmd/fragproxy) and shared read-only across every connection.
type Deps struct {
	Filter        *filterstore.Store
	Dialer        *dialer.Dialer
	Prober        *probe.Prober
	Counters      *counters.Counters
	Log           *zap.Logger
	AccessLog     *zap.Logger
	ErrorLog      *zap.Logger
	IdleTimeout   time.Duration
	AutoBlacklist bool
	// ProbeCtx bounds the lifetime of detached auto-probe goroutines;
	// cmd/fragproxy passes its signal context, which is canceled at shutdown.
	ProbeCtx context.Context
}

// Handler runs the state machine for one accepted socket at a time; it
// holds no per-connection state itself, so one Handler is shared by every
// connection (mirrors the teacher's stateless *Client).
type Handler struct {
	deps Deps
}

// New returns a Handler. A nil Log/Counters/ProbeCtx are replaced with
// no-op equivalents so Handle is safe to call in isolation (tests).
func New(deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Counters == nil {
		deps.Counters = &counters.Counters{}
	}
	if deps.ProbeCtx == nil {
		deps.ProbeCtx = context.Background()
	}
	return &Handler{deps: deps}
}

// Handle runs READ_REQ through CLOSING for one accepted client socket. It
// always closes client before returning and deregisters record from
// registry via the caller-supplied deregister func (spec.md §4.D.6,
// §3 registry ownership: "single-writer (handler finally block) removes").
func (h *Handler) Handle(ctx context.Context, client net.Conn, record *connpkg.Connection, deregister func()) {
	connpkg.TuneSocket(client)
	h.deps.Counters.IncrConnections()

	log := h.deps.Log.With(zap.String("conn_id", record.ID))

	defer func() {
		client.SetDeadline(time.Now().Add(constants.CloseDrainTimeout))
		client.Close()
		deregister()
		h.logAccess(record)
	}()

	req, silent, err := h.readRequest(client)
	if silent {
		return
	}
	if err != nil {
		h.recordFailure(record, err)
		log.Debug("bad request", zap.Error(err))
		return
	}

	host, port, method, err := classify(req)
	if err != nil {
		h.recordFailure(record, err)
		log.Debug("classify failed", zap.Error(err))
		if method == connpkg.MethodConnect {
			return
		}
		writeString(client, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		return
	}
	record.SetDestination(host, port, method)
	log = log.With(zap.String("host", host), zap.Int("port", port))

	whitelisted := h.deps.Filter.IsWhitelisted(host)
	record.SetWhitelisted(whitelisted)
	if whitelisted {
		h.deps.Counters.IncrWhitelisted()
	}

	// A host whose IDNA encoding failed is a lookup-only fallback form; it is
	// never handed to the prober, which would persist it to a filter file.
	if _, canonical := hostname.Canonicalize(host); h.deps.AutoBlacklist && !whitelisted && h.deps.Prober != nil && canonical {
		go h.deps.Prober.Probe(h.deps.ProbeCtx, h.deps.Filter, host)
	}

	switch method {
	case connpkg.MethodConnect:
		h.handleConnect(ctx, client, record, req, host, port, whitelisted, log)
	default:
		h.handleForward(ctx, client, record, req, host, port, log)
	}
}

func (h *Handler) handleConnect(ctx context.Context, client net.Conn, record *connpkg.Connection, req *initialRequest, host string, port int, whitelisted bool, log *zap.Logger) {
	if err := writeString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		h.recordFailure(record, errors.NewClientProtocolError("failed writing CONNECT response", err))
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, constants.DefaultConnTimeout)
	origin, dialMetrics, err := h.deps.Dialer.Dial(dialCtx, host, port)
	cancel()
	if err != nil {
		// Cannot signal failure in-band anymore: the 200 is already sent.
		h.recordFailure(record, err)
		log.Debug("upstream dial failed after CONNECT", zap.Error(err))
		return
	}
	defer origin.Close()
	if dialMetrics != nil {
		record.SetDialMetrics(*dialMetrics)
	}

	clientReader := &prefixedConn{leftover: req.Leftover, Conn: client}

	if !whitelisted {
		fragmented, err := fragment.Apply(clientReader, origin, constants.FragmentIOTimeout, constants.PipeChunkSize)
		if err != nil {
			h.recordFailure(record, err)
			log.Debug("fragmentation failed", zap.Error(err))
			return
		}
		record.SetFragmented(fragmented)
		if fragmented {
			h.deps.Counters.IncrFragmented()
		} else {
			h.deps.Counters.IncrAllowed()
		}
	} else {
		h.deps.Counters.IncrAllowed()
	}

	h.pipeBoth(ctx, clientReader, client, origin, record, log)
}

func (h *Handler) handleForward(ctx context.Context, client net.Conn, record *connpkg.Connection, req *initialRequest, host string, port int, log *zap.Logger) {
	dialCtx, cancel := context.WithTimeout(ctx, constants.DefaultConnTimeout)
	origin, dialMetrics, err := h.deps.Dialer.Dial(dialCtx, host, port)
	cancel()
	if err != nil {
		writeString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		h.recordFailure(record, err)
		log.Debug("upstream dial failed for HTTP forward", zap.Error(err))
		return
	}
	defer origin.Close()
	if dialMetrics != nil {
		record.SetDialMetrics(*dialMetrics)
	}

	head := append(append([]byte(nil), req.RawHead...), req.Leftover...)
	if _, err := origin.Write(head); err != nil {
		h.recordFailure(record, errors.NewIOError("forward_head", err))
		return
	}
	record.AddBytesIn(int64(len(head)))
	h.deps.Counters.AddBytesIn(int64(len(head)))
	h.deps.Counters.IncrAllowed()

	h.pipeBoth(ctx, client, client, origin, record, log)
}

// pipeBoth runs PIPING (spec.md §4.D.5): two copy tasks sharing the idle
// timestamp plus a watchdog; the first to finish cancels its siblings.
func (h *Handler) pipeBoth(ctx context.Context, clientReader io.Reader, client net.Conn, origin net.Conn, record *connpkg.Connection, log *zap.Logger) {
	idle := pipe.NewIdle()
	stop := make(chan struct{})
	var stopOnce stopOnceFlag

	closeBoth := func() {
		client.Close()
		origin.Close()
	}

	out := pipe.New(clientReader, origin, idle, func(n int64) {
		record.AddBytesIn(n)
		h.deps.Counters.AddBytesIn(n)
	})
	in := pipe.New(origin, client, idle, func(n int64) {
		record.AddBytesOut(n)
		h.deps.Counters.AddBytesOut(n)
	})
	wd := pipe.NewWatchdog(idle, h.deps.IdleTimeout, func() {
		record.SetErrorKind("idle")
		closeBoth()
	})

	done := make(chan error, 2)
	go func() { done <- out.Run() }()
	go func() { done <- in.Run() }()
	go wd.Run(stop)

	received := 0
	select {
	case err := <-done:
		received++
		if err != nil && !errors.IsContextCanceled(err) {
			log.Debug("pipe direction ended with error", zap.Error(err))
			record.SetErrorKind(string(errors.GetErrorType(err)))
		}
	case <-ctx.Done():
	}

	stopOnce.Do(func() { close(stop) })
	closeBoth()
	for received < 2 {
		<-done
		received++
	}
}

type stopOnceFlag struct {
	done bool
}

func (s *stopOnceFlag) Do(f func()) {
	if !s.done {
		s.done = true
		f()
	}
}

func (h *Handler) recordFailure(record *connpkg.Connection, err error) {
	kind := errors.GetErrorType(err)
	if kind == "" && errors.IsContextTimeout(err) {
		kind = errors.ErrorTypeTimeout
	}
	record.SetErrorKind(string(kind))
	h.deps.Counters.IncrFailed()
}

func (h *Handler) logAccess(record *connpkg.Connection) {
	snap := record.Snapshot()
	fields := []zap.Field{
		zap.Time("start", snap.StartTime),
		zap.String("src", snap.SrcAddr),
		zap.String("method", string(snap.Method)),
		zap.String("host", snap.Host),
		zap.Int("port", snap.Port),
		zap.Int64("bytes_in", snap.BytesIn),
		zap.Int64("bytes_out", snap.BytesOut),
		zap.Bool("whitelisted", snap.Whitelisted),
		zap.Bool("fragmented", snap.Fragmented),
		zap.String("error", snap.ErrorKind),
		zap.Duration("dial_dns", snap.DialDNS),
		zap.Duration("dial_tcp", snap.DialTCP),
	}

	if h.deps.AccessLog != nil {
		h.deps.AccessLog.Info("conn", fields...)
	}
	if h.deps.ErrorLog != nil && snap.ErrorKind != "" {
		h.deps.ErrorLog.Info("conn", fields...)
	}
}

func writeString(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return err
}

// prefixedConn is a net.Conn-like reader that serves leftover bytes (already
// read off the wire during READ_REQ, e.g. a pipelined ClientHello) before
// falling through to the live socket. SetReadDeadline delegates straight to
// the socket so both the Fragmenter and the client->origin Pipe can treat it
// like any other deadline-bounded reader.
type prefixedConn struct {
	leftover []byte
	net.Conn
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.leftover) > 0 {
		n := copy(b, p.leftover)
		p.leftover = p.leftover[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// initialRequest is the parsed result of READ_REQ.
type initialRequest struct {
	Method   string
	URI      string
	Headers  map[string][]string
	RawHead  []byte
	Leftover []byte
}

// readRequest implements spec.md §4.D.1: a bounded read (64 KiB, 10s
// timeout); an empty read (silent=true) ends the connection without error.
func (h *Handler) readRequest(client net.Conn) (req *initialRequest, silent bool, err error) {
	if derr := client.SetReadDeadline(time.Now().Add(constants.RequestReadTimeout)); derr != nil {
		return nil, false, errors.NewClientProtocolError("failed to arm read deadline", derr)
	}
	defer client.SetReadDeadline(time.Time{})

	limited := io.LimitReader(client, constants.MaxRequestHeadSize)
	br := bufio.NewReader(limited)

	var rawHead bytes.Buffer

	requestLine, raw, err := readLine(br)
	if err != nil {
		if stderrors.Is(err, io.EOF) && raw == "" {
			return nil, true, nil
		}
		return nil, false, errors.NewClientProtocolError("failed to read request line", err)
	}
	rawHead.WriteString(raw)

	method, uri, perr := parseRequestLine(requestLine)
	if perr != nil {
		return nil, false, errors.NewClientProtocolError("malformed request line", perr)
	}

	headers := make(map[string][]string)
	for {
		line, raw, lerr := readLine(br)
		if lerr != nil {
			return nil, false, errors.NewClientProtocolError("failed to read headers", lerr)
		}
		rawHead.WriteString(raw)
		if line == "" {
			break
		}
		if key, value, ok := splitHeaderLine(line); ok {
			ck := textproto.CanonicalMIMEHeaderKey(key)
			headers[ck] = append(headers[ck], value)
		}
	}

	leftover := make([]byte, br.Buffered())
	io.ReadFull(br, leftover)

	return &initialRequest{
		Method:   method,
		URI:      uri,
		Headers:  headers,
		RawHead:  rawHead.Bytes(),
		Leftover: leftover,
	}, false, nil
}

// readLine reads one CRLF- or LF-terminated line, returning both the
// trimmed text and the raw bytes consumed (including the terminator), so
// callers can reconstruct the exact request head for HTTP_FORWARD.
func readLine(br *bufio.Reader) (trimmed string, raw string, err error) {
	raw, err = br.ReadString('\n')
	if err != nil {
		return "", raw, err
	}
	return strings.TrimRight(raw, "\r\n"), raw, nil
}

func parseRequestLine(line string) (method, uri string, err error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", stderrors.New("expected method and URI")
	}
	return parts[0], parts[1], nil
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func firstHeader(headers map[string][]string, key string) string {
	values := headers[textproto.CanonicalMIMEHeaderKey(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// classify implements spec.md §4.D.2.
func classify(req *initialRequest) (host string, port int, method connpkg.Method, err error) {
	if strings.EqualFold(req.Method, "CONNECT") {
		h, p, serr := hostname.SplitHostPort(req.URI, 443)
		if serr != nil {
			return "", 0, connpkg.MethodConnect, errors.NewClientProtocolError("invalid CONNECT target", serr)
		}
		ascii, _ := hostname.Canonicalize(h)
		return ascii, p, connpkg.MethodConnect, nil
	}

	hostHeader := firstHeader(req.Headers, "Host")
	if hostHeader == "" {
		return "", 0, connpkg.Method(strings.ToUpper(req.Method)), errors.NewClientProtocolError("missing Host header", nil)
	}
	h, p, serr := hostname.SplitHostPort(hostHeader, 80)
	if serr != nil {
		return "", 0, connpkg.Method(strings.ToUpper(req.Method)), errors.NewClientProtocolError("invalid Host header", serr)
	}
	ascii, _ := hostname.Canonicalize(h)
	return ascii, p, connpkg.Method(strings.ToUpper(req.Method)), nil
}
