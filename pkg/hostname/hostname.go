// Package hostname canonicalizes client-supplied host names into the
// lowercase IDNA-ASCII form used by every filter lookup and persisted
// filter-store entry (spec.md §3: "Host name").
package hostname

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/text/idna"
)

// profile is shared across calls; idna.Lookup matches what a DNS resolver
// or a TLS server would accept for an SNI/Host value.
var profile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.VerifyDNSLength(false),
)

// Canonicalize lowercases and IDNA-encodes raw into the canonical ASCII form
// used as the key for every filter-store operation.
//
// Per spec.md §9's resolved Open Question, an IDNA-encoding failure never
// errors out: it falls back to a best-effort, lower-cased, UTF-8-sanitized
// string. The fallback form is never persisted to the on-disk filter files
// (spec.md §3's Host name invariant) — callers must treat a fallback result
// as lookup-only.
func Canonicalize(raw string) (ascii string, ok bool) {
	raw = strings.TrimSpace(raw)
	encoded, err := profile.ToASCII(raw)
	if err != nil {
		return fallback(raw), false
	}
	return strings.ToLower(encoded), true
}

// fallback produces a best-effort canonical form when IDNA encoding fails.
func fallback(raw string) string {
	return strings.ToLower(strings.ToValidUTF8(raw, "�"))
}

// SplitHostPort separates host[:port] into host and port, applying
// defaultPort when no port is present. It rejects empty hosts.
func SplitHostPort(hostport string, defaultPort int) (host string, port int, err error) {
	h, p, splitErr := splitHostPortRaw(hostport)
	if splitErr != nil {
		return "", 0, splitErr
	}
	if h == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	if p == 0 {
		p = defaultPort
	}
	return h, p, nil
}

func splitHostPortRaw(hostport string) (host string, port int, err error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	h, p, splitErr := net.SplitHostPort(hostport)
	if splitErr != nil {
		// No port present (net.SplitHostPort errors on "host" with no colon).
		return hostport, 0, nil
	}
	if p == "" {
		return h, 0, nil
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil || portNum < 1 || portNum > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return h, portNum, nil
}
