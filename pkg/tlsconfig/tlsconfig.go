// Package tlsconfig provides helpers and constants for SSL/TLS configuration.
package tlsconfig

import "crypto/tls"

// NewProbeConfig builds the tls.Config used by the auto-probe (spec.md
// §4.C) to test reachability of an unknown host over TLS. It uses the
// platform default trust store (RootCAs left nil), the Secure version
// profile, and the matching cipher suite set.
func NewProbeConfig(serverName string) *tls.Config {
	cfg := &tls.Config{ServerName: serverName}
	ApplyVersionProfile(cfg, ProfileSecure)
	ApplyCipherSuites(cfg, cfg.MinVersion)
	return cfg
}

// SSL/TLS Protocol Versions
const (
	// TLS 1.2 (RECOMMENDED - widely supported and secure)
	// This is the minimum recommended version for production use
	VersionTLS12 uint16 = tls.VersionTLS12 // 0x0303

	// TLS 1.3 (PREFERRED - most secure, modern standard)
	// Use this when both client and server support it
	VersionTLS13 uint16 = tls.VersionTLS13 // 0x0304
)

// Recommended SSL/TLS Version Profiles
// These provide pre-configured version ranges for common use cases
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

// Secure - TLS 1.2 and 1.3 (recommended for production); the probe never
// dials with anything weaker, so this is the only profile this codebase
// constructs.
var ProfileSecure = VersionProfile{
	Min:         VersionTLS12,
	Max:         VersionTLS13,
	Description: "TLS 1.2+ - secure and widely compatible",
}

// GetVersionName returns a human-readable name for a negotiated SSL/TLS
// version, used by the probe to log what the reachability handshake
// actually negotiated.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// Recommended Cipher Suites
// RSA-keyed suites come first, then their ECDSA counterparts, then ChaCha20.

// CipherSuitesTLS12Secure lists the ECDHE/AEAD suites used whenever a
// handshake negotiates down to TLS 1.2; TLS 1.3 picks its own suites.
var CipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile applies a pre-configured version profile to tls.Config
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites applies recommended cipher suites based on minimum TLS version
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	if minVersion >= VersionTLS13 {
		// TLS 1.3 uses its own cipher suites automatically
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = CipherSuitesTLS12Secure
}
