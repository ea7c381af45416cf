// Package config defines the typed configuration surface consumed from the
// external collaborator (spec.md §6's configuration surface table) and
// validated before the supervisor starts.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/errors"
)

// Config is the full set of options the proxy needs to start.
type Config struct {
	ListenHost string
	ListenPort int

	BlacklistPath string
	WhitelistPath string
	AutoBlacklist bool

	AccessLogPath string
	ErrorLogPath  string

	IdleTimeout time.Duration

	Quiet   bool
	Verbose bool
}

// Default returns a Config with spec.md §6's defaults filled in.
func Default() Config {
	return Config{
		ListenHost:    "127.0.0.1",
		ListenPort:    8080,
		BlacklistPath: "blacklist.txt",
		WhitelistPath: "whitelist.txt",
		IdleTimeout:   constants.DefaultIdleTimeout,
	}
}

// ListenAddr returns the host:port string for net.Listen.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// Validate checks for a bad port, an empty listen host, or a negative idle
// timeout (spec.md §7.1's Configuration error kind). auto-blacklist with a blacklist path
// is not an error: it is a warning the caller should log, since §4.A skips
// static blacklist loading whenever AutoBlacklist is set regardless of path.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.NewConfigurationError("listen port must be between 1 and 65535", nil)
	}
	if c.ListenHost == "" {
		return errors.NewConfigurationError("listen host must not be empty", nil)
	}
	if c.IdleTimeout < 0 {
		return errors.NewConfigurationError("idle timeout must be >= 0", nil)
	}
	return nil
}

// AutoBlacklistShadowsBlacklistPath reports the warning-worthy case noted in
// Validate's doc comment, for the caller to log once at startup.
func (c Config) AutoBlacklistShadowsBlacklistPath() bool {
	return c.AutoBlacklist && c.BlacklistPath != ""
}
