// Command fragproxy wires config, filterstore, logging, and the supervisor
// together (spec.md §4.L): parse flags, build Config, construct the
// zap.Logger(s), the filterstore.Store, the probe.Prober, and the
// supervisor.Supervisor, run it until SIGINT/SIGTERM, then exit with the
// code from spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	connpkg "github.com/foxbound/fragproxy/pkg/conn"
	"github.com/foxbound/fragproxy/pkg/config"
	"github.com/foxbound/fragproxy/pkg/counters"
	"github.com/foxbound/fragproxy/pkg/dialer"
	"github.com/foxbound/fragproxy/pkg/handler"
	"github.com/foxbound/fragproxy/pkg/logging"
	"github.com/foxbound/fragproxy/pkg/probe"
	"github.com/foxbound/fragproxy/pkg/supervisor"

	"github.com/foxbound/fragproxy/pkg/filterstore"
)

const (
	exitOK             = 0
	exitStartupFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy:", err)
		return exitStartupFailure
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy: invalid configuration:", err)
		return exitStartupFailure
	}

	log, err := logging.New(cfg.Quiet, cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy: failed to build logger:", err)
		return exitStartupFailure
	}
	defer log.Sync()

	if cfg.AutoBlacklistShadowsBlacklistPath() {
		log.Warn("auto-blacklist is enabled; ignoring explicit blacklist path",
			zap.String("blacklist_path", cfg.BlacklistPath))
	}

	accessLog, err := logging.NewLineLogger(cfg.AccessLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy: failed to open access log:", err)
		return exitStartupFailure
	}
	errorLog, err := logging.NewLineLogger(cfg.ErrorLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy: failed to open error log:", err)
		return exitStartupFailure
	}

	filter := filterstore.New(logging.Named(log, "filter"))
	if err := filter.LoadBlacklist(cfg.BlacklistPath, cfg.AutoBlacklist); err != nil {
		fmt.Fprintln(os.Stderr, "fragproxy:", err)
		return exitStartupFailure
	}
	if err := filter.LoadWhitelist(cfg.WhitelistPath); err != nil {
		log.Warn("whitelist load had a non-fatal issue", zap.Error(err))
	}

	cs := &counters.Counters{}
	registry := connpkg.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var prober *probe.Prober
	if cfg.AutoBlacklist {
		prober = probe.New(logging.Named(log, "probe"), 0)
	}

	h := handler.New(handler.Deps{
		Filter:        filter,
		Dialer:        dialer.New(0),
		Prober:        prober,
		Counters:      cs,
		Log:           logging.Named(log, "handler"),
		AccessLog:     accessLog,
		ErrorLog:      errorLog,
		IdleTimeout:   cfg.IdleTimeout,
		AutoBlacklist: cfg.AutoBlacklist,
		ProbeCtx:      ctx,
	})

	sup := supervisor.New(supervisor.Deps{
		Addr:     cfg.ListenAddr(),
		Handler:  h,
		Registry: registry,
		Counters: cs,
		Log:      logging.Named(log, "supervisor"),
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			fmt.Fprintln(os.Stderr, "fragproxy: failed to start:", err)
			return exitStartupFailure
		}
	case <-ctx.Done():
		<-runErr
	}

	return exitOK
}

// parseFlags builds a config.Config from argv, starting from config.Default
// and overriding whatever flags the caller set (spec.md §6's configuration
// surface table; pflag chosen over the standard library's flag package the
// same way the teacher pack's caddy/cmd does for its own CLI).
func parseFlags(argv []string) (config.Config, error) {
	cfg := config.Default()

	fs := pflag.NewFlagSet("fragproxy", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "address to listen on")
	fs.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "port to listen on")
	fs.StringVar(&cfg.BlacklistPath, "blacklist", cfg.BlacklistPath, "path to blacklist file")
	fs.StringVar(&cfg.WhitelistPath, "whitelist", cfg.WhitelistPath, "path to whitelist file")
	fs.BoolVar(&cfg.AutoBlacklist, "auto-blacklist", cfg.AutoBlacklist, "classify unknown hosts via a TLS reachability probe instead of a static blacklist file")
	fs.StringVar(&cfg.AccessLogPath, "access-log", cfg.AccessLogPath, "path to write one JSON line per closed connection (disabled if empty)")
	fs.StringVar(&cfg.ErrorLogPath, "error-log", cfg.ErrorLogPath, "path to write one JSON line per failed connection (disabled if empty)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close a connection idle longer than this (0 disables the watchdog)")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "log warnings and errors only")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log debug detail, including per-connection fragmentation decisions")

	if err := fs.Parse(argv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
