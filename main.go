package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/die-net/authproxy/internal/auth"
	"github.com/die-net/authproxy/internal/config"
	"github.com/die-net/authproxy/internal/dialer"
	"github.com/die-net/authproxy/internal/metrics"
	"github.com/die-net/authproxy/internal/proxy"
	"github.com/die-net/authproxy/internal/shutdown"
	"github.com/die-net/authproxy/internal/ssh"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Default()
	cfg.Upstream = dialer.FromEnvironment()
	cfg.SSHKeyPath = defaultSSHKeyPath()
	cfg.SSHKnownHostsPath = defaultSSHKnownHostsPath()

	cmd := &cobra.Command{
		Use:           "authproxy",
		Short:         "Authenticated HTTP forward proxy with CONNECT tunneling",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}
	config.BindFlags(cmd.Flags(), &cfg)

	return cmd
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
		SSHKeyPath:         cfg.SSHKeyPath,
		SSHKnownHostsPath:  cfg.SSHKnownHostsPath,
		Logger:             logger,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	sessions := shutdown.New(cfg.ShutdownGrace, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.Listen(ctx, cfg.DebugListen, cfg.KeepAlive, nil)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		sessions.OnStop(func(context.Context) error {
			return debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", debugLn.Addr())
	}

	ln, err := proxy.Listen(ctx, cfg.ListenAddr(), cfg.KeepAlive, m)
	if err != nil {
		// Stops the debug server, if it was started.
		sessions.Shutdown()
		<-sessions.Done()
		_ = g.Wait()
		return fmt.Errorf("http listen: %w", err)
	}
	srv := proxy.NewHTTPProxyServer(proxy.Config{
		Config:   cfg,
		Dialer:   d,
		Gate:     auth.NewGate(cfg, logger),
		Logger:   logger,
		Metrics:  m,
		Sessions: sessions,
	})

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})
	logger.Info("http proxy listening",
		"addr", ln.Addr(),
		"auth", cfg.AuthScheme,
		"target_mode", cfg.TargetMode,
		"connect", cfg.ConnectEnabled,
		"upstream", dialer.Redacted(cfg.Upstream))

	// A signal, or a listener failing, starts the shutdown.
	g.Go(func() error {
		<-gctx.Done()
		sessions.Shutdown()
		<-sessions.Done()
		return nil
	})

	return g.Wait()
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentKeys
	}
	return ""
}
