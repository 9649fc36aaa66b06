package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tatchi/internal/config"
	"tatchi/internal/escrow"
	"tatchi/internal/health"
	"tatchi/internal/keymanager"
	"tatchi/internal/logging"
	"tatchi/internal/metrics"
	"tatchi/internal/signer"
	"tatchi/internal/store"
	"tatchi/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Handle JSON-lines messages on stdin until EOF",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	audit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()

	keys := keymanager.New(logger.WithComponent("keymanager").Slog())
	defer keys.Logout()

	opts := worker.Options{Audit: audit, Logger: logger.WithComponent("worker").Slog()}
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	if cfg.Relay.URL != "" {
		client, closeRelay, err := newEscrowClient(cfg, keys, logger)
		if err != nil {
			return err
		}
		defer closeRelay()
		opts.Escrow = client
	}

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Store = st
		checker.RegisterFunc("store", true, health.PingCheck("store", st.DB().PingContext))
	}

	sig := signer.NewService(cfg.HandshakeTimeout(), logger.WithComponent("signer").Slog())
	defer sig.Close()
	if opts.Metrics != nil {
		sig.Hub().SetObserver(opts.Metrics.ObserveHandshake)
		opts.Metrics.TrackHandshakeSessions(sig.Hub().Pending)
	}
	opts.Signer = sig

	if opts.Metrics != nil && cfg.Metrics.Listen != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Listen, opts.Metrics, checker, logger)
		defer stopMetrics()
	}

	d := worker.NewDispatcher(keys, opts)
	checker.SetReady(true)
	logger.Info("worker ready",
		"version", Version,
		"relay", cfg.Relay.URL,
		"store", cfg.Store.Enabled,
		"handshake_timeout", cfg.HandshakeTimeout(),
	)
	_ = audit.Record(ctx, logging.AuditStartup, "", "", nil)

	err = d.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	_ = audit.Record(context.Background(), logging.AuditShutdown, "", "", err)
	logger.Info("worker stopped")
	return err
}

func newEscrowClient(cfg *config.Config, keys *keymanager.Manager, logger *logging.Logger) (*escrow.Client, func(), error) {
	params, err := cfg.ModexpParams()
	if err != nil {
		return nil, nil, err
	}
	rc, err := escrow.NewHTTPRelayClient(escrow.HTTPConfig{
		BaseURL:        cfg.Relay.URL,
		ApplyLockPath:  cfg.Relay.ApplyLockPath,
		RemoveLockPath: cfg.Relay.RemoveLockPath,
		Timeout:        cfg.RelayTimeout(),
		MaxIdleConns:   cfg.Relay.MaxIdleConns,
		ExtraHeaders:   cfg.Relay.Headers,
	})
	if err != nil {
		return nil, nil, err
	}
	client := escrow.NewClient(params, rc, keys, logger.WithComponent("escrow").Slog())
	return client, rc.Close, nil
}

// serveMetrics exposes /metrics and the health checks on their own listener;
// stdout is the message channel.
func serveMetrics(addr string, m *metrics.Metrics, checker *health.Checker, logger *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
