package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tatchi/internal/config"
	"tatchi/internal/health"
	"tatchi/internal/logging"
	"tatchi/internal/metrics"
	"tatchi/internal/ratelimit"
	"tatchi/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the apply/remove lock endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	loader := config.NewLoader(configPath())
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, audit, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	defer audit.Close()

	params, err := cfg.ModexpParams()
	if err != nil {
		return err
	}
	kf, err := relay.LoadKeyFile(cfg.RelayServer.KeyFile)
	if err != nil {
		return fmt.Errorf("%w (create one with 'vrfrelay keygen')", err)
	}
	if kf.PB64u != cfg.Modexp.PB64u {
		return fmt.Errorf("key file %s was generated for a different modulus", cfg.RelayServer.KeyFile)
	}
	current, grace, err := kf.Keys(params)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}
	svc, err := relay.NewLockService(params, current, grace, m, logger.Slog())
	if err != nil {
		return err
	}

	rs := cfg.RelayServer
	limiter := ratelimit.New(rs.RateLimitRPS, rs.RateLimitBurst, time.Duration(rs.RateLimitIdleSec)*time.Second)
	loader.OnChange(func(next *config.Config) {
		limiter.SetLimit(next.RelayServer.RateLimitRPS, next.RelayServer.RateLimitBurst)
		logger.Info("rate limit updated",
			"rps", next.RelayServer.RateLimitRPS,
			"burst", next.RelayServer.RateLimitBurst,
		)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}
	keyWatcher := relay.NewKeyFileWatcher(svc, cfg.RelayServer.KeyFile, cfg.Modexp.PB64u, logger.Slog())
	defer keyWatcher.Close()
	if err := keyWatcher.Watch(); err != nil {
		logger.Warn("key file watch disabled", "error", err)
	}
	go func() {
		for {
			select {
			case err := <-loader.Errors():
				logger.Error("config reload failed", "error", err)
			case err := <-keyWatcher.Errors():
				logger.Error("key file reload failed", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := svc.SelfTest(); err != nil {
		return err
	}
	checker := health.NewChecker()
	svc.RegisterHealth(checker)

	gin.SetMode(gin.ReleaseMode)
	router := relay.NewRouter(svc, relay.RouterOptions{
		Limiter: limiter,
		Metrics: m,
		Logger:  logger.Slog(),
		Health:  checker,
	})
	server := relay.NewServer(relay.ServerConfig{
		Addr:            rs.Listen,
		ReadTimeout:     time.Duration(rs.ReadTimeoutSec) * time.Second,
		WriteTimeout:    time.Duration(rs.WriteTimeoutSec) * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: time.Duration(rs.ShutdownTimeoutSec) * time.Second,
	}, router, logger.Slog())

	info := svc.KeyInfo()
	logger.Info("relay starting",
		"version", Version,
		"listen", rs.Listen,
		"current_key_id", info.CurrentKeyID,
		"grace_keys", len(info.GraceKeyIDs),
	)
	_ = audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditStartup,
		Result:    logging.ResultSuccess,
		Details:   map[string]string{"listen": rs.Listen, "current_key_id": info.CurrentKeyID},
	})

	checker.SetReady(true)
	err = server.Run(ctx)
	_ = audit.Record(context.Background(), logging.AuditShutdown, "", "", err)
	logger.Info("relay stopped")
	return err
}
