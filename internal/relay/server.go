package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tatchi/internal/escrow"
	"tatchi/internal/health"
	"tatchi/internal/metrics"
	"tatchi/internal/ratelimit"
	"tatchi/internal/vrferr"
)

// Extra relay paths.
const (
	PathHealth  = "/healthz"
	PathReady   = "/readyz"
	PathMetrics = "/metrics"
)

// RouterOptions configures NewRouter. Every field is optional.
type RouterOptions struct {
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	// Health serves /healthz and /readyz when set.
	Health *health.Checker
}

// NewRouter mounts the relay endpoints on a gin engine.
func NewRouter(svc *LockService, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger))

	if opts.Health != nil {
		r.GET(PathHealth, gin.WrapH(opts.Health.LivenessHandler()))
		r.GET(PathReady, gin.WrapH(opts.Health.ReadinessHandler()))
	} else {
		r.GET(PathHealth, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	if opts.Metrics != nil {
		r.GET(PathMetrics, gin.WrapH(opts.Metrics.Handler()))
	}

	h := &handlers{svc: svc}
	locked := r.Group("/", rateLimit(opts.Limiter, opts.Metrics, opts.Now))
	locked.POST(escrow.PathApplyServerLock, h.applyServerLock)
	locked.POST(escrow.PathRemoveServerLock, h.removeServerLock)
	locked.GET(escrow.PathKeyInfo, h.keyInfo)
	return r
}

type handlers struct {
	svc *LockService
}

func (h *handlers) applyServerLock(c *gin.Context) {
	var req escrow.ApplyLockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.KekCB64u == "" {
		badRequest(c, "kek_c_b64u is required")
		return
	}
	kekCS, keyID, err := h.svc.ApplyLock(req.KekCB64u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow.ApplyLockResponse{KekCSB64u: kekCS, KeyID: keyID})
}

func (h *handlers) removeServerLock(c *gin.Context) {
	var req escrow.RemoveLockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.KekCSB64u == "" {
		badRequest(c, "kek_cs_b64u is required")
		return
	}
	kekC, err := h.svc.RemoveLock(req.KekCSB64u, req.KeyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow.RemoveLockResponse{KekCB64u: kekC})
}

func (h *handlers) keyInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.KeyInfo())
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, escrow.ErrorResponse{Error: msg})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownKeyID):
		code = http.StatusNotFound
	case errors.Is(err, vrferr.ErrInvalidInput), errors.Is(err, vrferr.ErrBase64Decode):
		code = http.StatusBadRequest
	}
	msg := vrferr.Message(err)
	if code == http.StatusInternalServerError {
		msg = string(vrferr.KindInternal)
	}
	c.AbortWithStatusJSON(code, escrow.ErrorResponse{Error: msg})
}

func rateLimit(l *ratelimit.Limiter, m *metrics.Metrics, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP(), now()) {
			m.IncRateLimited()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, escrow.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		logger.Info("relay request",
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// Server runs the relay router over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	shutdown   time.Duration
}

// ServerConfig configures Server.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// NewServer wraps handler in an http.Server with cfg's timeouts.
func NewServer(cfg ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		logger:   logger,
		shutdown: cfg.ShutdownTimeout,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// RegisterHealth adds the relay's checks to c.
func (s *LockService) RegisterHealth(c *health.Checker) {
	c.RegisterFunc("lock_keys", true, health.FuncCheck(func(context.Context) error {
		return s.SelfTest()
	}))
}
