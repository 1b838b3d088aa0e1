package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pricewatch/internal/activity"
	"pricewatch/internal/config"
	"pricewatch/internal/logging"
	"pricewatch/internal/scan"
	"pricewatch/internal/version"
	"pricewatch/internal/watchdog"
)

// ScanController is the scan surface exposed over HTTP.
type ScanController interface {
	Start(ctx context.Context, trigger string) (scan.Result, error)
	ForceUnlock(ctx context.Context) (bool, error)
	Status(ctx context.Context) (scan.LockStatus, error)
	Activity(limit int) []activity.Entry
}

// LockChecker runs one watchdog pass.
type LockChecker interface {
	Check(ctx context.Context) (watchdog.Report, error)
}

// Server is the operational HTTP surface.
type Server struct {
	engine  *gin.Engine
	addr    string
	scans   ScanController
	checker LockChecker
	baseCtx context.Context
	logger  zerolog.Logger
}

// New builds the router. checker may be nil; baseCtx bounds background scans.
func New(cfg config.OpsConfig, scans ScanController, checker LockChecker, gatherer prometheus.Gatherer, baseCtx context.Context, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		engine:  gin.New(),
		addr:    cfg.Addr,
		scans:   scans,
		checker: checker,
		baseCtx: baseCtx,
		logger:  logging.Component(logger, "ops"),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/healthz", s.health)
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	group := s.engine.Group("/scan")
	group.GET("/lock", s.lockInfo)
	group.POST("/trigger", s.trigger)
	group.POST("/force-unlock", s.forceUnlock)
	group.GET("/activity", s.activity)
	if checker != nil {
		group.POST("/watchdog", s.watchdog)
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, response{Code: status, Message: err.Error()})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("ops request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get()})
}

func (s *Server) lockInfo(c *gin.Context) {
	status, err := s.scans.Status(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	ok(c, status)
}

func (s *Server) trigger(c *gin.Context) {
	res, err := s.scans.Start(s.baseCtx, "api")
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, response{Message: "queued", Data: gin.H{"holder_run_id": res.RunID}})
		return
	}
	c.JSON(http.StatusAccepted, response{Message: "started"})
}

func (s *Server) forceUnlock(c *gin.Context) {
	held, err := s.scans.ForceUnlock(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Warn().Bool("was_locked", held).Str("remote", c.ClientIP()).Msg("force unlock requested")
	ok(c, gin.H{"was_locked": held})
}

func (s *Server) activity(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	ok(c, s.scans.Activity(limit))
}

func (s *Server) watchdog(c *gin.Context) {
	report, err := s.checker.Check(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	data := gin.H{"locked": report.Locked, "action": report.Action, "run_id": report.RunID}
	if report.HeartbeatAge != nil {
		data["heartbeat_age_seconds"] = report.HeartbeatAge.Seconds()
	}
	if report.Message != "" {
		data["message"] = report.Message
	}
	ok(c, data)
}
