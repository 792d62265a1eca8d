// Package server exposes the read-only status API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/core"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/infrastructure/health"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

// StatusSource is the part of the service the API reads from
type StatusSource interface {
	GetStatus() core.Status
	Health() (health.Report, bool)
	Breaker(name string) (circuitbreaker.Snapshot, bool)
}

// Server represents the HTTP server
type Server struct {
	logger      *zap.Logger
	status      StatusSource
	gatherer    prometheus.Gatherer
	serviceName string
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(logger *zap.Logger, status StatusSource, gatherer prometheus.Gatherer, serviceName string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if serviceName == "" {
		serviceName = "tiergate"
	}
	return &Server{logger: logger, status: status, gatherer: gatherer, serviceName: serviceName}
}

// Router creates the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware(s.serviceName))
	router.Use(cors.Default())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	status := router.Group("/status")
	{
		status.GET("", s.handleStatus)
		status.GET("/health", s.handleHealth)
		status.GET("/breakers/:name", s.handleBreaker)
	}

	router.NoRoute(func(c *gin.Context) {
		s.problem(c, errs.NotFound.Explain("no route for %s", c.Request.URL.Path))
	})
	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.GetStatus())
}

// handleHealth answers 503 only when the verdict is Critical, so load
// balancers keep a degraded instance in rotation.
func (s *Server) handleHealth(c *gin.Context) {
	report, ok := s.status.Health()
	if !ok {
		report = health.Report{Verdict: s.status.GetStatus().Health, Timestamp: time.Now()}
	}

	code := http.StatusOK
	if report.Verdict == health.Critical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleBreaker(c *gin.Context) {
	name := c.Param("name")
	snap, ok := s.status.Breaker(name)
	if !ok {
		s.problem(c, errs.NotFound.Explain("no circuit breaker named %s", name))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) problem(c *gin.Context, err error) {
	p := errs.ToProblem(err, c.Request.URL.Path)
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		p.WithTraceID(sc.TraceID().String())
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(p.Status, p)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
