// Package httpapi provides the HTTP API for researchd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/clarify"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/orchestrator"
)

// Server exposes run lifecycle endpoints over HTTP.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9190,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.POST("/runs/:id/clarification", s.handleClarification)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OwnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	ctx := logging.WithOwnerID(c.Request().Context(), req.OwnerID)
	r, err := s.orch.StartRun(ctx, req.OwnerID, req.Stages, req.Context)
	if err != nil {
		var denied *orchestrator.DeniedError
		if errors.As(err, &denied) {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: denied.Reason})
		}
		s.logger.Warn("failed to start run", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, runView(r))
}

func (s *Server) handleGetRun(c echo.Context) error {
	r, err := s.orch.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("failed to load run", zap.String("run_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	return c.JSON(http.StatusOK, runView(r))
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	runID := c.Param("id")
	ctx := logging.WithRunID(c.Request().Context(), runID)
	recorded, err := s.orch.Cancel(ctx, runID, req.RequesterID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("failed to record cancellation", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record cancellation")
	}
	return c.JSON(http.StatusAccepted, CancelResponse{Recorded: recorded})
}

func (s *Server) handleClarification(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}

	runID := c.Param("id")
	ctx := logging.WithRunID(c.Request().Context(), runID)
	outcome, err := s.orch.AnswerClarification(ctx, runID, req.RequestID, req.Answer)
	if err != nil && outcome == clarify.OutcomeNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error("failed to record answer", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record answer")
	}

	status := http.StatusOK
	switch outcome {
	case clarify.OutcomeNotFound:
		status = http.StatusNotFound
	case clarify.OutcomeExpired:
		status = http.StatusGone
	case clarify.OutcomeAlreadyResolved:
		status = http.StatusConflict
	}
	return c.JSON(status, AnswerResponse{Outcome: string(outcome)})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
