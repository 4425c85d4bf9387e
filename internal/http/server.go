// Package http provides the signal ingress for concierge tickets.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/concierge/internal/conversation"
	"github.com/fyrsmithlabs/concierge/internal/logging"
	"github.com/fyrsmithlabs/concierge/internal/plan"
	"github.com/fyrsmithlabs/concierge/internal/sanitize"
)

const maxBodyBytes = 64 << 10

// Ingress accepts ticket signals. Both *conversation.Manager and
// *workflows.Gateway implement it.
type Ingress interface {
	Submit(ctx context.Context, sig conversation.Signal) (*conversation.State, error)
	Answer(ctx context.Context, ticketID string, step plan.StepID, text string) (*conversation.State, error)
	Close(ctx context.Context, ticketID string, status conversation.Status, notice string) (*conversation.State, error)
	Cancel(ctx context.Context, ticketID string, step plan.StepID) (bool, error)
	State(ctx context.Context, ticketID string) (*conversation.State, error)
}

// Server provides HTTP endpoints for ticket ingress.
type Server struct {
	echo    *echo.Echo
	ingress Ingress
	logger  *logging.Logger
	config  *Config

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit bounds requests per second from one client; zero disables it.
	RateLimit float64
	Burst     int
}

// NewServer creates a new HTTP server.
func NewServer(ingress Ingress, logger *logging.Logger, cfg *Config) (*Server, error) {
	if ingress == nil {
		return nil, fmt.Errorf("ingress cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		ingress: ingress,
		logger:  logger,
		config:  cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", maxBodyBytes>>10)))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			ctx = logging.WithLogger(ctx, logger)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.rateLimit, validTicketID)
	v1.GET("/tickets/:id", s.handleGetTicket)
	v1.POST("/tickets/:id/messages", s.handleMessage)
	v1.POST("/tickets/:id/answers", s.handleAnswer)
	v1.POST("/tickets/:id/close", s.handleClose)
	v1.POST("/tickets/:id/steps/:step/cancel", s.handleCancel)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleGetTicket(c echo.Context) error {
	st, err := s.ingress.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.ingressError(c, err)
	}
	return c.JSON(http.StatusOK, newTicketResponse(st, true))
}

func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	if err := sanitize.ValidateCustomerID(req.CustomerID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sanitize.ValidateProfile(req.Profile); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	ticketID := c.Param("id")
	ctx = logging.WithTicketID(ctx, ticketID)
	st, err := s.ingress.Submit(ctx, conversation.Signal{
		TicketID:   ticketID,
		CustomerID: req.CustomerID,
		Profile:    req.Profile,
		Text:       req.Text,
	})
	if err != nil {
		return s.ingressError(c, err)
	}
	return c.JSON(http.StatusAccepted, newTicketResponse(st, false))
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StepID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "step_id field is required")
	}

	ctx := c.Request().Context()
	ticketID := c.Param("id")
	ctx = logging.WithTicketID(ctx, ticketID)
	st, err := s.ingress.Answer(ctx, ticketID, req.StepID, req.Text)
	if err != nil {
		return s.ingressError(c, err)
	}
	return c.JSON(http.StatusAccepted, newTicketResponse(st, false))
}

func (s *Server) handleClose(c echo.Context) error {
	var req CloseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := req.Status
	if status == "" {
		status = conversation.StatusClosed
	}
	if !status.Terminal() {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be closed or resolved")
	}

	ctx := c.Request().Context()
	ticketID := c.Param("id")
	ctx = logging.WithTicketID(ctx, ticketID)
	st, err := s.ingress.Close(ctx, ticketID, status, req.Notice)
	if err != nil {
		return s.ingressError(c, err)
	}
	return c.JSON(http.StatusOK, newTicketResponse(st, false))
}

func (s *Server) handleCancel(c echo.Context) error {
	ctx := c.Request().Context()
	ticketID := c.Param("id")
	step := plan.StepID(c.Param("step"))
	ctx = logging.WithTicketID(ctx, ticketID)
	ok, err := s.ingress.Cancel(ctx, ticketID, step)
	if err != nil {
		return s.ingressError(c, err)
	}
	return c.JSON(http.StatusOK, CancelResponse{TicketID: ticketID, StepID: step, Cancelled: ok})
}

// validTicketID rejects malformed ticket IDs before they reach the ingress.
func validTicketID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Param("id"); id != "" {
			if err := sanitize.ValidateTicketID(id); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
		return next(c)
	}
}

// ingressError maps conversation errors to HTTP errors. Unexpected errors are
// logged and reported without detail.
func (s *Server) ingressError(c echo.Context, err error) error {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "ingress failed",
			zap.String("ticket.id", c.Param("id")),
			zap.Error(err))
		return echo.NewHTTPError(code, "internal error")
	}
	return echo.NewHTTPError(code, err.Error())
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConversationClosed):
		return http.StatusGone
	case errors.Is(err, conversation.ErrNoPendingQuestion):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrInboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rateLimit limits API requests per client address.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.RateLimit <= 0 {
			return next(c)
		}
		ip := c.RealIP()
		if !s.limiter(ip).Allow() {
			s.logger.Warn(c.Request().Context(), "rate limit exceeded", zap.String("ip", ip))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dropping every limiter once an hour bounds the map.
	if s.limiters == nil || time.Since(s.lastCleanup) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}
	l, ok := s.limiters[ip]
	if !ok {
		burst := s.config.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.config.RateLimit), burst)
		s.limiters[ip] = l
	}
	return l
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
