// Package server exposes the engine over an authenticated JSON API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/auth"
	"github.com/agentpay/spendguard/engine"
	"github.com/agentpay/spendguard/invoices"
	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/l402"
	"github.com/agentpay/spendguard/metrics"
)

// Service is the set of engine operations the API serves
type Service interface {
	PayInvoice(ctx context.Context, caller spendguard.Caller, invoice string, maxFeeSats int64) (*engine.Receipt, error)
	SendTransfer(ctx context.Context, caller spendguard.Caller, address string, amountSats int64) (*engine.Receipt, error)
	PaymentStatus(ctx context.Context, caller spendguard.Caller, paymentID string) (*engine.PaymentState, error)
	Fetch(ctx context.Context, caller spendguard.Caller, req l402.Request) (*l402.Result, error)
	FetchStatus(ctx context.Context, caller spendguard.Caller, reference string) (*l402.Result, error)
	CreateInvoice(ctx context.Context, caller spendguard.Caller, req spendguard.InvoiceRequest) (*spendguard.Invoice, error)
	ListInvoices(ctx context.Context, caller spendguard.Caller) ([]invoices.PendingInvoice, error)
	Balance(ctx context.Context, caller spendguard.Caller) (spendguard.Balance, error)
	Activity(ctx context.Context, caller spendguard.Caller, limit int, agent string) ([]journal.Entry, error)
	BudgetStatus(ctx context.Context, caller spendguard.Caller) (*engine.BudgetStatus, error)
	ResetBudget(ctx context.Context, caller spendguard.Caller, budgetID string) error
}

var _ Service = (*engine.Engine)(nil)

const (
	callerKey    = "caller"
	requestIDKey = "request_id"
	// RequestIDHeader carries the per-request id in both directions
	RequestIDHeader = "X-Request-ID"
)

// Server routes API requests to a Service
type Server struct {
	svc      Service
	verifier spendguard.Verifier
	limiter  *limiterSet
	cfg      config
	router   *gin.Engine
}

// New creates a server for svc authenticating with verifier
func New(svc Service, verifier spendguard.Verifier, opts ...Option) *Server {
	cfg := config{rps: DefaultRateLimit, burst: DefaultRateBurst}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	s := &Server{
		svc:      svc,
		verifier: verifier,
		limiter:  newLimiterSet(cfg.rps, cfg.burst),
		cfg:      cfg,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", s.authenticate(), s.rateLimit())
	{
		v1.POST("/payments", s.payInvoice)
		v1.GET("/payments/:id", s.paymentStatus)
		v1.POST("/transfers", s.sendTransfer)
		v1.POST("/fetch", s.fetch)
		v1.GET("/fetch/:reference", s.fetchStatus)
		v1.POST("/invoices", s.createInvoice)
		v1.GET("/invoices", s.listInvoices)
		v1.GET("/balance", s.balance)
		v1.GET("/activity", s.activity)
		v1.GET("/budget", s.budgetStatus)
		v1.POST("/budgets/:id/reset", s.resetBudget)
	}

	if s.cfg.mcp != nil {
		mcp := r.Group("/mcp", s.authenticate(), s.rateLimit())
		mcp.Any("", gin.WrapH(s.cfg.mcp))
		mcp.Any("/*path", gin.WrapH(s.cfg.mcp))
	}
	return r
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if caller, ok := c.Get(callerKey); ok {
			fields = append(fields, zap.String("agent", caller.(spendguard.Caller).ID))
		}
		if status >= http.StatusInternalServerError {
			s.cfg.logger.Warn("request failed", fields...)
		} else {
			s.cfg.logger.Debug("request", fields...)
		}
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortWithError(c, spendguard.NewError(spendguard.KindUnauthorized, "missing bearer token", nil))
			return
		}
		caller, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(callerKey, *caller)
		c.Request = c.Request.WithContext(auth.WithCaller(c.Request.Context(), *caller))
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(callerOf(c).ID) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"kind": "rate_limited", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

func callerOf(c *gin.Context) spendguard.Caller {
	caller, _ := c.Get(callerKey)
	v, _ := caller.(spendguard.Caller)
	return v
}

// ============================================================================
// Errors
// ============================================================================

// StatusFor maps an error kind to the HTTP status it is reported with
func StatusFor(kind spendguard.Kind) int {
	switch kind {
	case spendguard.KindInvalidAmount, spendguard.KindInvalidRequest:
		return http.StatusBadRequest
	case spendguard.KindUnauthorized:
		return http.StatusUnauthorized
	case spendguard.KindForbidden:
		return http.StatusForbidden
	case spendguard.KindPendingNotFound:
		return http.StatusNotFound
	case spendguard.KindBudgetExceeded, spendguard.KindTransactionTooLarge:
		return http.StatusConflict
	case spendguard.KindPaymentTimedOutPending:
		return http.StatusGatewayTimeout
	case spendguard.KindPaymentFailed,
		spendguard.KindWalletError,
		spendguard.KindChallengeFetchError,
		spendguard.KindChallengeParseError,
		spendguard.KindInvalidChallenge,
		spendguard.KindNoProofAvailable,
		spendguard.KindRetryExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) (int, gin.H) {
	var e *spendguard.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, gin.H{
			"error": gin.H{"kind": "internal", "message": "internal error"},
		}
	}
	body := gin.H{"kind": e.Kind, "message": e.Message}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return StatusFor(e.Kind), gin.H{"error": body}
}

func abortWithError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.AbortWithStatusJSON(status, body)
}
