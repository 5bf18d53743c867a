package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Default request limits per credential
const (
	DefaultRateLimit = 5
	DefaultRateBurst = 10
)

// config holds the configuration for Server.
type config struct {
	rps         float64
	burst       int
	logger      *zap.Logger
	healthCheck func(ctx context.Context) error
	mcp         http.Handler
}

// Option configures a Server.
type Option func(*config)

// WithRateLimit sets the per-credential request rate. A non-positive rps
// disables limiting.
// Default: 5 requests per second, burst 10
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config) {
		c.rps = rps
		if burst > 0 {
			c.burst = burst
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithHealthCheck sets the check behind /healthz, typically a Redis ping.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(c *config) {
		c.healthCheck = fn
	}
}

// WithMCP mounts an MCP transport handler under /mcp, behind the same
// authentication and rate limiting as the JSON API.
func WithMCP(handler http.Handler) Option {
	return func(c *config) {
		c.mcp = handler
	}
}
