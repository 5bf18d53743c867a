package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/auth"
)

// Implementation details reported to MCP clients
const (
	ServerName    = "spendguard"
	ServerVersion = "1.0.0"
)

// config holds the configuration for the MCP server.
type config struct {
	logger *zap.Logger
}

// Option configures the MCP server.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}

// NewServer creates an MCP server whose tools act as caller
func NewServer(svc Service, caller spendguard.Caller, opts ...Option) *mcpsdk.Server {
	cfg := newConfig(opts)
	logger := cfg.logger.With(zap.String("agent", caller.ID))

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	for _, t := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema(),
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			return callTool(ctx, svc, caller, t, args, logger), nil
		})
	}
	return server
}

// Handler serves the SSE transport. The caller must already be attached
// to the request context by auth.WithCaller; requests without one get no
// server.
func Handler(svc Service, opts ...Option) http.Handler {
	cfg := newConfig(opts)
	return mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		caller, ok := auth.CallerFrom(req.Context())
		if !ok {
			return nil
		}
		cfg.logger.Debug("mcp session opened", zap.String("agent", caller.ID))
		return NewServer(svc, caller, opts...)
	}, &mcpsdk.SSEOptions{})
}

// callTool runs t and renders its outcome. Engine errors become IsError
// results rather than protocol errors so the agent can read the kind.
func callTool(ctx context.Context, svc Service, caller spendguard.Caller, t tool, args json.RawMessage, logger *zap.Logger) *mcpsdk.CallToolResult {
	value, err := t.run(ctx, svc, caller, args)
	if err != nil {
		body := map[string]interface{}{"error": errorPayload(err)}
		if value != nil {
			body["result"] = value
		}
		logger.Debug("tool failed", zap.String("tool", t.name), zap.String("kind", string(spendguard.KindOf(err))))
		return render(body, true)
	}
	return render(value, false)
}

func errorPayload(err error) map[string]interface{} {
	var e *spendguard.Error
	if !errors.As(err, &e) {
		return map[string]interface{}{"kind": "internal", "message": err.Error()}
	}
	payload := map[string]interface{}{"kind": string(e.Kind), "message": e.Message}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	return payload
}

// render returns value as both JSON text and structured content.
func render(value interface{}, isError bool) *mcpsdk.CallToolResult {
	raw, err := json.Marshal(value)
	if err != nil {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "failed to encode result: " + err.Error()}},
		}
	}
	result := &mcpsdk.CallToolResult{
		IsError: isError,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}
	var structured map[string]interface{}
	if json.Unmarshal(raw, &structured) == nil {
		result.StructuredContent = structured
	}
	return result
}
