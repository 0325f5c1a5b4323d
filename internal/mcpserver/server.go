// Package mcpserver exposes the queue and trigger registry as MCP tools over
// stdio. It is the worker's interface: claim, complete and cancel tasks, and
// manage triggers from inside an agent session.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/trigger"
)

const serverName = "atlas-inbox"

type Config struct {
	Queue    *queue.Engine
	Triggers *trigger.Registry
	Version  string
	Logger   *slog.Logger
}

type Server struct {
	queue    *queue.Engine
	triggers *trigger.Registry
	logger   *slog.Logger
	mcp      *mcp.Server
}

func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		queue:    cfg.Queue,
		triggers: cfg.Triggers,
		logger:   telemetry.Component(cfg.Logger, "mcp"),
		mcp:      mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil),
	}
	s.registerTaskTools()
	s.registerTriggerTools()
	return s
}

// MCP returns the underlying server for callers that bring their own transport.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves over stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "transport", "stdio")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports err to the model as a tool error rather than a
// protocol error, so the agent can read it and react.
func (s *Server) errorResult(tool string, err error) (*mcp.CallToolResult, any, error) {
	s.logger.Warn("tool call failed", "tool", tool, "error", err)
	data, _ := json.Marshal(map[string]string{"error": err.Error(), "kind": errorKind(err)})
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorKind(err error) string {
	switch {
	case persistence.IsValidation(err):
		return "validation"
	case errors.Is(err, persistence.ErrNotFound):
		return "not_found"
	case errors.Is(err, persistence.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, persistence.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, persistence.ErrForbidden):
		return "forbidden"
	case errors.Is(err, trigger.ErrSyncFailed):
		return "sync_failed"
	default:
		return "internal"
	}
}
