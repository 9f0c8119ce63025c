// Package mcpserver exposes session tools to AI clients via the
// Model-Context-Protocol. The stdio wrapper process connects over the
// daemon's Unix socket; both SSE and Streamable HTTP transports are served
// for compatibility with different MCP clients.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/cache"
	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/poller"
)

// Config holds the MCP server configuration.
type Config struct {
	SocketPath string
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
type Server struct {
	cfg                  Config
	ingress              *command.Ingress
	cache                *cache.Cache
	pollers              *poller.Registry
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP server.
func New(cfg Config, ingress *command.Ingress, snapshots *cache.Cache, pollers *poller.Registry, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ingress: ingress,
		cache:   snapshots,
		pollers: pollers,
		logger:  log.WithFields(zap.String("component", "mcp_server")),
	}
}

// Start serves MCP on the Unix socket in a goroutine and returns once the
// listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"teleclaude-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.ingress, s.cache, s.pollers, s.logger)

	// SSE transport (Claude Desktop, Cursor) and Streamable HTTP (Codex)
	// share the MCP server instance.
	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	_ = os.Remove(s.cfg.SocketPath)
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}

	s.httpServer = &http.Server{Handler: mux}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server exited", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info("mcp server listening", zap.String("socket", s.cfg.SocketPath))
	return nil
}

// Stop shuts the HTTP server down and removes the socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	defer os.Remove(s.cfg.SocketPath)
	return s.httpServer.Close()
}
