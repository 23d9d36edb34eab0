package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// ServerConfig configures the project-wide MCP tool server.
type ServerConfig struct {
	// Port to listen on; 0 picks an ephemeral port, read back via Addr().
	Port int
}

// Server wraps a Streamable HTTP MCP server exposing one Engine's tool
// surface across every workflow it hosts, routed by the workflow_id tool
// argument through Engine.Host. Grounded on the teacher's
// internal/mcpserver.Server start/stop lifecycle, trimmed to the single
// Streamable HTTP transport (no SSE) since the orchestrator agent is this
// module's only MCP client.
type Server struct {
	cfg ServerConfig
	log *logger.Logger

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	addr       net.Addr
}

func NewServer(cfg ServerConfig, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{cfg: cfg, log: log.WithFields(zap.String("component", "orchestrator_mcp"))}
}

// Start listens and serves in a goroutine, returning once the listener is
// bound (or ctx is cancelled first).
func (s *Server) Start(ctx context.Context, engine *Engine) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("execweave-orchestrator", "1.0.0", server.WithToolCapabilities(true))
	RegisterTools(mcpServer, engine.Host)

	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("orchestrator mcp server: listen: %w", err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.httpServer = &http.Server{Handler: mux}
	s.running = true
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		close(ready)
		s.log.Info("orchestrator MCP server listening", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("orchestrator MCP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	srv := s.httpServer
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound listen address; only valid after Start returns.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
