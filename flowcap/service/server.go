package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/service/store"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the flow ingestion endpoint and the MCP query interface. The
// two only share the flows directory.
type Server struct {
	cfg        *config.Config
	configPath string
	flags      ServeFlags

	// stdio endpoints for TransportStdio, replaceable in tests
	stdin  io.Reader
	stdout io.Writer

	// Runtime state
	flows     *store.FlowDir
	ingest    *ingestServer
	mcpServer *mcpServer
	started   chan struct{}

	// Shutdown coordination
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a new server instance. Nothing is bound until Run.
func NewServer(flags ServeFlags) (*Server, error) {
	if flags.Transport == "" {
		flags.Transport = TransportStdio
	}
	return &Server{
		flags:      flags,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}, nil
}

// WaitTillStarted blocks until the server has started (or failed to).
func (s *Server) WaitTillStarted() {
	<-s.started
}

// IngestAddr returns the bound ingestion address once started.
func (s *Server) IngestAddr() string {
	if s.ingest == nil {
		return ""
	}
	return s.ingest.Addr()
}

// MCPAddr returns the bound MCP HTTP address when using TransportHTTP.
func (s *Server) MCPAddr() string {
	if s.mcpServer == nil {
		return ""
	}
	return s.mcpServer.Addr()
}

// Run starts ingestion and the MCP dispatcher and blocks until shutdown.
// Only an unusable flows directory or an unbindable address fails here.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("flowcap server starting (version=%s-%s)", config.Version, config.RevNum)

	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	if err := s.loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flows, err := store.Open(s.cfg.FlowsDir)
	if err != nil {
		return err
	}
	s.flows = flows

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.ingest = newIngestServer(flows, s.cfg.IngestBodyLimit())
	if err := s.ingest.Start(s.cfg.IngestAddr, s.cfg.MaxIngestConns); err != nil {
		return fmt.Errorf("failed to start ingestion endpoint: %w", err)
	}
	log.Printf("ingest: listening on http://%s%s, storing to %s", s.ingest.Addr(), config.DefaultSubmitPath, flows.Dir())

	s.mcpServer = newMCPServer(flows)
	stdioDone := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	switch s.flags.Transport {
	case TransportHTTP:
		if err := s.mcpServer.Start(s.cfg.MCPPort); err != nil {
			_ = s.ingest.Close(context.Background())
			return fmt.Errorf("failed to start MCP server: %w", err)
		}
		log.Printf("MCP server listening on http://%s/mcp", s.mcpServer.Addr())
	case TransportStdio:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			stdioDone <- s.mcpServer.ServeStdio(runCtx, s.stdin, s.stdout)
		}()
		log.Printf("MCP server ready on stdio")
	case TransportNone:
		log.Printf("MCP server disabled, ingestion only")
	}

	markStarted()

	select {
	case <-ctx.Done():
		log.Printf("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating shutdown", sig)
	case <-s.shutdownCh:
		log.Printf("shutdown requested")
	case err := <-stdioDone:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			log.Printf("MCP stdio error: %v", err)
		} else {
			log.Printf("MCP stdio closed, initiating shutdown")
		}
	}

	cancelRun()
	return s.shutdown()
}

// shutdown performs graceful shutdown.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.mcpServer != nil {
		if err := s.mcpServer.Close(ctx); err != nil {
			log.Printf("MCP server shutdown error: %v", err)
		}
	}
	if s.ingest != nil {
		if err := s.ingest.Close(ctx); err != nil {
			log.Printf("ingest: shutdown error: %v", err)
		}
	}

	// Wait for the stdio loop to observe cancellation
	s.wg.Wait()

	log.Printf("flowcap server stopped")
	return nil
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// loadConfig loads config and applies overrides.
// Precedence: CLI flags > FLOWCAP_* environment > config file > defaults
func (s *Server) loadConfig() error {
	s.configPath = s.flags.ConfigPath
	if s.configPath == "" {
		s.configPath = config.DefaultPath()
	}

	cfg, err := config.LoadOrCreatePath(s.configPath)
	if err != nil {
		return err
	}

	var envFiles []string
	if s.flags.EnvFile != "" {
		envFiles = append(envFiles, s.flags.EnvFile)
	}
	if err := cfg.ApplyEnv(envFiles...); err != nil {
		return err
	}

	if s.flags.FlowsDir != "" {
		cfg.FlowsDir = s.flags.FlowsDir
	}
	if s.flags.IngestAddr != "" {
		cfg.IngestAddr = s.flags.IngestAddr
	}
	if s.flags.MCPPort != 0 {
		cfg.MCPPort = s.flags.MCPPort
	}

	s.cfg = cfg
	return nil
}
