package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/protocol"
	"github.com/go-appsec/flowcap/flowcap/service/store"
)

const serverInstructions = `flowcap stores HTTP flows captured by an intercepting proxy, one JSON file per flow.

- list_flows: filenames, most recent first. Names are <timestamp>_<METHOD>_<target>_<id>.json
- read_flow: full request/response record for one filename from list_flows
- clear_flows: delete every captured flow (confirm with the user first)
`

// mcpServer wraps the MCP server and its dependencies.
type mcpServer struct {
	server           *server.MCPServer
	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	httpServer       *http.Server
	listener         net.Listener
	flows            *store.FlowDir
}

// newMCPServer creates a new MCP server instance.
func newMCPServer(flows *store.FlowDir) *mcpServer {
	mcpSrv := server.NewMCPServer("flowcap", config.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithInstructions(serverInstructions),
	)

	m := &mcpServer{
		server: mcpSrv,
		flows:  flows,
	}

	m.addFlowTools()

	return m
}

// Start serves streamable HTTP at /mcp and legacy SSE at /sse on 127.0.0.1:port.
func (m *mcpServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener

	// SSE server for legacy clients
	m.sseServer = server.NewSSEServer(m.server,
		server.WithBaseURL("http://"+listener.Addr().String()),
	)

	// Streamable HTTP server for modern clients
	m.streamableServer = server.NewStreamableHTTPServer(m.server,
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", m.streamableServer)
	mux.Handle("/sse", m.sseServer)
	mux.Handle("/sse/", m.sseServer)

	m.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := m.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("MCP server error: %v", err)
		}
	}()

	return nil
}

// ServeStdio runs the MCP dispatcher over stdin/stdout until ctx is done or
// the input stream closes.
func (m *mcpServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(m.server)
	stdio.SetErrorLogger(log.New(os.Stderr, "mcp: ", log.LstdFlags))
	return stdio.Listen(ctx, in, out)
}

func (m *mcpServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return ""
}

// Close stops the MCP HTTP server.
func (m *mcpServer) Close(ctx context.Context) error {
	var errs []error

	// Close HTTP server - use short timeout then force close.
	// Streaming connections (SSE, MCP) never become idle, so Shutdown blocks.
	if m.httpServer != nil {
		shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := m.httpServer.Shutdown(shortCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			// Force close - active connections won't drain gracefully
			if closeErr := m.httpServer.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		} else if err != nil {
			errs = append(errs, err)
		}
	}

	if m.sseServer != nil {
		if err := m.sseServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.streamableServer != nil {
		if err := m.streamableServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult("failed to marshal response: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult returns a structured {"error": ...} result flagged as a tool error.
func errorResult(message string) *mcp.CallToolResult {
	b, err := json.Marshal(protocol.ErrorResponse{Error: message})
	if err != nil {
		return mcp.NewToolResultError(message)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: mcp.ContentTypeText, Text: string(b)}},
		IsError: true,
	}
}
