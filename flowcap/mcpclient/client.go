// Package mcpclient talks to a running `flowcap serve --transport http` for
// the flows CLI commands.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/protocol"
)

// DefaultMCPURL is where flowcap serve listens with the default config.
var DefaultMCPURL = "http://127.0.0.1:" + strconv.Itoa(config.DefaultMCPPort) + "/mcp"

const startHint = "start it with: flowcap serve --transport http"

// Client is an initialized MCP session. Request deadlines come from the
// caller's context.
type Client struct {
	mcp *client.Client
	url string
}

// Connect opens a streamable HTTP session to mcpURL (DefaultMCPURL when
// empty) and performs the initialize handshake.
func Connect(ctx context.Context, mcpURL string) (*Client, error) {
	if mcpURL == "" {
		mcpURL = DefaultMCPURL
	}

	c, err := client.NewStreamableHttpClient(mcpURL)
	if err != nil {
		return nil, serverError(mcpURL, err)
	}

	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "flowcap-cli", Version: config.Version}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, serverError(mcpURL, err)
	}
	return &Client{mcp: c, url: mcpURL}, nil
}

func (c *Client) Close() error {
	return c.mcp.Close()
}

// call invokes a tool and returns its text content. A tool-level error
// result becomes a Go error carrying the server's message.
func (c *Client) call(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.mcp.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return "", serverError(c.url, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", errors.New(toolErrorMessage(text))
	}
	return text, nil
}

func (c *Client) callJSON(ctx context.Context, name string, args map[string]any, dest any) error {
	text, err := c.call(ctx, name, args)
	if err != nil {
		return err
	} else if err := json.Unmarshal([]byte(text), dest); err != nil {
		return fmt.Errorf("%s: unexpected response: %w", name, err)
	}
	return nil
}

// toolErrorMessage unwraps the {"error": ...} body flowcap tools return.
func toolErrorMessage(text string) string {
	var resp protocol.ErrorResponse
	if err := json.Unmarshal([]byte(text), &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return text
}

func serverError(mcpURL string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("MCP server at %s timed out", mcpURL)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("request to MCP server at %s canceled", mcpURL)
	case errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused"):
		return fmt.Errorf("no MCP server at %s; %s", mcpURL, startHint)
	}
	return fmt.Errorf("MCP server at %s: %w", mcpURL, err)
}
