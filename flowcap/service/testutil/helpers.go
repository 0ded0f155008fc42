package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

// ConnectInProcess returns an initialized client bound directly to srv.
func ConnectInProcess(t *testing.T, srv *server.MCPServer) *mcpclient.Client {
	t.Helper()

	client, err := mcpclient.NewInProcessClient(srv)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	_, err = client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{
				Name:    "flowcap-test",
				Version: "1.0.0",
			},
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}

// CallMCPTool calls an MCP tool and returns the result.
func CallMCPTool(t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	require.NoError(t, err)
	return result
}

// ExtractMCPText extracts text content from an MCP tool result.
func ExtractMCPText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "result should have content")
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found in result")
	return ""
}

// CallMCPToolJSON calls a tool that must succeed and decodes its JSON text into dest.
func CallMCPToolJSON(t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}, dest interface{}) {
	t.Helper()

	result := CallMCPTool(t, client, name, args)
	text := ExtractMCPText(t, result)
	require.False(t, result.IsError, "tool %s failed: %s", name, text)
	require.NoError(t, json.Unmarshal([]byte(text), dest))
}

// Record builds a flow record from nested Go literals for tests. Map keys are
// emitted in sorted order.
func Record(t *testing.T, v interface{}) codec.Value {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)
	rec, err := codec.Parse(b)
	require.NoError(t, err)
	return rec
}
