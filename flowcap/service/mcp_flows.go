package service

import (
	"context"
	"errors"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/flowcap/flowcap/protocol"
	"github.com/go-appsec/flowcap/flowcap/service/codec"
	"github.com/go-appsec/flowcap/flowcap/service/store"
)

func (m *mcpServer) addFlowTools() {
	m.server.AddTool(m.listFlowsTool(), m.handleListFlows)
	m.server.AddTool(m.readFlowTool(), m.handleReadFlow)
	m.server.AddTool(m.clearFlowsTool(), m.handleClearFlows)
}

func (m *mcpServer) listFlowsTool() mcp.Tool {
	return mcp.NewTool("list_flows",
		mcp.WithDescription(`List captured flow files, most recent first.

Filenames encode capture time, method, target and flow id prefix:
2024-01-01_12-00-00_GET_example.com-api-users_1a2b3c4d.json
Pass a filename to read_flow for the full record.`),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (m *mcpServer) readFlowTool() mcp.Tool {
	return mcp.NewTool("read_flow",
		mcp.WithDescription("Read one captured flow (request, response, headers, decoded bodies) by filename from list_flows."),
		mcp.WithString("filename", mcp.Required(), mcp.Description("Flow filename as returned by list_flows")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (m *mcpServer) clearFlowsTool() mcp.Tool {
	return mcp.NewTool("clear_flows",
		mcp.WithDescription("Delete all captured flow files. Cannot be undone."),
		mcp.WithDestructiveHintAnnotation(true),
	)
}

func (m *mcpServer) handleListFlows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := m.flows.List()
	if err != nil {
		return errorResult("failed to list flows: " + err.Error()), nil
	}
	return jsonResult(protocol.ListFlowsResponse{
		FlowFiles: names,
		Count:     len(names),
	})
}

func (m *mcpServer) handleReadFlow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename := req.GetString("filename", "")
	if filename == "" {
		return errorResult("filename is required"), nil
	}

	rec, err := m.flows.Read(filename)
	if err != nil {
		var parseErr *store.ParseError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return errorResult("Flow file '" + filename + "' not found"), nil
		case errors.Is(err, store.ErrInvalidName):
			return errorResult(err.Error()), nil
		case errors.As(err, &parseErr):
			return errorResult("Error reading flow file: " + parseErr.Err.Error()), nil
		default:
			return errorResult("Error reading flow file: " + err.Error()), nil
		}
	}

	b, err := codec.Indent(rec)
	if err != nil {
		return errorResult("failed to marshal flow: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (m *mcpServer) handleClearFlows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deleted, err := m.flows.Clear()
	if err != nil {
		return errorResult("failed to clear flows: " + err.Error()), nil
	}
	log.Printf("flows: cleared %d files", deleted)
	return jsonResult(protocol.ClearFlowsResponse{
		Status:       protocol.ClearStatusCleared,
		DeletedFiles: deleted,
	})
}
