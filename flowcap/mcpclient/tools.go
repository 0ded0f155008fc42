package mcpclient

import (
	"context"

	"github.com/go-appsec/flowcap/flowcap/protocol"
)

// ListFlows calls list_flows.
func (c *Client) ListFlows(ctx context.Context) (*protocol.ListFlowsResponse, error) {
	var resp protocol.ListFlowsResponse
	if err := c.callJSON(ctx, "list_flows", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadFlow calls read_flow and returns the indented record text.
func (c *Client) ReadFlow(ctx context.Context, filename string) (string, error) {
	return c.call(ctx, "read_flow", map[string]any{"filename": filename})
}

// ClearFlows calls clear_flows.
func (c *Client) ClearFlows(ctx context.Context) (*protocol.ClearFlowsResponse, error) {
	var resp protocol.ClearFlowsResponse
	if err := c.callJSON(ctx, "clear_flows", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
