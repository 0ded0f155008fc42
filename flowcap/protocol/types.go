package protocol

import "encoding/json"

// =============================================================================
// Ingestion Types
// =============================================================================

const (
	SubmitStatusOK    = "ok"
	SubmitStatusError = "error"
)

// SubmitResponse is the body returned by POST /submit_flow.
type SubmitResponse struct {
	Status   string `json:"status,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// =============================================================================
// Query Types
// =============================================================================

// ListFlowsResponse is the response for list_flows.
type ListFlowsResponse struct {
	FlowFiles []string `json:"flow_files"`
	Count     int      `json:"count"`
}

// MarshalJSON always emits flow_files as an array, never null.
func (r ListFlowsResponse) MarshalJSON() ([]byte, error) {
	type alias ListFlowsResponse
	if r.FlowFiles == nil {
		r.FlowFiles = []string{}
	}
	return json.Marshal(alias(r))
}

const ClearStatusCleared = "cleared"

// ClearFlowsResponse is the response for clear_flows.
type ClearFlowsResponse struct {
	Status       string `json:"status"`
	DeletedFiles int    `json:"deleted_files"`
}

// ErrorResponse is returned by any operation that fails for a single flow or file.
type ErrorResponse struct {
	Error string `json:"error"`
}
