package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListFlowsResponse_MarshalJSON(t *testing.T) {
	t.Parallel()

	t.Run("nil_files_empty_array", func(t *testing.T) {
		b, err := json.Marshal(ListFlowsResponse{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"flow_files":[],"count":0}`, string(b))
	})

	t.Run("files", func(t *testing.T) {
		b, err := json.Marshal(ListFlowsResponse{FlowFiles: []string{"b.json", "a.json"}, Count: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"flow_files":["b.json","a.json"],"count":2}`, string(b))
	})
}

func TestSubmitResponse_MarshalJSON(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		b, err := json.Marshal(SubmitResponse{Status: SubmitStatusOK, Filename: "f.json"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok","filename":"f.json"}`, string(b))
	})

	t.Run("bare_error", func(t *testing.T) {
		b, err := json.Marshal(SubmitResponse{Error: "bad request"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"error":"bad request"}`, string(b))
	})
}
