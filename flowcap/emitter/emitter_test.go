package emitter

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/flowcap/flowcap/protocol"
	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

type stateFunc func() codec.Value

func (f stateFunc) State() codec.Value { return f() }

func binaryFlow() codec.Value {
	return codec.Object(
		codec.Field("id", codec.String("abcdef1234")),
		codec.Field("request", codec.Object(
			codec.Field("method", codec.String("GET")),
			codec.Field("url", codec.String("http://example.com/a/b")),
			codec.Field("content", codec.Bytes([]byte("hello"))),
		)),
		codec.Field("response", codec.Object(
			codec.Field("status_code", codec.Int(200)),
			codec.Field("content", codec.Bytes([]byte{0xff, 0x00, 0x01})),
		)),
	)
}

func TestEmitterSend(t *testing.T) {
	t.Parallel()

	t.Run("posts_base64_json", func(t *testing.T) {
		t.Parallel()

		gotCh := make(chan codec.Value, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/submit_flow", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, err := io.ReadAll(r.Body)
			if !assert.NoError(t, err) {
				return
			}
			got, err := codec.Parse(body)
			assert.NoError(t, err)
			gotCh <- got
			_ = json.NewEncoder(w).Encode(protocol.SubmitResponse{Status: protocol.SubmitStatusOK, Filename: "f.json"})
		}))
		t.Cleanup(srv.Close)

		e := New(Options{URL: srv.URL + "/submit_flow"})
		resp, err := e.Send(t.Context(), binaryFlow())
		require.NoError(t, err)
		assert.Equal(t, "f.json", resp.Filename)

		got := <-gotCh
		assert.Equal(t, "aGVsbG8=", got.PathString("request", "content"))
		assert.Equal(t, "/wAB", got.PathString("response", "content"))
		assert.Equal(t, "GET", got.PathString("request", "method"))
	})

	t.Run("non_2xx_is_error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(protocol.SubmitResponse{Status: protocol.SubmitStatusError, Error: "disk full"})
		}))
		t.Cleanup(srv.Close)

		_, err := New(Options{URL: srv.URL}).Send(t.Context(), binaryFlow())
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() {
			close(release)
			srv.Close()
		})

		start := time.Now()
		_, err := New(Options{URL: srv.URL, Timeout: 50 * time.Millisecond}).Send(t.Context(), binaryFlow())
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("circuit_opens", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		e := New(Options{URL: srv.URL, FailureThreshold: 2, OpenTimeout: time.Minute})
		for range 2 {
			_, err := e.Send(t.Context(), binaryFlow())
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
		}

		_, err := e.Send(t.Context(), binaryFlow())
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("rejected_flows_keep_circuit_closed", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(protocol.SubmitResponse{Error: "read body: http: request body too large"})
		}))
		t.Cleanup(srv.Close)

		e := New(Options{URL: srv.URL, FailureThreshold: 2, OpenTimeout: time.Minute})
		for range 5 {
			_, err := e.Send(t.Context(), binaryFlow())
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
		}
		assert.Equal(t, int32(5), hits.Load())
	})
}

func TestEndpointAvailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"transport_error", errors.New("connection refused"), false},
		{"rejected_500", &StatusError{StatusCode: http.StatusInternalServerError}, true},
		{"not_found", &StatusError{StatusCode: http.StatusNotFound}, true},
		{"bad_gateway", &StatusError{StatusCode: http.StatusBadGateway}, false},
		{"unavailable", &StatusError{StatusCode: http.StatusServiceUnavailable}, false},
		{"gateway_timeout", &StatusError{StatusCode: http.StatusGatewayTimeout}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointAvailable(tt.err))
		})
	}
}

func TestEmitterOnResponse(t *testing.T) {
	t.Parallel()

	t.Run("counts_sent", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(protocol.SubmitResponse{Status: protocol.SubmitStatusOK, Filename: "f.json"})
		}))
		t.Cleanup(srv.Close)

		e := New(Options{URL: srv.URL})
		e.OnResponse(t.Context(), stateFunc(binaryFlow))
		sent, dropped := e.Stats()
		assert.Equal(t, int64(1), sent)
		assert.Zero(t, dropped)
	})

	t.Run("unreachable_endpoint_drops", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		e := New(Options{URL: url, Timeout: time.Second})
		assert.NotPanics(t, func() {
			e.OnResponse(t.Context(), stateFunc(binaryFlow))
		})
		sent, dropped := e.Stats()
		assert.Zero(t, sent)
		assert.Equal(t, int64(1), dropped)
	})

	t.Run("panicking_state_drops", func(t *testing.T) {
		t.Parallel()

		e := New(Options{URL: "http://127.0.0.1:1/submit_flow"})
		assert.NotPanics(t, func() {
			e.OnResponse(t.Context(), stateFunc(func() codec.Value { panic(errors.New("boom")) }))
		})
		_, dropped := e.Stats()
		assert.Equal(t, int64(1), dropped)
	})

	t.Run("nil_flow_ignored", func(t *testing.T) {
		t.Parallel()

		e := New(Options{})
		e.OnResponse(t.Context(), nil)
		sent, dropped := e.Stats()
		assert.Zero(t, sent)
		assert.Zero(t, dropped)
	})
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	e := New(Options{})
	assert.Equal(t, "http://127.0.0.1:8124/submit_flow", e.URL())
	assert.Equal(t, 5*time.Second, e.timeout)
}
