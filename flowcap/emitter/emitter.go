// Package emitter forwards captured flows from the proxy process to the
// flowcap ingestion endpoint.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/protocol"
	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	maxResponseBytes        = 64 << 10
)

// ErrCircuitOpen is returned by Send while the ingestion endpoint is considered down.
var ErrCircuitOpen = errors.New("ingestion endpoint unavailable (circuit open)")

// StateProvider is implemented by the proxy's flow object. State returns the
// complete flow record; binary content may be carried as codec.Bytes leaves.
type StateProvider interface {
	State() codec.Value
}

// StatusError reports a non-2xx answer from the ingestion endpoint.
type StatusError struct {
	StatusCode int
	Response   protocol.SubmitResponse
}

func (e *StatusError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("ingestion endpoint returned %d: %s", e.StatusCode, e.Response.Error)
	}
	return fmt.Sprintf("ingestion endpoint returned %d", e.StatusCode)
}

// Options configures an Emitter.
type Options struct {
	URL     string        // default: http://127.0.0.1:8124/submit_flow
	Timeout time.Duration // per-submission bound, default 5s

	// FailureThreshold consecutive failures open the circuit for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration

	Client *http.Client
}

// Emitter posts flow records to the ingestion endpoint. It is safe for
// concurrent use by the proxy's response hooks.
type Emitter struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates an Emitter, applying defaults for zero options.
func New(opts Options) *Emitter {
	if opts.URL == "" {
		opts.URL = "http://" + config.DefaultIngestAddr + config.DefaultSubmitPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultEmitTimeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	threshold := opts.FailureThreshold
	return &Emitter{
		url:     opts.URL,
		timeout: opts.Timeout,
		client:  opts.Client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "flowcap-ingest",
			Timeout: opts.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsSuccessful: endpointAvailable,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("emitter: circuit %s -> %s", from, to)
			},
		}),
	}
}

// URL returns the submission URL.
func (e *Emitter) URL() string { return e.url }

// Stats returns the number of flows delivered and dropped so far.
func (e *Emitter) Stats() (sent, dropped int64) {
	return e.sent.Load(), e.dropped.Load()
}

// OnResponse snapshots a completed flow and submits it. Failures are logged
// and the flow is dropped; the proxy is never blocked past the timeout.
func (e *Emitter) OnResponse(ctx context.Context, flow StateProvider) {
	defer func() {
		if r := recover(); r != nil {
			e.dropped.Add(1)
			log.Printf("emitter: dropped flow after panic: %v", r)
		}
	}()

	if flow == nil {
		return
	}
	resp, err := e.Send(ctx, flow.State())
	if err != nil {
		e.dropped.Add(1)
		log.Printf("emitter: failed to send flow: %v", err)
		return
	}
	e.sent.Add(1)
	log.Printf("emitter: flow stored as %s", resp.Filename)
}

// Send encodes rec for transport and posts it, returning the endpoint's answer.
func (e *Emitter) Send(ctx context.Context, rec codec.Value) (protocol.SubmitResponse, error) {
	body, err := codec.Marshal(codec.Encode(rec))
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("encode flow: %w", err)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return protocol.SubmitResponse{}, ErrCircuitOpen
	} else if err != nil {
		return protocol.SubmitResponse{}, err
	}
	return result.(protocol.SubmitResponse), nil
}

// endpointAvailable reports whether err leaves the ingestion endpoint healthy
// for circuit breaking. A flow the endpoint answered and rejected is a
// per-flow failure; only transport errors and gateway statuses count against
// the circuit.
func endpointAvailable(err error) bool {
	var statusErr *StatusError
	if err == nil {
		return true
	} else if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return false
	default:
		return true
	}
}

func (e *Emitter) post(ctx context.Context, body []byte) (protocol.SubmitResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("post %s: %w", e.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return protocol.SubmitResponse{}, fmt.Errorf("read response: %w", err)
	}

	var out protocol.SubmitResponse
	if len(data) > 0 {
		// non-JSON bodies are reported through the status code alone
		_ = json.Unmarshal(data, &out)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{StatusCode: resp.StatusCode, Response: out}
	}
	return out, nil
}
