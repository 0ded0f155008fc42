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
	"time"

	"golang.org/x/net/netutil"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/protocol"
	"github.com/go-appsec/flowcap/flowcap/service/codec"
	"github.com/go-appsec/flowcap/flowcap/service/store"
)

const ingestReadTimeout = 30 * time.Second

// ingestServer accepts flow submissions from the proxy-side emitter and
// persists them. Each request is handled independently on its own goroutine.
type ingestServer struct {
	flows        *store.FlowDir
	maxBodyBytes int64
	httpServer   *http.Server
	listener     net.Listener
}

func newIngestServer(flows *store.FlowDir, maxBodyBytes int64) *ingestServer {
	if maxBodyBytes <= 0 {
		maxBodyBytes = config.IngestLimitFor(config.DefaultMaxBodyBytes)
	}
	return &ingestServer{flows: flows, maxBodyBytes: maxBodyBytes}
}

func (i *ingestServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(config.DefaultSubmitPath, i.handleSubmit)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, protocol.SubmitResponse{Error: "not found"})
	})
	return mux
}

// Start binds addr and serves in the background. maxConns bounds concurrent
// connections; 0 means unbounded.
func (i *ingestServer) Start(addr string, maxConns int) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}
	i.listener = listener

	i.httpServer = &http.Server{
		Handler:           i.handler(),
		ReadHeaderTimeout: ingestReadTimeout,
		ReadTimeout:       ingestReadTimeout,
	}

	go func() {
		if err := i.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ingest: server error: %v", err)
		}
	}()

	return nil
}

func (i *ingestServer) Addr() string {
	if i.listener != nil {
		return i.listener.Addr().String()
	}
	return ""
}

func (i *ingestServer) Close(ctx context.Context) error {
	if i.httpServer == nil {
		return nil
	}
	return i.httpServer.Shutdown(ctx)
}

func (i *ingestServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, protocol.SubmitResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.maxBodyBytes))
	if err != nil {
		log.Printf("ingest: failed to read submission: %v", err)
		writeJSON(w, http.StatusInternalServerError, protocol.SubmitResponse{Error: "read body: " + err.Error()})
		return
	}

	rec, err := codec.Parse(body)
	if err != nil {
		log.Printf("ingest: rejected malformed submission: %v", err)
		writeJSON(w, http.StatusInternalServerError, protocol.SubmitResponse{Error: "invalid JSON: " + err.Error()})
		return
	} else if rec.Kind() != codec.KindObject {
		writeJSON(w, http.StatusInternalServerError, protocol.SubmitResponse{Error: "flow record must be a JSON object, got " + rec.Kind().String()})
		return
	}

	filename, err := i.flows.Put(rec)
	if err != nil {
		log.Printf("ingest: %v", err)
		writeJSON(w, http.StatusInternalServerError, protocol.SubmitResponse{
			Status: protocol.SubmitStatusError,
			Error:  err.Error(),
		})
		return
	}

	log.Printf("ingest: stored %s", filename)
	writeJSON(w, http.StatusOK, protocol.SubmitResponse{
		Status:   protocol.SubmitStatusOK,
		Filename: filename,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ingest: failed to write response: %v", err)
	}
}
