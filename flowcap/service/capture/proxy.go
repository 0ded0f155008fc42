// Package capture hosts an intercepting HTTP(S) proxy that snapshots every
// completed exchange and hands it to a Sink.
package capture

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/emitter"
)

// Sink receives completed flows. *emitter.Emitter implements it.
type Sink interface {
	OnResponse(ctx context.Context, flow emitter.StateProvider)
}

// Options configures a Proxy.
type Options struct {
	Sink         Sink
	MaxBodyBytes int64            // per body capture limit, default config.DefaultMaxBodyBytes
	CA           *tls.Certificate // MITM signing CA, default goproxy's built-in CA
	Verbose      bool

	// Transport overrides the upstream round tripper.
	Transport *http.Transport
}

// Proxy is a MITM proxy that emits one flow per completed exchange.
type Proxy struct {
	sink         Sink
	maxBodyBytes int64
	proxy        *goproxy.ProxyHttpServer

	httpServer *http.Server
	listener   net.Listener

	// hijacked MITM tunnels outlive httpServer.Close; no hand-off after closed
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// pending is carried in goproxy's per-exchange UserData between hooks.
type pending struct {
	flow *Flow
}

// New builds the proxy. Nothing is bound until Start.
func New(opts Options) (*Proxy, error) {
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = config.DefaultMaxBodyBytes
	}

	p := &Proxy{
		sink:         opts.Sink,
		maxBodyBytes: opts.MaxBodyBytes,
		proxy:        goproxy.NewProxyHttpServer(),
	}
	p.proxy.Verbose = opts.Verbose
	if opts.Transport != nil {
		p.proxy.Tr = opts.Transport
	}

	if opts.CA != nil {
		mitm := &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(opts.CA),
		}
		p.proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return mitm, host
		})
	} else {
		p.proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}
	p.proxy.OnRequest().DoFunc(p.onRequest)
	p.proxy.OnResponse().DoFunc(p.onResponse)

	return p, nil
}

// Handler returns the proxy as an http.Handler.
func (p *Proxy) Handler() http.Handler { return p.proxy }

// Start binds addr and serves in the background.
func (p *Proxy) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	p.listener = listener
	p.httpServer = &http.Server{
		Handler:           p.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("capture: proxy server error: %v", err)
		}
	}()
	return nil
}

func (p *Proxy) Addr() string {
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return ""
}

// Close stops accepting exchanges and waits for in-flight flows to be handed
// to the sink.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var err error
	if p.httpServer != nil {
		shortCtx, cancel := context.WithTimeout(ctx, time.Second)
		err = p.httpServer.Shutdown(shortCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			// tunnelled CONNECT sessions are hijacked and never go idle
			err = p.httpServer.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (p *Proxy) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	start := time.Now()
	body, rest, truncated, err := captureBody(req.Body, p.maxBodyBytes)
	if err != nil {
		log.Printf("capture: failed to read request body for %s: %v", req.URL, err)
	}
	if req.Body != nil {
		req.Body = rest
	}

	flow := newFlow(req, body, start)
	flow.Truncated = truncated
	if !truncated {
		var over bool
		flow.Request.Content, over = p.decodeBody(body, req.Header.Get("Content-Encoding"))
		flow.Truncated = over
	}
	ctx.UserData = &pending{flow: flow}
	return req, nil
}

func (p *Proxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	pend, ok := ctx.UserData.(*pending)
	if !ok {
		return resp
	}
	ctx.UserData = nil
	if resp == nil {
		if ctx.Error != nil {
			log.Printf("capture: no response for %s: %v", pend.flow.Request.URL, ctx.Error)
		}
		return resp
	}

	body, rest, truncated, err := captureBody(resp.Body, p.maxBodyBytes)
	if err != nil {
		log.Printf("capture: failed to read response body for %s: %v", pend.flow.Request.URL, err)
	}
	if resp.Body != nil {
		resp.Body = rest
	}

	flow := pend.flow
	flow.Response = newResponse(resp, body, time.Now())
	if truncated {
		flow.Truncated = true
	} else {
		var over bool
		flow.Response.Content, over = p.decodeBody(body, resp.Header.Get("Content-Encoding"))
		flow.Truncated = flow.Truncated || over
	}

	p.handOff(flow)
	return resp
}

// handOff passes flow to the sink asynchronously unless Close has started.
func (p *Proxy) handOff(flow *Flow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		log.Printf("capture: proxy closing, dropped flow for %s", flow.Request.URL)
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.sink.OnResponse(context.Background(), flow)
	}()
}

// captureBody reads up to limit bytes for the snapshot and returns a reader
// that replays the full body for forwarding.
func captureBody(body io.ReadCloser, limit int64) ([]byte, io.ReadCloser, bool, error) {
	if body == nil || body == http.NoBody {
		return nil, body, false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return buf, readCloser{io.MultiReader(bytes.NewReader(buf), body), body}, false, err
	}
	if int64(len(buf)) > limit {
		return buf[:limit], readCloser{io.MultiReader(bytes.NewReader(buf), body), body}, true, nil
	}
	_ = body.Close()
	return buf, io.NopCloser(bytes.NewReader(buf)), false, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// decodeBody decompresses a captured body for the snapshot. Output larger
// than the capture limit is not kept; the raw bytes are returned with true.
func (p *Proxy) decodeBody(body []byte, encoding string) ([]byte, bool) {
	if encoding == "" {
		return body, false
	}
	out, _, over := Decompress(body, encoding, p.maxBodyBytes)
	return out, over
}

// LoadCA reads a PEM certificate and key pair for MITM signing.
func LoadCA(certFile, keyFile string) (*tls.Certificate, error) {
	ca, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}
	if ca.Leaf == nil {
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			return nil, fmt.Errorf("parse CA certificate: %w", err)
		}
	}
	if !ca.Leaf.IsCA {
		return nil, fmt.Errorf("certificate %s is not a CA", certFile)
	}
	return &ca, nil
}
