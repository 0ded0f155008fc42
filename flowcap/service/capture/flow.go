package capture

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

// Header is one header line, kept as a pair so repeated names survive.
type Header struct {
	Name  string
	Value string
}

// Request is the captured client side of an exchange.
type Request struct {
	Method      string
	Scheme      string
	Host        string
	Port        int
	Path        string // path plus query, as sent on the request line
	URL         string
	HTTPVersion string
	Headers     []Header
	Content     []byte
	Start       time.Time
}

// Response is the captured server side of an exchange.
type Response struct {
	StatusCode  int
	Reason      string
	HTTPVersion string
	Headers     []Header
	Content     []byte
	End         time.Time
}

// Flow is a completed request/response exchange.
type Flow struct {
	ID        string
	Request   Request
	Response  *Response
	Truncated bool // a body exceeded the capture limit
}

func newFlow(req *http.Request, body []byte, start time.Time) *Flow {
	u := req.URL
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
		if req.TLS != nil {
			scheme = "https"
		}
	}
	host := u.Hostname()
	if host == "" {
		host = req.Host
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
	}

	return &Flow{
		ID: uuid.NewString(),
		Request: Request{
			Method:      req.Method,
			Scheme:      scheme,
			Host:        host,
			Port:        urlPort(u.Port(), scheme),
			Path:        u.RequestURI(),
			URL:         u.String(),
			HTTPVersion: req.Proto,
			Headers:     headerPairs(req.Header),
			Content:     body,
			Start:       start,
		},
	}
}

func newResponse(resp *http.Response, body []byte, end time.Time) *Response {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if reason == resp.Status || reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Reason:      reason,
		HTTPVersion: resp.Proto,
		Headers:     headerPairs(resp.Header),
		Content:     body,
		End:         end,
	}
}

func urlPort(port, scheme string) int {
	if p, err := strconv.Atoi(port); err == nil {
		return p
	} else if scheme == "https" {
		return 443
	}
	return 80
}

// headerPairs flattens h in canonical name order, keeping value order per name.
func headerPairs(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			pairs = append(pairs, Header{Name: name, Value: v})
		}
	}
	return pairs
}

// State returns the flow record submitted to the ingestion endpoint. Bodies
// are binary leaves; the emitter base64 encodes them for transport.
func (f *Flow) State() codec.Value {
	rec := codec.Object(
		codec.Field("id", codec.String(f.ID)),
		codec.Field("type", codec.String("http")),
		codec.Field("request", f.Request.state()),
	)
	if f.Response != nil {
		rec = rec.Set("response", f.Response.state())
	}
	return rec.Set("truncated", codec.Bool(f.Truncated))
}

func (r Request) state() codec.Value {
	return codec.Object(
		codec.Field("method", codec.String(r.Method)),
		codec.Field("scheme", codec.String(r.Scheme)),
		codec.Field("host", codec.String(r.Host)),
		codec.Field("port", codec.Int(int64(r.Port))),
		codec.Field("path", codec.String(r.Path)),
		codec.Field("url", codec.String(r.URL)),
		codec.Field("http_version", codec.String(r.HTTPVersion)),
		codec.Field("headers", headersState(r.Headers)),
		codec.Field("content", codec.Bytes(r.Content)),
		codec.Field("timestamp_start", timestamp(r.Start)),
	)
}

func (r *Response) state() codec.Value {
	return codec.Object(
		codec.Field("status_code", codec.Int(int64(r.StatusCode))),
		codec.Field("reason", codec.String(r.Reason)),
		codec.Field("http_version", codec.String(r.HTTPVersion)),
		codec.Field("headers", headersState(r.Headers)),
		codec.Field("content", codec.Bytes(r.Content)),
		codec.Field("timestamp_end", timestamp(r.End)),
	)
}

func headersState(headers []Header) codec.Value {
	items := make([]codec.Value, len(headers))
	for i, h := range headers {
		items[i] = codec.Array(codec.String(h.Name), codec.String(h.Value))
	}
	return codec.Array(items...)
}

func timestamp(t time.Time) codec.Value {
	if t.IsZero() {
		return codec.Null()
	}
	return codec.Float(float64(t.UnixNano()) / 1e9)
}
