package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"golang.org/x/net/http2"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/record"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
)

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns across all hosts. Zero means 100.
	MaxIdleConns int
	// MaxIdleConnsPerHost. Zero means 100.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout. Zero means 90s.
	IdleConnTimeout   time.Duration
	DisableKeepAlives bool
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout triggers a ping health check when no frame has
	// been received for this long.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes the connection if a ping is not answered.
	HTTP2PingTimeout time.Duration
}

// HTTPConfig configures the OTLP/HTTP transport.
type HTTPConfig struct {
	// Endpoint is a URL or host:port. A missing scheme is derived from
	// Insecure, a missing path from DefaultPath.
	Endpoint    string
	Insecure    bool
	Timeout     time.Duration
	DefaultPath string
	TLS         tlspkg.ClientConfig
	Auth        auth.ClientConfig
	Compression compression.Config
	Client      HTTPClientConfig
	// Streaming writes the request body through a pipe as it is encoded
	// instead of building it in memory first.
	Streaming bool
	// MaxResponseBytes bounds how much of a response body is read.
	MaxResponseBytes int64
}

const (
	defaultHTTPEndpoint     = "localhost:4318"
	defaultHTTPPath         = "/v1/traces"
	defaultMaxResponseBytes = 64 * 1024
)

// HTTPTransport posts ExportTraceServiceRequest bodies to an OTLP/HTTP
// collector.
type HTTPTransport struct {
	client      *http.Client
	endpoint    string
	timeout     time.Duration
	compression compression.Config
	streaming   bool
	maxResp     int64
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.Client.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.Client.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Client.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.Client.MaxConnsPerHost,
		IdleConnTimeout:       cfg.Client.IdleConnTimeout,
		DisableKeepAlives:     cfg.Client.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		tlsConfig, err := cfg.TLS.Client()
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig

		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.Client.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.Client.HTTP2ReadIdleTimeout
			}
			if cfg.Client.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.Client.HTTP2PingTimeout
			}
		}
	}

	var roundTripper http.RoundTripper = transport
	if !cfg.Auth.Empty() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultHTTPEndpoint
	}
	if !hasScheme(endpoint) {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	if !hasPath(endpoint) {
		path := cfg.DefaultPath
		if path == "" {
			path = defaultHTTPPath
		}
		endpoint = strings.TrimSuffix(endpoint, "/") + path
	}

	maxResp := cfg.MaxResponseBytes
	if maxResp <= 0 {
		maxResp = defaultMaxResponseBytes
	}

	return &HTTPTransport{
		client:      &http.Client{Transport: roundTripper},
		endpoint:    endpoint,
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
		streaming:   cfg.Streaming,
		maxResp:     maxResp,
	}, nil
}

// Endpoint returns the resolved collector URL.
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Send posts batch and classifies the response.
func (t *HTTPTransport) Send(ctx context.Context, h *Handle, batch *record.Batch) record.Outcome {
	start := time.Now()
	sendRequestsTotal.WithLabelValues(string(KindHTTP)).Inc()

	ctx, cancel := sendContext(ctx, h, t.timeout)
	defer cancel()

	compressionLabel := "none"
	if t.compression.Type != compression.TypeNone && t.compression.Type != "" {
		compressionLabel = string(t.compression.Type)
	}

	layout := layoutRequest(batch.Items)
	counter := &countingWriter{}

	var (
		body   io.Reader
		length int64 = -1
		// waitBody stops the streaming writer and waits for it to exit.
		waitBody = func() {}
	)
	if t.streaming {
		pr, pw := io.Pipe()
		counter.w = pw
		written := make(chan struct{})
		go func() {
			defer close(written)
			_ = pw.CloseWithError(t.writeBody(counter, layout))
		}()
		// The handle owns the pipe: releasing it unblocks the writer even if
		// the client never reads the body.
		if h != nil {
			h.OnClose(func() { _ = pr.CloseWithError(ErrHandleClosed) })
		}
		waitBody = func() {
			_ = pr.Close()
			<-written
		}
		defer waitBody()
		body = pr
	} else {
		var buf bytes.Buffer
		buf.Grow(layout.Size())
		counter.w = &buf
		if err := t.writeBody(counter, layout); err != nil {
			return finish(KindHTTP, start, &SendError{Err: fmt.Errorf("failed to encode request: %w", err), Type: ErrorTypeEncode})
		}
		body = &buf
		length = int64(buf.Len())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return finish(KindHTTP, start, &SendError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeEncode})
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "application/x-protobuf")
	if encoding := t.compression.Type.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return finish(KindHTTP, start, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, t.maxResp))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return finish(KindHTTP, start, &SendError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       classifyHTTPStatusCode(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		})
	}

	waitBody()
	sendBytesTotal.WithLabelValues(string(KindHTTP), compressionLabel).Add(float64(counter.n))
	checkPartialSuccess(respBody, batch)
	return finish(KindHTTP, start, nil)
}

func (t *HTTPTransport) writeBody(w io.Writer, layout *requestLayout) error {
	cw, err := compression.NewWriter(w, t.compression)
	if err != nil {
		return err
	}
	if _, err := layout.WriteTo(cw); err != nil {
		_ = cw.Close()
		return err
	}
	return cw.Close()
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// checkPartialSuccess logs and counts spans the collector accepted the
// request for but rejected. They are not retried.
func checkPartialSuccess(body []byte, batch *record.Batch) {
	if len(body) == 0 {
		return
	}
	var resp coltracepb.ExportTraceServiceResponse
	if err := proto.Unmarshal(body, &resp); err != nil {
		return
	}
	reportPartialSuccess(&resp, batch)
}

func reportPartialSuccess(resp *coltracepb.ExportTraceServiceResponse, batch *record.Batch) {
	ps := resp.GetPartialSuccess()
	if ps == nil || ps.GetRejectedSpans() <= 0 {
		return
	}
	rejectedSpansTotal.Add(float64(ps.GetRejectedSpans()))
	logging.Warn("collector rejected spans", logging.F(
		"batch_id", batch.ID,
		"rejected_spans", ps.GetRejectedSpans(),
		"batch_spans", batch.Len(),
		"error_message", ps.GetErrorMessage(),
	))
}

// sendContext derives the per-send context: bounded by timeout and cancelled
// together with the handle.
func sendContext(ctx context.Context, h *Handle, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(ctx)
	stop := func() bool { return false }
	if h != nil {
		hctx := h.Context()
		stop = context.AfterFunc(hctx, func() { cancelCause(context.Cause(hctx)) })
	}
	cancelTimeout := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {
		stop()
		cancelTimeout()
		cancelCause(nil)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func hasScheme(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// hasPath reports whether url (with scheme) carries a non-root path.
func hasPath(url string) bool {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	i := strings.IndexByte(rest, '/')
	return i >= 0 && i < len(rest)-1
}
