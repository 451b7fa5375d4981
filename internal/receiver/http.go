package receiver

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/logging"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"

	defaultHTTPAddr           = ":4318"
	defaultTracesPath         = "/v1/traces"
	defaultMaxRequestBodySize = 16 * 1024 * 1024
	// overloadRetryAfter is sent with 429 and 503 responses.
	overloadRetryAfter = "1"
)

// HTTPConfig holds the OTLP/HTTP receiver configuration.
type HTTPConfig struct {
	Addr string
	// Path defaults to /v1/traces.
	Path string
	// MaxRequestBodySize bounds both the wire body and the decompressed
	// request.
	MaxRequestBodySize int64
	TLS                tlspkg.ServerConfig
	Auth               auth.ServerConfig
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

// HTTPReceiver receives traces via OTLP/HTTP.
type HTTPReceiver struct {
	server  *http.Server
	sink    Sink
	maxBody int64
	path    string
	tls     bool
}

// NewHTTP creates an HTTP receiver that enqueues into sink.
func NewHTTP(cfg HTTPConfig, sink Sink) (*HTTPReceiver, error) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.Path == "" {
		cfg.Path = defaultTracesPath
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	r := &HTTPReceiver{
		sink:    sink,
		maxBody: cfg.MaxRequestBodySize,
		path:    cfg.Path,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, auth.HTTPMiddleware(cfg.Auth, http.HandlerFunc(r.handleTraces)))

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.Server()
		if err != nil {
			return nil, err
		}
		r.server.TLSConfig = tlsConfig
		r.tls = true
	}
	return r, nil
}

// Handler returns the receiver's HTTP handler.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}

// handleTraces decodes one export request and enqueues its spans.
func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("http").Inc()

	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || (mediaType != contentTypeProtobuf && mediaType != contentTypeJSON) {
		http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	encoding, err := compression.ParseContentEncoding(req.Header.Get("Content-Encoding"))
	if err != nil {
		receiverErrorsTotal.WithLabelValues("decompress").Inc()
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	defer req.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			receiverErrorsTotal.WithLabelValues("too_large").Inc()
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		receiverErrorsTotal.WithLabelValues("read").Inc()
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	body, err = compression.Decompress(body, encoding, r.maxBody)
	if err != nil {
		if errors.Is(err, compression.ErrTooLarge) {
			receiverErrorsTotal.WithLabelValues("too_large").Inc()
			http.Error(w, "Decompressed body too large", http.StatusRequestEntityTooLarge)
			return
		}
		receiverErrorsTotal.WithLabelValues("decompress").Inc()
		http.Error(w, "Failed to decompress body", http.StatusBadRequest)
		return
	}

	var exportReq coltracepb.ExportTraceServiceRequest
	if mediaType == contentTypeJSON {
		err = protojson.Unmarshal(body, &exportReq)
	} else {
		err = proto.Unmarshal(body, &exportReq)
	}
	if err != nil {
		receiverErrorsTotal.WithLabelValues("decode").Inc()
		http.Error(w, "Failed to decode request", http.StatusBadRequest)
		return
	}

	res, err := ingest(req.Context(), r.sink, &exportReq)
	switch {
	case errors.Is(err, ErrOverloaded):
		w.Header().Set("Retry-After", overloadRetryAfter)
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", overloadRetryAfter)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var respBytes []byte
	if mediaType == contentTypeJSON {
		respBytes, err = protojson.Marshal(res.response())
	} else {
		respBytes, err = proto.Marshal(res.response())
	}
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBytes)
}

// Serve accepts connections on lis until Stop. It returns nil after a
// graceful stop.
func (r *HTTPReceiver) Serve(lis net.Listener) error {
	logging.Info("HTTP receiver started", logging.F("addr", lis.Addr().String(), "path", r.path, "tls", r.tls))
	var err error
	if r.tls {
		err = r.server.ServeTLS(lis, "", "")
	} else {
		err = r.server.Serve(lis)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on the configured address and serves until Stop.
func (r *HTTPReceiver) Start() error {
	lis, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return err
	}
	return r.Serve(lis)
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
