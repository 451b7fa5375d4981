package receiver

import (
	"context"
	"errors"
	"io"
	"net"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/status"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/logging"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
)

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}

// zstdCompressor lets OTLP/gRPC clients send zstd-compressed exports.
type zstdCompressor struct{}

func (zstdCompressor) Name() string { return string(compression.TypeZstd) }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return compression.NewWriter(w, compression.Config{Type: compression.TypeZstd})
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	rc, err := compression.NewReader(r, compression.TypeZstd)
	if err != nil {
		return nil, err
	}
	return &closeOnEOF{ReadCloser: rc}, nil
}

// closeOnEOF releases the decoder once gRPC has read the whole message,
// since gRPC never closes the reader it is handed.
type closeOnEOF struct {
	io.ReadCloser
	closed bool
}

func (c *closeOnEOF) Read(p []byte) (int, error) {
	if c.closed {
		return 0, io.EOF
	}
	n, err := c.ReadCloser.Read(p)
	if err != nil {
		_ = c.ReadCloser.Close()
		c.closed = true
	}
	return n, err
}

const defaultMaxRecvMsgSize = 64 * 1024 * 1024

// GRPCConfig holds the gRPC receiver configuration.
type GRPCConfig struct {
	// Addr is the listen address.
	Addr string
	// MaxRecvMsgSize bounds a decoded export request (default 64MiB).
	MaxRecvMsgSize int
	TLS            tlspkg.ServerConfig
	Auth           auth.ServerConfig
}

// GRPCReceiver receives traces via OTLP/gRPC.
type GRPCReceiver struct {
	coltracepb.UnimplementedTraceServiceServer
	server *grpc.Server
	sink   Sink
	addr   string
}

// NewGRPC creates a gRPC receiver that enqueues into sink.
func NewGRPC(cfg GRPCConfig, sink Sink) (*GRPCReceiver, error) {
	maxMsgSize := cfg.MaxRecvMsgSize
	if maxMsgSize <= 0 {
		maxMsgSize = defaultMaxRecvMsgSize
	}
	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(maxMsgSize)}

	if cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.Server()
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor(cfg.Auth)))
	}

	r := &GRPCReceiver{
		server: grpc.NewServer(opts...),
		sink:   sink,
		addr:   cfg.Addr,
	}
	coltracepb.RegisterTraceServiceServer(r.server, r)
	return r, nil
}

// Export implements the OTLP TraceService Export method.
func (r *GRPCReceiver) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	receiverRequestsTotal.WithLabelValues("grpc").Inc()

	res, err := ingest(ctx, r.sink, req)
	switch {
	case errors.Is(err, ErrOverloaded):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrUnavailable):
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return res.response(), nil
}

// Serve accepts connections on lis until Stop.
func (r *GRPCReceiver) Serve(lis net.Listener) error {
	logging.Info("gRPC receiver started", logging.F("addr", lis.Addr().String()))
	return r.server.Serve(lis)
}

// Start listens on the configured address and serves until Stop.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	return r.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (r *GRPCReceiver) Stop() {
	r.server.GracefulStop()
}
