package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/record"
	tlspkg "github.com/szibis/trace-batcher/internal/tls"
)

// GRPCConfig configures the OTLP/gRPC transport.
type GRPCConfig struct {
	// Endpoint is host:port.
	Endpoint string
	Insecure bool
	Timeout  time.Duration
	TLS      tlspkg.ClientConfig
	Auth     auth.ClientConfig
	// Compression supports none and gzip.
	Compression compression.Type
	// MaxSendMessageBytes caps the encoded request; zero keeps the gRPC default.
	MaxSendMessageBytes int
	// DialOptions are appended after the ones derived from the fields above.
	DialOptions []grpc.DialOption
}

// GRPCTransport exports batches through TraceService/Export.
type GRPCTransport struct {
	conn     *grpc.ClientConn
	client   coltracepb.TraceServiceClient
	timeout  time.Duration
	callOpts []grpc.CallOption
	label    string
}

// NewGRPC creates a gRPC transport. The connection is established lazily.
func NewGRPC(cfg GRPCConfig) (*GRPCTransport, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := cfg.TLS.Client()
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	if !cfg.Auth.Empty() {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.PerRPCCredentials(cfg.Auth, !cfg.Insecure)))
	}

	opts = append(opts, cfg.DialOptions...)

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		conn:    conn,
		client:  coltracepb.NewTraceServiceClient(conn),
		timeout: cfg.Timeout,
		label:   "none",
	}
	switch cfg.Compression {
	case compression.TypeNone, "":
	case compression.TypeGzip:
		t.callOpts = append(t.callOpts, grpc.UseCompressor(gzip.Name))
		t.label = string(compression.TypeGzip)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unsupported grpc compression: %s", cfg.Compression)
	}
	if cfg.MaxSendMessageBytes > 0 {
		t.callOpts = append(t.callOpts, grpc.MaxCallSendMsgSize(cfg.MaxSendMessageBytes))
	}
	return t, nil
}

// Send exports batch and classifies the status.
func (t *GRPCTransport) Send(ctx context.Context, h *Handle, batch *record.Batch) record.Outcome {
	start := time.Now()
	sendRequestsTotal.WithLabelValues(string(KindGRPC)).Inc()

	ctx, cancel := sendContext(ctx, h, t.timeout)
	defer cancel()

	body := EncodeRequest(batch.Items)
	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return finish(KindGRPC, start, &SendError{Err: fmt.Errorf("failed to decode request: %w", err), Type: ErrorTypeEncode})
	}

	resp, err := t.client.Export(ctx, req, t.callOpts...)
	if err != nil {
		return finish(KindGRPC, start, grpcSendError(err))
	}

	// gRPC compresses at the transport layer; this is the uncompressed size.
	sendBytesTotal.WithLabelValues(string(KindGRPC), t.label).Add(float64(len(body)))
	reportPartialSuccess(resp, batch)
	return finish(KindGRPC, start, nil)
}

// Close closes the client connection.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

// grpcSendError converts a gRPC status into a SendError.
func grpcSendError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	se := &SendError{Err: err, Type: classifyGRPCCode(st), Message: st.Message()}
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			se.RetryAfter = ri.GetRetryDelay().AsDuration()
		}
	}
	return se
}

func classifyGRPCCode(st *status.Status) ErrorType {
	switch st.Code() {
	case codes.DeadlineExceeded:
		return ErrorTypeTimeout
	case codes.Canceled:
		return ErrorTypeCanceled
	case codes.Unavailable:
		return ErrorTypeNetwork
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrorTypeAuth
	case codes.ResourceExhausted:
		if strings.Contains(strings.ToLower(st.Message()), "larger than max") {
			return ErrorTypeTooLarge
		}
		return ErrorTypeRateLimit
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return ErrorTypeClientError
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Aborted:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}
