package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/szibis/trace-batcher/internal/auth"
	"github.com/szibis/trace-batcher/internal/compression"
	"github.com/szibis/trace-batcher/internal/record"
)

type traceServer struct {
	coltracepb.UnimplementedTraceServiceServer
	err      error
	resp     *coltracepb.ExportTraceServiceResponse
	spans    atomic.Int32
	apiKey   atomic.Value // string
	released chan struct{}
}

func (s *traceServer) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-api-key"); len(v) > 0 {
			s.apiKey.Store(v[0])
		}
	}
	if s.released != nil {
		select {
		case <-s.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, rs := range req.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			s.spans.Add(int32(len(ss.Spans)))
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func startTraceServer(t *testing.T, srv *traceServer, mod func(*GRPCConfig)) *GRPCTransport {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(s, srv)
	go func() { _ = s.Serve(lis) }()

	cfg := GRPCConfig{
		Endpoint: "passthrough:///bufnet",
		Insecure: true,
		Timeout:  5 * time.Second,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	}
	if mod != nil {
		mod(&cfg)
	}
	tr, err := NewGRPC(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
		s.Stop()
	})
	return tr
}

func TestGRPCSendSuccess(t *testing.T) {
	srv := &traceServer{}
	tr := startTraceServer(t, srv, func(cfg *GRPCConfig) {
		cfg.Compression = compression.TypeGzip
		cfg.Auth = auth.ClientConfig{APIKey: "k1"}
	})

	o := tr.Send(context.Background(), nil, testBatch(t, 7))
	if o.Kind != record.Success {
		t.Fatalf("outcome = %v (%v)", o.Kind, o.Err)
	}
	if srv.spans.Load() != 7 {
		t.Fatalf("server saw %d spans, want 7", srv.spans.Load())
	}
	if got, _ := srv.apiKey.Load().(string); got != "k1" {
		t.Fatalf("api key = %q", got)
	}
}

func TestGRPCStatusClassification(t *testing.T) {
	retry, _ := status.New(codes.ResourceExhausted, "slow down").
		WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(3 * time.Second)})

	tests := []struct {
		name       string
		err        error
		kind       record.OutcomeKind
		oversized  bool
		retryAfter time.Duration
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), record.Retryable, false, 0},
		{"retry info", retry.Err(), record.Retryable, false, 3 * time.Second},
		{"too large", status.Error(codes.ResourceExhausted, "grpc: received message larger than max (10 vs. 5)"), record.Retryable, true, 0},
		{"invalid", status.Error(codes.InvalidArgument, "bad"), record.Fatal, false, 0},
		{"auth", status.Error(codes.Unauthenticated, "who"), record.Fatal, false, 0},
		{"internal", status.Error(codes.Internal, "oops"), record.Retryable, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := startTraceServer(t, &traceServer{err: tt.err}, nil)
			o := tr.Send(context.Background(), nil, testBatch(t, 1))
			if o.Kind != tt.kind || o.Oversized != tt.oversized || o.RetryAfter != tt.retryAfter {
				t.Fatalf("outcome = %+v", o)
			}
		})
	}
}

func TestGRPCPartialSuccess(t *testing.T) {
	srv := &traceServer{resp: &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{RejectedSpans: 1},
	}}
	tr := startTraceServer(t, srv, nil)

	before := counterValue(rejectedSpansTotal)
	if o := tr.Send(context.Background(), nil, testBatch(t, 2)); o.Kind != record.Success {
		t.Fatal(o.Err)
	}
	if got := counterValue(rejectedSpansTotal) - before; got != 1 {
		t.Fatalf("rejected spans += %v", got)
	}
}

func TestGRPCCancelViaHandle(t *testing.T) {
	srv := &traceServer{released: make(chan struct{})}
	defer close(srv.released)
	tr := startTraceServer(t, srv, nil)

	h := NewHandle(context.Background(), "b")
	_ = h.Claim(1)
	done := make(chan record.Outcome, 1)
	go func() { done <- tr.Send(h.Context(), h, testBatch(t, 1)) }()

	time.Sleep(50 * time.Millisecond)
	_ = h.Cancel(1, nil)
	select {
	case o := <-done:
		if o.Kind != record.Retryable {
			t.Fatalf("outcome = %v", o.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}
}

func TestGRPCUnsupportedCompression(t *testing.T) {
	if _, err := NewGRPC(GRPCConfig{Insecure: true, Compression: compression.TypeZstd}); err == nil {
		t.Fatal("expected error for zstd over gRPC")
	}
}
