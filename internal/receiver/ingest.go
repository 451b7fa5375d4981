// Package receiver accepts OTLP trace exports and hands each span to the
// engine as one record.
package receiver

import (
	"context"
	"errors"
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/record"
)

// Sink accepts records. *engine.Engine implements it.
type Sink interface {
	Enqueue(ctx context.Context, rec record.Record) error
}

var (
	// ErrOverloaded means no span of the request was accepted because the
	// queue is full. Clients should retry.
	ErrOverloaded = errors.New("queue full")
	// ErrUnavailable means the engine no longer accepts records.
	ErrUnavailable = errors.New("engine closed")
)

// result counts what happened to the spans of one request.
type result struct {
	accepted int
	rejected int
	// lastErr is the last rejection cause.
	lastErr error
}

// ingest enqueues every span of req. It stops early only when the engine is
// closed, since every later span would be rejected the same way.
func ingest(ctx context.Context, sink Sink, req *coltracepb.ExportTraceServiceRequest) (result, error) {
	var res result
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				rec, err := record.FromSpan(rs.GetResource(), ss.GetScope(), span)
				if err != nil {
					receiverErrorsTotal.WithLabelValues("encode").Inc()
					res.rejected++
					res.lastErr = err
					continue
				}
				err = sink.Enqueue(ctx, rec)
				switch {
				case err == nil:
					res.accepted++
				case errors.Is(err, buffer.ErrClosed):
					res.rejected += countSpans(req) - res.accepted - res.rejected
					res.lastErr = err
					receiverSpansTotal.WithLabelValues("accepted").Add(float64(res.accepted))
					receiverSpansTotal.WithLabelValues("rejected").Add(float64(res.rejected))
					return res, ErrUnavailable
				default:
					res.rejected++
					res.lastErr = err
				}
			}
		}
	}
	receiverSpansTotal.WithLabelValues("accepted").Add(float64(res.accepted))
	receiverSpansTotal.WithLabelValues("rejected").Add(float64(res.rejected))

	if res.accepted == 0 && res.rejected > 0 && errors.Is(res.lastErr, buffer.ErrQueueFull) {
		return res, ErrOverloaded
	}
	return res, nil
}

// response builds the export response, reporting rejections as a partial
// success.
func (r result) response() *coltracepb.ExportTraceServiceResponse {
	resp := &coltracepb.ExportTraceServiceResponse{}
	if r.rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: int64(r.rejected),
			ErrorMessage:  fmt.Sprintf("%d spans rejected: %v", r.rejected, r.lastErr),
		}
	}
	return resp
}

func countSpans(req *coltracepb.ExportTraceServiceRequest) int {
	n := 0
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}
