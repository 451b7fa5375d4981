// Package record defines the immutable units the engine buffers and ships:
// Records, the Items wrapping them with a delivery-attempt count, Batches of
// Items and the Outcome a transport reports for a Batch.
package record

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/trace-batcher/internal/intern"
)

// dottedOrderLayout sorts lexically in start-time order.
const dottedOrderLayout = "20060102T150405.000000Z"

// Record is one telemetry record. It is never mutated after creation.
type Record struct {
	// ID uniquely identifies the record (hex span ID or a UUID).
	ID string
	// TraceID groups records of one trace; used as partition key.
	TraceID string
	// DottedOrder is the ordering key: start timestamp followed by ID.
	DottedOrder string
	// Payload is the proto-encoded trace.v1.Span.
	Payload []byte
	// Resource and Scope are the encoded resource.v1.Resource and
	// common.v1.InstrumentationScope the span was reported under. Both are
	// interned and shared across records.
	Resource string
	Scope    string
	// Size is the buffer accounting size: the payload length.
	Size int64
	// CreatedAt is when the record entered the process.
	CreatedAt time.Time
}

// New builds a Record around an opaque payload.
func New(traceID string, payload []byte) Record {
	now := time.Now()
	id := uuid.NewString()
	return Record{
		ID:          id,
		TraceID:     traceID,
		DottedOrder: now.UTC().Format(dottedOrderLayout) + id,
		Payload:     payload,
		Size:        int64(len(payload)),
		CreatedAt:   now,
	}
}

// FromSpan encodes span into a Record. resource and scope may be nil.
func FromSpan(resource *resourcepb.Resource, scope *commonpb.InstrumentationScope, span *tracepb.Span) (Record, error) {
	payload, err := proto.Marshal(span)
	if err != nil {
		return Record{}, fmt.Errorf("marshal span: %w", err)
	}
	res, err := encodeShared(resource)
	if err != nil {
		return Record{}, fmt.Errorf("marshal resource: %w", err)
	}
	sc, err := encodeShared(scope)
	if err != nil {
		return Record{}, fmt.Errorf("marshal scope: %w", err)
	}

	id := hex.EncodeToString(span.GetSpanId())
	if len(span.GetSpanId()) == 0 {
		id = uuid.NewString()
	}
	start := time.Now()
	if ts := span.GetStartTimeUnixNano(); ts > 0 {
		start = time.Unix(0, int64(ts))
	}
	return Record{
		ID:          id,
		TraceID:     hex.EncodeToString(span.GetTraceId()),
		DottedOrder: start.UTC().Format(dottedOrderLayout) + id,
		Payload:     payload,
		Resource:    res,
		Scope:       sc,
		Size:        int64(len(payload)),
		CreatedAt:   time.Now(),
	}, nil
}

func encodeShared(m proto.Message) (string, error) {
	if m == nil || !m.ProtoReflect().IsValid() {
		return "", nil
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return "", err
	}
	return intern.Resources.InternBytes(b), nil
}

// Item is a buffered Record together with its delivery-attempt count.
type Item struct {
	Record   Record
	Attempts int
}

// Batch is an ordered group of Items for a single send attempt.
type Batch struct {
	ID    string
	Items []Item
	Bytes int64
}

// Len returns the number of items in the batch.
func (b *Batch) Len() int { return len(b.Items) }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewBatch wraps items in a Batch with a fresh, monotonically sortable ID.
func NewBatch(items []Item) *Batch {
	var bytes int64
	for i := range items {
		bytes += items[i].Record.Size
	}
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), entropy)
	entropyMu.Unlock()
	return &Batch{ID: id.String(), Items: items, Bytes: bytes}
}
