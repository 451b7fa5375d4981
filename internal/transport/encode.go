package transport

import (
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/szibis/trace-batcher/internal/record"
)

// Field numbers of the OTLP trace messages assembled below.
const (
	fieldRequestResourceSpans protowire.Number = 1 // ExportTraceServiceRequest.resource_spans
	fieldResourceSpansRes     protowire.Number = 1 // ResourceSpans.resource
	fieldResourceSpansScopes  protowire.Number = 2 // ResourceSpans.scope_spans
	fieldScopeSpansScope      protowire.Number = 1 // ScopeSpans.scope
	fieldScopeSpansSpans      protowire.Number = 2 // ScopeSpans.spans
)

type scopeGroup struct {
	scope string
	spans [][]byte
	size  int // encoded ScopeSpans body
}

type resourceGroup struct {
	resource string
	scopes   []*scopeGroup
	size     int // encoded ResourceSpans body
}

// requestLayout is an ExportTraceServiceRequest assembled from already
// encoded spans, grouped by resource then scope in first-seen order. Span
// payloads are referenced, not copied.
type requestLayout struct {
	groups []*resourceGroup
	size   int
}

func layoutRequest(items []record.Item) *requestLayout {
	l := &requestLayout{}
	byResource := make(map[string]*resourceGroup)
	byScope := make(map[[2]string]*scopeGroup)

	for i := range items {
		r := &items[i].Record
		rg, ok := byResource[r.Resource]
		if !ok {
			rg = &resourceGroup{resource: r.Resource}
			byResource[r.Resource] = rg
			l.groups = append(l.groups, rg)
		}
		key := [2]string{r.Resource, r.Scope}
		sg, ok := byScope[key]
		if !ok {
			sg = &scopeGroup{scope: r.Scope}
			byScope[key] = sg
			rg.scopes = append(rg.scopes, sg)
		}
		sg.spans = append(sg.spans, r.Payload)
	}

	for _, rg := range l.groups {
		if rg.resource != "" {
			rg.size += fieldSize(fieldResourceSpansRes, len(rg.resource))
		}
		for _, sg := range rg.scopes {
			if sg.scope != "" {
				sg.size += fieldSize(fieldScopeSpansScope, len(sg.scope))
			}
			for _, s := range sg.spans {
				sg.size += fieldSize(fieldScopeSpansSpans, len(s))
			}
			rg.size += fieldSize(fieldResourceSpansScopes, sg.size)
		}
		l.size += fieldSize(fieldRequestResourceSpans, rg.size)
	}
	return l
}

func fieldSize(num protowire.Number, n int) int {
	return protowire.SizeTag(num) + protowire.SizeBytes(n)
}

func appendHeader(b []byte, num protowire.Number, n int) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendVarint(b, uint64(n))
}

// Size is the encoded request length.
func (l *requestLayout) Size() int { return l.size }

// AppendTo appends the encoded request to b.
func (l *requestLayout) AppendTo(b []byte) []byte {
	for _, rg := range l.groups {
		b = appendHeader(b, fieldRequestResourceSpans, rg.size)
		if rg.resource != "" {
			b = appendHeader(b, fieldResourceSpansRes, len(rg.resource))
			b = append(b, rg.resource...)
		}
		for _, sg := range rg.scopes {
			b = appendHeader(b, fieldResourceSpansScopes, sg.size)
			if sg.scope != "" {
				b = appendHeader(b, fieldScopeSpansScope, len(sg.scope))
				b = append(b, sg.scope...)
			}
			for _, s := range sg.spans {
				b = appendHeader(b, fieldScopeSpansSpans, len(s))
				b = append(b, s...)
			}
		}
	}
	return b
}

// WriteTo streams the encoded request to w without materializing it.
func (l *requestLayout) WriteTo(w io.Writer) (int64, error) {
	var n int64
	hdr := make([]byte, 0, 16)
	write := func(p []byte) error {
		m, err := w.Write(p)
		n += int64(m)
		return err
	}
	for _, rg := range l.groups {
		if err := write(appendHeader(hdr[:0], fieldRequestResourceSpans, rg.size)); err != nil {
			return n, err
		}
		if rg.resource != "" {
			if err := write(appendHeader(hdr[:0], fieldResourceSpansRes, len(rg.resource))); err != nil {
				return n, err
			}
			if _, err := io.WriteString(w, rg.resource); err != nil {
				return n, err
			}
			n += int64(len(rg.resource))
		}
		for _, sg := range rg.scopes {
			if err := write(appendHeader(hdr[:0], fieldResourceSpansScopes, sg.size)); err != nil {
				return n, err
			}
			if sg.scope != "" {
				if err := write(appendHeader(hdr[:0], fieldScopeSpansScope, len(sg.scope))); err != nil {
					return n, err
				}
				if _, err := io.WriteString(w, sg.scope); err != nil {
					return n, err
				}
				n += int64(len(sg.scope))
			}
			for _, s := range sg.spans {
				if err := write(appendHeader(hdr[:0], fieldScopeSpansSpans, len(s))); err != nil {
					return n, err
				}
				if err := write(s); err != nil {
					return n, err
				}
			}
		}
	}
	return n, nil
}

// EncodeRequest returns the ExportTraceServiceRequest encoding of items.
func EncodeRequest(items []record.Item) []byte {
	l := layoutRequest(items)
	return l.AppendTo(make([]byte, 0, l.Size()))
}
