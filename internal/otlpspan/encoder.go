// Package otlpspan builds one OTLP-conformant span per captured HTTP
// transaction and serializes it to the compact binary wire form a real
// OTLP/HTTP collector endpoint expects.
package otlpspan

import (
	"sort"
	"strings"
	"time"

	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/obs"
	"sidecarcapture/internal/tracecontext"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

const instrumentationScopeName = "sidecarcapture"

// ReplayVerdict mirrors the three-valued sp.replay.hit attribute: a
// request that was never replay-eligible reports ReplayNA, not false.
type ReplayVerdict int

const (
	ReplayNA ReplayVerdict = iota
	ReplayHit
	ReplayMiss
)

// ServiceIdentity carries the resource attributes discoverable from proxy
// properties at load time.
type ServiceIdentity struct {
	ServiceName      string
	ServiceNamespace string
	HostName         string
	PodName          string
}

// Transaction is everything the encoder needs to know about one captured
// request/response exchange. It never outlives the owning stream.
type Transaction struct {
	Trace   tracecontext.Context
	Service ServiceIdentity

	Direction config.Direction
	Method    string
	Scheme    string
	Host      string
	Target    string // path + "?" + query

	StartTime time.Time
	EndTime   time.Time

	RequestHeaders  []hostabi.HeaderPair
	RequestBody     []byte
	RequestBodySize int64
	RequestTruncated bool

	Status           int
	ResponseHeaders  []hostabi.HeaderPair
	ResponseTrailers []hostabi.HeaderPair
	ResponseBody     []byte
	ResponseBodySize int64
	ResponseTruncated bool

	Replay ReplayVerdict

	IngestionDropCount int64
}

// Encoder builds and serializes spans. It is stateless and deterministic:
// encoding the same Transaction twice yields byte-identical output,
// because every map-shaped input (headers) is iterated in a fixed,
// sorted order before being folded into the attribute list.
type Encoder struct {
	RedactHeaders map[string]bool
}

func New(redact map[string]bool) *Encoder {
	return &Encoder{RedactHeaders: redact}
}

// Encode builds the ResourceSpans -> ScopeSpans -> Span tree for tx and
// marshals an ExportTraceServiceRequest carrying exactly that one span.
func (e *Encoder) Encode(tx Transaction) ([]byte, error) {
	span := e.buildSpan(tx)

	resourceSpans := &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: e.resourceAttributes(tx.Service),
		},
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Scope: &commonpb.InstrumentationScope{Name: instrumentationScopeName},
				Spans: []*tracepb.Span{span},
			},
		},
	}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{resourceSpans},
	}

	return proto.Marshal(req)
}

func (e *Encoder) buildSpan(tx Transaction) *tracepb.Span {
	traceID, _ := decodeHexID(tx.Trace.TraceID, 16)
	spanID, _ := decodeHexID(tx.Trace.SpanID, 8)

	var parentID []byte
	if tx.Trace.ParentID != "" {
		parentID, _ = decodeHexID(tx.Trace.ParentID, 8)
	}

	kind := tracepb.Span_SPAN_KIND_CLIENT
	if tx.Direction == config.DirectionInbound {
		kind = tracepb.Span_SPAN_KIND_SERVER
	}

	name := tx.Method
	if tx.Target != "" {
		name = tx.Method + " " + routeOnly(tx.Target)
	}

	span := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		ParentSpanId:      parentID,
		Name:              name,
		Kind:              kind,
		StartTimeUnixNano: uint64(tx.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(tx.EndTime.UnixNano()),
		Attributes:        e.attributes(tx),
	}
	return span
}

func (e *Encoder) attributes(tx Transaction) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{
		stringAttr("http.method", tx.Method),
		stringAttr("http.scheme", tx.Scheme),
		stringAttr("http.host", tx.Host),
		stringAttr("http.target", tx.Target),
		intAttr("http.status_code", int64(tx.Status)),
		intAttr("http.request.body.size", tx.RequestBodySize),
		boolAttr("http.request.body.truncated", tx.RequestTruncated),
		intAttr("http.response.body.size", tx.ResponseBodySize),
		boolAttr("http.response.body.truncated", tx.ResponseTruncated),
		stringAttr("sp.replay.hit", replayString(tx.Replay)),
	}

	if tx.IngestionDropCount > 0 {
		attrs = append(attrs, intAttr("sp.ingestion.dropped_spans", tx.IngestionDropCount))
	}

	attrs = append(attrs, e.headerAttributes("http.request.header.", tx.RequestHeaders)...)
	attrs = append(attrs, e.headerAttributes("http.response.header.", tx.ResponseHeaders)...)
	attrs = append(attrs, e.headerAttributes("http.response.trailer.", tx.ResponseTrailers)...)

	if !tx.RequestTruncated {
		attrs = append(attrs, bytesAttr("http.request.body.content", tx.RequestBody))
	}
	if !tx.ResponseTruncated {
		attrs = append(attrs, bytesAttr("http.response.body.content", tx.ResponseBody))
	}

	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

func (e *Encoder) resourceAttributes(svc ServiceIdentity) []*commonpb.KeyValue {
	attrs := make([]*commonpb.KeyValue, 0, 4)
	if svc.ServiceName != "" {
		attrs = append(attrs, stringAttr("service.name", svc.ServiceName))
	}
	if svc.ServiceNamespace != "" {
		attrs = append(attrs, stringAttr("service.namespace", svc.ServiceNamespace))
	}
	if svc.HostName != "" {
		attrs = append(attrs, stringAttr("host.name", svc.HostName))
	}
	if svc.PodName != "" {
		attrs = append(attrs, stringAttr("k8s.pod.name", svc.PodName))
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

func (e *Encoder) headerAttributes(prefix string, headers []hostabi.HeaderPair) []*commonpb.KeyValue {
	if len(headers) == 0 {
		return nil
	}

	grouped := make(map[string][]string, len(headers))
	names := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if _, seen := grouped[name]; !seen {
			names = append(names, name)
		}
		value := obs.RedactHeaderValue(e.RedactHeaders, name, h.Value)
		grouped[name] = append(grouped[name], value)
	}
	sort.Strings(names)

	attrs := make([]*commonpb.KeyValue, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, stringAttr(prefix+name, strings.Join(grouped[name], ",")))
	}
	return attrs
}

func replayString(v ReplayVerdict) string {
	switch v {
	case ReplayHit:
		return "true"
	case ReplayMiss:
		return "false"
	default:
		return "n/a"
	}
}

func routeOnly(target string) string {
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		return target[:idx]
	}
	return target
}

func decodeHexID(s string, wantLen int) ([]byte, bool) {
	if len(s) != wantLen*2 {
		return make([]byte, wantLen), false
	}
	out := make([]byte, wantLen)
	for i := 0; i < wantLen; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return make([]byte, wantLen), false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}}}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}}}
}

func bytesAttr(key string, value []byte) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: value}}}
}
