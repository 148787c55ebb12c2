package stream

import (
	"encoding/json"
	"testing"

	"sidecarcapture/internal/backend"
	"sidecarcapture/internal/config"
	"sidecarcapture/internal/fakehost"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/obs"
	"sidecarcapture/internal/otlpspan"
	"sidecarcapture/internal/rules"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

// fakeControl records what the stream asked the caller to do, standing in
// for the proxy-side adapter in these unit tests.
type fakeControl struct {
	resumed     bool
	repliedWith *reply
}

type reply struct {
	status  int
	headers []hostabi.HeaderPair
	body    []byte
}

func (c *fakeControl) ResumeRequest() { c.resumed = true }

func (c *fakeControl) SendLocalReply(status int, headers []hostabi.HeaderPair, body []byte) {
	c.repliedWith = &reply{status: status, headers: headers, body: body}
}

// fakeSink collects encoded spans handed to EnqueueSpan.
type fakeSink struct {
	spans [][]byte
}

func (s *fakeSink) EnqueueSpan(encoded []byte) {
	s.spans = append(s.spans, encoded)
}

func newTestStream(t *testing.T, cfgJSON string, control Control, sink SpanSink) (*Stream, *fakehost.Host) {
	t.Helper()
	cfg, err := config.Parse([]byte(cfgJSON))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	host := fakehost.New()
	deps := Deps{
		Cfg:     cfg,
		Matcher: rules.New(cfg),
		Backend: backend.New(host, cfg),
		Encoder: otlpspan.New(cfg.RedactHeaders),
		Host:    host,
		Sink:    sink,
		Service: otlpspan.ServiceIdentity{ServiceName: "test-svc"},
		Metrics: obs.NewMetrics(obs.MetricsConfig{}),
	}
	return New(deps, control, "req-1"), host
}

const captureNoReplayCfg = `{
	"sp_backend_url": "http://backend.local",
	"sp_backend_cluster": "sp_backend",
	"traffic_direction": "outbound"
}`

const captureWithReplayCfg = `{
	"sp_backend_url": "http://backend.local",
	"sp_backend_cluster": "sp_backend",
	"traffic_direction": "outbound",
	"enable_inject": true
}`

func TestOutboundCaptureWithoutReplayFlowsThrough(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, _ := newTestStream(t, captureNoReplayCfg, control, sink)

	result := s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/users", nil, false)
	if result.Action != ActionContinue {
		t.Fatalf("Action = %v, want Continue (no replay configured)", result.Action)
	}

	if bodyResult := s.OnRequestBody([]byte("req-body"), true); bodyResult.Action != ActionContinue {
		t.Fatalf("OnRequestBody Action = %v, want Continue", bodyResult.Action)
	}

	s.OnResponseHeaders(200, []hostabi.HeaderPair{{Name: "Content-Type", Value: "application/json"}}, false)
	s.OnResponseBody([]byte("resp-body"), true)
	s.OnStreamDone()

	if len(sink.spans) != 1 {
		t.Fatalf("spans enqueued = %d, want 1", len(sink.spans))
	}
	if control.resumed || control.repliedWith != nil {
		t.Error("a non-replay stream must never call ResumeRequest or SendLocalReply")
	}

	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(sink.spans[0], &req); err != nil {
		t.Fatalf("Unmarshal span: %v", err)
	}
	span := req.ResourceSpans[0].ScopeSpans[0].Spans[0]
	if span.Name != "GET /v1/users" {
		t.Errorf("span name = %q", span.Name)
	}
}

func TestReplayEligibleStreamPausesUntilBodyComplete(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, _ := newTestStream(t, captureWithReplayCfg, control, sink)

	result := s.OnRequestHeaders("POST", "https", "api.example.com", "/v1/orders", nil, false)
	if result.Action != ActionPause {
		t.Fatalf("Action = %v, want Pause for a replay-eligible, non-EOS request", result.Action)
	}

	bodyResult := s.OnRequestBody([]byte("partial"), false)
	if bodyResult.Action != ActionPause {
		t.Fatalf("Action = %v, want Pause mid-body", bodyResult.Action)
	}
}

func TestReplayHitSendsLocalReplyAndSkipsUpstream(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, host := newTestStream(t, captureWithReplayCfg, control, sink)

	s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/orders/42", nil, false)
	s.OnRequestBody([]byte(""), true)

	if host.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 lookup dispatched", host.PendingCount())
	}

	lookupBody, _ := json.Marshal(struct {
		Status int `json:"status"`
	}{Status: 200})
	ok := host.Respond("sp_backend", hostabi.DispatchResponse{Status: 200, Body: lookupBody})
	if !ok {
		t.Fatal("fakehost had no pending lookup to respond to")
	}

	if control.repliedWith == nil {
		t.Fatal("expected SendLocalReply to have been called on a replay hit")
	}
	if control.repliedWith.status != 200 {
		t.Errorf("replied status = %d, want 200", control.repliedWith.status)
	}
	if control.resumed {
		t.Error("a replayed stream must never call ResumeRequest")
	}
	if len(sink.spans) != 1 {
		t.Fatalf("spans enqueued = %d, want 1 (replay hits are still captured)", len(sink.spans))
	}
}

func TestReplayEligibleBodylessRequestDispatchesLookupOnHeaders(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, host := newTestStream(t, captureWithReplayCfg, control, sink)

	result := s.OnRequestHeaders("GET", "https", "api.example.com", "/cached", nil, true)
	if result.Action != ActionPause {
		t.Fatalf("Action = %v, want Pause for a replay-eligible bodyless GET", result.Action)
	}
	if host.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 lookup dispatched directly from OnRequestHeaders", host.PendingCount())
	}

	lookupBody, _ := json.Marshal(struct {
		Status int `json:"status"`
	}{Status: 200})
	host.Respond("sp_backend", hostabi.DispatchResponse{Status: 200, Body: lookupBody})

	if control.repliedWith == nil {
		t.Fatal("expected SendLocalReply on a bodyless replay hit")
	}
}

func TestReplayMissResumesForwarding(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, host := newTestStream(t, captureWithReplayCfg, control, sink)

	s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/orders/42", nil, false)
	s.OnRequestBody(nil, true)

	host.Respond("sp_backend", hostabi.DispatchResponse{Status: 404})

	if !control.resumed {
		t.Fatal("expected ResumeRequest to have been called on a replay miss")
	}
	if control.repliedWith != nil {
		t.Error("a replay miss must not send a local reply")
	}

	s.OnResponseHeaders(200, nil, false)
	s.OnResponseBody([]byte("upstream-body"), true)
	s.OnStreamDone()

	if len(sink.spans) != 1 {
		t.Fatalf("spans enqueued = %d, want 1", len(sink.spans))
	}
	var req coltracepb.ExportTraceServiceRequest
	_ = proto.Unmarshal(sink.spans[0], &req)
	found := false
	for _, attr := range req.ResourceSpans[0].ScopeSpans[0].Spans[0].Attributes {
		if attr.Key == "sp.replay.hit" && attr.Value.GetStringValue() == "false" {
			found = true
		}
	}
	if !found {
		t.Error("expected sp.replay.hit=false attribute on a replay-miss span")
	}
}

func TestReplayDispatchFailureResumesForwarding(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, host := newTestStream(t, captureWithReplayCfg, control, sink)

	s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/orders/42", nil, false)
	s.OnRequestBody(nil, true)

	host.Respond("sp_backend", hostabi.DispatchResponse{Failed: true, Reason: "timeout"})

	if !control.resumed {
		t.Fatal("expected ResumeRequest on dispatch failure")
	}
}

func TestRequestBodyTruncationDisablesReplayBeforeEOS(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	cfg := `{
		"sp_backend_url": "http://backend.local",
		"sp_backend_cluster": "sp_backend",
		"traffic_direction": "outbound",
		"enable_inject": true,
		"max_request_body_bytes": 4
	}`
	s, host := newTestStream(t, cfg, control, sink)

	s.OnRequestHeaders("POST", "https", "api.example.com", "/v1/orders", nil, false)
	result := s.OnRequestBody([]byte("way too big for the cap"), false)

	if result.Action != ActionContinue {
		t.Fatalf("Action = %v, want Continue once the body buffer is at cap before EOS", result.Action)
	}
	if host.PendingCount() != 0 {
		t.Error("no lookup should have been dispatched once replay was disabled by truncation")
	}
}

func TestResponseBodyTruncationIsReportedOnTheSpan(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	cfg := `{
		"sp_backend_url": "http://backend.local",
		"sp_backend_cluster": "sp_backend",
		"traffic_direction": "outbound",
		"max_response_body_bytes": 4
	}`
	s, _ := newTestStream(t, cfg, control, sink)

	s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/users", nil, true)
	s.OnRequestBody(nil, true)
	s.OnResponseHeaders(200, nil, false)
	s.OnResponseBody([]byte("response body way over cap"), true)

	var req coltracepb.ExportTraceServiceRequest
	_ = proto.Unmarshal(sink.spans[0], &req)
	found := false
	for _, attr := range req.ResourceSpans[0].ScopeSpans[0].Spans[0].Attributes {
		if attr.Key == "http.response.body.truncated" && attr.Value.GetBoolValue() {
			found = true
		}
	}
	if !found {
		t.Error("expected http.response.body.truncated=true on the captured span")
	}
}

func TestNonCapturedRequestNeverEnqueuesASpan(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	cfg := `{
		"sp_backend_url": "http://backend.local",
		"sp_backend_cluster": "sp_backend",
		"traffic_direction": "outbound",
		"collectionRules.http": {"client": [{"host": "^only-this-host$"}]}
	}`
	s, _ := newTestStream(t, cfg, control, sink)

	s.OnRequestHeaders("GET", "https", "not-matching-host", "/p", nil, true)
	s.OnRequestBody(nil, true)
	s.OnResponseHeaders(200, nil, false)
	s.OnResponseBody(nil, true)
	s.OnStreamDone()

	if len(sink.spans) != 0 {
		t.Errorf("spans enqueued = %d, want 0 for a non-matching request", len(sink.spans))
	}
}

func TestTraceparentPropagatesAcrossHop(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, _ := newTestStream(t, captureNoReplayCfg, control, sink)

	inbound := []hostabi.HeaderPair{
		{Name: "traceparent", Value: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
	result := s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/users", inbound, true)

	if len(result.SetRequestHeaders) != 1 {
		t.Fatalf("SetRequestHeaders = %v, want exactly one override", result.SetRequestHeaders)
	}
	injected := result.SetRequestHeaders[0].Value
	if injected == inbound[0].Value {
		t.Error("the injected traceparent must mint a fresh span id for this hop, not reuse the inbound one")
	}

	s.OnRequestBody(nil, true)
	s.OnResponseHeaders(200, nil, false)
	s.OnResponseBody(nil, true)
	s.OnStreamDone()

	var req coltracepb.ExportTraceServiceRequest
	_ = proto.Unmarshal(sink.spans[0], &req)
	traceID := req.ResourceSpans[0].ScopeSpans[0].Spans[0].TraceId
	if len(traceID) != 16 {
		t.Fatalf("TraceId length = %d, want 16 bytes", len(traceID))
	}
}

func TestOnStreamDoneForgetsOutstandingLookupToken(t *testing.T) {
	control := &fakeControl{}
	sink := &fakeSink{}
	s, host := newTestStream(t, captureWithReplayCfg, control, sink)

	s.OnRequestHeaders("GET", "https", "api.example.com", "/v1/orders/42", nil, false)
	s.OnRequestBody(nil, true)

	if host.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", host.PendingCount())
	}

	s.OnStreamDone()

	// A late delivery against the now-torn-down stream's token must not
	// reach the stream at all — the backend client discards it before the
	// stream's callback ever runs.
	delivered := host.Respond("sp_backend", hostabi.DispatchResponse{Status: 200, Body: []byte(`{"status":200}`)})
	if !delivered {
		t.Fatal("fakehost had no pending call to simulate the late delivery against")
	}
	if control.repliedWith != nil || control.resumed {
		t.Error("a late delivery after OnStreamDone must not drive the torn-down stream's control")
	}
}
