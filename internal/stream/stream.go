// Package stream implements the per-request filter state machine: the
// central object that owns the request/response buffers, threads the
// replay lookup dispatch, and emits a span at end-of-stream.
package stream

import (
	"sort"
	"strings"
	"time"

	"sidecarcapture/internal/backend"
	"sidecarcapture/internal/bodybuffer"
	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/obs"
	"sidecarcapture/internal/otlpspan"
	"sidecarcapture/internal/rules"
	"sidecarcapture/internal/tracecontext"
)

// Action tells the caller what the filter chain should do next.
type Action int

const (
	ActionContinue Action = iota
	ActionPause
)

// Result is returned from every stream callback.
type Result struct {
	Action Action
	// SetRequestHeaders carries header overrides (currently just the
	// possibly-regenerated traceparent) the caller must apply to the
	// outbound request before it leaves the proxy.
	SetRequestHeaders []hostabi.HeaderPair
}

// Control is the imperative half of the host ABI a Stream needs once it is
// running: sending a local reply or resuming iteration after a paused
// callback returns. Each Stream gets its own Control so ownership never
// crosses stream boundaries.
type Control interface {
	SendLocalReply(status int, headers []hostabi.HeaderPair, body []byte)
	ResumeRequest()
}

// SpanSink receives an already-encoded span batch at end-of-stream. In
// production this is the plugin root's ingestion queue.
type SpanSink interface {
	EnqueueSpan(encoded []byte)
}

type state int

const (
	stateIdle state = iota
	stateAwaitBody
	stateLookupInflight
	stateForwarding
	stateReplayed
	stateDone
)

// Stream is the per-request transaction object. It is created on
// request-headers and destroyed on stream end; every method runs on the
// proxy's single worker thread for this stream, so it holds no locks.
type Stream struct {
	cfg     *config.Config
	matcher *rules.Matcher
	backend *backend.Client
	encoder *otlpspan.Encoder
	host    hostabi.Host
	sink    SpanSink
	control Control
	service otlpspan.ServiceIdentity
	metrics *obs.Metrics

	requestID string
	st        state

	direction config.Direction
	verdict   rules.Verdict
	trace     tracecontext.Context

	method, scheme, authority, path string
	reqHeaders                      []hostabi.HeaderPair
	reqBuf                          *bodybuffer.Buffer

	status       int
	respHeaders  []hostabi.HeaderPair
	respTrailers []hostabi.HeaderPair
	respBuf      *bodybuffer.Buffer

	startTime      time.Time
	lookupTok      hostabi.Token
	replay         otlpspan.ReplayVerdict
	dispatchFailed bool
}

// Deps bundles a Stream's fixed, per-load dependencies so the plugin
// root can clone a handle cheaply for every new request.
type Deps struct {
	Cfg     *config.Config
	Matcher *rules.Matcher
	Backend *backend.Client
	Encoder *otlpspan.Encoder
	Host    hostabi.Host
	Sink    SpanSink
	Service otlpspan.ServiceIdentity
	Metrics *obs.Metrics
}

// New creates a per-stream transaction object. control is supplied by the
// proxy-side adapter (fakehost-backed test harness or the localhost dev
// harness) and is specific to this one stream.
func New(deps Deps, control Control, requestID string) *Stream {
	return &Stream{
		cfg:       deps.Cfg,
		matcher:   deps.Matcher,
		backend:   deps.Backend,
		encoder:   deps.Encoder,
		host:      deps.Host,
		sink:      deps.Sink,
		control:   control,
		service:   deps.Service,
		metrics:   deps.Metrics,
		requestID: requestID,
		direction: deps.Cfg.Direction,
		st:        stateIdle,
	}
}

const (
	headerTraceparent = "traceparent"
	headerTracestate  = "tracestate"
)

// OnRequestHeaders handles the first request-path callback: snapshot headers,
// classify via the rule matcher, establish trace context, and decide
// whether the replay branch pauses the stream.
func (s *Stream) OnRequestHeaders(method, scheme, authority, path string, headers []hostabi.HeaderPair, endOfStream bool) Result {
	s.startTime = s.host.Now()
	s.method, s.scheme, s.authority, s.path = method, scheme, authority, path
	s.reqHeaders = append([]hostabi.HeaderPair(nil), headers...)

	traceparent := headerValue(headers, headerTraceparent)
	tracestate := headerValue(headers, headerTracestate)
	s.trace = tracecontext.Extract(traceparent, tracestate)
	injected := s.trace.TraceParent()
	setHeaderValue(&s.reqHeaders, headerTraceparent, injected)

	s.verdict = s.matcher.Match(authority, path, method)
	if s.verdict.Capture {
		s.reqBuf = bodybuffer.New(s.cfg.MaxRequestBody)
	}

	result := Result{
		Action:            ActionContinue,
		SetRequestHeaders: []hostabi.HeaderPair{{Name: headerTraceparent, Value: injected}},
	}

	if s.verdict.Replay {
		s.st = stateAwaitBody
		result.Action = ActionPause
		if endOfStream {
			s.dispatchLookup()
		}
		return result
	}

	s.st = stateForwarding
	return result
}

// OnRequestBody handles callback 2: accumulate the request body under the
// configured cap, and — for a replay-eligible stream — dispatch the cache
// lookup once the full body has arrived.
func (s *Stream) OnRequestBody(chunk []byte, endOfStream bool) Result {
	if s.reqBuf != nil {
		s.reqBuf.Write(chunk)
	}

	if s.st != stateAwaitBody {
		return Result{Action: ActionContinue}
	}

	if s.reqBuf.AtCap() && !endOfStream {
		s.st = stateForwarding
		return Result{Action: ActionContinue}
	}

	if !endOfStream {
		return Result{Action: ActionPause}
	}

	s.dispatchLookup()
	return Result{Action: ActionPause}
}

func (s *Stream) dispatchLookup() {
	s.st = stateLookupInflight

	headerMap := make(map[string]string, len(s.reqHeaders))
	for _, h := range s.reqHeaders {
		headerMap[h.Name] = h.Value
	}

	token, err := s.backend.Lookup(s.method, s.path, headerMap, s.reqBuf.Bytes(), s.onLookupResult)
	if err != nil {
		s.dispatchFailed = true
		s.metrics.RecordDispatchOutcome("lookup", "submit_failed")
		s.resumeForwarding()
		return
	}
	s.lookupTok = token
}

func (s *Stream) onLookupResult(resp hostabi.DispatchResponse) {
	if s.st != stateLookupInflight {
		return
	}

	if resp.Failed {
		s.dispatchFailed = true
		s.metrics.RecordDispatchOutcome("lookup", "failed")
		s.resumeForwarding()
		return
	}
	if resp.Status != 200 {
		s.metrics.RecordDispatchOutcome("lookup", "miss")
		s.resumeForwarding()
		return
	}

	decoded, err := backend.DecodeLookupResponse(resp.Body)
	if err != nil {
		s.dispatchFailed = true
		s.metrics.RecordDispatchOutcome("lookup", "malformed")
		s.resumeForwarding()
		return
	}

	s.metrics.RecordDispatchOutcome("lookup", "hit")
	s.st = stateReplayed
	s.status = decoded.Status
	s.respHeaders = mapToHeaders(decoded.Headers)
	s.replay = otlpspan.ReplayHit

	s.control.SendLocalReply(decoded.Status, s.respHeaders, decoded.Body)
	s.finishAndEnqueue(decoded.Body, int64(len(decoded.Body)), false)
}

func (s *Stream) resumeForwarding() {
	s.st = stateForwarding
	if s.verdict.Replay {
		s.replay = otlpspan.ReplayMiss
	}
	s.control.ResumeRequest()
}

// OnResponseHeaders handles callback 3. A replayed stream never reaches
// here because no upstream call was ever made.
func (s *Stream) OnResponseHeaders(status int, headers []hostabi.HeaderPair, endOfStream bool) Result {
	if s.st == stateReplayed || s.st == stateDone {
		return Result{Action: ActionContinue}
	}
	s.status = status
	s.respHeaders = append([]hostabi.HeaderPair(nil), headers...)
	if s.verdict.Capture {
		s.respBuf = bodybuffer.New(s.cfg.MaxResponseBody)
	}
	s.st = stateForwarding
	return Result{Action: ActionContinue}
}

// OnResponseTrailers handles captured response trailers. Whether a
// replayed response can carry trailers is left undefined by the backend's
// lookup payload; here they only ever feed the captured span.
func (s *Stream) OnResponseTrailers(trailers []hostabi.HeaderPair) {
	if s.st == stateReplayed || s.st == stateDone {
		return
	}
	s.respTrailers = append([]hostabi.HeaderPair(nil), trailers...)
}

// OnResponseBody handles callback 4: accumulate under the cap and, at
// end-of-stream, build and enqueue the span.
func (s *Stream) OnResponseBody(chunk []byte, endOfStream bool) Result {
	if s.st == stateReplayed || s.st == stateDone {
		return Result{Action: ActionContinue}
	}
	if s.respBuf != nil {
		s.respBuf.Write(chunk)
	}
	if !endOfStream {
		return Result{Action: ActionContinue}
	}

	var body []byte
	var size int64
	if s.respBuf != nil {
		body = s.respBuf.Bytes()
		size = s.respBuf.Size()
	}
	s.finishAndEnqueue(body, size, s.respBuf != nil && s.respBuf.Truncated())
	return Result{Action: ActionContinue}
}

func (s *Stream) finishAndEnqueue(responseBody []byte, responseBodySize int64, responseTruncated bool) {
	s.st = stateDone
	endTime := s.host.Now()
	duration := endTime.Sub(s.startTime)

	requestTruncated := s.reqBuf != nil && s.reqBuf.Truncated()
	requestBodySize := int64(0)
	if s.reqBuf != nil {
		requestBodySize = s.reqBuf.Size()
	}

	obs.LogAccess(obs.RequestContext{
		RequestID:         s.requestID,
		Direction:         string(s.direction),
		Method:            s.method,
		Host:              s.authority,
		Path:              routeOnlyPath(s.path),
		Captured:          s.verdict.Capture,
		ReplayVerdict:     replayLogString(s.replay),
		Status:            s.status,
		Duration:          duration,
		RequestBodySize:   requestBodySize,
		ResponseBodySize:  responseBodySize,
		RequestTruncated:  requestTruncated,
		ResponseTruncated: responseTruncated,
		DispatchOutcome:   dispatchOutcomeLogString(s.verdict, s.replay, s.dispatchFailed),
	})

	if requestTruncated {
		s.metrics.RecordBodyTruncated(string(s.direction), "request")
	}
	if responseTruncated {
		s.metrics.RecordBodyTruncated(string(s.direction), "response")
	}
	if s.verdict.Replay {
		s.metrics.RecordReplayOutcome(replayLogString(s.replay))
	}
	if s.verdict.Capture {
		s.metrics.ObserveCapture(string(s.direction), s.authority, routeOnlyPath(s.path), s.status, duration)
	}

	if !s.verdict.Capture {
		return
	}

	tx := otlpspan.Transaction{
		Trace:             s.trace,
		Service:           s.service,
		Direction:         s.direction,
		Method:            s.method,
		Scheme:            s.scheme,
		Host:              s.authority,
		Target:            s.path,
		StartTime:         s.startTime,
		EndTime:           endTime,
		RequestHeaders:    s.reqHeaders,
		Status:            s.status,
		ResponseHeaders:   s.respHeaders,
		ResponseTrailers:  s.respTrailers,
		ResponseBody:      responseBody,
		ResponseBodySize:  responseBodySize,
		ResponseTruncated: responseTruncated,
		Replay:            s.replay,
	}
	if s.reqBuf != nil {
		tx.RequestBody = s.reqBuf.Bytes()
		tx.RequestBodySize = s.reqBuf.Size()
		tx.RequestTruncated = s.reqBuf.Truncated()
	}

	encoded, err := s.encoder.Encode(tx)
	if err != nil {
		return
	}
	s.sink.EnqueueSpan(encoded)
}

// OnStreamDone handles callback 5: the proxy is tearing this stream down.
// Any still-outstanding lookup token is forgotten so a late delivery is
// silently discarded rather than touching a dead stream.
func (s *Stream) OnStreamDone() {
	if s.st == stateLookupInflight {
		s.backend.Forget(s.lookupTok)
	}
	s.st = stateDone
}

func headerValue(headers []hostabi.HeaderPair, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func setHeaderValue(headers *[]hostabi.HeaderPair, name, value string) {
	for i, h := range *headers {
		if strings.EqualFold(h.Name, name) {
			(*headers)[i].Value = value
			return
		}
	}
	*headers = append(*headers, hostabi.HeaderPair{Name: name, Value: value})
}

func replayLogString(v otlpspan.ReplayVerdict) string {
	switch v {
	case otlpspan.ReplayHit:
		return "hit"
	case otlpspan.ReplayMiss:
		return "miss"
	default:
		return "n/a"
	}
}

func dispatchOutcomeLogString(v rules.Verdict, replay otlpspan.ReplayVerdict, dispatchFailed bool) string {
	if !v.Replay {
		return "n/a"
	}
	// A replay-eligible stream that finished without a hit or miss never
	// dispatched its lookup (the request body reached the cap first).
	if replay == otlpspan.ReplayNA {
		return "skipped"
	}
	if dispatchFailed {
		return "failed"
	}
	return "ok"
}

func routeOnlyPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}

func mapToHeaders(m map[string]string) []hostabi.HeaderPair {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]hostabi.HeaderPair, 0, len(m))
	for _, k := range names {
		out = append(out, hostabi.HeaderPair{Name: k, Value: m[k]})
	}
	return out
}
