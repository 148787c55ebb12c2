package root

import (
	"sync"

	"sidecarcapture/internal/backend"
	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/obs"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

// entry is one already-encoded ExportTraceServiceRequest carrying exactly
// one span, as produced by otlpspan.Encoder.
type entry struct {
	bytes []byte
}

// queue is the plugin root's bounded, insertion-ordered FIFO of pending
// span batches. It is mutated
// only by EnqueueSpan (stream end-of-response) and flush (the tick
// handler), both on the single proxy worker thread, so it needs no
// internal locking in production — the mutex exists only so tests can
// drive it from outside that thread model.
type queue struct {
	cfg     *config.Config
	backend *backend.Client
	metrics *obs.Metrics

	mu            sync.Mutex
	entries       []entry
	bytes         int64
	droppedSpans  int64
	inFlight      bool
	inFlightTries int
}

func newQueue(cfg *config.Config, host hostabi.Host, backendClient *backend.Client, metrics *obs.Metrics) *queue {
	return &queue{cfg: cfg, backend: backendClient, metrics: metrics}
}

// EnqueueSpan implements stream.SpanSink. Evicts the oldest entries first
// once the configured byte watermark is exceeded.
func (q *queue) EnqueueSpan(encoded []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry{bytes: encoded})
	q.bytes += int64(len(encoded))

	for q.bytes > q.cfg.MaxQueuedBytes && len(q.entries) > 1 {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= int64(len(oldest.bytes))
		q.droppedSpans++
		q.metrics.RecordSpanDropped("queue_watermark")
	}
	q.metrics.SetQueueDepth(q.bytes)
}

// flush is the tick handler: drains up to MaxBatchSpans entries, merges
// them into a single OTLP HTTP POST, and dispatches it. A busy dispatch
// leaves the batch at the head of the queue for the next tick; repeated
// failures beyond IngestRetryCount drop the batch.
func (q *queue) flush() {
	q.mu.Lock()
	if q.inFlight || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}

	batchSize := q.cfg.MaxBatchSpans
	if batchSize > len(q.entries) {
		batchSize = len(q.entries)
	}
	batch := q.entries[:batchSize]
	dropCount := q.droppedSpans
	q.inFlight = true
	q.mu.Unlock()

	merged, mergeErr := mergeBatch(batch, dropCount)
	if mergeErr != nil {
		q.mu.Lock()
		q.inFlight = false
		q.entries = q.entries[batchSize:]
		q.bytes = recomputeBytes(q.entries)
		q.mu.Unlock()
		q.metrics.RecordSpanDropped("encode_error")
		return
	}

	_, err := q.backend.Ingest(merged, func(resp hostabi.DispatchResponse) {
		q.onIngestResult(batchSize, dropCount, resp)
	})
	if err != nil {
		q.onIngestResult(batchSize, dropCount, hostabi.DispatchResponse{Failed: true, Reason: err.Error()})
	}
}

// onIngestResult applies the outcome of one dispatched batch. dropCount is
// the droppedSpans snapshot that was baked into this batch's merged
// payload; it is only cleared here, on a confirmed 2xx, so a failed
// dispatch leaves the count intact for the retry (or the next batch) to
// report instead of silently losing it.
func (q *queue) onIngestResult(batchSize int, dropCount int64, resp hostabi.DispatchResponse) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false

	if !resp.Failed && resp.Status >= 200 && resp.Status < 300 {
		q.inFlightTries = 0
		q.entries = q.entries[batchSize:]
		q.bytes = recomputeBytes(q.entries)
		q.droppedSpans -= dropCount
		q.metrics.SetQueueDepth(q.bytes)
		q.metrics.RecordDispatchOutcome("ingest", "ok")
		return
	}

	q.inFlightTries++
	if q.inFlightTries > q.cfg.IngestRetryCount {
		q.entries = q.entries[batchSize:]
		q.bytes = recomputeBytes(q.entries)
		q.inFlightTries = 0
		q.metrics.RecordSpanDropped("retry_exhausted")
		q.metrics.RecordDispatchOutcome("ingest", "dropped")
		return
	}
	q.metrics.RecordDispatchOutcome("ingest", "retry")
}

func recomputeBytes(entries []entry) int64 {
	var total int64
	for _, e := range entries {
		total += int64(len(e.bytes))
	}
	return total
}

// mergeBatch decodes each independently-encoded single-span request and
// folds their ResourceSpans into one ExportTraceServiceRequest so the
// batch travels as a single POST body. If dropCount is nonzero, it is
// attached as an attribute on the first span of the batch.
func mergeBatch(batch []entry, dropCount int64) ([]byte, error) {
	merged := &coltracepb.ExportTraceServiceRequest{}
	for _, e := range batch {
		var req coltracepb.ExportTraceServiceRequest
		if err := proto.Unmarshal(e.bytes, &req); err != nil {
			return nil, err
		}
		merged.ResourceSpans = append(merged.ResourceSpans, req.ResourceSpans...)
	}

	if dropCount > 0 && len(merged.ResourceSpans) > 0 && len(merged.ResourceSpans[0].ScopeSpans) > 0 && len(merged.ResourceSpans[0].ScopeSpans[0].Spans) > 0 {
		span := merged.ResourceSpans[0].ScopeSpans[0].Spans[0]
		span.Attributes = append(span.Attributes, &commonpb.KeyValue{
			Key:   "sp.ingestion.dropped_spans",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: dropCount}},
		})
	}

	return proto.Marshal(merged)
}
