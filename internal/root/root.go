// Package root implements the plugin root context: the one long-lived
// object the host creates at load time, which owns the bounded ingestion
// queue and hands out a fresh Stream for every new HTTP exchange.
package root

import (
	"sidecarcapture/internal/backend"
	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/obs"
	"sidecarcapture/internal/otlpspan"
	"sidecarcapture/internal/rules"
	"sidecarcapture/internal/stream"
)

// Root is the plugin's single root context. CreateStream is called once
// per new HTTP exchange; OnTick drains the ingestion queue on the
// configured flush interval.
type Root struct {
	cfg     *config.Config
	host    hostabi.Host
	matcher *rules.Matcher
	backend *backend.Client
	encoder *otlpspan.Encoder
	metrics *obs.Metrics
	service otlpspan.ServiceIdentity

	queue *queue
}

// New builds a Root from parsed configuration. host is the real
// proxy-wasm ABI in production, or fakehost/localhost in tests and the
// dev harness.
func New(cfg *config.Config, host hostabi.Host, metrics *obs.Metrics) *Root {
	service := serviceIdentityFromHost(host, cfg)
	r := &Root{
		cfg:     cfg,
		host:    host,
		matcher: rules.New(cfg),
		backend: backend.New(host, cfg),
		encoder: otlpspan.New(cfg.RedactHeaders),
		metrics: metrics,
		service: service,
	}
	r.queue = newQueue(cfg, host, r.backend, metrics)
	host.SetTickPeriod(cfg.FlushInterval)
	return r
}

func serviceIdentityFromHost(host hostabi.Host, cfg *config.Config) otlpspan.ServiceIdentity {
	svc := otlpspan.ServiceIdentity{ServiceName: cfg.ServiceName}
	if svc.ServiceName == "" {
		if v, ok := host.GetProperty("node.metadata.WORKLOAD_NAME"); ok {
			svc.ServiceName = v
		}
	}
	if v, ok := host.GetProperty("node.metadata.NAMESPACE"); ok {
		svc.ServiceNamespace = v
	}
	if v, ok := host.GetProperty("node.metadata.HOST_NAME"); ok {
		svc.HostName = v
	}
	if v, ok := host.GetProperty("node.metadata.POD_NAME"); ok {
		svc.PodName = v
	}
	return svc
}

// CreateStream returns a new per-exchange state machine. control is
// supplied by the proxy-side adapter that owns this particular stream.
func (r *Root) CreateStream(control stream.Control, requestID string) *stream.Stream {
	deps := stream.Deps{
		Cfg:     r.cfg,
		Matcher: r.matcher,
		Backend: r.backend,
		Encoder: r.encoder,
		Host:    r.host,
		Sink:    r.queue,
		Service: r.service,
		Metrics: r.metrics,
	}
	return stream.New(deps, control, requestID)
}

// OnTick drains whatever is queued, respecting the configured batch size
// and retry budget.
func (r *Root) OnTick() {
	r.queue.flush()
}

// Metrics exposes the internal registry for the dev harness's /metrics
// endpoint.
func (r *Root) Metrics() *obs.Metrics {
	return r.metrics
}
