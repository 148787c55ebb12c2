// Command sidecar-devserver runs the capture filter as an ordinary local
// HTTP reverse proxy instead of inside a Proxy-WASM sandbox, so the filter
// core can be exercised end-to-end against a real upstream and a real
// backend without a mesh.
package main

import (
	"bytes"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
	"sidecarcapture/internal/httputil"
	"sidecarcapture/internal/localhost"
	"sidecarcapture/internal/obs"
	"sidecarcapture/internal/root"
	"sidecarcapture/internal/server"
	"sidecarcapture/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to the plugin configuration JSON file")
	listenAddr := flag.String("listen", ":8080", "mesh-facing listen address")
	metricsAddr := flag.String("metrics-addr", ":8081", "internal metrics listen address")
	upstream := flag.String("upstream", "", "upstream base URL to forward captured traffic to")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("sidecar-devserver: -config is required")
	}
	if *upstream == "" {
		log.Fatal("sidecar-devserver: -upstream is required")
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("sidecar-devserver: reading config: %v", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		log.Fatalf("sidecar-devserver: parsing config: %v", err)
	}

	host := localhost.New(cfg.BackendURL, localhost.PropertiesFromEnv())
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	r := root.New(cfg, host, metrics)
	host.SetOnTick(r.OnTick)

	proxyHandler := newProxyHandler(r, *upstream)

	mux := http.NewServeMux()
	mux.Handle("/", proxyHandler)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	mainSrv, err := server.Start(mux, *listenAddr)
	if err != nil {
		log.Fatalf("sidecar-devserver: starting listener: %v", err)
	}
	metricsSrv, err := server.Start(metricsMux, *metricsAddr)
	if err != nil {
		log.Fatalf("sidecar-devserver: starting metrics listener: %v", err)
	}
	log.Printf("sidecar-devserver: listening on %s, metrics on %s, forwarding to %s", mainSrv.Addr, metricsSrv.Addr, *upstream)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	_ = mainSrv.Shutdown()
	_ = metricsSrv.Shutdown()
}

// proxyHandler is the mesh-facing HTTP handler: it drives a fresh Stream
// through its callbacks for every request, bridging the stream's
// pause/resume/reply actions back onto this goroutine's blocking
// net/http call.
type proxyHandler struct {
	root       *root.Root
	upstream   string
	httpClient *http.Client
}

func newProxyHandler(r *root.Root, upstream string) *proxyHandler {
	return &proxyHandler{root: r, upstream: upstream, httpClient: &http.Client{}}
}

// devControl bridges Stream.Control back onto the blocking request
// goroutine: a paused stream's dispatch callback runs on a different
// goroutine (internal/localhost's dispatch goroutine) and signals this
// one through whichever channel fires first.
type devControl struct {
	resumeCh chan struct{}
	replyCh  chan localReply
}

type localReply struct {
	status  int
	headers []hostabi.HeaderPair
	body    []byte
}

func newDevControl() *devControl {
	return &devControl{
		resumeCh: make(chan struct{}, 1),
		replyCh:  make(chan localReply, 1),
	}
}

func (c *devControl) ResumeRequest() {
	c.resumeCh <- struct{}{}
}

func (c *devControl) SendLocalReply(status int, headers []hostabi.HeaderPair, body []byte) {
	c.replyCh <- localReply{status: status, headers: headers, body: body}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := httputil.NewRequestID()
	control := newDevControl()
	s := h.root.CreateStream(control, requestID)

	headers := headersFromHTTP(r.Header)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	result := s.OnRequestHeaders(r.Method, scheme, r.Host, r.URL.RequestURI(), headers, r.ContentLength == 0)
	applyHeaderOverrides(r.Header, result.SetRequestHeaders)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, requestID, http.StatusBadRequest, "failed to read request body")
		return
	}

	if result.Action == stream.ActionPause {
		s.OnRequestBody(body, true)

		select {
		case reply := <-control.replyCh:
			writeLocalReply(w, reply)
			s.OnStreamDone()
			return
		case <-control.resumeCh:
			// fall through to forward upstream
		case <-time.After(devReplayTimeout):
			httputil.WriteJSONError(w, requestID, http.StatusGatewayTimeout, "replay lookup never completed")
			s.OnStreamDone()
			return
		}
	} else {
		s.OnRequestBody(body, true)
	}

	h.forwardUpstream(w, r, s, requestID, body)
	s.OnStreamDone()
}

// devReplayTimeout bounds how long the handler goroutine waits on a
// paused stream's lookup dispatch before giving up; production dispatch
// timeouts are enforced inside internal/localhost itself via context, so
// this only guards against a callback that never fires at all.
const devReplayTimeout = 5 * time.Second

func (h *proxyHandler) forwardUpstream(w http.ResponseWriter, r *http.Request, s *stream.Stream, requestID string, body []byte) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, h.upstream+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		httputil.WriteJSONError(w, requestID, http.StatusBadGateway, "failed to build upstream request")
		return
	}
	for _, hd := range headersFromHTTP(r.Header) {
		upstreamReq.Header.Add(hd.Name, hd.Value)
	}

	resp, err := h.httpClient.Do(upstreamReq)
	if err != nil {
		httputil.WriteJSONError(w, requestID, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		httputil.WriteJSONError(w, requestID, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	recorder := httputil.NewResponseRecorder(w)
	recorder.WriteHeader(resp.StatusCode)
	_, _ = recorder.Write(respBody)

	respHeaders := headersFromHTTP(resp.Header)
	s.OnResponseHeaders(recorder.Status(), respHeaders, recorder.BytesWritten() == 0)
	s.OnResponseBody(respBody[:recorder.BytesWritten()], true)
}

func writeLocalReply(w http.ResponseWriter, reply localReply) {
	for _, hd := range reply.headers {
		w.Header().Add(hd.Name, hd.Value)
	}
	recorder := httputil.NewResponseRecorder(w)
	recorder.WriteHeader(reply.status)
	_, _ = recorder.Write(reply.body)
}

func headersFromHTTP(h http.Header) []hostabi.HeaderPair {
	pairs := make([]hostabi.HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, hostabi.HeaderPair{Name: name, Value: v})
		}
	}
	return pairs
}

func applyHeaderOverrides(h http.Header, overrides []hostabi.HeaderPair) {
	for _, hd := range overrides {
		h.Set(hd.Name, hd.Value)
	}
}

