// Package localhost implements hostabi.Host over a real net/http client
// and a wall clock, so the plugin core can run as an ordinary local
// process for development and manual testing instead of inside a
// Proxy-WASM sandbox.
package localhost

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sidecarcapture/internal/hostabi"
)

// Host dispatches HTTPCallRequests as real outbound HTTP calls against a
// fixed base URL (the backend) and drives a registered tick callback off
// a time.Ticker instead of the host runtime's timer wheel.
type Host struct {
	baseURL    string
	httpClient *http.Client

	mu         sync.Mutex
	responder  hostabi.Responder
	properties map[string]string
	tickFunc   func()
	tickStop   chan struct{}

	nextToken atomic.Uint32
}

// New returns a Host that dispatches against baseURL (the configured
// backend cluster's address). properties seeds the GetProperty table,
// typically sourced from environment variables in cmd/sidecar-devserver.
func New(baseURL string, properties map[string]string) *Host {
	if properties == nil {
		properties = make(map[string]string)
	}
	return &Host{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		properties: properties,
	}
}

// SetOnTick registers the function invoked every tick period.
// cmd/sidecar-devserver calls this once at startup with the plugin root's
// OnTick.
func (h *Host) SetOnTick(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickFunc = fn
}

func (h *Host) SetResponder(r hostabi.Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = r
}

func (h *Host) GetProperty(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.properties[path]
	return v, ok
}

func (h *Host) SetTickPeriod(period time.Duration) {
	h.mu.Lock()
	if h.tickStop != nil {
		close(h.tickStop)
		h.tickStop = nil
	}
	if period <= 0 {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.tickStop = stop
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.mu.Lock()
				fn := h.tickFunc
				h.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
	}()
}

func (h *Host) Now() time.Time {
	return time.Now()
}

// DispatchHTTPCall issues req against baseURL+req.Path in a background
// goroutine and returns a token immediately; the eventual response (or
// failure) is delivered to the registered Responder, mirroring the
// asynchronous proxy-wasm dispatch contract.
func (h *Host) DispatchHTTPCall(cluster string, req hostabi.HTTPCallRequest, timeout time.Duration) (hostabi.Token, error) {
	h.mu.Lock()
	responder := h.responder
	h.mu.Unlock()
	if responder == nil {
		return 0, hostabi.ErrNoResponder
	}

	token := hostabi.Token(h.nextToken.Add(1))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, h.baseURL+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			responder.Deliver(token, hostabi.DispatchResponse{Failed: true, Reason: err.Error()})
			return
		}
		for _, hd := range req.Headers {
			httpReq.Header.Add(hd.Name, hd.Value)
		}

		resp, err := h.httpClient.Do(httpReq)
		if err != nil {
			responder.Deliver(token, hostabi.DispatchResponse{Failed: true, Reason: err.Error()})
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			responder.Deliver(token, hostabi.DispatchResponse{Failed: true, Reason: err.Error()})
			return
		}

		headers := make([]hostabi.HeaderPair, 0, len(resp.Header))
		for name, values := range resp.Header {
			for _, v := range values {
				headers = append(headers, hostabi.HeaderPair{Name: name, Value: v})
			}
		}

		responder.Deliver(token, hostabi.DispatchResponse{
			Status:  resp.StatusCode,
			Headers: headers,
			Body:    body,
		})
	}()

	return token, nil
}

// PropertiesFromEnv builds the GetProperty seed table the dev harness
// passes to New, mapping proxy node-metadata property paths onto the
// environment variables an operator would set for a local run.
func PropertiesFromEnv() map[string]string {
	props := make(map[string]string)
	if v := os.Getenv("SP_WORKLOAD_NAME"); v != "" {
		props["node.metadata.WORKLOAD_NAME"] = v
	}
	if v := os.Getenv("SP_NAMESPACE"); v != "" {
		props["node.metadata.NAMESPACE"] = v
	}
	if v := os.Getenv("SP_HOST_NAME"); v != "" {
		props["node.metadata.HOST_NAME"] = v
	}
	if v := os.Getenv("SP_POD_NAME"); v != "" {
		props["node.metadata.POD_NAME"] = v
	}
	return props
}
