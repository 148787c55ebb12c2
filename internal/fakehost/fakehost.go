// Package fakehost implements hostabi.Host for unit and integration tests.
// Dispatches are queued rather than executed; the test drives delivery
// explicitly via Respond/RespondToken so assertions can pin down ordering
// without racing a real network call.
package fakehost

import (
	"errors"
	"sync"
	"time"

	"sidecarcapture/internal/hostabi"
)

type pendingCall struct {
	token   hostabi.Token
	cluster string
	req     hostabi.HTTPCallRequest
	timeout time.Duration
}

// Host is a deterministic, single-threaded fake of the proxy-wasm host.
type Host struct {
	mu         sync.Mutex
	now        time.Time
	responder  hostabi.Responder
	nextToken  hostabi.Token
	pending    []pendingCall
	properties map[string]string
	tickPeriod time.Duration

	// SubmitError, when set, is returned by DispatchHTTPCall instead of a
	// token — simulates "unknown cluster" / "queue full" submission
	// failures.
	SubmitError error
}

func New() *Host {
	return &Host{
		now:        time.Unix(1700000000, 0).UTC(),
		properties: make(map[string]string),
		nextToken:  1,
	}
}

func (h *Host) SetProperty(path, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.properties[path] = value
}

func (h *Host) SetNow(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t
}

func (h *Host) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *Host) GetProperty(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.properties[path]
	return value, ok
}

func (h *Host) SetResponder(r hostabi.Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = r
}

func (h *Host) SetTickPeriod(period time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickPeriod = period
}

func (h *Host) TickPeriod() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tickPeriod
}

func (h *Host) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *Host) DispatchHTTPCall(cluster string, req hostabi.HTTPCallRequest, timeout time.Duration) (hostabi.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SubmitError != nil {
		return 0, h.SubmitError
	}
	token := h.nextToken
	h.nextToken++
	h.pending = append(h.pending, pendingCall{token: token, cluster: cluster, req: req, timeout: timeout})
	return token, nil
}

// PendingCount reports how many dispatched calls await a response.
func (h *Host) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Respond delivers resp for the oldest pending call matching cluster, in
// FIFO order, simulating the host's eventual callback.
func (h *Host) Respond(cluster string, resp hostabi.DispatchResponse) bool {
	h.mu.Lock()
	var call pendingCall
	found := false
	remaining := h.pending[:0]
	for _, p := range h.pending {
		if !found && p.cluster == cluster {
			call = p
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	h.pending = remaining
	responder := h.responder
	h.mu.Unlock()
	if !found {
		return false
	}
	if responder != nil {
		responder.Deliver(call.token, resp)
	}
	return true
}

// RespondToken delivers resp for a specific token, regardless of cluster.
func (h *Host) RespondToken(token hostabi.Token, resp hostabi.DispatchResponse) bool {
	h.mu.Lock()
	idx := -1
	for i, p := range h.pending {
		if p.token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return false
	}
	h.pending = append(h.pending[:idx], h.pending[idx+1:]...)
	responder := h.responder
	h.mu.Unlock()
	if responder != nil {
		responder.Deliver(token, resp)
	}
	return true
}

// LastRequest returns the most recently dispatched call to cluster, without
// consuming it, for assertions on request shape.
func (h *Host) LastRequest(cluster string) (hostabi.HTTPCallRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.pending) - 1; i >= 0; i-- {
		if h.pending[i].cluster == cluster {
			return h.pending[i].req, true
		}
	}
	return hostabi.HTTPCallRequest{}, false
}

var ErrSubmitFailed = errors.New("fakehost: dispatch submission failed")
