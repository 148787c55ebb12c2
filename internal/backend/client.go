// Package backend builds the HTTP requests the filter sends to the
// analytics backend's lookup and ingestion endpoints, dispatches them
// through the host ABI, and routes responses back to the caller that
// issued them by dispatch token.
package backend

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"sidecarcapture/internal/config"
	"sidecarcapture/internal/hostabi"
)

const (
	lookupPath = "/v1/inject"
	ingestPath = "/v1/traces"

	headerAPIKey        = "x-sp-api-key"
	headerServiceName   = "x-sp-service-name"
	headerContentType   = "content-type"
	headerContentLength = "content-length"
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// LookupRequest describes the in-flight request being offered to the
// backend's cache-lookup endpoint.
type LookupRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// LookupResponse is the opaque {status, headers, body} structure the
// backend supplies on a cache hit. The exact wire framing is unspecified
// upstream, so this filter defines and owns a small JSON schema for it.
type LookupResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// Callback receives the outcome of one dispatched call.
type Callback func(hostabi.DispatchResponse)

// Client owns the token -> callback registry. It is a singleton shared by
// the plugin root (for ingestion) and every stream (for lookups); exactly
// one Client is ever registered as the host's Responder.
type Client struct {
	host   hostabi.Host
	cfg    *config.Config
	mu     sync.Mutex
	byToken map[hostabi.Token]Callback
}

func New(host hostabi.Host, cfg *config.Config) *Client {
	c := &Client{host: host, cfg: cfg, byToken: make(map[hostabi.Token]Callback)}
	host.SetResponder(c)
	return c
}

// Deliver implements hostabi.Responder. A token that is not found means the
// owning stream already tore down; the response is discarded silently
// rather than routed anywhere.
func (c *Client) Deliver(token hostabi.Token, resp hostabi.DispatchResponse) {
	c.mu.Lock()
	cb, ok := c.byToken[token]
	if ok {
		delete(c.byToken, token)
	}
	c.mu.Unlock()
	if ok {
		cb(resp)
	}
}

// Forget drops a callback registration without waiting for a response —
// used when the owning stream tears down while a dispatch is still
// in-flight.
func (c *Client) Forget(token hostabi.Token) {
	c.mu.Lock()
	delete(c.byToken, token)
	c.mu.Unlock()
}

func (c *Client) dispatch(req hostabi.HTTPCallRequest, cb Callback) (hostabi.Token, error) {
	token, err := c.host.DispatchHTTPCall(c.cfg.BackendCluster, req, c.cfg.BackendTimeout)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.byToken[token] = cb
	c.mu.Unlock()
	return token, nil
}

// Lookup issues a cache-lookup call for a replay-eligible request.
func (c *Client) Lookup(method, path string, headers map[string]string, body []byte, cb Callback) (hostabi.Token, error) {
	payload, err := json.Marshal(LookupRequest{Method: method, Path: path, Headers: headers, Body: body})
	if err != nil {
		return 0, err
	}
	req := hostabi.HTTPCallRequest{
		Method:  "POST",
		Path:    lookupPath,
		Headers: c.baseHeaders(contentTypeJSON, int64(len(payload))),
		Body:    payload,
	}
	return c.dispatch(req, cb)
}

// Ingest issues an OTLP ingestion POST carrying an already-encoded
// ExportTraceServiceRequest payload.
func (c *Client) Ingest(encoded []byte, cb Callback) (hostabi.Token, error) {
	req := hostabi.HTTPCallRequest{
		Method:  "POST",
		Path:    ingestPath,
		Headers: c.baseHeaders(contentTypeProtobuf, int64(len(encoded))),
		Body:    encoded,
	}
	return c.dispatch(req, cb)
}

func (c *Client) baseHeaders(contentType string, contentLength int64) []hostabi.HeaderPair {
	headers := []hostabi.HeaderPair{
		{Name: headerContentType, Value: contentType},
		{Name: headerContentLength, Value: strconv.FormatInt(contentLength, 10)},
	}
	if c.cfg.APIKey != "" {
		headers = append(headers, hostabi.HeaderPair{Name: headerAPIKey, Value: c.cfg.APIKey})
	}
	if c.cfg.ServiceName != "" {
		headers = append(headers, hostabi.HeaderPair{Name: headerServiceName, Value: c.cfg.ServiceName})
	}
	return headers
}

// DecodeLookupResponse parses a 200 lookup response body into the
// {status, headers, body} descriptor used to send a local reply.
func DecodeLookupResponse(body []byte) (LookupResponse, error) {
	var resp LookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return LookupResponse{}, err
	}
	return resp, nil
}

// DefaultDispatchTimeout is a stand-alone per-call timeout value. Client
// itself does not use it: every dispatch is submitted with the configured
// cfg.BackendTimeout.
const DefaultDispatchTimeout = 2 * time.Second
