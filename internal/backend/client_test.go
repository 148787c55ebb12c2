package backend

import (
	"encoding/json"
	"testing"

	"sidecarcapture/internal/config"
	"sidecarcapture/internal/fakehost"
	"sidecarcapture/internal/hostabi"
)

func testConfig() *config.Config {
	cfg, err := config.Parse([]byte(`{
		"sp_backend_url": "http://backend.local",
		"sp_backend_cluster": "sp_backend",
		"traffic_direction": "outbound",
		"api_key": "test-key",
		"service_name": "checkout"
	}`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestLookupDispatchesCorrectPayload(t *testing.T) {
	host := fakehost.New()
	client := New(host, testConfig())

	_, err := client.Lookup("GET", "/v1/users", map[string]string{"x-h": "v"}, []byte("body"), func(hostabi.DispatchResponse) {})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	req, ok := host.LastRequest("sp_backend")
	if !ok {
		t.Fatal("no request dispatched to sp_backend")
	}
	if req.Method != "POST" {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if req.Path != "/v1/inject" {
		t.Errorf("Path = %q, want /v1/inject", req.Path)
	}

	var body LookupRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("request body not valid JSON: %v", err)
	}
	if body.Method != "GET" || body.Path != "/v1/users" {
		t.Errorf("decoded lookup request = %+v", body)
	}

	foundAPIKey := false
	for _, h := range req.Headers {
		if h.Name == "x-sp-api-key" && h.Value == "test-key" {
			foundAPIKey = true
		}
	}
	if !foundAPIKey {
		t.Error("api key header missing from dispatched request")
	}
}

func TestLookupCallbackReceivesDeliveredResponse(t *testing.T) {
	host := fakehost.New()
	client := New(host, testConfig())

	var got hostabi.DispatchResponse
	called := false
	_, err := client.Lookup("GET", "/p", nil, nil, func(resp hostabi.DispatchResponse) {
		called = true
		got = resp
	})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if !host.Respond("sp_backend", hostabi.DispatchResponse{Status: 200, Body: []byte(`{"status":200}`)}) {
		t.Fatal("Respond found no matching pending call")
	}
	if !called {
		t.Fatal("callback was never invoked")
	}
	if got.Status != 200 {
		t.Errorf("delivered Status = %d, want 200", got.Status)
	}
}

func TestDeliverDiscardsUnknownToken(t *testing.T) {
	host := fakehost.New()
	client := New(host, testConfig())

	// No dispatch has ever been issued, so this token is unknown. Deliver
	// must not panic and must not find a callback to invoke.
	client.Deliver(hostabi.Token(999), hostabi.DispatchResponse{Status: 200})
}

func TestForgetDropsCallbackBeforeDelivery(t *testing.T) {
	host := fakehost.New()
	client := New(host, testConfig())

	called := false
	token, err := client.Lookup("GET", "/p", nil, nil, func(hostabi.DispatchResponse) {
		called = true
	})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	client.Forget(token)
	client.Deliver(token, hostabi.DispatchResponse{Status: 200})

	if called {
		t.Error("callback fired after Forget; orphaned dispatch must be discarded silently")
	}
}

func TestDispatchSubmissionFailurePropagatesError(t *testing.T) {
	host := fakehost.New()
	host.SubmitError = fakehost.ErrSubmitFailed
	client := New(host, testConfig())

	_, err := client.Ingest([]byte("payload"), func(hostabi.DispatchResponse) {})
	if err == nil {
		t.Fatal("expected Ingest to propagate the host's submission error")
	}
}

func TestDecodeLookupResponseRoundTrip(t *testing.T) {
	raw := []byte(`{"status": 204, "headers": {"x-cache": "hit"}, "body": "aGVsbG8="}`)
	resp, err := DecodeLookupResponse(raw)
	if err != nil {
		t.Fatalf("DecodeLookupResponse: %v", err)
	}
	if resp.Status != 204 {
		t.Errorf("Status = %d, want 204", resp.Status)
	}
	if resp.Headers["x-cache"] != "hit" {
		t.Errorf("Headers = %v", resp.Headers)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Body = %q, want %q", resp.Body, "hello")
	}
}

func TestDecodeLookupResponseRejectsInvalidJSON(t *testing.T) {
	if _, err := DecodeLookupResponse([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding invalid JSON")
	}
}
