package config

import "testing"

func TestParseMinimalValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"sp_backend_url": "http://backend.local/",
		"sp_backend_cluster": "sp_backend",
		"traffic_direction": "outbound"
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BackendURL != "http://backend.local" {
		t.Errorf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL)
	}
	if cfg.Direction != DirectionOutbound {
		t.Errorf("Direction = %q", cfg.Direction)
	}
	if cfg.MaxRequestBody != DefaultMaxRequestBodyBytes {
		t.Errorf("MaxRequestBody = %d, want default", cfg.MaxRequestBody)
	}
	if cfg.BackendTimeout != DefaultBackendTimeout {
		t.Errorf("BackendTimeout = %v, want default", cfg.BackendTimeout)
	}
	if cfg.ReplayEnabled {
		t.Error("ReplayEnabled = true, want false when enable_inject is absent")
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("Parse accepted invalid JSON")
	}
}

func TestParseRequiresBackendURL(t *testing.T) {
	_, err := Parse([]byte(`{"sp_backend_cluster": "c", "traffic_direction": "outbound"}`))
	if err == nil {
		t.Fatal("Parse accepted a config with no sp_backend_url")
	}
}

func TestParseRequiresBackendCluster(t *testing.T) {
	_, err := Parse([]byte(`{"sp_backend_url": "http://b", "traffic_direction": "outbound"}`))
	if err == nil {
		t.Fatal("Parse accepted a config with no sp_backend_cluster")
	}
}

func TestParseRejectsInvalidDirection(t *testing.T) {
	_, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "sideways"
	}`))
	if err == nil {
		t.Fatal("Parse accepted an invalid traffic_direction")
	}
}

func TestParseRejectsInvalidHostRegexp(t *testing.T) {
	_, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "outbound",
		"collectionRules.http": {"client": [{"host": "("}]}
	}`))
	if err == nil {
		t.Fatal("Parse accepted an invalid host regexp")
	}
}

func TestParseRejectsInvalidPathRegexp(t *testing.T) {
	_, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "outbound",
		"collectionRules.http": {"client": [{"paths": ["("]}]}
	}`))
	if err == nil {
		t.Fatal("Parse accepted an invalid path regexp")
	}
}

func TestParseMergesDefaultAndCustomRedactHeaders(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "outbound",
		"redact_headers": ["X-Custom-Secret"]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.RedactHeaders["authorization"] {
		t.Error("default redact set dropped authorization")
	}
	if !cfg.RedactHeaders["x-custom-secret"] {
		t.Error("custom redact header not lowered/merged")
	}
}

func TestParseAppliesOverridesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "outbound",
		"max_request_body_bytes": 1024,
		"backend_timeout_ms": 500,
		"max_batch_spans": 10,
		"retry_count": 1
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MaxRequestBody != 1024 {
		t.Errorf("MaxRequestBody = %d", cfg.MaxRequestBody)
	}
	if cfg.BackendTimeout.Milliseconds() != 500 {
		t.Errorf("BackendTimeout = %v", cfg.BackendTimeout)
	}
	if cfg.MaxBatchSpans != 10 {
		t.Errorf("MaxBatchSpans = %d", cfg.MaxBatchSpans)
	}
	if cfg.IngestRetryCount != 1 {
		t.Errorf("IngestRetryCount = %d", cfg.IngestRetryCount)
	}
}

func TestRulesForDirectionSelectsMatchingSet(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"sp_backend_url": "http://b",
		"sp_backend_cluster": "c",
		"traffic_direction": "inbound",
		"collectionRules.http": {
			"client": [{"host": "client-only"}],
			"server": [{"host": "server-only"}]
		}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rules := cfg.RulesForDirection()
	if len(rules) != 1 {
		t.Fatalf("RulesForDirection returned %d rules, want 1", len(rules))
	}
	if !rules[0].HostRegexp.MatchString("server-only") {
		t.Error("inbound direction did not select the server rule set")
	}
}

func TestRulesForDirectionNilConfig(t *testing.T) {
	var cfg *Config
	if rules := cfg.RulesForDirection(); rules != nil {
		t.Errorf("nil *Config.RulesForDirection() = %v, want nil", rules)
	}
}
