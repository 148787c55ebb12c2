// Package config parses and validates the filter's load-time JSON
// configuration into an immutable, regex-compiled view every other
// component references by pointer.
package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Direction selects which collection-rule set applies and the span kind.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RuleConfig is the raw, uncompiled shape of one collection rule as it
// appears in the JSON document.
type RuleConfig struct {
	Host    string   `json:"host"`
	Paths   []string `json:"paths"`
	Methods []string `json:"methods"`
	Exclude bool     `json:"exclude"`
}

// CollectionRules groups the client/server rule sets named in the config
// document.
type CollectionRules struct {
	Client []RuleConfig `json:"client"`
	Server []RuleConfig `json:"server"`
}

// Raw mirrors the on-disk JSON document exactly (snake_case keys, except
// the camelCase "collectionRules.http" rule block).
type Raw struct {
	BackendURL       string          `json:"sp_backend_url"`
	BackendCluster   string          `json:"sp_backend_cluster"`
	APIKey           string          `json:"api_key"`
	ServiceName      string          `json:"service_name"`
	TrafficDirection string          `json:"traffic_direction"`
	EnableInject     bool            `json:"enable_inject"`
	CollectionRules  CollectionRules `json:"collectionRules.http"`
	MaxRequestBody   int64           `json:"max_request_body_bytes"`
	MaxResponseBody  int64           `json:"max_response_body_bytes"`
	BackendTimeoutMS int64           `json:"backend_timeout_ms"`
	FlushIntervalMS  int64           `json:"flush_interval_ms"`
	MaxBatchSpans    int             `json:"max_batch_spans"`
	MaxQueuedBytes   int64           `json:"max_queued_bytes"`
	IngestRetryCount int             `json:"retry_count"`
	RedactHeaders    []string        `json:"redact_headers"`
}

const (
	DefaultMaxRequestBodyBytes  int64 = 5 * 1024 * 1024
	DefaultMaxResponseBodyBytes int64 = 5 * 1024 * 1024
	DefaultBackendTimeout             = 2 * time.Second
	DefaultFlushInterval              = time.Second
	DefaultMaxBatchSpans        int   = 100
	DefaultMaxQueuedBytes       int64 = 8 * 1024 * 1024
	DefaultIngestRetryCount     int   = 3
)

var defaultRedactHeaders = []string{
	"authorization", "cookie", "set-cookie", "proxy-authorization", "x-api-key",
}

// CompiledRule is a RuleConfig with its host/path patterns pre-compiled and
// its method set lowered into a lookup map.
type CompiledRule struct {
	HostRegexp *regexp.Regexp
	PathRegexp []*regexp.Regexp
	Methods    map[string]bool
	Exclude    bool
}

// Config is the immutable, validated, load-time view of the plugin
// configuration. It is built once by Parse and never mutated afterward;
// every stream and the plugin root reference the same instance.
type Config struct {
	BackendURL       string
	BackendCluster   string
	APIKey           string
	ServiceName      string
	Direction        Direction
	ReplayEnabled    bool
	ClientRules      []CompiledRule
	ServerRules      []CompiledRule
	MaxRequestBody   int64
	MaxResponseBody  int64
	BackendTimeout   time.Duration
	FlushInterval    time.Duration
	MaxBatchSpans    int
	MaxQueuedBytes   int64
	IngestRetryCount int
	RedactHeaders    map[string]bool
}

// Parse parses, validates and compiles the raw configuration bytes. It
// fails loudly — no partial configuration is ever returned.
func Parse(data []byte) (*Config, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid json: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw Raw) (*Config, error) {
	if strings.TrimSpace(raw.BackendURL) == "" {
		return nil, fmt.Errorf("config: sp_backend_url is required")
	}
	if strings.TrimSpace(raw.BackendCluster) == "" {
		return nil, fmt.Errorf("config: sp_backend_cluster is required")
	}

	direction := Direction(strings.ToLower(strings.TrimSpace(raw.TrafficDirection)))
	if direction != DirectionInbound && direction != DirectionOutbound {
		return nil, fmt.Errorf("config: traffic_direction must be %q or %q, got %q", DirectionInbound, DirectionOutbound, raw.TrafficDirection)
	}

	clientRules, err := compileRules(raw.CollectionRules.Client)
	if err != nil {
		return nil, fmt.Errorf("config: collectionRules.http.client: %w", err)
	}
	serverRules, err := compileRules(raw.CollectionRules.Server)
	if err != nil {
		return nil, fmt.Errorf("config: collectionRules.http.server: %w", err)
	}

	redact := make(map[string]bool, len(defaultRedactHeaders)+len(raw.RedactHeaders))
	for _, name := range defaultRedactHeaders {
		redact[strings.ToLower(name)] = true
	}
	for _, name := range raw.RedactHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			redact[name] = true
		}
	}

	cfg := &Config{
		BackendURL:       strings.TrimRight(raw.BackendURL, "/"),
		BackendCluster:   raw.BackendCluster,
		APIKey:           raw.APIKey,
		ServiceName:      raw.ServiceName,
		Direction:        direction,
		ReplayEnabled:    raw.EnableInject,
		ClientRules:      clientRules,
		ServerRules:      serverRules,
		MaxRequestBody:   positiveOrDefault(raw.MaxRequestBody, DefaultMaxRequestBodyBytes),
		MaxResponseBody:  positiveOrDefault(raw.MaxResponseBody, DefaultMaxResponseBodyBytes),
		BackendTimeout:   durationOrDefault(raw.BackendTimeoutMS, DefaultBackendTimeout),
		FlushInterval:    durationOrDefault(raw.FlushIntervalMS, DefaultFlushInterval),
		MaxBatchSpans:    intOrDefault(raw.MaxBatchSpans, DefaultMaxBatchSpans),
		MaxQueuedBytes:   positiveOrDefault(raw.MaxQueuedBytes, DefaultMaxQueuedBytes),
		IngestRetryCount: intOrDefault(raw.IngestRetryCount, DefaultIngestRetryCount),
		RedactHeaders:    redact,
	}
	return cfg, nil
}

func compileRules(raw []RuleConfig) ([]CompiledRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiled := make([]CompiledRule, 0, len(raw))
	for i, rule := range raw {
		var hostRe *regexp.Regexp
		if rule.Host != "" {
			re, err := regexp.Compile(rule.Host)
			if err != nil {
				return nil, fmt.Errorf("rule[%d] host regexp: %w", i, err)
			}
			hostRe = re
		}
		pathRes := make([]*regexp.Regexp, 0, len(rule.Paths))
		for _, p := range rule.Paths {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule[%d] path regexp %q: %w", i, p, err)
			}
			pathRes = append(pathRes, re)
		}
		var methods map[string]bool
		if len(rule.Methods) > 0 {
			methods = make(map[string]bool, len(rule.Methods))
			for _, m := range rule.Methods {
				if m == "" {
					continue
				}
				methods[strings.ToUpper(m)] = true
			}
		}
		compiled = append(compiled, CompiledRule{
			HostRegexp: hostRe,
			PathRegexp: pathRes,
			Methods:    methods,
			Exclude:    rule.Exclude,
		})
	}
	return compiled, nil
}

func positiveOrDefault(v int64, fallback int64) int64 {
	if v <= 0 {
		return fallback
	}
	return v
}

func intOrDefault(v int, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func durationOrDefault(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// RulesForDirection returns the rule set matching this config's traffic
// direction: client rules for outbound captures, server rules for inbound.
func (c *Config) RulesForDirection() []CompiledRule {
	if c == nil {
		return nil
	}
	if c.Direction == DirectionOutbound {
		return c.ClientRules
	}
	return c.ServerRules
}
