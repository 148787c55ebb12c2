package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// AccessLogEntry is one line of the structured capture log.
type AccessLogEntry struct {
	Tag               string `json:"tag"`
	Timestamp         string `json:"ts"`
	RequestID         string `json:"request_id"`
	Direction         string `json:"direction"`
	Method            string `json:"method"`
	Host              string `json:"host"`
	Path              string `json:"path"`
	Captured          bool   `json:"captured"`
	ReplayVerdict     string `json:"replay"`
	Status            int    `json:"status"`
	DurationMS        int64  `json:"duration_ms"`
	RequestBodySize   int64  `json:"request_body_size"`
	ResponseBodySize  int64  `json:"response_body_size"`
	RequestTruncated  bool   `json:"request_truncated"`
	ResponseTruncated bool   `json:"response_truncated"`
	DispatchOutcome   string `json:"dispatch_outcome"`
	UserAgent         string `json:"user_agent,omitempty"`
	RemoteAddr        string `json:"remote_addr,omitempty"`
}

const accessLogTag = "SP"

// LogAccess writes one JSON object to stdout for a completed stream.
func LogAccess(ctx RequestContext) {
	entry := AccessLogEntry{
		Tag:               accessLogTag,
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:         defaultString(ctx.RequestID, "none"),
		Direction:         defaultString(ctx.Direction, "unknown"),
		Method:            ctx.Method,
		Host:              ctx.Host,
		Path:              ctx.Path,
		Captured:          ctx.Captured,
		ReplayVerdict:     defaultString(ctx.ReplayVerdict, "n/a"),
		Status:            ctx.Status,
		DurationMS:        ctx.Duration.Milliseconds(),
		RequestBodySize:   ctx.RequestBodySize,
		ResponseBodySize:  ctx.ResponseBodySize,
		RequestTruncated:  ctx.RequestTruncated,
		ResponseTruncated: ctx.ResponseTruncated,
		DispatchOutcome:   defaultString(ctx.DispatchOutcome, "n/a"),
		UserAgent:         ctx.UserAgent,
		RemoteAddr:        ctx.RemoteAddr,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stdout, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = os.Stdout.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// RedactHeaderValue masks value if name is in the configured sensitive set.
func RedactHeaderValue(redact map[string]bool, name, value string) string {
	if name == "" {
		return value
	}
	if redact[strings.ToLower(name)] {
		return "[redacted]"
	}
	return value
}
