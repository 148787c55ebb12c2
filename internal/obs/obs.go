package obs

import "time"

// RequestContext is the per-stream summary fed to LogAccess and the
// internal metrics once a transaction reaches DONE.
type RequestContext struct {
	RequestID         string
	Direction         string
	Method            string
	Host              string
	Path              string
	Captured          bool
	ReplayVerdict     string // "n/a", "hit", "miss"
	Status            int
	Duration          time.Duration
	RequestBodySize   int64
	ResponseBodySize  int64
	RequestTruncated  bool
	ResponseTruncated bool
	DispatchOutcome   string // "n/a", "ok", "failed", "skipped"
	UserAgent         string
	RemoteAddr        string
}
